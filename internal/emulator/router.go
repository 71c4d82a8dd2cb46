package emulator

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// NewRouter mounts the REST API of h. Versions, login, health and metrics
// are public; every other route requires a bearer token.
func NewRouter(h *Handler, reg *prometheus.Registry, allowedOrigins []string) chi.Router {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kechain",
		Subsystem: "emulator",
		Name:      "requests_total",
		Help:      "Requests served by the emulator, by route and status.",
	}, []string{"method", "route", "code"})
	reg.MustRegister(requests)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)
	r.Use(countRequests(h.stats, requests))

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/api/versions.json", h.Versions)
	r.Post("/api/v3/auth/token", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.auth))

		r.Get("/api/v3/scopes.json", h.ListScopes)
		r.Post("/api/v3/scopes.json", h.CreateScope)
		r.Get("/api/v3/scopes/{id}.json", h.GetScope)
		r.Put("/api/v3/scopes/{id}.json", h.UpdateScope)
		r.Delete("/api/v3/scopes/{id}.json", h.DeleteScope)

		r.Get("/api/v3/parts.json", h.ListParts)
		r.Get("/api/v3/parts/{id}.json", h.GetPart)
		r.Put("/api/v3/parts/{id}.json", h.UpdatePart)
		r.Delete("/api/v3/parts/{id}.json", h.DeletePart)
		r.Post("/api/v3/parts/new_instance", h.NewInstance)
		r.Post("/api/v3/parts/create_child_model", h.CreateChildModel)

		r.Get("/api/v3/properties.json", h.ListProperties)
		r.Get("/api/v3/properties/{id}.json", h.GetProperty)
		r.Put("/api/v3/properties/{id}.json", h.UpdateProperty)
		r.Delete("/api/v3/properties/{id}.json", h.DeleteProperty)
		r.Post("/api/v3/properties/create_model", h.CreatePropertyModel)
		r.Post("/api/v3/properties/bulk_update", h.BulkUpdateProperties)
		r.Post("/api/v3/properties/{id}/upload", h.UploadAttachment)
		r.Get("/api/v3/properties/{id}/download", h.DownloadAttachment)

		r.Get("/api/v3/activities.json", h.ListActivities)
		r.Post("/api/v3/activities.json", h.CreateActivity)
		r.Get("/api/v3/activities/{id}.json", h.GetActivity)
		r.Put("/api/v3/activities/{id}.json", h.UpdateActivity)
		r.Delete("/api/v3/activities/{id}.json", h.DeleteActivity)
		r.Get("/api/v3/activities/{id}/export", h.ExportActivity)
		r.Get("/api/v3/downloads/{id}.json", h.PollDownload)
		r.Get("/api/v3/downloads/{id}/download", h.DownloadFile)

		r.Get("/api/widgets.json", h.ListWidgets)
		r.Post("/api/widgets.json", h.CreateWidget)
		r.Put("/api/widgets/{id}.json", h.UpdateWidget)
		r.Delete("/api/widgets/{id}.json", h.DeleteWidget)
		r.Post("/api/widgets/bulk_create", h.BulkCreateWidgets)
		r.Post("/api/widgets/bulk_update", h.BulkUpdateWidgets)
		r.Post("/api/widgets/bulk_delete", h.BulkDeleteWidgets)

		r.Get("/api/users.json", h.ListUsers)
		r.Get("/api/teams.json", h.ListTeams)
		r.Post("/api/teams.json", h.CreateTeam)
		r.Get("/api/teams/{id}.json", h.GetTeam)
		r.Put("/api/teams/{id}.json", h.UpdateTeam)
		r.Delete("/api/teams/{id}.json", h.DeleteTeam)
		r.Put("/api/teams/{id}/add_members", h.AddTeamMembers)
		r.Put("/api/teams/{id}/remove_members", h.RemoveTeamMembers)

		r.Get("/api/services.json", h.ListScripts)
		r.Post("/api/services.json", h.CreateScript)
		r.Get("/api/services/{id}.json", h.GetScript)
		r.Put("/api/services/{id}.json", h.UpdateScript)
		r.Delete("/api/services/{id}.json", h.DeleteScript)
		r.Get("/api/services/{id}/execute", h.ExecuteScript)
		r.Post("/api/services/{id}/upload", h.UploadScript)
		r.Get("/api/services/{id}/download", h.DownloadScript)
		r.Get("/api/service_executions.json", h.ListExecutions)
		r.Get("/api/service_executions/{id}.json", h.GetExecution)
		r.Get("/api/service_executions/{id}/terminate", h.TerminateExecution)
		r.Get("/api/service_executions/{id}/log", h.ExecutionLog)
		r.Get("/api/service_executions/{id}/notebook_url", h.NotebookURL)

		r.Get("/api/v3/notifications.json", h.ListNotifications)
		r.Post("/api/v3/notifications.json", h.CreateNotification)
		r.Get("/api/v3/notifications/{id}.json", h.GetNotification)
		r.Delete("/api/v3/notifications/{id}.json", h.DeleteNotification)

		if h.events != nil {
			r.Get("/api/v3/kevents", h.events.ServeHTTP)
		}
	})

	return r
}

// echoRequestID returns the request id to the caller.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}
