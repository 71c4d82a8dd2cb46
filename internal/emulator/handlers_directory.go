package emulator

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func caller(r *http.Request) string {
	u, _ := UserFrom(r.Context())
	return u.Username
}

// ListUsers handles GET /api/users.json.
//
//	@Summary	List user accounts
//	@Tags		users
//	@Produce	json
//	@Param		pk					query	int		false	"User pk"
//	@Param		pk__in				query	string	false	"Comma separated pks"
//	@Param		username			query	string	false	"Exact username"
//	@Param		username__icontains	query	string	false	"Username fragment"
//	@Security	BearerAuth
//	@Router		/users.json [get]
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListUsers(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list users", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) ListTeams(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListTeams(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list teams", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var spec TeamSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	t, err := h.svc.CreateTeam(r.Context(), spec, caller(r))
	if err != nil {
		writeError(w, r, "create team", err)
		return
	}
	writeOne(w, http.StatusCreated, t)
}

func (h *Handler) GetTeam(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get team", err)
		return
	}
	writeOne(w, http.StatusOK, t)
}

func (h *Handler) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	var patch TeamPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	t, err := h.svc.UpdateTeam(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "update team", err)
		return
	}
	writeOne(w, http.StatusOK, t)
}

func (h *Handler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteTeam(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, "delete team", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddTeamMembers handles PUT /api/teams/{id}/add_members.
func (h *Handler) AddTeamMembers(w http.ResponseWriter, r *http.Request) {
	var patch MembersPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	t, err := h.svc.AddMembers(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "add team members", err)
		return
	}
	writeOne(w, http.StatusOK, t)
}

// RemoveTeamMembers handles PUT /api/teams/{id}/remove_members.
func (h *Handler) RemoveTeamMembers(w http.ResponseWriter, r *http.Request) {
	var patch MembersPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	t, err := h.svc.RemoveMembers(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "remove team members", err)
		return
	}
	writeOne(w, http.StatusOK, t)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListNotifications(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list notifications", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var spec NotificationSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	n, err := h.svc.CreateNotification(r.Context(), spec, caller(r))
	if err != nil {
		writeError(w, r, "create notification", err)
		return
	}
	writeOne(w, http.StatusCreated, n)
}

func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.GetNotification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get notification", err)
		return
	}
	writeOne(w, http.StatusOK, n)
}

func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNotification(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, "delete notification", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
