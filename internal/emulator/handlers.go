package emulator

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kechain/internal/sse"
)

// Handler holds the REST route handlers.
type Handler struct {
	svc    *Service
	auth   *authenticator
	events *sse.Broker
	stats  *Stats
}

// kevent announces a change unless the request asked to suppress it.
func (h *Handler) kevent(r *http.Request, action, resource, id, scopeID string) {
	suppressed := r.URL.Query().Get("suppress_kevents") == "true"
	h.stats.kevent(suppressed)
	if suppressed || h.events == nil {
		return
	}
	h.events.PublishKevent(sse.Kevent{Action: action, Resource: resource, ID: id, ScopeID: scopeID})
}

// Versions handles GET /api/versions.json.
//
//	@Summary	List backend application versions
//	@Tags		meta
//	@Produce	json
//	@Success	200	{object}	listResponse[Version]
//	@Router		/versions.json [get]
func (h *Handler) Versions(w http.ResponseWriter, r *http.Request) {
	versions := h.svc.Versions(r.Context())
	writeResults(w, http.StatusOK, versions, len(versions))
}

// Login handles POST /api/v3/auth/token.
//
//	@Summary	Exchange credentials for a session token
//	@Tags		auth
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Failure	401	{object}	errResponse
//	@Router		/v3/auth/token [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("unable to log in with provided credentials"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ListScopes handles GET /api/v3/scopes.json.
//
//	@Summary	List scopes
//	@Tags		scopes
//	@Produce	json
//	@Param		name			query	string	false	"Exact name"
//	@Param		status			query	string	false	"Scope status"
//	@Param		tags__contains	query	string	false	"Tag"
//	@Param		limit			query	int		false	"Page size"
//	@Param		offset			query	int		false	"Page offset"
//	@Security	BearerAuth
//	@Router		/v3/scopes.json [get]
func (h *Handler) ListScopes(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListScopes(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list scopes", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) CreateScope(w http.ResponseWriter, r *http.Request) {
	var spec ScopeSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	sc, err := h.svc.CreateScope(r.Context(), spec)
	if err != nil {
		writeError(w, r, "create scope", err)
		return
	}
	h.kevent(r, "created", "scope", sc.ID, sc.ID)
	writeOne(w, http.StatusCreated, sc)
}

func (h *Handler) GetScope(w http.ResponseWriter, r *http.Request) {
	sc, err := h.svc.GetScope(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get scope", err)
		return
	}
	writeOne(w, http.StatusOK, sc)
}

func (h *Handler) UpdateScope(w http.ResponseWriter, r *http.Request) {
	var patch ScopePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	sc, err := h.svc.UpdateScope(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "update scope", err)
		return
	}
	h.kevent(r, "updated", "scope", sc.ID, sc.ID)
	writeOne(w, http.StatusOK, sc)
}

func (h *Handler) DeleteScope(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteScope(r.Context(), id); err != nil {
		writeError(w, r, "delete scope", err)
		return
	}
	h.kevent(r, "deleted", "scope", id, id)
	w.WriteHeader(http.StatusNoContent)
}
