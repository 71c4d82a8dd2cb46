package emulator

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) ListScripts(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListScripts(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list services", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) CreateScript(w http.ResponseWriter, r *http.Request) {
	var spec ScriptSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	sc, err := h.svc.CreateScript(r.Context(), spec)
	if err != nil {
		writeError(w, r, "create service", err)
		return
	}
	h.kevent(r, "created", "service", sc.ID, sc.ScopeID)
	writeOne(w, http.StatusCreated, sc)
}

func (h *Handler) GetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := h.svc.GetScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get service", err)
		return
	}
	writeOne(w, http.StatusOK, sc)
}

func (h *Handler) UpdateScript(w http.ResponseWriter, r *http.Request) {
	var patch ScriptPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	sc, err := h.svc.UpdateScript(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "update service", err)
		return
	}
	h.kevent(r, "updated", "service", sc.ID, sc.ScopeID)
	writeOne(w, http.StatusOK, sc)
}

func (h *Handler) DeleteScript(w http.ResponseWriter, r *http.Request) {
	sc, err := h.svc.DeleteScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "delete service", err)
		return
	}
	h.kevent(r, "deleted", "service", sc.ID, sc.ScopeID)
	w.WriteHeader(http.StatusNoContent)
}

// UploadScript handles POST /api/services/{id}/upload (multipart/form-data,
// field "attachment") and answers 202 Accepted.
func (h *Handler) UploadScript(w http.ResponseWriter, r *http.Request) {
	name, data, ok := readUpload(w, r)
	if !ok {
		return
	}
	sc, err := h.svc.UploadScript(r.Context(), chi.URLParam(r, "id"), name, data)
	if err != nil {
		writeError(w, r, "upload script", err)
		return
	}
	writeOne(w, http.StatusAccepted, sc)
}

func (h *Handler) DownloadScript(w http.ResponseWriter, r *http.Request) {
	data, name, err := h.svc.DownloadScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "download script", err)
		return
	}
	writeFile(w, name, data)
}

// ExecuteScript handles GET /api/services/{id}/execute. It answers 202 with
// the new execution, or 409 while the service is still running.
//
//	@Summary	Execute a service
//	@Tags		services
//	@Produce	json
//	@Param		interactive	query	bool	false	"Run a notebook interactively"
//	@Param		activity_id	query	string	false	"Activity the run is started from"
//	@Success	202	{object}	listResponse[Execution]
//	@Failure	409	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/services/{id}/execute [get]
func (h *Handler) ExecuteScript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interactive, _ := strconv.ParseBool(q.Get("interactive"))
	x, err := h.svc.Execute(r.Context(), chi.URLParam(r, "id"), caller(r), q.Get("activity_id"), interactive)
	if err != nil {
		writeError(w, r, "execute service", err)
		return
	}
	writeOne(w, http.StatusAccepted, x)
}

func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListExecutions(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list service executions", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

// GetExecution handles GET /api/service_executions/{id}.json. Every fetch
// counts as a poll of a running execution.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	x, err := h.svc.PollExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get service execution", err)
		return
	}
	writeOne(w, http.StatusOK, x)
}

func (h *Handler) TerminateExecution(w http.ResponseWriter, r *http.Request) {
	x, err := h.svc.Terminate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "terminate service execution", err)
		return
	}
	writeOne(w, http.StatusAccepted, x)
}

func (h *Handler) ExecutionLog(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.ExecutionLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "service execution log", err)
		return
	}
	writeFile(w, "log.txt", data)
}

func (h *Handler) NotebookURL(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.NotebookURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "notebook url", err)
		return
	}
	writeOne(w, http.StatusOK, map[string]string{"url": u})
}
