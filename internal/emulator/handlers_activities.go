package emulator

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListActivities(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list activities", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	var spec ActivitySpec
	if !decodeBody(w, r, &spec) {
		return
	}
	a, err := h.svc.CreateActivity(r.Context(), spec)
	if err != nil {
		writeError(w, r, "create activity", err)
		return
	}
	h.kevent(r, "created", "activity", a.ID, a.ScopeID)
	writeOne(w, http.StatusCreated, a)
}

func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetActivity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get activity", err)
		return
	}
	writeOne(w, http.StatusOK, a)
}

func (h *Handler) UpdateActivity(w http.ResponseWriter, r *http.Request) {
	var patch ActivityPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	a, err := h.svc.UpdateActivity(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "update activity", err)
		return
	}
	h.kevent(r, "updated", "activity", a.ID, a.ScopeID)
	writeOne(w, http.StatusOK, a)
}

func (h *Handler) DeleteActivity(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.DeleteActivity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "delete activity", err)
		return
	}
	h.kevent(r, "deleted", "activity", a.ID, a.ScopeID)
	w.WriteHeader(http.StatusNoContent)
}

// ExportActivity handles GET /api/v3/activities/{id}/export.
//
//	@Summary	Render an activity to PDF
//	@Tags		activities
//	@Param		format				query	string	true	"Only pdf is supported"
//	@Param		async_mode			query	bool	false	"Queue a download job instead of rendering inline"
//	@Param		include_appendices	query	bool	false	"Append attachments"
//	@Success	200	{file}		binary				"The PDF, when async_mode is false"
//	@Success	202	{object}	listResponse[ExportJob]	"The queued job, when async_mode is true"
//	@Failure	400	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/v3/activities/{id}/export [get]
func (h *Handler) ExportActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if f := q.Get("format"); f != "" && f != "pdf" {
		writeJSON(w, http.StatusBadRequest, errorBody("unsupported export format "+f))
		return
	}
	async := q.Get("async_mode") == "true"
	data, job, err := h.svc.Export(r.Context(), chi.URLParam(r, "id"), async, q.Get("include_appendices") == "true")
	if err != nil {
		writeError(w, r, "export activity", err)
		return
	}
	if job != nil {
		writeOne(w, http.StatusAccepted, job)
		return
	}
	writeFile(w, "export.pdf", data)
}

// PollDownload handles GET /api/v3/downloads/{id}.json.
func (h *Handler) PollDownload(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.PollExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "poll download", err)
		return
	}
	writeOne(w, http.StatusOK, job)
}

func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	data, name, err := h.svc.DownloadExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "download export", err)
		return
	}
	writeFile(w, name, data)
}
