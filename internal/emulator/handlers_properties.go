package emulator

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

const maxUploadBytes = 50 << 20 // 50 MB

func (h *Handler) ListProperties(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListProperties(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list properties", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) GetProperty(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProperty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get property", err)
		return
	}
	writeOne(w, http.StatusOK, p)
}

// UpdateProperty handles PUT /api/v3/properties/{id}.json.
//
//	@Summary	Set the value or edit the metadata of a property
//	@Tags		properties
//	@Accept		json
//	@Produce	json
//	@Param		suppress_kevents	query	bool	false	"Do not emit change events"
//	@Success	200	{object}	listResponse[Property]
//	@Failure	400	{object}	errResponse
//	@Failure	404	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/v3/properties/{id}.json [put]
func (h *Handler) UpdateProperty(w http.ResponseWriter, r *http.Request) {
	var patch PropertyPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	p, err := h.svc.UpdateProperty(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "update property", err)
		return
	}
	h.kevent(r, "updated", "property", p.ID, p.ScopeID)
	writeOne(w, http.StatusOK, p)
}

func (h *Handler) DeleteProperty(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.DeleteProperty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "delete property", err)
		return
	}
	h.kevent(r, "deleted", "property", p.ID, p.ScopeID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreatePropertyModel(w http.ResponseWriter, r *http.Request) {
	var spec PropertyModelSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	p, err := h.svc.CreatePropertyModel(r.Context(), spec)
	if err != nil {
		writeError(w, r, "create property model", err)
		return
	}
	h.kevent(r, "created", "property", p.ID, p.ScopeID)
	writeOne(w, http.StatusCreated, p)
}

// BulkUpdateProperties handles POST /api/v3/properties/bulk_update.
//
//	@Summary	Set several property values in one atomic request
//	@Tags		properties
//	@Accept		json
//	@Produce	json
//	@Param		body				body	[]BulkItem	true	"Values by property id"
//	@Param		suppress_kevents	query	bool		false	"Do not emit change events"
//	@Success	200	{object}	listResponse[Property]
//	@Failure	400	{object}	errResponse
//	@Failure	404	{object}	errResponse	"Unknown property, or the backend predates bulk updates"
//	@Security	BearerAuth
//	@Router		/v3/properties/bulk_update [post]
func (h *Handler) BulkUpdateProperties(w http.ResponseWriter, r *http.Request) {
	var items []BulkItem
	if !decodeBody(w, r, &items) {
		return
	}
	updated, err := h.svc.BulkUpdate(r.Context(), items)
	if err != nil {
		writeError(w, r, "bulk update", err)
		return
	}
	for _, p := range updated {
		h.kevent(r, "updated", "property", p.ID, p.ScopeID)
	}
	writeResults(w, http.StatusOK, updated, len(updated))
}

// UploadAttachment handles POST /api/v3/properties/{id}/upload
// (multipart/form-data, field "attachment").
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	name, data, ok := readUpload(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Upload(r.Context(), chi.URLParam(r, "id"), name, data)
	if err != nil {
		writeError(w, r, "upload attachment", err)
		return
	}
	h.kevent(r, "updated", "property", p.ID, p.ScopeID)
	writeOne(w, http.StatusOK, p)
}

// DownloadAttachment handles GET /api/v3/properties/{id}/download.
func (h *Handler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	data, name, err := h.svc.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "download attachment", err)
		return
	}
	writeFile(w, name, data)
}

// readUpload reads the "attachment" field of a multipart request.
func readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return "", nil, false
	}
	file, header, err := r.FormFile("attachment")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'attachment' field in multipart form"))
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read upload"))
		return "", nil, false
	}
	return header.Filename, data, true
}

func writeFile(w http.ResponseWriter, name string, data []byte) {
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
