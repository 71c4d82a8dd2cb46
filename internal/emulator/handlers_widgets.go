package emulator

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) ListWidgets(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListWidgets(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list widgets", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) CreateWidget(w http.ResponseWriter, r *http.Request) {
	var spec WidgetSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	h.createWidgets(w, r, []WidgetSpec{spec})
}

// BulkCreateWidgets handles POST /api/widgets/bulk_create.
func (h *Handler) BulkCreateWidgets(w http.ResponseWriter, r *http.Request) {
	var specs []WidgetSpec
	if !decodeBody(w, r, &specs) {
		return
	}
	h.createWidgets(w, r, specs)
}

func (h *Handler) createWidgets(w http.ResponseWriter, r *http.Request, specs []WidgetSpec) {
	created, err := h.svc.CreateWidgets(r.Context(), specs)
	if err != nil {
		writeError(w, r, "create widgets", err)
		return
	}
	for _, wd := range created {
		h.kevent(r, "created", "widget", wd.ID, "")
	}
	writeResults(w, http.StatusCreated, created, len(created))
}

func (h *Handler) UpdateWidget(w http.ResponseWriter, r *http.Request) {
	var patch WidgetPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	patch.ID = chi.URLParam(r, "id")
	h.updateWidgets(w, r, []WidgetPatch{patch})
}

// BulkUpdateWidgets handles POST /api/widgets/bulk_update.
func (h *Handler) BulkUpdateWidgets(w http.ResponseWriter, r *http.Request) {
	var patches []WidgetPatch
	if !decodeBody(w, r, &patches) {
		return
	}
	h.updateWidgets(w, r, patches)
}

func (h *Handler) updateWidgets(w http.ResponseWriter, r *http.Request, patches []WidgetPatch) {
	updated, err := h.svc.UpdateWidgets(r.Context(), patches)
	if err != nil {
		writeError(w, r, "update widgets", err)
		return
	}
	for _, wd := range updated {
		h.kevent(r, "updated", "widget", wd.ID, "")
	}
	writeResults(w, http.StatusOK, updated, len(updated))
}

func (h *Handler) DeleteWidget(w http.ResponseWriter, r *http.Request) {
	h.deleteWidgets(w, r, []string{chi.URLParam(r, "id")})
}

// BulkDeleteWidgets handles POST /api/widgets/bulk_delete with body {"widgets": [ids]}.
func (h *Handler) BulkDeleteWidgets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Widgets []string `json:"widgets"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	h.deleteWidgets(w, r, req.Widgets)
}

func (h *Handler) deleteWidgets(w http.ResponseWriter, r *http.Request, ids []string) {
	deleted, err := h.svc.DeleteWidgets(r.Context(), ids)
	if err != nil {
		writeError(w, r, "delete widgets", err)
		return
	}
	for _, wd := range deleted {
		h.kevent(r, "deleted", "widget", wd.ID, "")
	}
	w.WriteHeader(http.StatusNoContent)
}
