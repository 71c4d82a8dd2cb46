package emulator

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListParts handles GET /api/v3/parts.json.
//
//	@Summary	List parts with filtering and limit/offset paging
//	@Tags		parts
//	@Produce	json
//	@Param		category		query	string	false	"MODEL or INSTANCE"
//	@Param		parent_id		query	string	false	"Direct parent"
//	@Param		model_id		query	string	false	"Model of the instances"
//	@Param		descendants		query	string	false	"Restrict to the subtree below this part"
//	@Param		limit			query	int		false	"Page size"
//	@Param		offset			query	int		false	"Page offset"
//	@Success	200	{object}	listResponse[partView]
//	@Security	BearerAuth
//	@Router		/v3/parts.json [get]
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.ListParts(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, "list parts", err)
		return
	}
	writeResults(w, http.StatusOK, items, total)
}

func (h *Handler) GetPart(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get part", err)
		return
	}
	writeOne(w, http.StatusOK, p)
}

func (h *Handler) UpdatePart(w http.ResponseWriter, r *http.Request) {
	var patch PartPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	p, err := h.svc.UpdatePart(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "update part", err)
		return
	}
	h.kevent(r, "updated", "part", p.ID, p.ScopeID)
	writeOne(w, http.StatusOK, p)
}

// DeletePart handles DELETE /api/v3/parts/{id}.json.
//
//	@Summary	Delete a part with its subtree
//	@Tags		parts
//	@Success	204	"Part deleted"
//	@Failure	404	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/v3/parts/{id}.json [delete]
func (h *Handler) DeletePart(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.DeletePart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "delete part", err)
		return
	}
	h.kevent(r, "deleted", "part", p.ID, p.ScopeID)
	w.WriteHeader(http.StatusNoContent)
}

// NewInstance handles POST /api/v3/parts/new_instance.
//
//	@Summary	Instantiate a model below a parent instance
//	@Tags		parts
//	@Accept		json
//	@Produce	json
//	@Param		body				body	NewInstanceRequest	true	"Instance to create"
//	@Param		suppress_kevents	query	bool				false	"Do not emit change events"
//	@Success	201	{object}	listResponse[partView]
//	@Failure	400	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/v3/parts/new_instance [post]
func (h *Handler) NewInstance(w http.ResponseWriter, r *http.Request) {
	var req NewInstanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.svc.NewInstance(r.Context(), req)
	if err != nil {
		writeError(w, r, "new instance", err)
		return
	}
	h.kevent(r, "created", "part", p.ID, p.ScopeID)
	writeOne(w, http.StatusCreated, p)
}

func (h *Handler) CreateChildModel(w http.ResponseWriter, r *http.Request) {
	var req ChildModelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.svc.CreateChildModel(r.Context(), req)
	if err != nil {
		writeError(w, r, "create child model", err)
		return
	}
	h.kevent(r, "created", "part", p.ID, p.ScopeID)
	writeOne(w, http.StatusCreated, p)
}
