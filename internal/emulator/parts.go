package emulator

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
)

// FieldValue sets the value of one property model on a new instance.
type FieldValue struct {
	ModelID string          `json:"model_id"`
	Value   json.RawMessage `json:"value"`
}

// NewInstanceRequest is the body of parts/new_instance.
type NewInstanceRequest struct {
	Name     string       `json:"name"`
	ModelID  string       `json:"model_id"`
	ParentID string       `json:"parent_id"`
	Values   []FieldValue `json:"properties_fvalues"`
}

// PropertyModelSpec describes a property model to create.
type PropertyModelSpec struct {
	Name         string          `json:"name"`
	Type         string          `json:"property_type"`
	Description  string          `json:"description"`
	Unit         string          `json:"unit"`
	Value        json.RawMessage `json:"value"`
	ValueOptions map[string]any  `json:"value_options"`
	PartID       string          `json:"part_id"`
}

// ChildModelRequest is the body of parts/create_child_model.
type ChildModelRequest struct {
	Name         string              `json:"name"`
	ParentID     string              `json:"parent_id"`
	Multiplicity string              `json:"multiplicity"`
	Properties   []PropertyModelSpec `json:"properties_fvalues"`
}

// PartPatch holds the editable part attributes.
type PartPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (st *store) matchPart(p *Part, q url.Values) bool {
	if !matchRecord(&p.Record, q) {
		return false
	}
	for key, value := range map[string]string{
		"category":       p.Category,
		"classification": p.Classification,
		"parent_id":      p.ParentID,
		"model_id":       p.ModelID,
		"scope_id":       p.ScopeID,
		"multiplicity":   p.Multiplicity,
	} {
		if !matchField(q, key, value) {
			return false
		}
	}
	if root := q.Get("descendants"); root != "" && !st.isDescendant(p.ID, root) {
		return false
	}
	return true
}

// ListParts filters parts and returns the requested page with the total count.
func (s *Service) ListParts(_ context.Context, q url.Values) ([]partView, int, error) {
	st := s.st
	st.mu.RLock()
	defer st.mu.RUnlock()
	items := filterSlice(ordered(st.parts), func(p *Part) bool { return st.matchPart(p, q) })
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]partView, len(items))
	for i, p := range items {
		out[i] = st.cloneView(p)
	}
	return out, total, nil
}

func (st *store) cloneView(p *Part) partView {
	v := st.view(p)
	v.Part = clone(p)
	for i, prop := range v.Properties {
		v.Properties[i] = clone(prop)
	}
	return v
}

func (s *Service) GetPart(_ context.Context, id string) (partView, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	p, ok := s.st.parts[id]
	if !ok {
		return partView{}, notFound("part", id)
	}
	return s.st.cloneView(p), nil
}

func (s *Service) UpdatePart(_ context.Context, id string, patch PartPatch) (partView, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	p, ok := s.st.parts[id]
	if !ok {
		return partView{}, notFound("part", id)
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return partView{}, invalid("part name cannot be empty")
		}
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	touch(&p.Record)
	return s.st.cloneView(p), nil
}

// DeletePart removes a part with its subtree. Deleting a model also removes
// every instance created from the deleted models.
func (s *Service) DeletePart(_ context.Context, id string) (*Part, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.parts[id]
	if !ok {
		return nil, notFound("part", id)
	}
	if p.ParentID == "" {
		return nil, invalid("root part %s cannot be deleted", id)
	}

	doomed := st.subtree(id)
	if p.Category == CategoryModel {
		models := map[string]bool{}
		for _, m := range doomed {
			models[m.ID] = true
		}
		for _, inst := range ordered(st.parts) {
			if inst.Category == CategoryInstance && models[inst.ModelID] {
				doomed = append(doomed, st.subtree(inst.ID)...)
			}
		}
	}

	gone := map[string]bool{}
	for _, d := range doomed {
		gone[d.ID] = true
		delete(st.parts, d.ID)
	}
	for pid, prop := range st.properties {
		if gone[prop.PartID] {
			s.dropBlob(prop)
			delete(st.properties, pid)
		}
	}
	st.dropReferences(gone)
	return clone(p), nil
}

// dropReferences removes references to deleted parts.
func (st *store) dropReferences(gone map[string]bool) {
	for _, prop := range st.properties {
		if prop.Type != TypeReferences || isNull(prop.Value) {
			continue
		}
		ids := referencedIDs(prop.Value)
		kept := slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return gone[id] })
		if len(kept) == len(ids) {
			continue
		}
		refs := make([]map[string]string, len(kept))
		for i, id := range kept {
			refs[i] = map[string]string{"id": id}
		}
		prop.Value, _ = json.Marshal(refs)
		touch(&prop.Record)
	}
}

// NewInstance creates an instance of a model below a parent instance. Child
// models of multiplicity ONE and ONE_MANY are instantiated recursively.
func (s *Service) NewInstance(_ context.Context, req NewInstanceRequest) (partView, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	model, ok := st.parts[req.ModelID]
	if !ok || model.Category != CategoryModel {
		return partView{}, notFound("model", req.ModelID)
	}
	parent, ok := st.parts[req.ParentID]
	if !ok || parent.Category != CategoryInstance {
		return partView{}, notFound("parent instance", req.ParentID)
	}
	if model.ParentID != parent.ModelID {
		return partView{}, invalid("model %s is not a child of the model of %s", model.Name, parent.Name)
	}
	if model.Multiplicity == MultiplicityOne || model.Multiplicity == MultiplicityZeroOne {
		for _, c := range st.children(parent.ID) {
			if c.ModelID == model.ID {
				return partView{}, invalid("%s allows a single instance below %s", model.Name, parent.Name)
			}
		}
	}

	values := map[string]json.RawMessage{}
	for _, fv := range req.Values {
		pm, ok := st.properties[fv.ModelID]
		if !ok || pm.PartID != model.ID {
			return partView{}, invalid("property model %s does not belong to %s", fv.ModelID, model.Name)
		}
		v, err := st.normalizeValue(pm, fv.Value)
		if err != nil {
			return partView{}, err
		}
		values[pm.ID] = v
	}

	name := req.Name
	if name == "" {
		name = model.Name
	}
	inst := st.instantiate(model, parent, name, values)
	return st.cloneView(inst), nil
}

func (st *store) instantiate(model, parent *Part, name string, values map[string]json.RawMessage) *Part {
	inst := &Part{
		Record:         st.record(name, "", model.Description),
		Category:       CategoryInstance,
		Classification: model.Classification,
		Multiplicity:   model.Multiplicity,
		ParentID:       parent.ID,
		ModelID:        model.ID,
		ScopeID:        parent.ScopeID,
		Order:          len(st.children(parent.ID)),
	}
	st.parts[inst.ID] = inst
	for _, pm := range st.partProperties(model.ID) {
		value := pm.Value
		if v, ok := values[pm.ID]; ok {
			value = v
		}
		st.instantiateProperty(pm, inst, value)
	}
	for _, child := range st.children(model.ID) {
		if autoInstantiated(child.Multiplicity) {
			st.instantiate(child, inst, child.Name, nil)
		}
	}
	return inst
}

func (st *store) instantiateProperty(model *Property, part *Part, value json.RawMessage) *Property {
	if model.Type == TypeAttachment {
		value = jsonNull
	}
	prop := &Property{
		Record:       st.record(model.Name, model.Ref, model.Description),
		Category:     CategoryInstance,
		Type:         model.Type,
		Value:        value,
		ValueOptions: model.ValueOptions,
		Unit:         model.Unit,
		PartID:       part.ID,
		ModelID:      model.ID,
		ScopeID:      part.ScopeID,
		Order:        model.Order,
	}
	st.properties[prop.ID] = prop
	return prop
}

// CreateChildModel creates a model with its property models below a parent
// model. Auto-instantiated models get an instance below every instance of the
// parent model.
func (s *Service) CreateChildModel(_ context.Context, req ChildModelRequest) (partView, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	parent, ok := st.parts[req.ParentID]
	if !ok || parent.Category != CategoryModel {
		return partView{}, notFound("parent model", req.ParentID)
	}
	if req.Name == "" {
		return partView{}, invalid("model name is required")
	}
	if req.Multiplicity == "" {
		req.Multiplicity = MultiplicityZeroMany
	}
	switch req.Multiplicity {
	case MultiplicityZeroOne, MultiplicityOne, MultiplicityZeroMany, MultiplicityOneMany:
	default:
		return partView{}, invalid("unknown multiplicity %q", req.Multiplicity)
	}

	defaults := make([]json.RawMessage, len(req.Properties))
	for i, spec := range req.Properties {
		v, err := st.checkPropertySpec(spec)
		if err != nil {
			return partView{}, err
		}
		defaults[i] = v
	}

	model := &Part{
		Record:         st.record(req.Name, "", ""),
		Category:       CategoryModel,
		Classification: parent.Classification,
		Multiplicity:   req.Multiplicity,
		ParentID:       parent.ID,
		ScopeID:        parent.ScopeID,
		Order:          len(st.children(parent.ID)),
	}
	st.parts[model.ID] = model
	for i, spec := range req.Properties {
		st.addPropertyModel(model, spec, defaults[i])
	}

	if autoInstantiated(model.Multiplicity) {
		for _, inst := range ordered(st.parts) {
			if inst.Category == CategoryInstance && inst.ModelID == parent.ID {
				st.instantiate(model, inst, model.Name, nil)
			}
		}
	}
	return st.cloneView(model), nil
}
