package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/starford/kechain/internal/apperr"
)

var knownTypes = map[string]bool{
	TypeFloat: true, TypeInt: true, TypeText: true, TypeChar: true, TypeLink: true,
	TypeBoolean: true, TypeDatetime: true, TypeDate: true, TypeTime: true,
	TypeSingleSelect: true, TypeMultiSelect: true, TypeReferences: true,
	TypeActivityRefs: true, TypeScopeRefs: true, TypeUserRefs: true,
	TypeAttachment: true, TypeGeoJSON: true, TypeStoredFileRefs: true, TypeServiceRefs: true,
}

// PropertyPatch holds the editable property attributes. SetValue reports
// whether the body carried a value, which may be null.
type PropertyPatch struct {
	Name         *string
	Description  *string
	Unit         *string
	ValueOptions map[string]any
	Value        json.RawMessage
	SetValue     bool
}

func (p *PropertyPatch) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["value"]; ok {
		p.Value, p.SetValue = raw, true
	}
	decode := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		return nil
	}
	if err := decode("name", &p.Name); err != nil {
		return err
	}
	if err := decode("description", &p.Description); err != nil {
		return err
	}
	if err := decode("unit", &p.Unit); err != nil {
		return err
	}
	return decode("value_options", &p.ValueOptions)
}

// BulkItem is one entry of a properties/bulk_update request.
type BulkItem struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

func (st *store) matchProperty(p *Property, q url.Values) bool {
	if !matchRecord(&p.Record, q) {
		return false
	}
	for key, value := range map[string]string{
		"category":      p.Category,
		"property_type": p.Type,
		"part_id":       p.PartID,
		"model_id":      p.ModelID,
		"scope_id":      p.ScopeID,
	} {
		if !matchField(q, key, value) {
			return false
		}
	}
	return true
}

func (s *Service) ListProperties(_ context.Context, q url.Values) ([]*Property, int, error) {
	st := s.st
	st.mu.RLock()
	defer st.mu.RUnlock()
	items := filterSlice(ordered(st.properties), func(p *Property) bool { return st.matchProperty(p, q) })
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Property, len(items))
	for i, p := range items {
		out[i] = clone(p)
	}
	return out, total, nil
}

func (s *Service) GetProperty(_ context.Context, id string) (*Property, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	p, ok := s.st.properties[id]
	if !ok {
		return nil, notFound("property", id)
	}
	return clone(p), nil
}

// UpdateProperty edits a property. Metadata edits on a property model are
// copied to its instances; a new model value only changes the default.
func (s *Service) UpdateProperty(_ context.Context, id string, patch PropertyPatch) (*Property, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.properties[id]
	if !ok {
		return nil, notFound("property", id)
	}
	if patch.Name != nil && *patch.Name == "" {
		return nil, invalid("property name cannot be empty")
	}

	var value json.RawMessage
	if patch.SetValue {
		if p.Type == TypeAttachment {
			if !isNull(patch.Value) {
				return nil, invalid("attachments are set by uploading a file")
			}
			s.dropBlob(p)
			value = jsonNull
		} else {
			v, err := st.normalizeValue(p, patch.Value)
			if err != nil {
				return nil, err
			}
			value = v
		}
	}

	targets := []*Property{p}
	if p.Category == CategoryModel {
		for _, inst := range st.properties {
			if inst.ModelID == p.ID {
				targets = append(targets, inst)
			}
		}
	}
	for _, t := range targets {
		if patch.Name != nil {
			t.Name = *patch.Name
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.Unit != nil {
			t.Unit = *patch.Unit
		}
		if patch.ValueOptions != nil {
			t.ValueOptions = patch.ValueOptions
		}
		touch(&t.Record)
	}
	if patch.SetValue {
		p.Value = value
	}
	return clone(p), nil
}

// DeleteProperty removes a property; deleting a model removes its instances too.
func (s *Service) DeleteProperty(_ context.Context, id string) (*Property, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.properties[id]
	if !ok {
		return nil, notFound("property", id)
	}
	for iid, inst := range st.properties {
		if iid == id || (p.Category == CategoryModel && inst.ModelID == id) {
			s.dropBlob(inst)
			delete(st.properties, iid)
		}
	}
	return clone(p), nil
}

func (st *store) checkPropertySpec(spec PropertyModelSpec) (json.RawMessage, error) {
	if spec.Name == "" {
		return nil, invalid("property name is required")
	}
	if !knownTypes[spec.Type] {
		return nil, invalid("unknown property type %q", spec.Type)
	}
	if spec.Type == TypeAttachment {
		if !isNull(spec.Value) {
			return nil, invalid("attachment %q cannot have a default", spec.Name)
		}
		return jsonNull, nil
	}
	return st.normalizeValue(&Property{Record: Record{Name: spec.Name}, Type: spec.Type, ValueOptions: spec.ValueOptions}, spec.Value)
}

func (st *store) addPropertyModel(part *Part, spec PropertyModelSpec, value json.RawMessage) *Property {
	opts := spec.ValueOptions
	if opts == nil {
		opts = map[string]any{}
	}
	prop := &Property{
		Record:       st.record(spec.Name, "", spec.Description),
		Category:     CategoryModel,
		Type:         spec.Type,
		Value:        value,
		ValueOptions: opts,
		Unit:         spec.Unit,
		PartID:       part.ID,
		ScopeID:      part.ScopeID,
		Order:        len(st.partProperties(part.ID)),
	}
	st.properties[prop.ID] = prop
	return prop
}

// CreatePropertyModel adds a property model to a part model and a matching
// property, holding the default value, to each of its instances.
func (s *Service) CreatePropertyModel(_ context.Context, spec PropertyModelSpec) (*Property, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	part, ok := st.parts[spec.PartID]
	if !ok || part.Category != CategoryModel {
		return nil, notFound("part model", spec.PartID)
	}
	value, err := st.checkPropertySpec(spec)
	if err != nil {
		return nil, err
	}
	model := st.addPropertyModel(part, spec, value)
	for _, inst := range ordered(st.parts) {
		if inst.Category == CategoryInstance && inst.ModelID == part.ID {
			st.instantiateProperty(model, inst, value)
		}
	}
	return clone(model), nil
}

// BulkUpdate sets several values at once. The request is validated as a
// whole before anything is stored.
func (s *Service) BulkUpdate(_ context.Context, items []BulkItem) ([]*Property, error) {
	if !s.BulkUpdateSupported() {
		return nil, fmt.Errorf("%w: bulk_update requires pim %s", apperr.ErrUnsupported, bulkUpdateSince)
	}
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	targets := make([]*Property, len(items))
	values := make([]json.RawMessage, len(items))
	for i, it := range items {
		p, ok := st.properties[it.ID]
		if !ok {
			return nil, fmt.Errorf("item %d: %w", i, notFound("property", it.ID))
		}
		if p.Type == TypeAttachment && isNull(it.Value) {
			targets[i], values[i] = p, jsonNull
			continue
		}
		v, err := st.normalizeValue(p, it.Value)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		targets[i], values[i] = p, v
	}

	out := make([]*Property, len(items))
	for i, p := range targets {
		if p.Type == TypeAttachment {
			s.dropBlob(p)
		}
		p.Value = values[i]
		touch(&p.Record)
		out[i] = clone(p)
	}
	return out, nil
}

// safeName accepts a plain file name without directories or traversal.
func safeName(name string) (string, error) {
	if name == "" {
		return "", invalid("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") || strings.ContainsAny(cleaned, `/\`) {
		return "", invalid("invalid filename %q", name)
	}
	return cleaned, nil
}

// Upload stores data as the file of an attachment property.
func (s *Service) Upload(_ context.Context, id, filename string, data []byte) (*Property, error) {
	name, err := safeName(filename)
	if err != nil {
		return nil, err
	}
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.properties[id]
	if !ok {
		return nil, notFound("property", id)
	}
	if p.Type != TypeAttachment {
		return nil, invalid("property %q is not an attachment", p.Name)
	}
	path := p.ID + "/" + name
	if old := blobPath(p); old != "" && old != path {
		s.dropBlob(p)
	}
	if err := s.blobs.Write(path, data); err != nil {
		return nil, fmt.Errorf("emulator: store attachment: %w", err)
	}
	p.Value, _ = json.Marshal(path)
	touch(&p.Record)
	return clone(p), nil
}

// Download returns the stored file of an attachment property.
func (s *Service) Download(_ context.Context, id string) ([]byte, string, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	p, ok := s.st.properties[id]
	if !ok {
		return nil, "", notFound("property", id)
	}
	path := blobPath(p)
	if path == "" {
		return nil, "", fmt.Errorf("%w: property %q has no attachment", apperr.ErrNotFound, p.Name)
	}
	data, err := s.blobs.Read(path)
	if err != nil {
		return nil, "", fmt.Errorf("emulator: read attachment: %w", err)
	}
	return data, filepath.Base(path), nil
}

func blobPath(p *Property) string {
	if p.Type != TypeAttachment || isNull(p.Value) {
		return ""
	}
	var path string
	_ = json.Unmarshal(p.Value, &path)
	return path
}

// dropBlob deletes the stored file of an attachment property, if any.
func (s *Service) dropBlob(p *Property) {
	path := blobPath(p)
	if path == "" {
		return
	}
	if err := s.blobs.Delete(path); err != nil {
		slog.Warn("delete attachment failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
