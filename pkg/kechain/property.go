package kechain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Property is a typed attribute of a part. The concrete type depends on the
// property_type tag: *ScalarProperty, *SelectListProperty, *ListProperty,
// *ReferenceProperty or *AttachmentProperty.
type Property interface {
	ID() string
	Name() string
	Ref() string
	Description() string
	Type() PropertyType
	Category() Category
	PartID() string
	ModelID() string
	Unit() string
	Order() int
	Options() map[string]any

	// Value returns the cached value, decoded for the property type.
	Value() any
	HasValue() bool
	// SetValue stores value on the backend and updates the cached value in place.
	SetValue(ctx context.Context, value any) error

	Validators() ([]Validator, error)
	Validate() error
	IsValid() bool

	Edit(ctx context.Context, edit PropertyEdit) error
	Delete(ctx context.Context) error
	Reload(ctx context.Context) (Property, error)
	Part(ctx context.Context) (*Part, error)
	Model(ctx context.Context) (Property, error)

	base() *propertyBase
}

type propertyJSON struct {
	Base
	Category     Category        `json:"category"`
	Type         PropertyType    `json:"property_type"`
	Value        json.RawMessage `json:"value"`
	ValueOptions map[string]any  `json:"value_options"`
	Unit         string          `json:"unit"`
	PartID       string          `json:"part_id"`
	ModelID      string          `json:"model_id"`
	ScopeID      string          `json:"scope_id"`
	Order        int             `json:"order"`
}

// newProperty dispatches on the property type tag.
func newProperty(c *Client, data propertyJSON) Property {
	b := &propertyBase{client: c, data: data}
	var p Property
	switch {
	case data.Type == PropertySingleSelect:
		p = &SelectListProperty{b}
	case data.Type == PropertyMultiSelect:
		p = &ListProperty{b}
	case data.Type == PropertyAttachment:
		p = &AttachmentProperty{b}
	case data.Type.IsReference():
		p = &ReferenceProperty{b}
	default:
		p = &ScalarProperty{b}
	}
	b.self = p
	return p
}

type propertyBase struct {
	client *Client
	data   propertyJSON
	// self is the variant wrapping this base.
	self Property
}

func (p *propertyBase) base() *propertyBase { return p }

func (p *propertyBase) ID() string           { return p.data.ID }
func (p *propertyBase) Name() string         { return p.data.Name }
func (p *propertyBase) Ref() string          { return p.data.Ref }
func (p *propertyBase) Description() string  { return p.data.Description }
func (p *propertyBase) Type() PropertyType   { return p.data.Type }
func (p *propertyBase) Category() Category   { return p.data.Category }
func (p *propertyBase) PartID() string       { return p.data.PartID }
func (p *propertyBase) ModelID() string      { return p.data.ModelID }
func (p *propertyBase) Unit() string         { return p.data.Unit }
func (p *propertyBase) Order() int           { return p.data.Order }
func (p *propertyBase) UpdatedAt() time.Time { return p.data.UpdatedAt }

func (p *propertyBase) Options() map[string]any {
	if p.data.ValueOptions == nil {
		return map[string]any{}
	}
	return p.data.ValueOptions
}

func (p *propertyBase) String() string {
	return fmt.Sprintf("%s %s (%s)", p.data.Type, p.data.Name, shortID(p.data.ID))
}

func (p *propertyBase) HasValue() bool {
	v := p.data.Value
	return len(v) > 0 && string(v) != "null" && string(v) != "[]" && string(v) != `""`
}

func (p *propertyBase) rawValue() json.RawMessage { return p.data.Value }

// decodedValue decodes the cached JSON value without type specific handling.
func (p *propertyBase) decodedValue() any {
	if len(p.data.Value) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(p.data.Value, &v); err != nil {
		return nil
	}
	return v
}

func (p *propertyBase) setValue(ctx context.Context, value any) error {
	serialized, err := serializeValue(p.data.Type, value)
	if err != nil {
		return err
	}
	updated, err := fetchOne[propertyJSON](ctx, p.client, request{
		method: http.MethodPut,
		path:   pathFor(pathProperty, p.data.ID),
		body:   map[string]any{"value": serialized},
	})
	if err != nil {
		return fmt.Errorf("kechain: set value of %s: %w", p, err)
	}
	p.data = updated
	return nil
}

// PropertyEdit changes property metadata. Nil fields are left untouched.
type PropertyEdit struct {
	Name         *string
	Description  *string
	Unit         *string
	ValueOptions map[string]any
}

// Edit updates the property metadata in place.
func (p *propertyBase) Edit(ctx context.Context, edit PropertyEdit) error {
	body := map[string]any{}
	if edit.Name != nil {
		if *edit.Name == "" {
			return illegalArgument("property name cannot be empty")
		}
		body["name"] = *edit.Name
	}
	if edit.Description != nil {
		body["description"] = *edit.Description
	}
	if edit.Unit != nil {
		body["unit"] = *edit.Unit
	}
	if edit.ValueOptions != nil {
		body["value_options"] = edit.ValueOptions
	}
	if len(body) == 0 {
		return nil
	}
	updated, err := fetchOne[propertyJSON](ctx, p.client, request{
		method: http.MethodPut,
		path:   pathFor(pathProperty, p.data.ID),
		body:   body,
	})
	if err != nil {
		return fmt.Errorf("kechain: edit %s: %w", p, err)
	}
	p.data = updated
	return nil
}

// Delete removes the property. Deleting a property model removes it from
// every instance as well.
func (p *propertyBase) Delete(ctx context.Context) error {
	_, err := p.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathProperty, p.data.ID)})
	if err != nil {
		return fmt.Errorf("kechain: delete %s: %w", p, err)
	}
	return nil
}

// Reload fetches a fresh handle. The receiver is not modified.
func (p *propertyBase) Reload(ctx context.Context) (Property, error) {
	return p.client.Property(ctx, p.data.ID)
}

func (p *propertyBase) Part(ctx context.Context) (*Part, error) {
	return p.client.Part(ctx, PartFilter{ID: p.data.PartID})
}

// Model returns the property model this instance property was created from.
func (p *propertyBase) Model(ctx context.Context) (Property, error) {
	if p.data.Category == CategoryModel {
		return nil, illegalArgument("%s is already a model", p)
	}
	return p.client.Property(ctx, p.data.ModelID)
}

// ScalarProperty holds a single number, string, bool or timestamp.
type ScalarProperty struct {
	*propertyBase
}

// Value returns float64, int64, string, bool, time.Time or nil.
func (p *ScalarProperty) Value() any {
	raw := p.decodedValue()
	if raw == nil {
		return nil
	}
	switch p.data.Type {
	case PropertyInt:
		if f, ok := raw.(float64); ok {
			return int64(f)
		}
	case PropertyDatetime:
		if s, ok := raw.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	return raw
}

func (p *ScalarProperty) SetValue(ctx context.Context, value any) error {
	return p.setValue(ctx, value)
}

// Float returns the value of a numeric property.
func (p *ScalarProperty) Float() (float64, bool) {
	return toFloat(p.Value())
}

// Text returns the value of a textual property.
func (p *ScalarProperty) Text() (string, bool) {
	s, ok := p.decodedValue().(string)
	return s, ok
}

func (p *ScalarProperty) Bool() (bool, bool) {
	b, ok := p.decodedValue().(bool)
	return b, ok
}

// Time returns the value of a datetime property.
func (p *ScalarProperty) Time() (time.Time, bool) {
	t, ok := p.Value().(time.Time)
	return t, ok
}

// SelectListProperty holds one value picked from a list of choices.
type SelectListProperty struct {
	*propertyBase
}

func (p *SelectListProperty) Value() any {
	s, ok := p.decodedValue().(string)
	if !ok {
		return nil
	}
	return s
}

// Choices returns the allowed values.
func (p *SelectListProperty) Choices() []string {
	return choices(p.Options())
}

// SetValue rejects values outside the choices before sending anything.
func (p *SelectListProperty) SetValue(ctx context.Context, value any) error {
	if err := checkValue(p, value); err != nil {
		return err
	}
	return p.setValue(ctx, value)
}

// SetChoices replaces the allowed values. Only models carry choices.
func (p *SelectListProperty) SetChoices(ctx context.Context, choices []string) error {
	if p.data.Category != CategoryModel {
		return illegalArgument("choices can only be set on a property model")
	}
	opts := cloneOptions(p.Options())
	opts["value_choices"] = choices
	return p.Edit(ctx, PropertyEdit{ValueOptions: opts})
}

// ListProperty holds several values picked from a list of choices.
type ListProperty struct {
	*propertyBase
}

// Value returns []string, empty when unset.
func (p *ListProperty) Value() any {
	var out []string
	if len(p.data.Value) > 0 {
		_ = json.Unmarshal(p.data.Value, &out)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func (p *ListProperty) Choices() []string {
	return choices(p.Options())
}

func (p *ListProperty) SetValue(ctx context.Context, value any) error {
	if err := checkValue(p, value); err != nil {
		return err
	}
	return p.setValue(ctx, value)
}

// ReferenceProperty points at other resources: parts, activities, scopes or users.
type ReferenceProperty struct {
	*propertyBase
}

// Value returns the referenced ids.
func (p *ReferenceProperty) Value() any {
	return p.IDs()
}

// IDs returns the referenced ids in stored order.
func (p *ReferenceProperty) IDs() []string {
	ids := []string{}
	if len(p.data.Value) == 0 {
		return ids
	}
	var items []json.RawMessage
	if err := json.Unmarshal(p.data.Value, &items); err != nil {
		return ids
	}
	for _, item := range items {
		var obj struct {
			ID json.RawMessage `json:"id"`
		}
		if json.Unmarshal(item, &obj) == nil && len(obj.ID) > 0 {
			item = obj.ID
		}
		var s string
		if json.Unmarshal(item, &s) == nil {
			ids = append(ids, s)
			continue
		}
		var n json.Number
		if json.Unmarshal(item, &n) == nil {
			ids = append(ids, n.String())
		}
	}
	return ids
}

func (p *ReferenceProperty) SetValue(ctx context.Context, value any) error {
	return p.setValue(ctx, value)
}

// Parts fetches the referenced parts.
func (p *ReferenceProperty) Parts(ctx context.Context) ([]*Part, error) {
	if p.data.Type != PropertyReferences {
		return nil, illegalArgument("%s does not reference parts", p)
	}
	ids := p.IDs()
	if len(ids) == 0 {
		return nil, nil
	}
	parts, err := p.client.Parts(ctx, PartFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	// keep the stored order
	byID := make(map[string]*Part, len(parts))
	for _, part := range parts {
		byID[part.ID] = part
	}
	out := make([]*Part, 0, len(ids))
	for _, id := range ids {
		if part, ok := byID[id]; ok {
			out = append(out, part)
		}
	}
	return out, nil
}

func choices(opts map[string]any) []string {
	raw, _ := opts["value_choices"].([]any)
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		if typed, ok := opts["value_choices"].([]string); ok {
			return typed
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneOptions(opts map[string]any) map[string]any {
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}

// Properties lists properties matching f.
func (c *Client) Properties(ctx context.Context, f PropertyFilter) ([]Property, error) {
	data, err := retrieve[propertyJSON](ctx, c, pathProperties, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]Property, len(data))
	for i, d := range data {
		out[i] = newProperty(c, d)
	}
	return out, nil
}

// Property fetches one property by id.
func (c *Client) Property(ctx context.Context, id string) (Property, error) {
	if id == "" {
		return nil, illegalArgument("property id is required")
	}
	data, err := fetchOne[propertyJSON](ctx, c, request{method: http.MethodGet, path: pathFor(pathProperty, id)})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("property %s", id)
		}
		return nil, err
	}
	return newProperty(c, data), nil
}

// PropertyFilter narrows Client.Properties.
type PropertyFilter struct {
	ListOptions

	IDs      []string
	Name     string
	PartID   string
	ModelID  string
	ScopeID  string
	Category Category
	Extra    map[string]string
}

func (f PropertyFilter) query() url.Values {
	q := filter{}
	q.setIDs("id__in", f.IDs)
	q.set("name", f.Name)
	q.set("part_id", f.PartID)
	q.set("model_id", f.ModelID)
	q.set("scope_id", f.ScopeID)
	q.set("category", string(f.Category))
	q.merge(f.Extra)
	return q.values()
}
