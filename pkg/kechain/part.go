package kechain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// Part is a node of the product tree. Models are templates; instances are
// created from a model and mirror its structure.
type Part struct {
	Base
	Category       Category
	Classification Classification
	Multiplicity   Multiplicity
	ParentID       string
	ModelID        string
	ScopeID        string
	Order          int

	client     *Client
	properties []Property

	mu sync.Mutex
	// children caches child lists per query; the empty key holds all children.
	children map[string][]*Part
	// cachedBy is the part whose children cache holds this handle.
	cachedBy *Part
}

type partJSON struct {
	Base
	Category       Category       `json:"category"`
	Classification Classification `json:"classification"`
	Multiplicity   Multiplicity   `json:"multiplicity"`
	ParentID       string         `json:"parent_id"`
	ModelID        string         `json:"model_id"`
	ScopeID        string         `json:"scope_id"`
	Order          int            `json:"order"`
	Properties     []propertyJSON `json:"properties"`
}

func newPart(c *Client, d partJSON) *Part {
	p := &Part{client: c}
	p.apply(d)
	return p
}

// apply replaces the attribute snapshot. Property handles already held are
// refreshed in place; the children cache is kept.
func (p *Part) apply(d partJSON) {
	p.Base = d.Base
	p.Category = d.Category
	p.Classification = d.Classification
	p.Multiplicity = d.Multiplicity
	p.ParentID = d.ParentID
	p.ModelID = d.ModelID
	p.ScopeID = d.ScopeID
	p.Order = d.Order
	held := make(map[string]Property, len(p.properties))
	for _, prop := range p.properties {
		held[prop.ID()] = prop
	}
	p.properties = make([]Property, len(d.Properties))
	for i, pd := range d.Properties {
		if prop, ok := held[pd.ID]; ok && prop.Type() == pd.Type {
			prop.base().data = pd
			p.properties[i] = prop
			continue
		}
		p.properties[i] = newProperty(p.client, pd)
	}
}

func (p *Part) String() string {
	return fmt.Sprintf("%s part %s", p.Category, p.Base)
}

// Client returns the client that produced this handle.
func (p *Part) Client() *Client { return p.client }

// PartFilter narrows Client.Parts.
type PartFilter struct {
	ListOptions

	ID             string
	IDs            []string
	Name           string
	NameContains   string
	Category       Category
	Classification Classification
	ParentID       string
	ModelID        string
	ScopeID        string
	// Descendants restricts results to the subtree below the given part id.
	Descendants string
	Extra       map[string]string
}

func (f PartFilter) query() url.Values {
	q := filter{}
	q.set("id", f.ID)
	q.setIDs("id__in", f.IDs)
	q.set("name", f.Name)
	q.set("name__icontains", f.NameContains)
	q.set("category", string(f.Category))
	q.set("classification", string(f.Classification))
	q.set("parent_id", f.ParentID)
	q.set("model_id", f.ModelID)
	q.set("scope_id", f.ScopeID)
	q.set("descendants", f.Descendants)
	q.merge(f.Extra)
	return q.values()
}

// Parts lists parts matching f in server order.
func (c *Client) Parts(ctx context.Context, f PartFilter) ([]*Part, error) {
	if f.Category != "" && !f.Category.valid() {
		return nil, illegalArgument("unknown category %q", f.Category)
	}
	data, err := retrieve[partJSON](ctx, c, pathParts, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Part, len(data))
	for i, d := range data {
		out[i] = newPart(c, d)
	}
	return out, nil
}

// Part returns the single part matching f.
func (c *Client) Part(ctx context.Context, f PartFilter) (*Part, error) {
	f.Limit = 2
	parts, err := c.Parts(ctx, f)
	if err != nil {
		return nil, err
	}
	return single(parts, "part")
}

// Model returns the single part model matching f.
func (c *Client) Model(ctx context.Context, f PartFilter) (*Part, error) {
	f.Category = CategoryModel
	return c.Part(ctx, f)
}

// Reload fetches a fresh handle for the same part. The receiver, including
// its children cache, is left as is.
func (p *Part) Reload(ctx context.Context) (*Part, error) {
	return p.client.Part(ctx, PartFilter{ID: p.ID, Category: p.Category})
}

// Properties returns the cached properties in order.
func (p *Part) Properties() []Property {
	return append([]Property(nil), p.properties...)
}

// Property looks up a cached property by id, name or ref.
func (p *Part) Property(key string) (Property, error) {
	for _, prop := range p.properties {
		if prop.ID() == key || prop.Name() == key || (prop.Ref() != "" && prop.Ref() == key) {
			return prop, nil
		}
	}
	return nil, notFound("%s has no property %q", p, key)
}

// Parent fetches the parent part.
func (p *Part) Parent(ctx context.Context) (*Part, error) {
	if p.ParentID == "" {
		return nil, notFound("%s is a root part", p)
	}
	return p.client.Part(ctx, PartFilter{ID: p.ParentID, Category: p.Category})
}

// ChildrenQuery narrows Part.Children. Every distinct query is cached separately.
type ChildrenQuery struct {
	Name         string
	NameContains string
	// Refresh bypasses and replaces the cached result.
	Refresh bool
}

func (q ChildrenQuery) key() string {
	f := filter{}
	f.set("name", q.Name)
	f.set("name__icontains", q.NameContains)
	return f.values().Encode()
}

// Children returns the direct children of the same category, in order. The
// first call for a query fetches from the backend; later identical calls are
// served from the cache until Refresh is set or the part is mutated.
func (p *Part) Children(ctx context.Context, q ChildrenQuery) ([]*Part, error) {
	key := q.key()
	if !q.Refresh {
		if cached, ok := p.cachedChildren(key); ok {
			return cached, nil
		}
	}

	children, err := p.client.Parts(ctx, PartFilter{
		ParentID:     p.ID,
		Category:     p.Category,
		Name:         q.Name,
		NameContains: q.NameContains,
	})
	if err != nil {
		return nil, fmt.Errorf("kechain: children of %s: %w", p, err)
	}
	p.setChildren(key, children)
	cached, _ := p.cachedChildren(key)
	return cached, nil
}

// Child returns the direct child with the given name or id.
func (p *Part) Child(ctx context.Context, nameOrID string) (*Part, error) {
	children, err := p.Children(ctx, ChildrenQuery{})
	if err != nil {
		return nil, err
	}
	var matches []*Part
	for _, c := range children {
		if c.ID == nameOrID || c.Name == nameOrID {
			matches = append(matches, c)
		}
	}
	return single(matches, "child")
}

// Siblings returns the other children of the parent.
func (p *Part) Siblings(ctx context.Context) ([]*Part, error) {
	if p.ParentID == "" {
		return nil, nil
	}
	parts, err := p.client.Parts(ctx, PartFilter{ParentID: p.ParentID, Category: p.Category})
	if err != nil {
		return nil, err
	}
	out := parts[:0]
	for _, s := range parts {
		if s.ID != p.ID {
			out = append(out, s)
		}
	}
	return out, nil
}

// AllChildren returns the cached subtree depth first. Parts whose children
// were never fetched are treated as leaves.
func (p *Part) AllChildren() []*Part {
	var out []*Part
	var walk func(*Part)
	walk = func(n *Part) {
		children, _ := n.cachedChildren("")
		for _, c := range children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(p)
	return out
}

// PopulateDescendants fetches the whole subtree below p in pages of batch
// parts and primes the children cache of every node in it.
func (p *Part) PopulateDescendants(ctx context.Context, batch int) error {
	if batch <= 0 {
		return illegalArgument("batch size must be positive, got %d", batch)
	}
	data, err := retrieve[partJSON](ctx, p.client, pathParts, PartFilter{
		Descendants: p.ID,
		Category:    p.Category,
	}.query(), batch, 0)
	if err != nil {
		return fmt.Errorf("kechain: descendants of %s: %w", p, err)
	}

	nodes := map[string]*Part{p.ID: p}
	byParent := map[string][]*Part{}
	var ordered []*Part
	for _, d := range data {
		if d.ID == p.ID || d.Category != p.Category {
			continue
		}
		part := newPart(p.client, d)
		nodes[part.ID] = part
		ordered = append(ordered, part)
		byParent[part.ParentID] = append(byParent[part.ParentID], part)
	}

	p.setChildren("", byParent[p.ID])
	for _, part := range ordered {
		part.setChildren("", byParent[part.ID])
	}
	p.client.logger.DebugContext(ctx, "kechain: populated descendants",
		slog.String("part", p.ID),
		slog.Int("count", len(ordered)),
	)
	return nil
}

func (p *Part) cachedChildren(key string) ([]*Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	children, ok := p.children[key]
	if !ok {
		return nil, false
	}
	return append([]*Part(nil), children...), true
}

// setChildren stores a child list, dropping parts of the other category.
func (p *Part) setChildren(key string, children []*Part) {
	kept := make([]*Part, 0, len(children))
	for _, c := range children {
		if c.Category != p.Category {
			continue
		}
		c.cachedBy = p
		kept = append(kept, c)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.children == nil {
		p.children = map[string][]*Part{}
	}
	p.children[key] = kept
}

// InvalidateChildren drops every cached child list.
func (p *Part) InvalidateChildren() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = nil
}

// Model fetches the model of an instance.
func (p *Part) Model(ctx context.Context) (*Part, error) {
	if p.Category != CategoryInstance {
		return nil, illegalArgument("%s is not an instance", p)
	}
	return p.client.Part(ctx, PartFilter{ID: p.ModelID, Category: CategoryModel})
}

// Instances lists the instances created from a model.
func (p *Part) Instances(ctx context.Context, opts ListOptions) ([]*Part, error) {
	if p.Category != CategoryModel {
		return nil, illegalArgument("%s is not a model", p)
	}
	return p.client.Parts(ctx, PartFilter{ListOptions: opts, ModelID: p.ID, Category: CategoryInstance})
}

// Instance returns the only instance of a model.
func (p *Part) Instance(ctx context.Context) (*Part, error) {
	instances, err := p.Instances(ctx, ListOptions{Limit: 2})
	if err != nil {
		return nil, err
	}
	return single(instances, "instance")
}

// CountInstances returns the number of instances of a model with one request.
func (p *Part) CountInstances(ctx context.Context) (int, error) {
	if p.Category != CategoryModel {
		return 0, illegalArgument("%s is not a model", p)
	}
	q := PartFilter{ModelID: p.ID, Category: CategoryInstance}.query()
	q.Set("limit", "1")
	resp, err := p.client.send(ctx, request{method: http.MethodGet, path: pathParts, query: q})
	if err != nil {
		return 0, err
	}
	var env envelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return 0, fmt.Errorf("kechain: decode count: %w", err)
	}
	if env.Count == nil {
		return 0, fmt.Errorf("kechain: count missing from response: %w", ErrAPI)
	}
	return *env.Count, nil
}

// PartEdit changes part metadata. Nil fields are left untouched.
type PartEdit struct {
	Name        *string
	Description *string
}

// Edit updates name and description in place.
func (p *Part) Edit(ctx context.Context, edit PartEdit) error {
	body := map[string]any{}
	if edit.Name != nil {
		if *edit.Name == "" {
			return illegalArgument("part name cannot be empty")
		}
		body["name"] = *edit.Name
	}
	if edit.Description != nil {
		body["description"] = *edit.Description
	}
	if len(body) == 0 {
		return nil
	}
	updated, err := fetchOne[partJSON](ctx, p.client, request{
		method: http.MethodPut,
		path:   pathFor(pathPart, p.ID),
		body:   body,
	})
	if err != nil {
		return fmt.Errorf("kechain: edit %s: %w", p, err)
	}
	p.apply(updated)
	return nil
}

// Delete removes the part and its subtree. The cache of the parent handle
// the part was obtained from, if any, is invalidated.
func (p *Part) Delete(ctx context.Context) error {
	if _, err := p.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathPart, p.ID)}); err != nil {
		return fmt.Errorf("kechain: delete %s: %w", p, err)
	}
	if p.cachedBy != nil {
		p.cachedBy.InvalidateChildren()
	}
	return nil
}

// Add creates an instance of model below p.
func (p *Part) Add(ctx context.Context, model *Part, name string) (*Part, error) {
	return p.AddWithProperties(ctx, model, name, nil, UpdateOptions{})
}

// AddWithProperties creates an instance of model below p and sets the given
// property values in the same request, in the given order. Property keys are
// resolved against the property models of model.
func (p *Part) AddWithProperties(ctx context.Context, model *Part, name string, values []PropertyValue, opts UpdateOptions) (*Part, error) {
	if p.Category != CategoryInstance {
		return nil, illegalArgument("instances can only be added below an instance, %s is not one", p)
	}
	if model == nil || model.Category != CategoryModel {
		return nil, illegalArgument("a part model is required")
	}
	if model.ParentID != p.ModelID {
		return nil, illegalArgument("%s is not a child model of the model of %s", model, p)
	}
	if name == "" {
		name = model.Name
	}

	fvalues := make([]map[string]any, 0, len(values))
	for _, v := range values {
		prop, err := model.Property(v.Property)
		if err != nil {
			return nil, err
		}
		serialized, err := serializeValue(prop.Type(), v.Value)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", v.Property, err)
		}
		fvalues = append(fvalues, map[string]any{"model_id": prop.ID(), "value": serialized})
	}

	created, err := fetchOne[partJSON](ctx, p.client, request{
		method: http.MethodPost,
		path:   pathPartNewInstance,
		query:  opts.query(),
		body: map[string]any{
			"name":               name,
			"model_id":           model.ID,
			"parent_id":          p.ID,
			"properties_fvalues": fvalues,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kechain: add %q below %s: %w", name, p, err)
	}
	p.InvalidateChildren()
	return newPart(p.client, created), nil
}

// PropertyModelSpec describes a property model to create.
type PropertyModelSpec struct {
	Name        string
	Type        PropertyType
	Description string
	Unit        string
	Default     any
	Options     map[string]any
}

func (s PropertyModelSpec) body() (map[string]any, error) {
	if s.Name == "" {
		return nil, illegalArgument("property name is required")
	}
	if s.Type == "" {
		return nil, illegalArgument("property type of %q is required", s.Name)
	}
	value, err := serializeValue(s.Type, s.Default)
	if err != nil {
		return nil, fmt.Errorf("default of %q: %w", s.Name, err)
	}
	body := map[string]any{
		"name":          s.Name,
		"property_type": s.Type,
		"description":   s.Description,
		"unit":          s.Unit,
		"value":         value,
	}
	if s.Options != nil {
		body["value_options"] = s.Options
	}
	return body, nil
}

// AddModel creates a child model below a model.
func (p *Part) AddModel(ctx context.Context, name string, multiplicity Multiplicity) (*Part, error) {
	return p.AddModelWithProperties(ctx, name, multiplicity, nil, UpdateOptions{})
}

// AddModelWithProperties creates a child model and its property models in one
// request, in the given order. The backend instantiates models of multiplicity
// ONE and ONE_MANY below every existing instance of p.
func (p *Part) AddModelWithProperties(ctx context.Context, name string, multiplicity Multiplicity, props []PropertyModelSpec, opts UpdateOptions) (*Part, error) {
	if p.Category != CategoryModel {
		return nil, illegalArgument("models can only be added below a model, %s is not one", p)
	}
	if name == "" {
		return nil, illegalArgument("model name is required")
	}
	if multiplicity == "" {
		multiplicity = MultiplicityZeroMany
	}
	if !multiplicity.valid() {
		return nil, illegalArgument("unknown multiplicity %q", multiplicity)
	}

	fvalues := make([]map[string]any, 0, len(props))
	for _, spec := range props {
		body, err := spec.body()
		if err != nil {
			return nil, err
		}
		fvalues = append(fvalues, body)
	}

	created, err := fetchOne[partJSON](ctx, p.client, request{
		method: http.MethodPost,
		path:   pathPartCreateChildModel,
		query:  opts.query(),
		body: map[string]any{
			"name":               name,
			"parent_id":          p.ID,
			"multiplicity":       multiplicity,
			"properties_fvalues": fvalues,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kechain: add model %q below %s: %w", name, p, err)
	}
	p.InvalidateChildren()
	return newPart(p.client, created), nil
}

// AddProperty creates a property model on a part model. Every instance of
// the model receives a matching property.
func (p *Part) AddProperty(ctx context.Context, spec PropertyModelSpec) (Property, error) {
	if p.Category != CategoryModel {
		return nil, illegalArgument("properties can only be added to a model, %s is not one", p)
	}
	body, err := spec.body()
	if err != nil {
		return nil, err
	}
	body["part_id"] = p.ID
	created, err := fetchOne[propertyJSON](ctx, p.client, request{
		method: http.MethodPost,
		path:   pathPropertyCreateModel,
		body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("kechain: add property %q to %s: %w", spec.Name, p, err)
	}
	prop := newProperty(p.client, created)
	p.properties = append(p.properties, prop)
	return prop, nil
}

// PartUpdate renames a part and sets property values.
type PartUpdate struct {
	Name *string
	// Values are applied in order; keys are property names, refs or ids.
	Values []PropertyValue
	UpdateOptions
}

// Update applies u. Attachment values are file paths and are uploaded one by
// one; every other value goes out in a single bulk request when the backend
// supports it.
func (p *Part) Update(ctx context.Context, u PartUpdate) error {
	var (
		updates []PropertyUpdate
		uploads []PropertyUpdate
	)
	for _, v := range u.Values {
		prop, err := p.Property(v.Property)
		if err != nil {
			return err
		}
		if _, ok := prop.(*AttachmentProperty); ok && v.Value != nil {
			if _, isPath := v.Value.(string); !isPath {
				return illegalArgument("attachment %q expects a file path", v.Property)
			}
			uploads = append(uploads, PropertyUpdate{Property: prop, Value: v.Value})
			continue
		}
		updates = append(updates, PropertyUpdate{Property: prop, Value: v.Value})
	}

	if err := p.client.UpdateProperties(ctx, updates, u.UpdateOptions); err != nil {
		return err
	}
	for _, up := range uploads {
		if err := up.Property.(*AttachmentProperty).Upload(ctx, up.Value.(string)); err != nil {
			return err
		}
	}
	if u.Name != nil {
		return p.Edit(ctx, PartEdit{Name: u.Name})
	}
	return nil
}

// UpdateOptions are pass-through flags for mutating calls.
type UpdateOptions struct {
	// SuppressKevents asks the backend not to emit change events.
	SuppressKevents bool
	// Sequential sends one request per property even when bulk update is available.
	Sequential bool
}

func (o UpdateOptions) query() url.Values {
	if !o.SuppressKevents {
		return nil
	}
	return url.Values{"suppress_kevents": []string{strconv.FormatBool(true)}}
}
