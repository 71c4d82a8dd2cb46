package kechain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

// Widget is a dashboard element shown on an activity.
type Widget struct {
	Base
	WidgetType WidgetType
	Title      string
	Meta       map[string]any
	Order      int
	ActivityID string
	ParentID   string

	client *Client
}

type widgetJSON struct {
	Base
	WidgetType WidgetType     `json:"widget_type"`
	Title      string         `json:"title"`
	Meta       map[string]any `json:"meta"`
	Order      int            `json:"order"`
	ActivityID string         `json:"activity_id"`
	ParentID   string         `json:"parent_id"`
}

func newWidget(c *Client, d widgetJSON) *Widget {
	w := &Widget{client: c}
	w.apply(d)
	return w
}

func (w *Widget) apply(d widgetJSON) {
	w.Base = d.Base
	w.WidgetType = d.WidgetType
	w.Title = d.Title
	w.Meta = d.Meta
	w.Order = d.Order
	w.ActivityID = d.ActivityID
	w.ParentID = d.ParentID
}

func (w *Widget) String() string {
	return fmt.Sprintf("%s widget %q (%s)", w.WidgetType, w.Title, shortID(w.ID))
}

// WidgetFilter narrows Client.Widgets.
type WidgetFilter struct {
	ListOptions

	ActivityID string
	ParentID   string
	WidgetType WidgetType
}

func (f WidgetFilter) query() url.Values {
	q := filter{}
	q.set("activity_id", f.ActivityID)
	q.set("parent_id", f.ParentID)
	q.set("widget_type", string(f.WidgetType))
	return q.values()
}

// Widgets lists widgets matching f, sorted by order.
func (c *Client) Widgets(ctx context.Context, f WidgetFilter) ([]*Widget, error) {
	data, err := retrieve[widgetJSON](ctx, c, pathWidgets, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Widget, len(data))
	for i, d := range data {
		out[i] = newWidget(c, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// WidgetEdit changes a widget. Nil fields are left untouched.
type WidgetEdit struct {
	Title *string
	Meta  map[string]any
}

// Edit updates the widget in place.
func (w *Widget) Edit(ctx context.Context, edit WidgetEdit) error {
	body := map[string]any{}
	if edit.Title != nil {
		body["title"] = *edit.Title
	}
	if edit.Meta != nil {
		body["meta"] = edit.Meta
	}
	if len(body) == 0 {
		return nil
	}
	updated, err := fetchOne[widgetJSON](ctx, w.client, request{
		method: http.MethodPut,
		path:   pathFor(pathWidget, w.ID),
		body:   body,
	})
	if err != nil {
		return fmt.Errorf("kechain: edit %s: %w", w, err)
	}
	w.apply(updated)
	return nil
}

func (w *Widget) Delete(ctx context.Context) error {
	if _, err := w.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathWidget, w.ID)}); err != nil {
		return fmt.Errorf("kechain: delete %s: %w", w, err)
	}
	return nil
}

// WidgetSpec describes a widget to create.
type WidgetSpec struct {
	Type     WidgetType
	Title    string
	Meta     map[string]any
	ParentID string
}

// WidgetsManager is the ordered list of widgets of one activity.
type WidgetsManager struct {
	activity *Activity
	widgets  []*Widget
}

// Widgets loads the widgets of the activity in display order.
func (a *Activity) Widgets(ctx context.Context) (*WidgetsManager, error) {
	widgets, err := a.client.Widgets(ctx, WidgetFilter{ActivityID: a.ID})
	if err != nil {
		return nil, err
	}
	return &WidgetsManager{activity: a, widgets: widgets}, nil
}

func (m *WidgetsManager) All() []*Widget { return append([]*Widget(nil), m.widgets...) }

func (m *WidgetsManager) Len() int { return len(m.widgets) }

// At returns the widget at index.
func (m *WidgetsManager) At(index int) (*Widget, error) {
	if index < 0 || index >= len(m.widgets) {
		return nil, notFound("no widget at index %d of %d", index, len(m.widgets))
	}
	return m.widgets[index], nil
}

// Find returns the widget with the given id, ref or title.
func (m *WidgetsManager) Find(key string) (*Widget, error) {
	var matches []*Widget
	for _, w := range m.widgets {
		if w.ID == key || w.Ref == key || w.Title == key {
			matches = append(matches, w)
		}
	}
	return single(matches, "widget")
}

func (m *WidgetsManager) specBody(spec WidgetSpec, order int) (map[string]any, error) {
	if spec.Type == "" {
		return nil, illegalArgument("widget type is required")
	}
	meta := spec.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"activity_id": m.activity.ID,
		"widget_type": spec.Type,
		"title":       spec.Title,
		"meta":        meta,
		"parent_id":   spec.ParentID,
		"order":       order,
	}, nil
}

// Create appends a widget.
func (m *WidgetsManager) Create(ctx context.Context, spec WidgetSpec) (*Widget, error) {
	body, err := m.specBody(spec, len(m.widgets))
	if err != nil {
		return nil, err
	}
	created, err := fetchOne[widgetJSON](ctx, m.activity.client, request{
		method: http.MethodPost,
		path:   pathWidgets,
		body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("kechain: create widget on %s: %w", m.activity, err)
	}
	w := newWidget(m.activity.client, created)
	m.widgets = append(m.widgets, w)
	return w, nil
}

// CreateMany appends several widgets with one request.
func (m *WidgetsManager) CreateMany(ctx context.Context, specs []WidgetSpec) ([]*Widget, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	bodies := make([]map[string]any, 0, len(specs))
	for i, spec := range specs {
		body, err := m.specBody(spec, len(m.widgets)+i)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}
	resp, err := m.activity.client.send(ctx, request{method: http.MethodPost, path: pathWidgetsBulkCreate, body: bodies})
	if err != nil {
		return nil, &BatchError{Op: "bulk create widgets", Size: len(bodies), Err: err}
	}
	data, err := decodeResults[widgetJSON](resp.body)
	if err != nil {
		return nil, err
	}
	created := make([]*Widget, len(data))
	for i, d := range data {
		created[i] = newWidget(m.activity.client, d)
	}
	m.widgets = append(m.widgets, created...)
	return created, nil
}

// Insert moves w to index and renumbers every widget with one request.
func (m *WidgetsManager) Insert(ctx context.Context, index int, w *Widget) error {
	if index < 0 || index >= len(m.widgets) {
		return illegalArgument("index %d out of range [0, %d)", index, len(m.widgets))
	}
	current := -1
	for i, existing := range m.widgets {
		if existing.ID == w.ID {
			current = i
			break
		}
	}
	if current < 0 {
		return notFound("%s is not on %s", w, m.activity)
	}

	reordered := make([]*Widget, 0, len(m.widgets))
	reordered = append(reordered, m.widgets[:current]...)
	reordered = append(reordered, m.widgets[current+1:]...)
	reordered = append(reordered[:index], append([]*Widget{w}, reordered[index:]...)...)

	payload := make([]map[string]any, len(reordered))
	for i, rw := range reordered {
		payload[i] = map[string]any{"id": rw.ID, "order": i}
	}
	if _, err := m.activity.client.send(ctx, request{method: http.MethodPost, path: pathWidgetsBulkUpdate, body: payload}); err != nil {
		return &BatchError{Op: "reorder widgets", Size: len(payload), Err: err}
	}
	for i, rw := range reordered {
		rw.Order = i
	}
	m.widgets = reordered
	return nil
}

// Delete removes one widget.
func (m *WidgetsManager) Delete(ctx context.Context, w *Widget) error {
	if err := w.Delete(ctx); err != nil {
		return err
	}
	kept := m.widgets[:0]
	for _, existing := range m.widgets {
		if existing.ID != w.ID {
			kept = append(kept, existing)
		}
	}
	m.widgets = kept
	return nil
}

// DeleteAll removes every widget with one request.
func (m *WidgetsManager) DeleteAll(ctx context.Context) error {
	if len(m.widgets) == 0 {
		return nil
	}
	ids := make([]string, len(m.widgets))
	for i, w := range m.widgets {
		ids[i] = w.ID
	}
	_, err := m.activity.client.send(ctx, request{
		method: http.MethodPost,
		path:   pathWidgetsBulkDelete,
		body:   map[string]any{"widgets": ids},
	})
	if err != nil {
		return &BatchError{Op: "bulk delete widgets", Size: len(ids), Err: err}
	}
	m.widgets = nil
	return nil
}
