package emulator

import (
	"cmp"
	"context"
	"fmt"
	"net/url"
	"slices"
)

// WidgetSpec is one widget to create.
type WidgetSpec struct {
	ActivityID string         `json:"activity_id"`
	WidgetType string         `json:"widget_type"`
	Title      string         `json:"title"`
	Meta       map[string]any `json:"meta"`
	ParentID   string         `json:"parent_id"`
	Order      *int           `json:"order"`
}

// WidgetPatch edits one widget. ID is only used by bulk updates.
type WidgetPatch struct {
	ID    string         `json:"id"`
	Title *string        `json:"title"`
	Meta  map[string]any `json:"meta"`
	Order *int           `json:"order"`
}

func (st *store) activityWidgets(activityID string) []*Widget {
	ws := filterSlice(ordered(st.widgets), func(w *Widget) bool { return w.ActivityID == activityID })
	slices.SortStableFunc(ws, func(a, b *Widget) int { return cmp.Compare(a.Order, b.Order) })
	return ws
}

func (s *Service) deleteWidgetsOf(activityID string) {
	for id, w := range s.st.widgets {
		if w.ActivityID == activityID {
			delete(s.st.widgets, id)
		}
	}
}

// ListWidgets returns widgets ordered by their position.
func (s *Service) ListWidgets(_ context.Context, q url.Values) ([]*Widget, int, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	items := filterSlice(ordered(s.st.widgets), func(w *Widget) bool {
		return matchRecord(&w.Record, q) &&
			matchField(q, "activity_id", w.ActivityID) &&
			matchField(q, "parent_id", w.ParentID) &&
			matchField(q, "widget_type", w.WidgetType)
	})
	slices.SortStableFunc(items, func(a, b *Widget) int { return cmp.Compare(a.Order, b.Order) })
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Widget, len(items))
	for i, w := range items {
		out[i] = clone(w)
	}
	return out, total, nil
}

// CreateWidgets creates all widgets or none.
func (s *Service) CreateWidgets(_ context.Context, specs []WidgetSpec) ([]*Widget, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, spec := range specs {
		a, ok := st.activities[spec.ActivityID]
		if !ok {
			return nil, fmt.Errorf("widget %d: %w", i, notFound("activity", spec.ActivityID))
		}
		if a.ActivityType != ActivityTask {
			return nil, invalid("widget %d: activity %q is not a task", i, a.Name)
		}
		if spec.WidgetType == "" {
			return nil, invalid("widget %d: widget_type is required", i)
		}
		if spec.ParentID != "" {
			if _, ok := st.widgets[spec.ParentID]; !ok {
				return nil, fmt.Errorf("widget %d: %w", i, notFound("parent widget", spec.ParentID))
			}
		}
	}

	out := make([]*Widget, len(specs))
	for i, spec := range specs {
		order := len(st.activityWidgets(spec.ActivityID))
		if spec.Order != nil {
			order = *spec.Order
		}
		meta := spec.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		w := &Widget{
			Record:     st.record(spec.Title, "", ""),
			WidgetType: spec.WidgetType,
			Title:      spec.Title,
			Meta:       meta,
			Order:      order,
			ActivityID: spec.ActivityID,
			ParentID:   spec.ParentID,
		}
		st.widgets[w.ID] = w
		out[i] = clone(w)
	}
	return out, nil
}

// UpdateWidgets applies all patches or none.
func (s *Service) UpdateWidgets(_ context.Context, patches []WidgetPatch) ([]*Widget, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	targets := make([]*Widget, len(patches))
	for i, p := range patches {
		w, ok := st.widgets[p.ID]
		if !ok {
			return nil, fmt.Errorf("widget %d: %w", i, notFound("widget", p.ID))
		}
		targets[i] = w
	}
	out := make([]*Widget, len(patches))
	for i, p := range patches {
		w := targets[i]
		if p.Title != nil {
			w.Title = *p.Title
			w.Name = *p.Title
		}
		if p.Meta != nil {
			w.Meta = p.Meta
		}
		if p.Order != nil {
			w.Order = *p.Order
		}
		touch(&w.Record)
		out[i] = clone(w)
	}
	return out, nil
}

// DeleteWidgets removes all given widgets or none.
func (s *Service) DeleteWidgets(_ context.Context, ids []string) ([]*Widget, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	out := make([]*Widget, len(ids))
	for i, id := range ids {
		w, ok := s.st.widgets[id]
		if !ok {
			return nil, notFound("widget", id)
		}
		out[i] = clone(w)
	}
	for _, id := range ids {
		delete(s.st.widgets, id)
	}
	return out, nil
}
