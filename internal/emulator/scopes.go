package emulator

import (
	"context"
	"net/url"
	"slices"
	"time"
)

// ScopeSpec describes a scope to create.
type ScopeSpec struct {
	Name        string     `json:"name"`
	Ref         string     `json:"ref"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Tags        []string   `json:"tags"`
	StartDate   *time.Time `json:"start_date"`
	DueDate     *time.Time `json:"due_date"`
}

// ScopePatch holds the editable scope attributes; nil fields are untouched.
type ScopePatch struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	Tags        []string   `json:"tags"`
	StartDate   *time.Time `json:"start_date"`
	DueDate     *time.Time `json:"due_date"`
}

// CreateScope creates a scope with its product and catalog root trees and a
// workflow root process.
func (s *Service) CreateScope(_ context.Context, spec ScopeSpec) (*Scope, error) {
	if spec.Name == "" {
		return nil, invalid("scope name is required")
	}
	if spec.Status == "" {
		spec.Status = "ACTIVE"
	}
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	scope := &Scope{
		Record:    st.record(spec.Name, spec.Ref, spec.Description),
		Status:    spec.Status,
		Tags:      nonNil(spec.Tags),
		StartDate: spec.StartDate,
		DueDate:   spec.DueDate,
	}
	st.scopes[scope.ID] = scope

	productModel, productInstance := st.rootPair(scope.ID, "Product", ClassificationProduct)
	catalogModel, catalogInstance := st.rootPair(scope.ID, "Catalog", ClassificationCatalog)
	scope.ProductModelID, scope.ProductInstanceID = productModel.ID, productInstance.ID
	scope.CatalogModelID, scope.CatalogInstanceID = catalogModel.ID, catalogInstance.ID

	root := &Activity{
		Record:         st.record("WORKFLOW_ROOT", "", ""),
		ActivityType:   ActivityProcess,
		Classification: "WORKFLOW",
		Status:         "OPEN",
		ScopeID:        scope.ID,
		Assignees:      []string{},
	}
	st.activities[root.ID] = root
	scope.WorkflowRootID = root.ID
	return clone(scope), nil
}

func (st *store) rootPair(scopeID, name, classification string) (*Part, *Part) {
	model := &Part{
		Record:         st.record(name, "", ""),
		Category:       CategoryModel,
		Classification: classification,
		Multiplicity:   MultiplicityOne,
		ScopeID:        scopeID,
	}
	st.parts[model.ID] = model
	instance := &Part{
		Record:         st.record(name, "", ""),
		Category:       CategoryInstance,
		Classification: classification,
		Multiplicity:   MultiplicityOne,
		ModelID:        model.ID,
		ScopeID:        scopeID,
	}
	st.parts[instance.ID] = instance
	return model, instance
}

// ListScopes filters scopes and returns the requested page with the total count.
func (s *Service) ListScopes(_ context.Context, q url.Values) ([]*Scope, int, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	items := filterSlice(ordered(s.st.scopes), func(sc *Scope) bool {
		if !matchRecord(&sc.Record, q) || !matchField(q, "status", sc.Status) {
			return false
		}
		if tag := q.Get("tags__contains"); tag != "" && !slices.Contains(sc.Tags, tag) {
			return false
		}
		return true
	})
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Scope, len(items))
	for i, sc := range items {
		out[i] = clone(sc)
	}
	return out, total, nil
}

func (s *Service) GetScope(_ context.Context, id string) (*Scope, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	sc, ok := s.st.scopes[id]
	if !ok {
		return nil, notFound("scope", id)
	}
	return clone(sc), nil
}

func (s *Service) UpdateScope(_ context.Context, id string, patch ScopePatch) (*Scope, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	sc, ok := s.st.scopes[id]
	if !ok {
		return nil, notFound("scope", id)
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, invalid("scope name cannot be empty")
		}
		sc.Name = *patch.Name
	}
	if patch.Description != nil {
		sc.Description = *patch.Description
	}
	if patch.Status != nil {
		sc.Status = *patch.Status
	}
	if patch.Tags != nil {
		sc.Tags = patch.Tags
	}
	if patch.StartDate != nil {
		sc.StartDate = patch.StartDate
	}
	if patch.DueDate != nil {
		sc.DueDate = patch.DueDate
	}
	touch(&sc.Record)
	return clone(sc), nil
}

// DeleteScope removes a scope and everything inside it.
func (s *Service) DeleteScope(_ context.Context, id string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if _, ok := s.st.scopes[id]; !ok {
		return notFound("scope", id)
	}
	for pid, p := range s.st.properties {
		if p.ScopeID == id {
			s.dropBlob(p)
			delete(s.st.properties, pid)
		}
	}
	for pid, p := range s.st.parts {
		if p.ScopeID == id {
			delete(s.st.parts, pid)
		}
	}
	for aid, a := range s.st.activities {
		if a.ScopeID == id {
			s.deleteWidgetsOf(aid)
			delete(s.st.activities, aid)
		}
	}
	for _, sc := range s.st.scripts {
		if sc.ScopeID == id {
			s.dropScript(sc)
		}
	}
	delete(s.st.scopes, id)
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
