package kechain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Scope is a project: it owns a product tree and a workflow of activities.
type Scope struct {
	Base
	Status            ScopeStatus
	Tags              []string
	StartDate         *time.Time
	DueDate           *time.Time
	WorkflowRootID    string
	ProductModelID    string
	ProductInstanceID string

	client *Client
}

type scopeJSON struct {
	Base
	Status            ScopeStatus `json:"status"`
	Tags              []string    `json:"tags"`
	StartDate         *time.Time  `json:"start_date"`
	DueDate           *time.Time  `json:"due_date"`
	WorkflowRootID    string      `json:"workflow_root_id"`
	ProductModelID    string      `json:"product_model_id"`
	ProductInstanceID string      `json:"product_instance_id"`
}

func newScope(c *Client, d scopeJSON) *Scope {
	s := &Scope{client: c}
	s.apply(d)
	return s
}

func (s *Scope) apply(d scopeJSON) {
	s.Base = d.Base
	s.Status = d.Status
	s.Tags = d.Tags
	s.StartDate = d.StartDate
	s.DueDate = d.DueDate
	s.WorkflowRootID = d.WorkflowRootID
	s.ProductModelID = d.ProductModelID
	s.ProductInstanceID = d.ProductInstanceID
}

func (s *Scope) String() string { return "scope " + s.Base.String() }

// ScopeFilter narrows Client.Scopes.
type ScopeFilter struct {
	ListOptions

	ID           string
	Name         string
	NameContains string
	Status       ScopeStatus
	Tag          string
	Extra        map[string]string
}

func (f ScopeFilter) query() url.Values {
	q := filter{}
	q.set("id", f.ID)
	q.set("name", f.Name)
	q.set("name__icontains", f.NameContains)
	q.set("status", string(f.Status))
	q.set("tags__contains", f.Tag)
	q.merge(f.Extra)
	return q.values()
}

// Scopes lists the scopes visible to the authenticated user.
func (c *Client) Scopes(ctx context.Context, f ScopeFilter) ([]*Scope, error) {
	data, err := retrieve[scopeJSON](ctx, c, pathScopes, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Scope, len(data))
	for i, d := range data {
		out[i] = newScope(c, d)
	}
	return out, nil
}

// Scope returns the single scope matching f.
func (c *Client) Scope(ctx context.Context, f ScopeFilter) (*Scope, error) {
	f.Limit = 2
	scopes, err := c.Scopes(ctx, f)
	if err != nil {
		return nil, err
	}
	return single(scopes, "scope")
}

// Reload fetches a fresh handle for the same scope.
func (s *Scope) Reload(ctx context.Context) (*Scope, error) {
	return s.client.Scope(ctx, ScopeFilter{ID: s.ID})
}

// ScopeEdit changes scope attributes. Nil fields are left untouched.
type ScopeEdit struct {
	Name        *string
	Description *string
	Status      *ScopeStatus
	Tags        []string
	StartDate   *time.Time
	DueDate     *time.Time
}

// Edit updates the scope in place.
func (s *Scope) Edit(ctx context.Context, edit ScopeEdit) error {
	body := map[string]any{}
	if edit.Name != nil {
		if *edit.Name == "" {
			return illegalArgument("scope name cannot be empty")
		}
		body["name"] = *edit.Name
	}
	if edit.Description != nil {
		body["description"] = *edit.Description
	}
	if edit.Status != nil {
		body["status"] = *edit.Status
	}
	if edit.Tags != nil {
		body["tags"] = edit.Tags
	}
	if edit.StartDate != nil {
		body["start_date"] = edit.StartDate.UTC().Format(time.RFC3339)
	}
	if edit.DueDate != nil {
		body["due_date"] = edit.DueDate.UTC().Format(time.RFC3339)
	}
	if edit.StartDate != nil && edit.DueDate != nil && edit.DueDate.Before(*edit.StartDate) {
		return illegalArgument("due date precedes start date")
	}
	if len(body) == 0 {
		return nil
	}
	updated, err := fetchOne[scopeJSON](ctx, s.client, request{
		method: http.MethodPut,
		path:   pathFor(pathScope, s.ID),
		body:   body,
	})
	if err != nil {
		return fmt.Errorf("kechain: edit %s: %w", s, err)
	}
	s.apply(updated)
	return nil
}

// Delete removes the scope with everything in it.
func (s *Scope) Delete(ctx context.Context) error {
	if _, err := s.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathScope, s.ID)}); err != nil {
		return fmt.Errorf("kechain: delete %s: %w", s, err)
	}
	return nil
}

// Parts lists parts of this scope.
func (s *Scope) Parts(ctx context.Context, f PartFilter) ([]*Part, error) {
	f.ScopeID = s.ID
	return s.client.Parts(ctx, f)
}

func (s *Scope) Part(ctx context.Context, f PartFilter) (*Part, error) {
	f.ScopeID = s.ID
	return s.client.Part(ctx, f)
}

func (s *Scope) Model(ctx context.Context, f PartFilter) (*Part, error) {
	f.ScopeID = s.ID
	return s.client.Model(ctx, f)
}

func (s *Scope) Properties(ctx context.Context, f PropertyFilter) ([]Property, error) {
	f.ScopeID = s.ID
	return s.client.Properties(ctx, f)
}

// ProductRootModel returns the root of the product model tree.
func (s *Scope) ProductRootModel(ctx context.Context) (*Part, error) {
	if s.ProductModelID == "" {
		return nil, notFound("%s has no product model root", s)
	}
	return s.client.Part(ctx, PartFilter{ID: s.ProductModelID, Category: CategoryModel})
}

// ProductRootInstance returns the root of the product instance tree.
func (s *Scope) ProductRootInstance(ctx context.Context) (*Part, error) {
	if s.ProductInstanceID == "" {
		return nil, notFound("%s has no product instance root", s)
	}
	return s.client.Part(ctx, PartFilter{ID: s.ProductInstanceID, Category: CategoryInstance})
}

// CreateModel adds a child model below parent, which must belong to this scope.
func (s *Scope) CreateModel(ctx context.Context, parent *Part, name string, multiplicity Multiplicity) (*Part, error) {
	if parent == nil || parent.ScopeID != s.ID {
		return nil, illegalArgument("parent must be a model of %s", s)
	}
	return parent.AddModel(ctx, name, multiplicity)
}

func (s *Scope) Activities(ctx context.Context, f ActivityFilter) ([]*Activity, error) {
	f.ScopeID = s.ID
	return s.client.Activities(ctx, f)
}

func (s *Scope) Activity(ctx context.Context, f ActivityFilter) (*Activity, error) {
	f.ScopeID = s.ID
	return s.client.Activity(ctx, f)
}

// WorkflowRoot returns the root process of the scope workflow.
func (s *Scope) WorkflowRoot(ctx context.Context) (*Activity, error) {
	if s.WorkflowRootID == "" {
		return nil, notFound("%s has no workflow root", s)
	}
	return s.client.Activity(ctx, ActivityFilter{ID: s.WorkflowRootID})
}

// CreateActivity adds an activity; it goes below the workflow root when no
// parent is given.
func (s *Scope) CreateActivity(ctx context.Context, spec ActivitySpec) (*Activity, error) {
	if spec.ParentID == "" {
		spec.ParentID = s.WorkflowRootID
	}
	spec.scopeID = s.ID
	return s.client.createActivity(ctx, spec)
}
