package emulator

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"
)

// DemoSeed is a small bike project with models, instances and a workflow.
//
//go:embed demo.yaml
var DemoSeed []byte

// Seed is a demo project loaded into an empty emulator.
type Seed struct {
	Scopes []SeedScope `yaml:"scopes"`
}

type SeedScope struct {
	Name        string         `yaml:"name"`
	Ref         string         `yaml:"ref"`
	Description string         `yaml:"description"`
	Tags        []string       `yaml:"tags"`
	Product     []SeedModel    `yaml:"product"`
	Catalog     []SeedModel    `yaml:"catalog"`
	Activities  []SeedActivity `yaml:"activities"`
}

// SeedModel is a part model, its property models and child models.
// Instances are created under the first instance of the parent model, in
// addition to the one auto-instantiated for ONE and ONE_MANY models.
type SeedModel struct {
	Name         string         `yaml:"name"`
	Multiplicity string         `yaml:"multiplicity"`
	Properties   []SeedProperty `yaml:"properties"`
	Children     []SeedModel    `yaml:"children"`
	Instances    []SeedInstance `yaml:"instances"`
}

type SeedProperty struct {
	Name         string         `yaml:"name"`
	Type         string         `yaml:"type"`
	Description  string         `yaml:"description"`
	Unit         string         `yaml:"unit"`
	Value        any            `yaml:"value"`
	ValueOptions map[string]any `yaml:"value_options"`
}

type SeedInstance struct {
	Name   string         `yaml:"name"`
	Values map[string]any `yaml:"values"`
}

type SeedActivity struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Type        string         `yaml:"type"`
	Widgets     []SeedWidget   `yaml:"widgets"`
	Children    []SeedActivity `yaml:"children"`
}

type SeedWidget struct {
	Type  string         `yaml:"type"`
	Title string         `yaml:"title"`
	Meta  map[string]any `yaml:"meta"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("emulator: parse seed: %w", err)
	}
	return &seed, nil
}

// Seed loads a YAML seed document and returns the scopes it created.
func (e *Emulator) Seed(ctx context.Context, data []byte) ([]*Scope, error) {
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, err
	}
	return e.svc.LoadSeed(ctx, seed)
}

// LoadSeed creates every scope of seed through the regular service calls.
func (s *Service) LoadSeed(ctx context.Context, seed *Seed) ([]*Scope, error) {
	var scopes []*Scope
	for _, ss := range seed.Scopes {
		scope, err := s.CreateScope(ctx, ScopeSpec{
			Name: ss.Name, Ref: ss.Ref, Description: ss.Description, Tags: ss.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("emulator: seed scope %q: %w", ss.Name, err)
		}
		for _, m := range ss.Product {
			if err := s.seedModel(ctx, scope.ProductModelID, m); err != nil {
				return nil, fmt.Errorf("emulator: seed scope %q: %w", ss.Name, err)
			}
		}
		for _, m := range ss.Catalog {
			if err := s.seedModel(ctx, scope.CatalogModelID, m); err != nil {
				return nil, fmt.Errorf("emulator: seed scope %q: %w", ss.Name, err)
			}
		}
		for _, a := range ss.Activities {
			if err := s.seedActivity(ctx, scope.ID, scope.WorkflowRootID, a); err != nil {
				return nil, fmt.Errorf("emulator: seed scope %q: %w", ss.Name, err)
			}
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

func (s *Service) seedModel(ctx context.Context, parentModelID string, m SeedModel) error {
	req := ChildModelRequest{Name: m.Name, ParentID: parentModelID, Multiplicity: m.Multiplicity}
	for _, p := range m.Properties {
		value, err := seedValue(p.Value)
		if err != nil {
			return fmt.Errorf("model %q property %q: %w", m.Name, p.Name, err)
		}
		req.Properties = append(req.Properties, PropertyModelSpec{
			Name:         p.Name,
			Type:         p.Type,
			Description:  p.Description,
			Unit:         p.Unit,
			Value:        value,
			ValueOptions: p.ValueOptions,
		})
	}
	model, err := s.CreateChildModel(ctx, req)
	if err != nil {
		return fmt.Errorf("model %q: %w", m.Name, err)
	}

	if len(m.Instances) > 0 {
		parents, _, err := s.ListParts(ctx, url.Values{"model_id": {parentModelID}})
		if err != nil {
			return err
		}
		if len(parents) == 0 {
			return fmt.Errorf("model %q: parent model has no instance", m.Name)
		}
		byName := make(map[string]string, len(model.Properties))
		for _, p := range model.Properties {
			byName[p.Name] = p.ID
		}
		for _, inst := range m.Instances {
			ni := NewInstanceRequest{Name: inst.Name, ModelID: model.ID, ParentID: parents[0].ID}
			for name, v := range inst.Values {
				id, ok := byName[name]
				if !ok {
					return fmt.Errorf("instance %q: unknown property %q", inst.Name, name)
				}
				raw, err := seedValue(v)
				if err != nil {
					return fmt.Errorf("instance %q property %q: %w", inst.Name, name, err)
				}
				ni.Values = append(ni.Values, FieldValue{ModelID: id, Value: raw})
			}
			if _, err := s.NewInstance(ctx, ni); err != nil {
				return fmt.Errorf("instance %q: %w", inst.Name, err)
			}
		}
	}

	for _, child := range m.Children {
		if err := s.seedModel(ctx, model.ID, child); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) seedActivity(ctx context.Context, scopeID, parentID string, a SeedActivity) error {
	kind := a.Type
	if kind == "" {
		kind = ActivityTask
		if len(a.Children) > 0 {
			kind = ActivityProcess
		}
	}
	act, err := s.CreateActivity(ctx, ActivitySpec{
		Name:         a.Name,
		Description:  a.Description,
		ParentID:     parentID,
		ActivityType: kind,
		ScopeID:      scopeID,
	})
	if err != nil {
		return fmt.Errorf("activity %q: %w", a.Name, err)
	}
	if len(a.Widgets) > 0 {
		specs := make([]WidgetSpec, 0, len(a.Widgets))
		for _, w := range a.Widgets {
			specs = append(specs, WidgetSpec{ActivityID: act.ID, WidgetType: w.Type, Title: w.Title, Meta: w.Meta})
		}
		if _, err := s.CreateWidgets(ctx, specs); err != nil {
			return fmt.Errorf("activity %q widgets: %w", a.Name, err)
		}
	}
	for _, child := range a.Children {
		if err := s.seedActivity(ctx, scopeID, act.ID, child); err != nil {
			return err
		}
	}
	return nil
}

// seedValue turns a YAML scalar or structure into a JSON property value.
func seedValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
