package kechain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// CopyOptions controls Part.Copy and Part.Move.
type CopyOptions struct {
	// Name of the new top part; the source name when empty.
	Name            string
	IncludeChildren bool
	// IncludeInstances also copies the instances of a source model below the
	// single instance of the target model.
	IncludeInstances bool
	SuppressKevents  bool
}

// relocation tracks one copy operation: which new resource replaced which
// original, and the work deferred until the whole subtree exists.
type relocation struct {
	client *Client
	opts   CopyOptions

	parts map[string]*Part
	props map[string]Property
	// reused marks auto-created instances already claimed, by parent and model.
	reused map[string]bool

	refs        []pendingReference
	attachments []pendingAttachment
}

type pendingReference struct {
	target Property
	oldIDs []string
}

type pendingAttachment struct {
	source *AttachmentProperty
	target *AttachmentProperty
}

func newRelocation(c *Client, opts CopyOptions) *relocation {
	return &relocation{
		client: c,
		opts:   opts,
		parts:  map[string]*Part{},
		props:  map[string]Property{},
		reused: map[string]bool{},
	}
}

// Copy recreates p below target and returns the new part. Models are copied
// with their property models; instances are copied by first copying their
// model below the model of target. References between parts of the copied
// subtree are rewired to the copies; references leaving the subtree are kept.
func (p *Part) Copy(ctx context.Context, target *Part, opts CopyOptions) (*Part, error) {
	if target == nil {
		return nil, illegalArgument("copy target is required")
	}
	if p.Category != target.Category {
		return nil, illegalArgument("cannot copy %s below %s", p, target)
	}
	if target.ID == p.ID {
		return nil, illegalArgument("cannot copy %s below itself", p)
	}
	if opts.IncludeInstances && p.Category != CategoryModel {
		return nil, illegalArgument("instances can only be included when copying a model")
	}
	if opts.Name == "" {
		opts.Name = p.Name
	}

	if err := p.checkNotAncestorOf(ctx, target); err != nil {
		return nil, err
	}
	if opts.IncludeChildren {
		if err := p.PopulateDescendants(ctx, p.client.pageSize); err != nil {
			return nil, err
		}
	}

	r := newRelocation(p.client, opts)
	var (
		copied *Part
		err    error
	)
	if p.Category == CategoryModel {
		copied, err = r.model(ctx, p, target)
	} else {
		copied, err = r.instance(ctx, p, target)
	}
	if err != nil {
		return nil, err
	}
	if err := r.finish(ctx); err != nil {
		return nil, err
	}
	target.InvalidateChildren()
	p.client.logger.InfoContext(ctx, "kechain: copied part",
		slog.String("source", p.ID),
		slog.String("copy", copied.ID),
		slog.Int("parts", len(r.parts)),
	)
	return copied, nil
}

// checkNotAncestorOf walks from target up to the root and fails when p is on
// the way.
func (p *Part) checkNotAncestorOf(ctx context.Context, target *Part) error {
	seen := map[string]bool{}
	for cur := target; cur.ParentID != ""; {
		if cur.ParentID == p.ID {
			return illegalArgument("cannot copy %s into its own subtree", p)
		}
		if seen[cur.ParentID] {
			return fmt.Errorf("kechain: parent cycle at %s", cur)
		}
		seen[cur.ParentID] = true
		parent, err := cur.Parent(ctx)
		if err != nil {
			return fmt.Errorf("kechain: resolve ancestors of %s: %w", target, err)
		}
		cur = parent
	}
	return nil
}

// Move copies p below target and deletes the original.
func (p *Part) Move(ctx context.Context, target *Part, opts CopyOptions) (*Part, error) {
	moved, err := p.Copy(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	if err := p.Delete(ctx); err != nil {
		return nil, fmt.Errorf("kechain: move: copy %s created, original kept: %w", moved.ID, err)
	}
	return moved, nil
}

// model copies a model subtree and, when requested, its instances.
func (r *relocation) model(ctx context.Context, src, target *Part) (*Part, error) {
	var targetInstance *Part
	if r.opts.IncludeInstances {
		instances, err := target.Instances(ctx, ListOptions{Limit: 2})
		if err != nil {
			return nil, err
		}
		if len(instances) != 1 {
			return nil, illegalArgument("%s must have exactly one instance to receive copied instances, it has %d",
				target, len(instances))
		}
		targetInstance = instances[0]
	}

	copied, err := r.copyModel(ctx, src, target, r.opts.Name)
	if err != nil {
		return nil, err
	}
	if targetInstance == nil {
		return copied, nil
	}

	sources, err := src.Instances(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, inst := range sources {
		if r.opts.IncludeChildren {
			if err := inst.PopulateDescendants(ctx, r.client.pageSize); err != nil {
				return nil, err
			}
		}
		if _, err := r.copyInstance(ctx, inst, targetInstance, inst.Name); err != nil {
			return nil, err
		}
	}
	return copied, nil
}

// instance copies the model of src below the model of target, then the
// instance subtree below target.
func (r *relocation) instance(ctx context.Context, src, target *Part) (*Part, error) {
	srcModel, err := src.Model(ctx)
	if err != nil {
		return nil, err
	}
	targetModel, err := target.Model(ctx)
	if err != nil {
		return nil, err
	}
	if r.opts.IncludeChildren {
		if err := srcModel.PopulateDescendants(ctx, r.client.pageSize); err != nil {
			return nil, err
		}
	}
	if _, err := r.copyModel(ctx, srcModel, targetModel, srcModel.Name); err != nil {
		return nil, err
	}
	return r.copyInstance(ctx, src, target, r.opts.Name)
}

func (r *relocation) copyModel(ctx context.Context, src, target *Part, name string) (*Part, error) {
	specs := make([]PropertyModelSpec, 0, len(src.properties))
	for _, prop := range src.properties {
		spec := PropertyModelSpec{
			Name:        prop.Name(),
			Type:        prop.Type(),
			Description: prop.Description(),
			Unit:        prop.Unit(),
			Options:     prop.Options(),
		}
		if prop.HasValue() && !prop.Type().IsReference() && prop.Type() != PropertyAttachment {
			spec.Default = json.RawMessage(prop.base().rawValue())
		}
		specs = append(specs, spec)
	}

	copied, err := target.AddModelWithProperties(ctx, name, src.Multiplicity, specs,
		UpdateOptions{SuppressKevents: r.opts.SuppressKevents})
	if err != nil {
		return nil, err
	}
	if src.Description != "" {
		desc := src.Description
		if err := copied.Edit(ctx, PartEdit{Description: &desc}); err != nil {
			return nil, err
		}
	}
	r.parts[src.ID] = copied

	for i, prop := range src.properties {
		if i >= len(copied.properties) {
			return nil, fmt.Errorf("kechain: copy %s: backend returned %d of %d properties: %w",
				src, len(copied.properties), len(src.properties), ErrAPI)
		}
		r.track(prop, copied.properties[i])
	}

	if !r.opts.IncludeChildren {
		return copied, nil
	}
	children, _ := src.cachedChildren("")
	for _, child := range children {
		if _, err := r.copyModel(ctx, child, copied, child.Name); err != nil {
			return nil, err
		}
	}
	return copied, nil
}

func (r *relocation) copyInstance(ctx context.Context, src, target *Part, name string) (*Part, error) {
	model, ok := r.parts[src.ModelID]
	if !ok {
		return nil, fmt.Errorf("kechain: copy %s: model %s was not copied: %w", src, src.ModelID, ErrIllegalArgument)
	}

	var values []PropertyValue
	for _, prop := range src.properties {
		if !prop.HasValue() || prop.Type().IsReference() || prop.Type() == PropertyAttachment {
			continue
		}
		newModelProp, ok := r.props[prop.ModelID()]
		if !ok {
			continue
		}
		values = append(values, PropertyValue{Property: newModelProp.ID(), Value: json.RawMessage(prop.base().rawValue())})
	}

	copied, err := r.claimAutoInstance(ctx, model, target)
	if err != nil {
		return nil, err
	}
	if copied == nil {
		copied, err = target.AddWithProperties(ctx, model, name, values, UpdateOptions{SuppressKevents: r.opts.SuppressKevents})
		if err != nil {
			return nil, err
		}
	} else {
		updates, err := r.instanceUpdates(copied, values)
		if err != nil {
			return nil, err
		}
		if copied.Name != name {
			if err := copied.Edit(ctx, PartEdit{Name: &name}); err != nil {
				return nil, err
			}
		}
		if err := r.client.UpdateProperties(ctx, updates, UpdateOptions{SuppressKevents: r.opts.SuppressKevents}); err != nil {
			return nil, err
		}
	}
	r.parts[src.ID] = copied

	for _, prop := range src.properties {
		newModelProp, ok := r.props[prop.ModelID()]
		if !ok {
			continue
		}
		for _, np := range copied.properties {
			if np.ModelID() == newModelProp.ID() {
				r.track(prop, np)
				break
			}
		}
	}

	if !r.opts.IncludeChildren {
		return copied, nil
	}
	children, _ := src.cachedChildren("")
	for _, child := range children {
		if _, err := r.copyInstance(ctx, child, copied, child.Name); err != nil {
			return nil, err
		}
	}
	return copied, nil
}

// claimAutoInstance returns the instance the backend created for model below
// parent on its own, the first time it is asked for that pair.
func (r *relocation) claimAutoInstance(ctx context.Context, model, parent *Part) (*Part, error) {
	if !model.Multiplicity.AutoInstantiated() {
		return nil, nil
	}
	key := parent.ID + "/" + model.ID
	if r.reused[key] {
		return nil, nil
	}
	existing, err := r.client.Parts(ctx, PartFilter{
		ParentID: parent.ID,
		ModelID:  model.ID,
		Category: CategoryInstance,
		ListOptions: ListOptions{
			Limit: 1,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	r.reused[key] = true
	return existing[0], nil
}

func (r *relocation) instanceUpdates(inst *Part, values []PropertyValue) ([]PropertyUpdate, error) {
	updates := make([]PropertyUpdate, 0, len(values))
	for _, v := range values {
		var match Property
		for _, np := range inst.properties {
			if np.ModelID() == v.Property {
				match = np
				break
			}
		}
		if match == nil {
			return nil, notFound("%s has no property of model %s", inst, v.Property)
		}
		updates = append(updates, PropertyUpdate{Property: match, Value: v.Value})
	}
	return updates, nil
}

// track records that dst replaces src and queues deferred value copies.
func (r *relocation) track(src, dst Property) {
	r.props[src.ID()] = dst
	switch {
	case src.Type().IsReference():
		if ref, ok := src.(*ReferenceProperty); ok && len(ref.IDs()) > 0 {
			r.refs = append(r.refs, pendingReference{target: dst, oldIDs: ref.IDs()})
		}
	case src.Type() == PropertyAttachment:
		s, sok := src.(*AttachmentProperty)
		d, dok := dst.(*AttachmentProperty)
		if sok && dok && s.HasValue() {
			r.attachments = append(r.attachments, pendingAttachment{source: s, target: d})
		}
	}
}

// finish rewires references in one update and copies attachment content.
func (r *relocation) finish(ctx context.Context) error {
	updates := make([]PropertyUpdate, 0, len(r.refs))
	for _, ref := range r.refs {
		ids := make([]string, len(ref.oldIDs))
		for i, id := range ref.oldIDs {
			if copied, ok := r.parts[id]; ok {
				ids[i] = copied.ID
			} else {
				ids[i] = id
			}
		}
		updates = append(updates, PropertyUpdate{Property: ref.target, Value: ids})
	}
	if err := r.client.UpdateProperties(ctx, updates, UpdateOptions{SuppressKevents: r.opts.SuppressKevents}); err != nil {
		return fmt.Errorf("kechain: remap references: %w", err)
	}

	for _, a := range r.attachments {
		data, err := a.source.Download(ctx)
		if err != nil {
			return err
		}
		if err := a.target.UploadBytes(ctx, a.source.Filename(), data, ""); err != nil {
			return err
		}
	}
	return nil
}
