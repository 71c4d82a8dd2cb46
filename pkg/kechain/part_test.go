package kechain_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kechain/pkg/kechain"
)

const partsPath = "/api/v3/parts.json"

func names(parts []*kechain.Part) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.Name)
	}
	return out
}

func TestChildrenAreCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bike := f.instance(t, "Bike")
	f.rec.Reset()

	children, err := bike.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Frame", "Front Wheel", "Rear Wheel", "Seat"}, names(children))
	assert.Len(t, f.rec.Matching(http.MethodGet, partsPath), 1)

	again, err := bike.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Equal(t, names(children), names(again))
	assert.Len(t, f.rec.Matching(http.MethodGet, partsPath), 1, "served from cache")

	wheels, err := bike.Children(ctx, kechain.ChildrenQuery{NameContains: "wheel"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Front Wheel", "Rear Wheel"}, names(wheels))
	assert.Len(t, f.rec.Matching(http.MethodGet, partsPath), 2, "a different query is fetched")

	_, err = bike.Children(ctx, kechain.ChildrenQuery{Refresh: true})
	require.NoError(t, err)
	assert.Len(t, f.rec.Matching(http.MethodGet, partsPath), 3)

	bike.InvalidateChildren()
	_, err = bike.Children(ctx, kechain.ChildrenQuery{NameContains: "wheel"})
	require.NoError(t, err)
	assert.Len(t, f.rec.Matching(http.MethodGet, partsPath), 4)
}

func TestChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bike := f.instance(t, "Bike")

	frame, err := bike.Child(ctx, "Frame")
	require.NoError(t, err)
	assert.Equal(t, kechain.CategoryInstance, frame.Category)

	byID, err := bike.Child(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, frame.ID, byID.ID)

	_, err = bike.Child(ctx, "Saddle")
	assert.ErrorIs(t, err, kechain.ErrNotFound)

	siblings, err := frame.Siblings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Front Wheel", "Rear Wheel", "Seat"}, names(siblings))

	parent, err := frame.Parent(ctx)
	require.NoError(t, err)
	assert.Equal(t, bike.ID, parent.ID)
}

func TestPopulateDescendants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope, err := f.client.Scope(ctx, kechain.ScopeFilter{Name: "Bike Project"})
	require.NoError(t, err)
	root, err := scope.ProductRootInstance(ctx)
	require.NoError(t, err)
	f.rec.Reset()

	require.NoError(t, root.PopulateDescendants(ctx, 2))
	pages := f.rec.Matching(http.MethodGet, partsPath)
	require.Len(t, pages, 3, "five descendants in pages of two")
	assert.Contains(t, pages[2].Query, "offset=4")
	assert.Contains(t, pages[2].Query, "descendants="+root.ID)

	assert.Equal(t, []string{"Bike", "Frame", "Front Wheel", "Rear Wheel", "Seat"}, names(root.AllChildren()))

	f.rec.Reset()
	children, err := root.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	require.Len(t, children, 1)
	bikeChildren, err := children[0].Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Len(t, bikeChildren, 4)
	leaves, err := bikeChildren[0].Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Empty(t, leaves)
	assert.Empty(t, f.rec.Requests(), "the whole subtree is cached")

	assert.ErrorIs(t, root.PopulateDescendants(ctx, 0), kechain.ErrIllegalArgument)
}

func TestModelsAndInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wheel := f.model(t, "Wheel")

	n, err := wheel.CountInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	instances, err := wheel.Instances(ctx, kechain.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Front Wheel", "Rear Wheel"}, names(instances))

	_, err = wheel.Instance(ctx)
	assert.ErrorIs(t, err, kechain.ErrMultipleFound)

	frame, err := f.model(t, "Frame").Instance(ctx)
	require.NoError(t, err)
	model, err := frame.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Frame", model.Name)

	_, err = frame.Instances(ctx, kechain.ListOptions{})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)
	_, err = wheel.Model(ctx)
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)
}

func TestAddWithProperties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bike := f.instance(t, "Bike")
	wheel := f.model(t, "Wheel")

	_, err := bike.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)

	spare, err := bike.AddWithProperties(ctx, wheel, "Spare Wheel", []kechain.PropertyValue{
		{Property: "Spokes", Value: 24},
		{Property: "Diameter", Value: 559.0},
	}, kechain.UpdateOptions{SuppressKevents: true})
	require.NoError(t, err)
	assert.Equal(t, wheel.ID, spare.ModelID)
	assert.Equal(t, int64(24), property(t, spare, "Spokes").Value())
	assert.Equal(t, 559.0, property(t, spare, "Diameter").Value())

	reqs := f.rec.Matching(http.MethodPost, "/api/v3/parts/new_instance")
	require.Len(t, reqs, 1)
	assert.Equal(t, "suppress_kevents=true", reqs[0].Query)

	children, err := bike.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Contains(t, names(children), "Spare Wheel", "adding invalidates the cache")

	frame := f.model(t, "Frame")
	_, err = bike.Add(ctx, frame, "")
	assert.ErrorIs(t, err, kechain.ErrAPI, "a ONE model allows a single instance")

	_, err = bike.AddWithProperties(ctx, f.model(t, "Material"), "Titanium", nil, kechain.UpdateOptions{})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)
	_, err = bike.AddWithProperties(ctx, wheel, "x", []kechain.PropertyValue{{Property: "Colour", Value: "red"}}, kechain.UpdateOptions{})
	assert.ErrorIs(t, err, kechain.ErrNotFound)
}

func TestAddModelWithProperties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bikeModel := f.model(t, "Bike")

	bell, err := bikeModel.AddModelWithProperties(ctx, "Bell", kechain.MultiplicityOne, []kechain.PropertyModelSpec{
		{Name: "Loudness", Type: kechain.PropertyFloat, Unit: "dB", Default: 80},
		{Name: "Colour", Type: kechain.PropertySingleSelect, Default: "silver",
			Options: map[string]any{"value_choices": []string{"silver", "black"}}},
	}, kechain.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, kechain.MultiplicityOne, bell.Multiplicity)
	require.Len(t, bell.Properties(), 2)
	assert.Equal(t, "Loudness", bell.Properties()[0].Name())

	inst, err := bell.Instance(ctx)
	require.NoError(t, err, "ONE models are instantiated below every parent instance")
	assert.Equal(t, 80.0, property(t, inst, "Loudness").Value())
	colour := property(t, inst, "Colour").(*kechain.SelectListProperty)
	assert.Equal(t, []string{"silver", "black"}, colour.Choices())

	_, err = bikeModel.AddModel(ctx, "Basket", "SOME")
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)

	_, err = f.instance(t, "Bike").AddModel(ctx, "Basket", kechain.MultiplicityZeroMany)
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)
}

func TestAddProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	frameModel := f.model(t, "Frame")

	prop, err := frameModel.AddProperty(ctx, kechain.PropertyModelSpec{Name: "Colour", Type: kechain.PropertyChar, Default: "red"})
	require.NoError(t, err)
	assert.Equal(t, kechain.CategoryModel, prop.Category())

	frame := f.instance(t, "Frame")
	assert.Equal(t, "red", property(t, frame, "Colour").Value())

	_, err = frameModel.AddProperty(ctx, kechain.PropertyModelSpec{Name: "Nameless"})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)
}

func TestEditAppliesInPlaceAndReloadReturnsNewHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seat := f.instance(t, "Seat")
	stale := f.instance(t, "Seat")

	name, desc := "Saddle", "Leather"
	require.NoError(t, seat.Edit(ctx, kechain.PartEdit{Name: &name, Description: &desc}))
	assert.Equal(t, "Saddle", seat.Name)
	assert.Equal(t, "Leather", seat.Description)
	assert.Equal(t, "Seat", stale.Name, "other handles are not touched")

	fresh, err := stale.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Saddle", fresh.Name)
	assert.Equal(t, "Seat", stale.Name, "reload leaves the receiver as is")
	assert.NotSame(t, stale, fresh)

	empty := ""
	assert.ErrorIs(t, seat.Edit(ctx, kechain.PartEdit{Name: &empty}), kechain.ErrIllegalArgument)
}

func TestDeleteInvalidatesParentCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bike := f.instance(t, "Bike")

	rear, err := bike.Child(ctx, "Rear Wheel")
	require.NoError(t, err)
	require.NoError(t, rear.Delete(ctx))

	children, err := bike.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Frame", "Front Wheel", "Seat"}, names(children))

	_, err = rear.Reload(ctx)
	assert.ErrorIs(t, err, kechain.ErrNotFound)
}

func TestPartsFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parts, err := f.client.Parts(ctx, kechain.PartFilter{
		NameContains: "wheel",
		Category:     kechain.CategoryInstance,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Front Wheel", "Rear Wheel"}, names(parts))

	limited, err := f.client.Parts(ctx, kechain.PartFilter{
		ListOptions: kechain.ListOptions{Limit: 3, PageSize: 2},
		Category:    kechain.CategoryModel,
	})
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	_, err = f.client.Parts(ctx, kechain.PartFilter{Category: "TEMPLATE"})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)
}
