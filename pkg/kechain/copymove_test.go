package kechain_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kechain/pkg/kechain"
)

const createChildModelPath = "/api/v3/parts/create_child_model"

func productRootModel(t *testing.T, f *fixture) *kechain.Part {
	t.Helper()
	ctx := context.Background()
	scope, err := f.client.Scope(ctx, kechain.ScopeFilter{Name: "Bike Project"})
	require.NoError(t, err)
	root, err := scope.ProductRootModel(ctx)
	require.NoError(t, err)
	return root
}

func TestCopyModelWithInstancesRemapsReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.model(t, "Bike").AddProperty(ctx, kechain.PropertyModelSpec{Name: "Main wheel", Type: kechain.PropertyReferences})
	require.NoError(t, err)
	bike := f.instance(t, "Bike")
	front := f.instance(t, "Front Wheel")
	catalogSteel := f.instance(t, "Steel")
	require.NoError(t, property(t, bike, "Main wheel").SetValue(ctx, front))
	require.NoError(t, property(t, front, "Rim material").SetValue(ctx, catalogSteel))

	bikeModel := f.model(t, "Bike")
	copied, err := bikeModel.Copy(ctx, productRootModel(t, f), kechain.CopyOptions{
		Name:             "Bike Copy",
		IncludeChildren:  true,
		IncludeInstances: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bike Copy", copied.Name)
	assert.NotEqual(t, bikeModel.ID, copied.ID)

	require.NoError(t, copied.PopulateDescendants(ctx, 10))
	assert.Equal(t, []string{"Frame", "Wheel", "Seat"}, names(copied.AllChildren()))

	inst, err := copied.Instance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(22), property(t, inst, "Gears").Value())
	assert.Equal(t, "M", property(t, inst, "Frame size").Value())

	require.NoError(t, inst.PopulateDescendants(ctx, 10))
	assert.Equal(t, []string{"Frame", "Front Wheel", "Rear Wheel", "Seat"}, names(inst.AllChildren()))
	copiedFront, err := inst.Child(ctx, "Front Wheel")
	require.NoError(t, err)
	assert.NotEqual(t, front.ID, copiedFront.ID)
	assert.Equal(t, int64(28), property(t, copiedFront, "Spokes").Value())

	mainWheel := property(t, inst, "Main wheel").(*kechain.ReferenceProperty)
	assert.Equal(t, []string{copiedFront.ID}, mainWheel.IDs(), "references inside the copy point at the copies")

	rim := property(t, copiedFront, "Rim material").(*kechain.ReferenceProperty)
	assert.Equal(t, []string{catalogSteel.ID}, rim.IDs(), "references leaving the copy are kept")

	original, err := bike.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{front.ID}, property(t, original, "Main wheel").(*kechain.ReferenceProperty).IDs())
}

func TestCopyWithInstancesNeedsExactlyOneTargetInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	frame := f.model(t, "Frame")

	empty, err := f.model(t, "Bike").AddModel(ctx, "Accessory", kechain.MultiplicityZeroMany)
	require.NoError(t, err)
	f.rec.Reset()

	_, err = frame.Copy(ctx, empty, kechain.CopyOptions{IncludeInstances: true})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument, "zero target instances")

	_, err = frame.Copy(ctx, f.model(t, "Wheel"), kechain.CopyOptions{IncludeInstances: true})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument, "two target instances")

	assert.Empty(t, f.rec.Matching(http.MethodPost, createChildModelPath), "nothing is created")
}

func TestCopyRejectsBadTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bikeModel := f.model(t, "Bike")

	_, err := bikeModel.Copy(ctx, f.instance(t, "Frame"), kechain.CopyOptions{})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument, "category mismatch")

	_, err = bikeModel.Copy(ctx, bikeModel, kechain.CopyOptions{})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)

	_, err = bikeModel.Copy(ctx, f.model(t, "Frame"), kechain.CopyOptions{IncludeChildren: true})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument, "own subtree")

	_, err = f.instance(t, "Seat").Copy(ctx, f.instance(t, "Frame"), kechain.CopyOptions{IncludeInstances: true})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)

	_, err = bikeModel.Copy(ctx, nil, kechain.CopyOptions{})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)
}

func TestMoveIntoOwnSubtreeLeavesSourceIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	frame := f.model(t, "Frame")
	tube, err := frame.AddModel(ctx, "Tube", kechain.MultiplicityZeroMany)
	require.NoError(t, err)
	joint, err := tube.AddModel(ctx, "Joint", kechain.MultiplicityZeroMany)
	require.NoError(t, err)
	before := len(f.rec.Matching(http.MethodPost, createChildModelPath))

	for _, target := range []*kechain.Part{tube, joint} {
		_, err = frame.Move(ctx, target, kechain.CopyOptions{Name: "moved"})
		assert.ErrorIs(t, err, kechain.ErrIllegalArgument, target.Name)
	}
	_, err = f.model(t, "Bike").Copy(ctx, joint, kechain.CopyOptions{})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)

	assert.Len(t, f.rec.Matching(http.MethodPost, createChildModelPath), before, "nothing is created")
	still, err := frame.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Frame", still.Name)
}

func TestCopyModelWithoutChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bikeModel := f.model(t, "Bike")

	copied, err := bikeModel.Copy(ctx, productRootModel(t, f), kechain.CopyOptions{SuppressKevents: true})
	require.NoError(t, err)
	assert.Equal(t, "Bike", copied.Name, "name defaults to the source name")
	require.Len(t, copied.Properties(), len(bikeModel.Properties()))
	for i, prop := range bikeModel.Properties() {
		assert.Equal(t, prop.Name(), copied.Properties()[i].Name())
		assert.Equal(t, prop.Type(), copied.Properties()[i].Type())
	}
	assert.Equal(t, 1050.5, copied.Properties()[1].Value(), "defaults are copied")

	children, err := copied.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Empty(t, children)

	for _, r := range f.rec.Matching(http.MethodPost, createChildModelPath) {
		assert.Equal(t, "suppress_kevents=true", r.Query)
	}
}

func TestMoveInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	front := f.instance(t, "Front Wheel")
	frame := f.instance(t, "Frame")

	moved, err := front.Move(ctx, frame, kechain.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Front Wheel", moved.Name)
	assert.Equal(t, frame.ID, moved.ParentID)
	assert.Equal(t, int64(28), property(t, moved, "Spokes").Value())
	assert.Equal(t, 622.0, property(t, moved, "Diameter").Value())

	model, err := moved.Model(ctx)
	require.NoError(t, err)
	frameModel, err := frame.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, frameModel.ID, model.ParentID, "the model is copied below the target's model")

	_, err = front.Reload(ctx)
	assert.ErrorIs(t, err, kechain.ErrNotFound)

	children, err := frame.Children(ctx, kechain.ChildrenQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Front Wheel"}, names(children))
}

func TestCopyInstanceRenames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seat := f.instance(t, "Seat")
	frame := f.instance(t, "Frame")

	copied, err := seat.Copy(ctx, frame, kechain.CopyOptions{Name: "Spare Seat"})
	require.NoError(t, err)
	assert.Equal(t, "Spare Seat", copied.Name)
	assert.Equal(t, 720.0, property(t, copied, "Height").Value())

	still, err := seat.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Seat", still.Name)
}
