package kechain_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kechain/internal/emulator"
	"github.com/starford/kechain/pkg/kechain"
)

func bikeValues() []kechain.PropertyValue {
	return []kechain.PropertyValue{
		{Property: "Gears", Value: 18},
		{Property: "Total height", Value: 990.5},
		{Property: "Description", Value: "Endurance geometry"},
		{Property: "Frame size", Value: "L"},
		{Property: "Released", Value: true},
		{Property: "Design date", Value: time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)},
	}
}

func TestBulkAndSequentialSendIdenticalValues(t *testing.T) {
	ctx := context.Background()

	bulk := newFixture(t)
	require.NoError(t, bulk.instance(t, "Bike").Update(ctx, kechain.PartUpdate{Values: bikeValues()}))
	bulkReqs := bulk.rec.Matching(http.MethodPost, "/api/v3/properties/bulk_update")
	require.Len(t, bulkReqs, 1)
	var items []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(bulkReqs[0].Body, &items))
	require.Len(t, items, len(bikeValues()))

	seq := newFixture(t, func(c *emulator.Config) { c.PIMVersion = "3.6.0" })
	require.NoError(t, seq.instance(t, "Bike").Update(ctx, kechain.PartUpdate{Values: bikeValues()}))
	assert.Empty(t, seq.rec.Matching(http.MethodPost, "/api/v3/properties/bulk_update"))

	var puts []map[string]json.RawMessage
	for _, r := range seq.rec.Requests() {
		if r.Method != http.MethodPut {
			continue
		}
		var body map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(r.Body, &body))
		puts = append(puts, body)
	}
	require.Len(t, puts, len(items), "one request per property, in order")

	for i := range items {
		assert.JSONEq(t, string(items[i]["value"]), string(puts[i]["value"]), "value %d", i)
	}
	assert.JSONEq(t, `"2024-05-06"`, string(items[5]["value"]))
	assert.JSONEq(t, `18`, string(items[0]["value"]))
}

func TestUnparsableVersionFallsBackToSequential(t *testing.T) {
	f := newFixture(t, func(c *emulator.Config) { c.PIMVersion = "3.7.0.post1" })
	ctx := context.Background()
	bike := f.instance(t, "Bike")

	err := f.client.UpdateProperties(ctx, []kechain.PropertyUpdate{
		{Property: property(t, bike, "Gears"), Value: 21},
	}, kechain.UpdateOptions{})
	require.NoError(t, err)
	assert.Empty(t, f.rec.Matching(http.MethodPost, "/api/v3/properties/bulk_update"))
	assert.Equal(t, int64(21), property(t, bike, "Gears").Value())
}

func TestBulkUpdateAppliesServerResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bike := f.instance(t, "Bike")

	require.NoError(t, bike.Update(ctx, kechain.PartUpdate{Values: bikeValues()}))

	gears := property(t, bike, "Gears").(*kechain.ScalarProperty)
	assert.Equal(t, int64(18), gears.Value())
	released := property(t, bike, "Released").(*kechain.ScalarProperty)
	b, ok := released.Bool()
	require.True(t, ok)
	assert.True(t, b)

	fresh, err := bike.Reload(ctx)
	require.NoError(t, err)
	size := property(t, fresh, "Frame size")
	assert.Equal(t, "L", size.Value())
}

func TestBulkUpdateIsRejectedAsAUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	front := f.instance(t, "Front Wheel")

	err := f.client.UpdateProperties(ctx, []kechain.PropertyUpdate{
		{Property: property(t, front, "Spokes"), Value: 30},
		{Property: property(t, front, "Rim material"), Value: uuid.NewString()},
	}, kechain.UpdateOptions{})
	require.Error(t, err)

	var batchErr *kechain.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 2, batchErr.Size)
	assert.ErrorIs(t, err, kechain.ErrAPI)

	fresh, err := front.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(28), property(t, fresh, "Spokes").Value(), "nothing of a rejected batch is stored")
}

func TestSequentialUpdateStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	front := f.instance(t, "Front Wheel")

	err := f.client.UpdateProperties(ctx, []kechain.PropertyUpdate{
		{Property: property(t, front, "Spokes"), Value: 30},
		{Property: property(t, front, "Rim material"), Value: uuid.NewString()},
		{Property: property(t, front, "Diameter"), Value: 600},
	}, kechain.UpdateOptions{Sequential: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update property 2 of 3 (Rim material)")
	assert.ErrorIs(t, err, kechain.ErrAPI)
	assert.Len(t, f.rec.Matching(http.MethodGet, "/api/versions.json"), 0, "sequential mode skips detection")

	fresh, err := front.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), property(t, fresh, "Spokes").Value(), "earlier updates stay applied")
	assert.Equal(t, 622.0, property(t, fresh, "Diameter").Value())
}

func TestUpdateValidatesBeforeSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bike := f.instance(t, "Bike")
	f.rec.Reset()

	err := bike.Update(ctx, kechain.PartUpdate{Values: []kechain.PropertyValue{
		{Property: "Gears", Value: 3},
		{Property: "Frame size", Value: "XXL"},
	}})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)

	err = bike.Update(ctx, kechain.PartUpdate{Values: []kechain.PropertyValue{
		{Property: "Gears", Value: 2.5},
	}})
	assert.ErrorIs(t, err, kechain.ErrIllegalArgument)

	err = bike.Update(ctx, kechain.PartUpdate{Values: []kechain.PropertyValue{
		{Property: "Weight", Value: 1},
	}})
	assert.ErrorIs(t, err, kechain.ErrNotFound)
	assert.Empty(t, f.rec.Requests())
}

func TestUpdateWithNameAndSuppressedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bike := f.instance(t, "Bike")
	held := property(t, bike, "Gears")
	sentBefore, suppressedBefore := f.backend.Emulator.Stats().Kevents()

	name := "Race Bike"
	err := bike.Update(ctx, kechain.PartUpdate{
		Name:          &name,
		Values:        []kechain.PropertyValue{{Property: "Gears", Value: 24}},
		UpdateOptions: kechain.UpdateOptions{SuppressKevents: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "Race Bike", bike.Name)
	assert.Equal(t, int64(24), property(t, bike, "Gears").Value())
	assert.Same(t, held, property(t, bike, "Gears"), "handles survive the rename")
	assert.Equal(t, int64(24), held.Value())

	reqs := f.rec.Matching(http.MethodPost, "/api/v3/properties/bulk_update")
	require.Len(t, reqs, 1)
	assert.Equal(t, "suppress_kevents=true", reqs[0].Query)
	sent, suppressed := f.backend.Emulator.Stats().Kevents()
	// the rename is not covered by the option
	assert.Equal(t, sentBefore+1, sent)
	assert.Equal(t, suppressedBefore+1, suppressed)
}
