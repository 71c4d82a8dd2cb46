package kechain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idA = "0b1f4a55-52d6-4d7b-9c5e-2f1c9a1d0a01"
	idB = "0b1f4a55-52d6-4d7b-9c5e-2f1c9a1d0a02"
)

func TestSerializeValue(t *testing.T) {
	when := time.Date(2024, 5, 6, 14, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	tests := []struct {
		name string
		typ  PropertyType
		in   any
		want string
	}{
		{"nil clears", PropertyFloat, nil, `null`},
		{"int as float", PropertyFloat, 3, `3`},
		{"float", PropertyFloat, 990.5, `990.5`},
		{"whole float as int", PropertyInt, 18.0, `18`},
		{"int64 above 2^53", PropertyInt, int64(1<<53 + 1), `9007199254740993`},
		{"max int64", PropertyInt, int64(math.MaxInt64), `9223372036854775807`},
		{"large uint64", PropertyInt, uint64(math.MaxUint64), `18446744073709551615`},
		{"json number", PropertyInt, json.Number("9007199254740993"), `9007199254740993`},
		{"text", PropertyText, "multi\nline", `"multi\nline"`},
		{"single select", PropertySingleSelect, "L", `"L"`},
		{"bool", PropertyBoolean, true, `true`},
		{"datetime in utc", PropertyDatetime, when, `"2024-05-06T12:30:00Z"`},
		{"date string", PropertyDate, "2024-05-06", `"2024-05-06"`},
		{"date from time", PropertyDate, when, `"2024-05-06"`},
		{"multi select copy", PropertyMultiSelect, []string{"a", "b"}, `["a","b"]`},
		{"multi select single", PropertyMultiSelect, "a", `["a"]`},
		{"reference id", PropertyReferences, idA, `["` + idA + `"]`},
		{"reference parts", PropertyReferences, []*Part{{Base: Base{ID: idB}}, {Base: Base{ID: idA}}}, `["` + idB + `","` + idA + `"]`},
		{"user ids", PropertyUserRefs, []int{1, 7}, `["1","7"]`},
		{"raw passthrough", PropertyFloat, json.RawMessage(`"as is"`), `"as is"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := serializeValue(tt.typ, tt.in)
			require.NoError(t, err)
			data, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestSerializeValueRejects(t *testing.T) {
	tests := []struct {
		name string
		typ  PropertyType
		in   any
	}{
		{"text as number", PropertyFloat, "1.5"},
		{"fraction as int", PropertyInt, 1.5},
		{"infinite int", PropertyInt, math.Inf(1)},
		{"nan int", PropertyInt, math.NaN()},
		{"float beyond int64", PropertyInt, 1e19},
		{"infinite float", PropertyFloat, math.Inf(-1)},
		{"number as text", PropertyChar, 12},
		{"string as bool", PropertyBoolean, "true"},
		{"bad date", PropertyDate, "06/05/2024"},
		{"bad datetime", PropertyDatetime, "2024-05-06 12:00"},
		{"ints as multi select", PropertyMultiSelect, []int{1}},
		{"attachment content", PropertyAttachment, "file.txt"},
		{"reference by name", PropertyReferences, "Front Wheel"},
		{"reference of unknown kind", PropertyActivityRefs, 3.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := serializeValue(tt.typ, tt.in)
			assert.ErrorIs(t, err, ErrIllegalArgument)
		})
	}
}

func TestMatchVersion(t *testing.T) {
	tests := []struct {
		version, constraint string
		want                bool
	}{
		{"3.7.0", ">=3.7.0", true},
		{"3.6.9", ">=3.7.0", false},
		{"3.12.1", ">=3.7.0", true},
		{"3.8", ">=3.7.0, <4", true},
		{"4.0.0", ">=3.7.0, <4", false},
		{"v2.1.0", "2.1.0", true},
		{"2.1.0", "!=2.1.0", false},
		{"2.1.0", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.version+" "+tt.constraint, func(t *testing.T) {
			got, err := matchVersion(tt.version, tt.constraint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := matchVersion("nightly", ">=1.0.0")
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = matchVersion("1.0.0", ">=soon")
	assert.ErrorIs(t, err, ErrIllegalArgument)
}
