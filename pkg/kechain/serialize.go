package kechain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// serializeValue converts a caller supplied value into the JSON value the
// backend stores for a property of type t. Single updates, bulk updates and
// create-with-properties calls all encode values through this function.
func serializeValue(t PropertyType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}

	switch t {
	case PropertyFloat:
		f, ok := toFloat(v)
		if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, illegalArgument("%s expects a finite number, got %v", t, v)
		}
		return f, nil
	case PropertyInt:
		n, ok := toInt(v)
		if !ok {
			return nil, illegalArgument("%s expects an integer, got %v", t, v)
		}
		return n, nil
	case PropertyText, PropertyChar, PropertyLink, PropertySingleSelect:
		s, ok := toString(v)
		if !ok {
			return nil, illegalArgument("%s expects a string, got %T", t, v)
		}
		return s, nil
	case PropertyBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, illegalArgument("%s expects a bool, got %T", t, v)
		}
		return b, nil
	case PropertyDatetime:
		return serializeTime(t, v, time.RFC3339)
	case PropertyDate:
		return serializeTime(t, v, time.DateOnly)
	case PropertyTime:
		return serializeTime(t, v, time.TimeOnly)
	case PropertyMultiSelect:
		switch s := v.(type) {
		case []string:
			return append([]string{}, s...), nil
		case string:
			return []string{s}, nil
		}
		return nil, illegalArgument("%s expects a list of strings, got %T", t, v)
	case PropertyAttachment:
		return nil, illegalArgument("%s can only be cleared; upload content instead", t)
	}
	if t.IsReference() {
		return referenceIDs(t, v)
	}
	return v, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toInt accepts integer types as is and floats without a fraction. The
// result is an int64, or a uint64 above math.MaxInt64.
func toInt(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return toInt(uint64(n))
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return n, true
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return nil, false
		}
		return toInt(f)
	}
	f, ok := toFloat(v)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) ||
		f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, false
	}
	return int64(f), true
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// serializeTime formats time values in UTC. Strings are validated against
// layout and passed through unchanged.
func serializeTime(t PropertyType, v any, layout string) (any, error) {
	switch tv := v.(type) {
	case time.Time:
		if layout == time.RFC3339 {
			return tv.UTC().Format(layout), nil
		}
		return tv.Format(layout), nil
	case string:
		if _, err := time.Parse(layout, tv); err != nil {
			return nil, illegalArgument("%s: %q does not match %s", t, tv, layout)
		}
		return tv, nil
	}
	return nil, illegalArgument("%s expects a time.Time or string, got %T", t, v)
}

// referenceIDs flattens resources, ids or lists of either into a list of ids.
// User references are numeric on the backend and skip the uuid check.
func referenceIDs(t PropertyType, v any) ([]string, error) {
	var raw []string
	switch r := v.(type) {
	case string:
		raw = []string{r}
	case []string:
		raw = r
	case int:
		raw = []string{strconv.Itoa(r)}
	case []int:
		for _, id := range r {
			raw = append(raw, strconv.Itoa(id))
		}
	case *Part:
		raw = []string{r.ID}
	case []*Part:
		for _, p := range r {
			raw = append(raw, p.ID)
		}
	case *Activity:
		raw = []string{r.ID}
	case []*Activity:
		for _, a := range r {
			raw = append(raw, a.ID)
		}
	case *User:
		raw = []string{strconv.Itoa(r.ID)}
	case []*User:
		for _, u := range r {
			raw = append(raw, strconv.Itoa(u.ID))
		}
	case *Scope:
		raw = []string{r.ID}
	case []*Scope:
		for _, sc := range r {
			raw = append(raw, sc.ID)
		}
	default:
		return nil, illegalArgument("%s cannot reference a %T", t, v)
	}

	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if t != PropertyUserRefs && !IsUUID(id) {
			return nil, illegalArgument("reference %q is not a resource id", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
