package emulator

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kechain/internal/apperr"
)

// store is the in-memory backend state. Callers hold mu.
type store struct {
	mu sync.RWMutex

	seq        uint64
	scopes     map[string]*Scope
	parts      map[string]*Part
	properties map[string]*Property
	activities map[string]*Activity
	widgets    map[string]*Widget
	exports    map[string]*ExportJob

	teams         map[string]*Team
	scripts       map[string]*Script
	executions    map[string]*Execution
	notifications map[string]*Notification
}

func newStore() *store {
	return &store{
		scopes:     map[string]*Scope{},
		parts:      map[string]*Part{},
		properties: map[string]*Property{},
		activities: map[string]*Activity{},
		widgets:    map[string]*Widget{},
		exports:    map[string]*ExportJob{},

		teams:         map[string]*Team{},
		scripts:       map[string]*Script{},
		executions:    map[string]*Execution{},
		notifications: map[string]*Notification{},
	}
}

// next returns the next creation sequence number.
func (s *store) next() uint64 {
	s.seq++
	return s.seq
}

// record stamps a new resource.
func (s *store) record(name, ref, description string) Record {
	seq := s.next()
	now := time.Now().UTC()
	if ref == "" {
		ref = slugify(name)
	}
	return Record{
		ID:          uuid.NewString(),
		Name:        name,
		Ref:         ref,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		seq:         seq,
	}
}

func touch(r *Record) { r.UpdatedAt = time.Now().UTC() }

type sequenced interface{ sequence() uint64 }

// ordered returns the values of m in creation order.
func ordered[T sequenced](m map[string]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(a.sequence(), b.sequence()) })
	return out
}

func filterSlice[T any](items []T, keep func(T) bool) []T {
	out := items[:0]
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// page applies limit/offset. A missing limit returns everything after offset.
func page[T any](items []T, limitParam, offsetParam string) ([]T, error) {
	offset := 0
	if offsetParam != "" {
		n, err := strconv.Atoi(offsetParam)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: offset %q", apperr.ErrInvalid, offsetParam)
		}
		offset = n
	}
	if offset >= len(items) {
		return []T{}, nil
	}
	items = items[offset:]
	if limitParam == "" {
		return items, nil
	}
	limit, err := strconv.Atoi(limitParam)
	if err != nil || limit <= 0 {
		return nil, fmt.Errorf("%w: limit %q", apperr.ErrInvalid, limitParam)
	}
	if limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

// splitIDs parses an id__in parameter.
func splitIDs(v string) map[string]bool {
	ids := map[string]bool{}
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = true
		}
	}
	return ids
}

// children returns the direct children of a part in creation order.
func (s *store) children(parentID string) []*Part {
	return filterSlice(ordered(s.parts), func(p *Part) bool { return p.ParentID == parentID })
}

// partProperties returns the properties of a part ordered by position.
func (s *store) partProperties(partID string) []*Property {
	props := filterSlice(ordered(s.properties), func(p *Property) bool { return p.PartID == partID })
	slices.SortStableFunc(props, func(a, b *Property) int { return cmp.Compare(a.Order, b.Order) })
	return props
}

func (s *store) view(p *Part) partView {
	return partView{Part: p, Properties: s.partProperties(p.ID)}
}

// isDescendant reports whether id lies strictly below ancestor.
func (s *store) isDescendant(id, ancestor string) bool {
	seen := map[string]bool{}
	for p, ok := s.parts[id]; ok && p.ParentID != ""; p, ok = s.parts[p.ParentID] {
		if seen[p.ID] {
			return false
		}
		seen[p.ID] = true
		if p.ParentID == ancestor {
			return true
		}
	}
	return false
}

// subtree returns id and every part below it, parents before children.
func (s *store) subtree(id string) []*Part {
	root, ok := s.parts[id]
	if !ok {
		return nil
	}
	out := []*Part{root}
	for i := 0; i < len(out); i++ {
		out = append(out, s.children(out[i].ID)...)
	}
	return out
}

func (s *store) activitySubtree(id string) []*Activity {
	root, ok := s.activities[id]
	if !ok {
		return nil
	}
	out := []*Activity{root}
	for i := 0; i < len(out); i++ {
		for _, a := range ordered(s.activities) {
			if a.ParentID == out[i].ID {
				out = append(out, a)
			}
		}
	}
	return out
}
