package kechain

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Base holds the attributes every backend resource carries.
type Base struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Ref         string    `json:"ref"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (b Base) String() string {
	return b.Name + " (" + shortID(b.ID) + ")"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// IsUUID reports whether s is a canonical resource id rather than a name.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// filter collects query parameters, skipping empty values.
type filter url.Values

func (f filter) set(key, value string) {
	if value != "" {
		url.Values(f).Set(key, value)
	}
}

func (f filter) setIDs(key string, ids []string) {
	if len(ids) > 0 {
		url.Values(f).Set(key, strings.Join(ids, ","))
	}
}

func (f filter) merge(extra map[string]string) {
	for k, v := range extra {
		f.set(k, v)
	}
}

func (f filter) values() url.Values { return url.Values(f) }
