package emulator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/starford/kechain/internal/apperr"
	"github.com/starford/kechain/internal/storage"
)

// bulkUpdateSince is the first pim release that accepts properties/bulk_update.
const bulkUpdateSince = "v3.7.0"

// Service implements the backend behaviour behind the REST handlers.
type Service struct {
	pimVersion  string
	exportPolls int
	st          *store
	blobs       storage.Provider

	// accounts and executionPolls are fixed once the emulator is built.
	accounts       []Account
	executionPolls int
}

// NewService creates an empty backend storing attachments in blobs.
func NewService(blobs storage.Provider, pimVersion string, exportPolls int) *Service {
	return &Service{
		pimVersion:  pimVersion,
		exportPolls: exportPolls,
		st:          newStore(),
		blobs:       blobs,
	}
}

// Versions lists the emulated backend applications.
func (s *Service) Versions(_ context.Context) []Version {
	return []Version{
		{App: "kechain2.core.pim", Label: "pim", Version: s.pimVersion},
		{App: "kechain2.core.wim", Label: "wim", Version: s.pimVersion},
		{App: "kechain2.core.auth", Label: "auth", Version: "1.4.0"},
	}
}

// BulkUpdateSupported reports whether the emulated pim accepts bulk updates.
func (s *Service) BulkUpdateSupported() bool {
	v := "v" + strings.TrimPrefix(s.pimVersion, "v")
	return semver.IsValid(v) && semver.Compare(v, bulkUpdateSince) >= 0
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

// matchRecord applies the filters every resource supports.
func matchRecord(r *Record, q url.Values) bool {
	if v := q.Get("id"); v != "" && r.ID != v {
		return false
	}
	if v := q.Get("id__in"); v != "" && !splitIDs(v)[r.ID] {
		return false
	}
	if v := q.Get("name"); v != "" && r.Name != v {
		return false
	}
	if v := q.Get("ref"); v != "" && r.Ref != v {
		return false
	}
	if v := q.Get("name__icontains"); v != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(v)) {
		return false
	}
	return true
}

// matchField compares one query parameter against a value.
func matchField(q url.Values, key, value string) bool {
	v := q.Get(key)
	return v == "" || v == value
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", apperr.ErrNotFound, kind, id)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrInvalid, fmt.Sprintf(format, args...))
}
