package kechain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/mod/semver"
)

// bulkUpdateMinVersion is the first pim release with properties/bulk_update.
const bulkUpdateMinVersion = ">=3.7.0"

// Version is the release of one backend application.
type Version struct {
	App     string `json:"app"`
	Label   string `json:"label"`
	Version string `json:"version"`
}

// Versions lists the application versions reported by the backend. The
// result is cached for the lifetime of the client.
func (c *Client) Versions(ctx context.Context) ([]Version, error) {
	c.mu.Lock()
	cached := c.versions
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	resp, err := c.send(ctx, request{method: http.MethodGet, path: pathVersions})
	if err != nil {
		return nil, err
	}
	versions, err := decodeResults[Version](resp.body)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []Version{}
	}

	c.mu.Lock()
	c.versions = versions
	c.mu.Unlock()
	return versions, nil
}

// AppVersion returns the version of app, matched on app name or label.
func (c *Client) AppVersion(ctx context.Context, app string) (string, error) {
	versions, err := c.Versions(ctx)
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.App == app || v.Label == app || strings.HasSuffix(v.App, "."+app) {
			return v.Version, nil
		}
	}
	return "", notFound("app %q is not reported by the backend", app)
}

// MatchAppVersion reports whether the version of app satisfies constraint, a
// comma separated list of comparisons such as ">=3.7.0, <4".
func (c *Client) MatchAppVersion(ctx context.Context, app, constraint string) (bool, error) {
	version, err := c.AppVersion(ctx, app)
	if err != nil {
		return false, err
	}
	return matchVersion(version, constraint)
}

func matchVersion(version, constraint string) (bool, error) {
	v := canonical(version)
	if !semver.IsValid(v) {
		return false, illegalArgument("version %q is not semantic", version)
	}
	for _, clause := range strings.Split(constraint, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		op, want := splitOperator(clause)
		w := canonical(want)
		if !semver.IsValid(w) {
			return false, illegalArgument("constraint %q is not semantic", clause)
		}
		cmp := semver.Compare(v, w)
		var ok bool
		switch op {
		case ">=":
			ok = cmp >= 0
		case "<=":
			ok = cmp <= 0
		case ">":
			ok = cmp > 0
		case "<":
			ok = cmp < 0
		case "!=":
			ok = cmp != 0
		default:
			ok = cmp == 0
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func splitOperator(clause string) (string, string) {
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<", "="} {
		if strings.HasPrefix(clause, op) {
			return op, strings.TrimSpace(strings.TrimPrefix(clause, op))
		}
	}
	return "==", clause
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// supportsBulkUpdate reports whether properties/bulk_update exists. Backends
// that do not publish a semantic pim version are treated as old.
func (c *Client) supportsBulkUpdate(ctx context.Context) (bool, error) {
	ok, err := c.MatchAppVersion(ctx, "pim", bulkUpdateMinVersion)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIllegalArgument) {
		c.logger.DebugContext(ctx, "kechain: bulk update unavailable", slog.String("reason", err.Error()))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kechain: detect bulk update support: %w", err)
	}
	return ok, nil
}
