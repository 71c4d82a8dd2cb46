package kechain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults for asynchronous exports.
const (
	DefaultExportPollInterval = 2 * time.Second
	DefaultExportTimeout      = 100 * time.Second
)

// Activity is a task or subprocess of a scope workflow.
type Activity struct {
	Base
	ActivityType   ActivityType
	Classification ActivityClassification
	Status         ActivityStatus
	ParentID       string
	ScopeID        string
	StartDate      *time.Time
	DueDate        *time.Time
	Assignees      []string

	client *Client
}

type activityJSON struct {
	Base
	ActivityType   ActivityType           `json:"activity_type"`
	Classification ActivityClassification `json:"classification"`
	Status         ActivityStatus         `json:"status"`
	ParentID       string                 `json:"parent_id"`
	ScopeID        string                 `json:"scope_id"`
	StartDate      *time.Time             `json:"start_date"`
	DueDate        *time.Time             `json:"due_date"`
	Assignees      []string               `json:"assignees"`
}

func newActivity(c *Client, d activityJSON) *Activity {
	a := &Activity{client: c}
	a.apply(d)
	return a
}

func (a *Activity) apply(d activityJSON) {
	a.Base = d.Base
	a.ActivityType = d.ActivityType
	a.Classification = d.Classification
	a.Status = d.Status
	a.ParentID = d.ParentID
	a.ScopeID = d.ScopeID
	a.StartDate = d.StartDate
	a.DueDate = d.DueDate
	a.Assignees = d.Assignees
}

func (a *Activity) String() string {
	return fmt.Sprintf("%s activity %s", a.ActivityType, a.Base)
}

// IsRoot reports whether the activity is the workflow root of its scope.
func (a *Activity) IsRoot() bool { return a.ParentID == "" }

// ActivityFilter narrows Client.Activities.
type ActivityFilter struct {
	ListOptions

	ID             string
	Name           string
	NameContains   string
	ScopeID        string
	ParentID       string
	ActivityType   ActivityType
	Classification ActivityClassification
	Status         ActivityStatus
	Extra          map[string]string
}

func (f ActivityFilter) query() url.Values {
	q := filter{}
	q.set("id", f.ID)
	q.set("name", f.Name)
	q.set("name__icontains", f.NameContains)
	q.set("scope_id", f.ScopeID)
	q.set("parent_id", f.ParentID)
	q.set("activity_type", string(f.ActivityType))
	q.set("classification", string(f.Classification))
	q.set("status", string(f.Status))
	q.merge(f.Extra)
	return q.values()
}

// Activities lists activities matching f.
func (c *Client) Activities(ctx context.Context, f ActivityFilter) ([]*Activity, error) {
	data, err := retrieve[activityJSON](ctx, c, pathActivities, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Activity, len(data))
	for i, d := range data {
		out[i] = newActivity(c, d)
	}
	return out, nil
}

// Activity returns the single activity matching f.
func (c *Client) Activity(ctx context.Context, f ActivityFilter) (*Activity, error) {
	f.Limit = 2
	activities, err := c.Activities(ctx, f)
	if err != nil {
		return nil, err
	}
	return single(activities, "activity")
}

// ActivitySpec describes an activity to create.
type ActivitySpec struct {
	Name           string
	Description    string
	ParentID       string
	ActivityType   ActivityType
	Classification ActivityClassification

	scopeID string
}

func (c *Client) createActivity(ctx context.Context, spec ActivitySpec) (*Activity, error) {
	if spec.Name == "" {
		return nil, illegalArgument("activity name is required")
	}
	if spec.ParentID == "" {
		return nil, illegalArgument("activity parent is required")
	}
	if spec.ActivityType == "" {
		spec.ActivityType = ActivityTask
	}
	if spec.ActivityType != ActivityTask && spec.ActivityType != ActivityProcess {
		return nil, illegalArgument("unknown activity type %q", spec.ActivityType)
	}
	if spec.Classification == "" {
		spec.Classification = ActivityClassificationWorkflow
	}
	created, err := fetchOne[activityJSON](ctx, c, request{
		method: http.MethodPost,
		path:   pathActivities,
		body: map[string]any{
			"name":           spec.Name,
			"description":    spec.Description,
			"parent_id":      spec.ParentID,
			"activity_type":  spec.ActivityType,
			"classification": spec.Classification,
			"scope_id":       spec.scopeID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kechain: create activity %q: %w", spec.Name, err)
	}
	return newActivity(c, created), nil
}

// Reload fetches a fresh handle for the same activity.
func (a *Activity) Reload(ctx context.Context) (*Activity, error) {
	return a.client.Activity(ctx, ActivityFilter{ID: a.ID})
}

func (a *Activity) Parent(ctx context.Context) (*Activity, error) {
	if a.ParentID == "" {
		return nil, notFound("%s is the workflow root", a)
	}
	return a.client.Activity(ctx, ActivityFilter{ID: a.ParentID})
}

// Children lists the activities of a subprocess.
func (a *Activity) Children(ctx context.Context, f ActivityFilter) ([]*Activity, error) {
	if a.ActivityType != ActivityProcess {
		return nil, illegalArgument("%s is not a subprocess", a)
	}
	f.ParentID = a.ID
	return a.client.Activities(ctx, f)
}

// CreateChild adds an activity below a subprocess.
func (a *Activity) CreateChild(ctx context.Context, spec ActivitySpec) (*Activity, error) {
	if a.ActivityType != ActivityProcess {
		return nil, illegalArgument("%s is not a subprocess", a)
	}
	spec.ParentID = a.ID
	spec.scopeID = a.ScopeID
	return a.client.createActivity(ctx, spec)
}

// Siblings lists the other activities of the parent subprocess.
func (a *Activity) Siblings(ctx context.Context) ([]*Activity, error) {
	if a.ParentID == "" {
		return nil, nil
	}
	all, err := a.client.Activities(ctx, ActivityFilter{ParentID: a.ParentID})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.ID != a.ID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ActivityEdit changes activity attributes. Nil fields are left untouched.
type ActivityEdit struct {
	Name        *string
	Description *string
	Status      *ActivityStatus
	StartDate   *time.Time
	DueDate     *time.Time
	Assignees   []string
}

// Edit updates the activity in place.
func (a *Activity) Edit(ctx context.Context, edit ActivityEdit) error {
	body := map[string]any{}
	if edit.Name != nil {
		if *edit.Name == "" {
			return illegalArgument("activity name cannot be empty")
		}
		body["name"] = *edit.Name
	}
	if edit.Description != nil {
		body["description"] = *edit.Description
	}
	if edit.Status != nil {
		body["status"] = *edit.Status
	}
	if edit.StartDate != nil {
		body["start_date"] = edit.StartDate.UTC().Format(time.RFC3339)
	}
	if edit.DueDate != nil {
		body["due_date"] = edit.DueDate.UTC().Format(time.RFC3339)
	}
	if edit.Assignees != nil {
		body["assignees"] = edit.Assignees
	}
	if len(body) == 0 {
		return nil
	}
	updated, err := fetchOne[activityJSON](ctx, a.client, request{
		method: http.MethodPut,
		path:   pathFor(pathActivity, a.ID),
		body:   body,
	})
	if err != nil {
		return fmt.Errorf("kechain: edit %s: %w", a, err)
	}
	a.apply(updated)
	return nil
}

// Delete removes the activity and, for a subprocess, its children.
func (a *Activity) Delete(ctx context.Context) error {
	if a.IsRoot() {
		return illegalArgument("the workflow root cannot be deleted")
	}
	if _, err := a.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathActivity, a.ID)}); err != nil {
		return fmt.Errorf("kechain: delete %s: %w", a, err)
	}
	return nil
}

// ExportOptions controls Activity.DownloadAsPDF.
type ExportOptions struct {
	// Filename defaults to the activity name with a .pdf extension.
	Filename          string
	IncludeAppendices bool
	// Async asks the backend to render in the background; the client polls
	// for the result every PollInterval until Timeout elapses.
	Async        bool
	PollInterval time.Duration
	Timeout      time.Duration
}

type exportJob struct {
	ID       string       `json:"id"`
	Status   ExportStatus `json:"status"`
	Filename string       `json:"content_file_name"`
}

// DownloadAsPDF renders the activity to PDF and writes it into dir. It
// returns the path of the written file.
func (a *Activity) DownloadAsPDF(ctx context.Context, dir string, opts ExportOptions) (string, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultExportPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExportTimeout
	}
	filename := opts.Filename
	if filename == "" {
		filename = a.Name + ".pdf"
	}
	if filepath.Ext(filename) != ".pdf" {
		filename += ".pdf"
	}

	q := url.Values{}
	q.Set("format", "pdf")
	q.Set("include_appendices", strconv.FormatBool(opts.IncludeAppendices))
	q.Set("async_mode", strconv.FormatBool(opts.Async))

	var (
		data []byte
		err  error
	)
	if opts.Async {
		data, err = a.exportAsync(ctx, q, opts)
	} else {
		var resp *response
		resp, err = a.client.send(ctx, request{method: http.MethodGet, path: pathFor(pathActivityExport, a.ID), query: q})
		if resp != nil {
			data = resp.body
		}
	}
	if err != nil {
		return "", fmt.Errorf("kechain: export %s: %w", a, err)
	}

	target := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("kechain: write %s: %w", target, err)
	}
	return target, nil
}

func (a *Activity) exportAsync(ctx context.Context, q url.Values, opts ExportOptions) ([]byte, error) {
	job, err := fetchOne[exportJob](ctx, a.client, request{
		method: http.MethodGet,
		path:   pathFor(pathActivityExport, a.ID),
		query:  q,
	})
	if err != nil {
		return nil, err
	}

	jobID := job.ID
	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for job.Status != ExportCompleted {
		if job.Status == ExportFailed {
			return nil, fmt.Errorf("export job %s failed: %w", jobID, ErrAPI)
		}
		select {
		case <-pollCtx.Done():
			if errors.Is(pollCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("export job %s not ready after %s: %w", jobID, opts.Timeout, ErrTimeout)
			}
			return nil, pollCtx.Err()
		case <-ticker.C:
		}
		job, err = fetchOne[exportJob](pollCtx, a.client, request{method: http.MethodGet, path: pathFor(pathDownload, jobID)})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("export job %s not ready after %s: %w", jobID, opts.Timeout, ErrTimeout)
			}
			return nil, err
		}
		a.client.logger.DebugContext(ctx, "kechain: export poll",
			slog.String("job", jobID),
			slog.String("status", string(job.Status)),
		)
	}

	resp, err := a.client.send(ctx, request{method: http.MethodGet, path: pathFor(pathDownloadFile, jobID)})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}
