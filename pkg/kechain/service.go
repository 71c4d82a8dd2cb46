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
	"time"
)

const (
	DefaultExecutionPollInterval = 2 * time.Second
	DefaultExecutionTimeout      = 10 * time.Minute
)

// Service is a script or notebook stored in a scope that the backend runs on
// request.
type Service struct {
	Base
	ScopeID       string
	Type          ServiceType
	ScriptVersion string
	Filename      string
	EnvVersion    string
	RunAs         ServiceScriptUser
	Trusted       bool

	client *Client
}

type serviceJSON struct {
	Base
	ScopeID       string            `json:"scope_id"`
	Type          ServiceType       `json:"script_type"`
	ScriptVersion string            `json:"script_version"`
	Filename      string            `json:"script_file_name"`
	EnvVersion    string            `json:"env_version"`
	RunAs         ServiceScriptUser `json:"run_as"`
	Trusted       bool              `json:"trusted"`
}

func newService(c *Client, d serviceJSON) *Service {
	s := &Service{client: c}
	s.apply(d)
	return s
}

func (s *Service) apply(d serviceJSON) {
	s.Base = d.Base
	s.ScopeID = d.ScopeID
	s.Type = d.Type
	s.ScriptVersion = d.ScriptVersion
	s.Filename = d.Filename
	s.EnvVersion = d.EnvVersion
	s.RunAs = d.RunAs
	s.Trusted = d.Trusted
}

func (s *Service) String() string { return "service " + s.Base.String() }

// ServiceFilter narrows Client.Services.
type ServiceFilter struct {
	ListOptions

	ID           string
	Name         string
	NameContains string
	ScopeID      string
	Type         ServiceType
	Extra        map[string]string
}

func (f ServiceFilter) query() url.Values {
	q := filter{}
	q.set("id", f.ID)
	q.set("name", f.Name)
	q.set("name__icontains", f.NameContains)
	q.set("scope_id", f.ScopeID)
	q.set("script_type", string(f.Type))
	q.merge(f.Extra)
	return q.values()
}

func (c *Client) Services(ctx context.Context, f ServiceFilter) ([]*Service, error) {
	data, err := retrieve[serviceJSON](ctx, c, pathServices, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Service, len(data))
	for i, d := range data {
		out[i] = newService(c, d)
	}
	return out, nil
}

// Service returns the single service matching f.
func (c *Client) Service(ctx context.Context, f ServiceFilter) (*Service, error) {
	f.Limit = 2
	services, err := c.Services(ctx, f)
	if err != nil {
		return nil, err
	}
	return single(services, "service")
}

// ServiceSpec describes a new service. Empty fields take backend defaults.
type ServiceSpec struct {
	Name          string
	Description   string
	Type          ServiceType
	ScriptVersion string
	EnvVersion    string
	RunAs         ServiceScriptUser
	Trusted       bool
}

// CreateService adds a service without a script; upload one before running it.
func (s *Scope) CreateService(ctx context.Context, spec ServiceSpec) (*Service, error) {
	if spec.Name == "" {
		return nil, illegalArgument("service name is required")
	}
	body := map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
		"scope_id":    s.ID,
		"trusted":     spec.Trusted,
	}
	if spec.Type != "" {
		body["script_type"] = spec.Type
	}
	if spec.ScriptVersion != "" {
		body["script_version"] = spec.ScriptVersion
	}
	if spec.EnvVersion != "" {
		body["env_version"] = spec.EnvVersion
	}
	if spec.RunAs != "" {
		body["run_as"] = spec.RunAs
	}
	d, err := fetchOne[serviceJSON](ctx, s.client, request{method: http.MethodPost, path: pathServices, body: body})
	if err != nil {
		return nil, fmt.Errorf("kechain: create service %q in %s: %w", spec.Name, s, err)
	}
	return newService(s.client, d), nil
}

func (s *Scope) Services(ctx context.Context, f ServiceFilter) ([]*Service, error) {
	f.ScopeID = s.ID
	return s.client.Services(ctx, f)
}

func (s *Scope) Service(ctx context.Context, f ServiceFilter) (*Service, error) {
	f.ScopeID = s.ID
	return s.client.Service(ctx, f)
}

// ServiceEdit changes service attributes. Nil fields are left untouched.
type ServiceEdit struct {
	Name          *string
	Description   *string
	Type          *ServiceType
	ScriptVersion *string
	EnvVersion    *string
	RunAs         *ServiceScriptUser
	Trusted       *bool
}

func (s *Service) Edit(ctx context.Context, edit ServiceEdit) error {
	body := map[string]any{}
	if edit.Name != nil {
		if *edit.Name == "" {
			return illegalArgument("service name cannot be empty")
		}
		body["name"] = *edit.Name
	}
	if edit.Description != nil {
		body["description"] = *edit.Description
	}
	if edit.Type != nil {
		body["script_type"] = *edit.Type
	}
	if edit.ScriptVersion != nil {
		body["script_version"] = *edit.ScriptVersion
	}
	if edit.EnvVersion != nil {
		body["env_version"] = *edit.EnvVersion
	}
	if edit.RunAs != nil {
		body["run_as"] = *edit.RunAs
	}
	if edit.Trusted != nil {
		body["trusted"] = *edit.Trusted
	}
	if len(body) == 0 {
		return nil
	}
	updated, err := fetchOne[serviceJSON](ctx, s.client, request{
		method: http.MethodPut,
		path:   pathFor(pathService, s.ID),
		body:   body,
	})
	if err != nil {
		return fmt.Errorf("kechain: edit %s: %w", s, err)
	}
	s.apply(updated)
	return nil
}

// Delete removes the service together with its executions.
func (s *Service) Delete(ctx context.Context) error {
	if _, err := s.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathService, s.ID)}); err != nil {
		return fmt.Errorf("kechain: delete %s: %w", s, err)
	}
	return nil
}

// Upload replaces the script with the file at filename.
func (s *Service) Upload(ctx context.Context, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("kechain: upload %s: %w", filename, err)
	}
	return s.UploadBytes(ctx, filepath.Base(filename), data)
}

func (s *Service) UploadBytes(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return illegalArgument("file name is required")
	}
	body, formType, err := multipartFile(name, data, "")
	if err != nil {
		return err
	}
	updated, err := fetchOne[serviceJSON](ctx, s.client, request{
		method:      http.MethodPost,
		path:        pathFor(pathServiceUpload, s.ID),
		body:        body,
		contentType: formType,
	})
	if err != nil {
		return fmt.Errorf("kechain: upload to %s: %w", s, err)
	}
	s.apply(updated)
	return nil
}

// Download returns the script content.
func (s *Service) Download(ctx context.Context) ([]byte, error) {
	resp, err := s.client.send(ctx, request{method: http.MethodGet, path: pathFor(pathServiceDownload, s.ID)})
	if err != nil {
		return nil, fmt.Errorf("kechain: download %s: %w", s, err)
	}
	return resp.body, nil
}

// SaveAs downloads the script into dir under its stored file name and
// returns the written path.
func (s *Service) SaveAs(ctx context.Context, dir string) (string, error) {
	if s.Filename == "" {
		return "", notFound("%s has no script", s)
	}
	data, err := s.Download(ctx)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(s.Filename))
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("kechain: write %s: %w", target, err)
	}
	return target, nil
}

// ExecuteOptions controls Service.Execute.
type ExecuteOptions struct {
	// Interactive runs a notebook so it can be opened at NotebookURL.
	Interactive bool
	// ActivityID records the activity the run was started from.
	ActivityID string
}

// Execute starts a run of the service. It does not wait for the run to
// finish; use ServiceExecution.Wait for that.
func (s *Service) Execute(ctx context.Context, opts ExecuteOptions) (*ServiceExecution, error) {
	if opts.ActivityID != "" && !IsUUID(opts.ActivityID) {
		return nil, illegalArgument("activity %q is not a resource id", opts.ActivityID)
	}
	q := filter{}
	if opts.Interactive {
		q.set("interactive", "true")
	}
	q.set("activity_id", opts.ActivityID)
	d, err := fetchOne[executionJSON](ctx, s.client, request{
		method: http.MethodGet,
		path:   pathFor(pathServiceExecute, s.ID),
		query:  q.values(),
	})
	if err != nil {
		return nil, fmt.Errorf("kechain: execute %s: %w", s, err)
	}
	s.client.logger.InfoContext(ctx, "kechain: service started",
		slog.String("service", s.ID),
		slog.String("execution", d.ID),
	)
	return newExecution(s.client, d), nil
}

// Executions lists the runs of this service.
func (s *Service) Executions(ctx context.Context, f ExecutionFilter) ([]*ServiceExecution, error) {
	f.ServiceID = s.ID
	return s.client.ServiceExecutions(ctx, f)
}

// ServiceExecution is one run of a service.
type ServiceExecution struct {
	ID          string
	ServiceID   string
	ServiceName string
	ScopeID     string
	Status      ExecutionStatus
	Username    string
	ActivityID  string
	Interactive bool
	StartedAt   *time.Time
	FinishedAt  *time.Time

	client *Client
}

type executionJSON struct {
	ID          string          `json:"id"`
	ServiceID   string          `json:"service"`
	ServiceName string          `json:"service_name"`
	ScopeID     string          `json:"scope_id"`
	Status      ExecutionStatus `json:"status"`
	Username    string          `json:"username"`
	Activity    *struct {
		ID string `json:"id"`
	} `json:"activity"`
	Interactive bool       `json:"interactive"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

func newExecution(c *Client, d executionJSON) *ServiceExecution {
	x := &ServiceExecution{client: c}
	x.apply(d)
	return x
}

func (x *ServiceExecution) apply(d executionJSON) {
	x.ID = d.ID
	x.ServiceID = d.ServiceID
	x.ServiceName = d.ServiceName
	x.ScopeID = d.ScopeID
	x.Status = d.Status
	x.Username = d.Username
	x.ActivityID = ""
	if d.Activity != nil {
		x.ActivityID = d.Activity.ID
	}
	x.Interactive = d.Interactive
	x.StartedAt = d.StartedAt
	x.FinishedAt = d.FinishedAt
}

func (x *ServiceExecution) String() string {
	return "execution of " + x.ServiceName + " (" + shortID(x.ID) + ")"
}

// ExecutionFilter narrows Client.ServiceExecutions.
type ExecutionFilter struct {
	ListOptions

	ID        string
	ServiceID string
	ScopeID   string
	Status    ExecutionStatus
	Extra     map[string]string
}

func (f ExecutionFilter) query() url.Values {
	q := filter{}
	q.set("id", f.ID)
	q.set("service", f.ServiceID)
	q.set("scope_id", f.ScopeID)
	q.set("status", string(f.Status))
	q.merge(f.Extra)
	return q.values()
}

func (c *Client) ServiceExecutions(ctx context.Context, f ExecutionFilter) ([]*ServiceExecution, error) {
	data, err := retrieve[executionJSON](ctx, c, pathServiceExecutions, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*ServiceExecution, len(data))
	for i, d := range data {
		out[i] = newExecution(c, d)
	}
	return out, nil
}

// ServiceExecution fetches one execution by id.
func (c *Client) ServiceExecution(ctx context.Context, id string) (*ServiceExecution, error) {
	if !IsUUID(id) {
		return nil, illegalArgument("execution %q is not a resource id", id)
	}
	d, err := fetchOne[executionJSON](ctx, c, request{method: http.MethodGet, path: pathFor(pathServiceExecution, id)})
	if err != nil {
		return nil, fmt.Errorf("kechain: get execution %s: %w", id, err)
	}
	return newExecution(c, d), nil
}

// Refresh reloads the execution status in place.
func (x *ServiceExecution) Refresh(ctx context.Context) error {
	d, err := fetchOne[executionJSON](ctx, x.client, request{method: http.MethodGet, path: pathFor(pathServiceExecution, x.ID)})
	if err != nil {
		return fmt.Errorf("kechain: refresh %s: %w", x, err)
	}
	x.apply(d)
	return nil
}

func (x *ServiceExecution) Service(ctx context.Context) (*Service, error) {
	return x.client.Service(ctx, ServiceFilter{ID: x.ServiceID})
}

// Terminate stops a running execution. The backend answers 409 when the
// run already finished.
func (x *ServiceExecution) Terminate(ctx context.Context) error {
	d, err := fetchOne[executionJSON](ctx, x.client, request{method: http.MethodGet, path: pathFor(pathServiceExecutionTerminate, x.ID)})
	if err != nil {
		return fmt.Errorf("kechain: terminate %s: %w", x, err)
	}
	x.apply(d)
	return nil
}

// Log returns the captured output of the run.
func (x *ServiceExecution) Log(ctx context.Context) ([]byte, error) {
	resp, err := x.client.send(ctx, request{method: http.MethodGet, path: pathFor(pathServiceExecutionLog, x.ID)})
	if err != nil {
		return nil, fmt.Errorf("kechain: log of %s: %w", x, err)
	}
	return resp.body, nil
}

// NotebookURL returns where an interactive notebook run can be opened.
func (x *ServiceExecution) NotebookURL(ctx context.Context) (string, error) {
	if !x.Interactive {
		return "", illegalArgument("%s is not interactive", x)
	}
	d, err := fetchOne[notebookJSON](ctx, x.client, request{method: http.MethodGet, path: pathFor(pathServiceExecutionNotebook, x.ID)})
	if err != nil {
		return "", fmt.Errorf("kechain: notebook url of %s: %w", x, err)
	}
	return d.URL, nil
}

type notebookJSON struct {
	URL string `json:"url"`
}

// WaitOptions controls ServiceExecution.Wait. Zero values take the package
// defaults.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Wait polls until the execution stops. A failed or terminated run is
// reported as ErrAPI; a run still going after Timeout as ErrTimeout.
func (x *ServiceExecution) Wait(ctx context.Context, opts WaitOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultExecutionPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExecutionTimeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for !x.Status.Done() {
		select {
		case <-pollCtx.Done():
			if errors.Is(pollCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%s still %s after %s: %w", x, x.Status, opts.Timeout, ErrTimeout)
			}
			return pollCtx.Err()
		case <-ticker.C:
		}
		if err := x.Refresh(pollCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%s still %s after %s: %w", x, x.Status, opts.Timeout, ErrTimeout)
			}
			return err
		}
		x.client.logger.DebugContext(ctx, "kechain: execution poll",
			slog.String("execution", x.ID),
			slog.String("status", string(x.Status)),
		)
	}
	if x.Status != ExecutionCompleted {
		return fmt.Errorf("%s ended %s: %w", x, x.Status, ErrAPI)
	}
	return nil
}

// Run executes the service and waits for the run to finish.
func (s *Service) Run(ctx context.Context, exec ExecuteOptions, wait WaitOptions) (*ServiceExecution, error) {
	x, err := s.Execute(ctx, exec)
	if err != nil {
		return nil, err
	}
	return x, x.Wait(ctx, wait)
}
