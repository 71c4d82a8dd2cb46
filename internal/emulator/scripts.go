package emulator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kechain/internal/apperr"
)

// failMarker in an uploaded script makes its executions end FAILED.
const failMarker = "sys.exit(1)"

// ScriptSpec describes a service to create.
type ScriptSpec struct {
	Name          string `json:"name"`
	Ref           string `json:"ref"`
	Description   string `json:"description"`
	ScopeID       string `json:"scope_id"`
	ScriptType    string `json:"script_type"`
	ScriptVersion string `json:"script_version"`
	EnvVersion    string `json:"env_version"`
	RunAs         string `json:"run_as"`
	Trusted       bool   `json:"trusted"`
}

// ScriptPatch holds the editable service attributes; nil fields are untouched.
type ScriptPatch struct {
	Name          *string `json:"name"`
	Description   *string `json:"description"`
	ScriptType    *string `json:"script_type"`
	ScriptVersion *string `json:"script_version"`
	EnvVersion    *string `json:"env_version"`
	RunAs         *string `json:"run_as"`
	Trusted       *bool   `json:"trusted"`
}

func (s *Service) CreateScript(_ context.Context, spec ScriptSpec) (*Script, error) {
	if spec.Name == "" {
		return nil, invalid("service name is required")
	}
	if spec.ScriptType == "" {
		spec.ScriptType = ScriptPython
	}
	if err := checkScriptType(spec.ScriptType); err != nil {
		return nil, err
	}
	if spec.EnvVersion == "" {
		spec.EnvVersion = "3.8"
	}
	if spec.RunAs == "" {
		spec.RunAs = "kenode"
	}
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.scopes[spec.ScopeID]; !ok {
		return nil, invalid("scope %q does not exist", spec.ScopeID)
	}
	sc := &Script{
		Record:        st.record(spec.Name, spec.Ref, spec.Description),
		ScopeID:       spec.ScopeID,
		ScriptType:    spec.ScriptType,
		ScriptVersion: spec.ScriptVersion,
		EnvVersion:    spec.EnvVersion,
		RunAs:         spec.RunAs,
		Trusted:       spec.Trusted,
	}
	st.scripts[sc.ID] = sc
	return clone(sc), nil
}

func checkScriptType(t string) error {
	if t != ScriptPython && t != ScriptNotebook {
		return invalid("unknown script type %q", t)
	}
	return nil
}

func (s *Service) ListScripts(_ context.Context, q url.Values) ([]*Script, int, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	items := filterSlice(ordered(s.st.scripts), func(sc *Script) bool {
		return matchRecord(&sc.Record, q) &&
			matchField(q, "scope_id", sc.ScopeID) &&
			matchField(q, "script_type", sc.ScriptType)
	})
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Script, len(items))
	for i, sc := range items {
		out[i] = clone(sc)
	}
	return out, total, nil
}

func (s *Service) GetScript(_ context.Context, id string) (*Script, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	sc, ok := s.st.scripts[id]
	if !ok {
		return nil, notFound("service", id)
	}
	return clone(sc), nil
}

func (s *Service) UpdateScript(_ context.Context, id string, patch ScriptPatch) (*Script, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	sc, ok := s.st.scripts[id]
	if !ok {
		return nil, notFound("service", id)
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, invalid("service name cannot be empty")
		}
		sc.Name = *patch.Name
	}
	if patch.ScriptType != nil {
		if err := checkScriptType(*patch.ScriptType); err != nil {
			return nil, err
		}
		sc.ScriptType = *patch.ScriptType
	}
	if patch.Description != nil {
		sc.Description = *patch.Description
	}
	if patch.ScriptVersion != nil {
		sc.ScriptVersion = *patch.ScriptVersion
	}
	if patch.EnvVersion != nil {
		sc.EnvVersion = *patch.EnvVersion
	}
	if patch.RunAs != nil {
		sc.RunAs = *patch.RunAs
	}
	if patch.Trusted != nil {
		sc.Trusted = *patch.Trusted
	}
	touch(&sc.Record)
	return clone(sc), nil
}

// DeleteScript removes the service, its script file and its executions.
func (s *Service) DeleteScript(_ context.Context, id string) (*Script, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	sc, ok := s.st.scripts[id]
	if !ok {
		return nil, notFound("service", id)
	}
	s.dropScript(sc)
	return clone(sc), nil
}

// dropScript deletes a service with everything it owns. Callers hold mu.
func (s *Service) dropScript(sc *Script) {
	if sc.Filename != "" {
		if err := s.blobs.Delete(scriptPath(sc)); err != nil {
			slog.Warn("delete script failed", slog.String("service", sc.ID), slog.String("error", err.Error()))
		}
	}
	for xid, x := range s.st.executions {
		if x.ServiceID == sc.ID {
			delete(s.st.executions, xid)
		}
	}
	delete(s.st.scripts, sc.ID)
}

func scriptPath(sc *Script) string {
	return "services/" + sc.ID + "/" + sc.Filename
}

// UploadScript replaces the script file of a service.
func (s *Service) UploadScript(_ context.Context, id, filename string, data []byte) (*Script, error) {
	name, err := safeName(filename)
	if err != nil {
		return nil, err
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	sc, ok := s.st.scripts[id]
	if !ok {
		return nil, notFound("service", id)
	}
	if sc.Filename != "" && sc.Filename != name {
		if err := s.blobs.Delete(scriptPath(sc)); err != nil {
			slog.Warn("delete script failed", slog.String("service", sc.ID), slog.String("error", err.Error()))
		}
	}
	sc.Filename = name
	if err := s.blobs.Write(scriptPath(sc), data); err != nil {
		return nil, fmt.Errorf("emulator: store script: %w", err)
	}
	touch(&sc.Record)
	return clone(sc), nil
}

// DownloadScript returns the script file of a service.
func (s *Service) DownloadScript(_ context.Context, id string) ([]byte, string, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	sc, ok := s.st.scripts[id]
	if !ok {
		return nil, "", notFound("service", id)
	}
	if sc.Filename == "" {
		return nil, "", fmt.Errorf("%w: service %q has no script", apperr.ErrNotFound, sc.Name)
	}
	data, err := s.blobs.Read(scriptPath(sc))
	if err != nil {
		return nil, "", fmt.Errorf("emulator: read script: %w", err)
	}
	return data, sc.Filename, nil
}

// Execute starts a run of the service. A service runs at most once at a time.
func (s *Service) Execute(_ context.Context, id, username, activityID string, interactive bool) (*Execution, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	sc, ok := st.scripts[id]
	if !ok {
		return nil, notFound("service", id)
	}
	if sc.Filename == "" {
		return nil, invalid("service %q has no script to execute", sc.Name)
	}
	for _, x := range st.executions {
		if x.ServiceID == id && running(x.Status) {
			return nil, fmt.Errorf("%w: service %q is already running", apperr.ErrConflict, sc.Name)
		}
	}
	if interactive && sc.ScriptType != ScriptNotebook {
		return nil, invalid("only notebooks execute interactively")
	}
	var activity *ActivityRef
	if activityID != "" {
		if _, ok := st.activities[activityID]; !ok {
			return nil, invalid("activity %q does not exist", activityID)
		}
		activity = &ActivityRef{ID: activityID}
	}
	data, err := s.blobs.Read(scriptPath(sc))
	if err != nil {
		return nil, fmt.Errorf("emulator: read script: %w", err)
	}

	now := time.Now().UTC()
	x := &Execution{
		ID:          uuid.NewString(),
		ServiceID:   sc.ID,
		ServiceName: sc.Name,
		ScopeID:     sc.ScopeID,
		Status:      ExecutionRunning,
		Username:    username,
		Activity:    activity,
		Interactive: interactive,
		StartedAt:   &now,
		seq:         st.next(),
		pending:     s.executionPolls,
		fails:       bytes.Contains(data, []byte(failMarker)),
		log:         []string{fmt.Sprintf("executing %s (%s) as %s", sc.Filename, sc.EnvVersion, sc.RunAs)},
	}
	st.executions[x.ID] = x
	return cloneExecution(x), nil
}

func running(status string) bool {
	return status == ExecutionLoading || status == ExecutionRunning
}

func cloneExecution(x *Execution) *Execution {
	c := clone(x)
	c.log = slices.Clone(x.log)
	return c
}

// advance moves a running execution one poll closer to its end.
func (x *Execution) advance() {
	switch {
	case !running(x.Status), x.pending < 0:
	case x.pending > 0:
		x.pending--
	default:
		now := time.Now().UTC()
		x.FinishedAt = &now
		if x.fails {
			x.Status = ExecutionFailed
			x.log = append(x.log, "exit code 1")
			return
		}
		x.Status = ExecutionCompleted
		x.log = append(x.log, "exit code 0")
	}
}

// ListExecutions filters on service, scope_id and status. Listing does not
// advance running executions.
func (s *Service) ListExecutions(_ context.Context, q url.Values) ([]*Execution, int, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	items := filterSlice(ordered(s.st.executions), func(x *Execution) bool {
		return matchField(q, "id", x.ID) &&
			matchField(q, "service", x.ServiceID) &&
			matchField(q, "scope_id", x.ScopeID) &&
			matchField(q, "status", x.Status)
	})
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Execution, len(items))
	for i, x := range items {
		out[i] = cloneExecution(x)
	}
	return out, total, nil
}

// PollExecution advances and reports an execution.
func (s *Service) PollExecution(_ context.Context, id string) (*Execution, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	x, ok := s.st.executions[id]
	if !ok {
		return nil, notFound("service execution", id)
	}
	x.advance()
	return cloneExecution(x), nil
}

// Terminate stops a running execution.
func (s *Service) Terminate(_ context.Context, id string) (*Execution, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	x, ok := s.st.executions[id]
	if !ok {
		return nil, notFound("service execution", id)
	}
	if !running(x.Status) {
		return nil, fmt.Errorf("%w: execution %s is %s", apperr.ErrConflict, id, x.Status)
	}
	now := time.Now().UTC()
	x.Status = ExecutionTerminated
	x.FinishedAt = &now
	x.log = append(x.log, "terminated")
	return cloneExecution(x), nil
}

// ExecutionLog returns the log lines written so far.
func (s *Service) ExecutionLog(_ context.Context, id string) ([]byte, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	x, ok := s.st.executions[id]
	if !ok {
		return nil, notFound("service execution", id)
	}
	return []byte(strings.Join(x.log, "\n") + "\n"), nil
}

// NotebookURL returns where an interactive notebook execution is served.
func (s *Service) NotebookURL(_ context.Context, id string) (string, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	x, ok := s.st.executions[id]
	if !ok {
		return "", notFound("service execution", id)
	}
	if !x.Interactive || !running(x.Status) {
		return "", fmt.Errorf("%w: execution %s has no running notebook", apperr.ErrConflict, id)
	}
	return "/notebooks/" + x.ID, nil
}
