package emulator

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kechain/internal/apperr"
)

// ActivitySpec is the body of a create activity request.
type ActivitySpec struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	ParentID       string `json:"parent_id"`
	ActivityType   string `json:"activity_type"`
	Classification string `json:"classification"`
	ScopeID        string `json:"scope_id"`
}

// ActivityPatch holds the editable activity attributes.
type ActivityPatch struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	StartDate   *time.Time `json:"start_date"`
	DueDate     *time.Time `json:"due_date"`
	Assignees   []string   `json:"assignees"`
}

func (s *Service) ListActivities(_ context.Context, q url.Values) ([]*Activity, int, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	items := filterSlice(ordered(s.st.activities), func(a *Activity) bool {
		if !matchRecord(&a.Record, q) {
			return false
		}
		for key, value := range map[string]string{
			"scope_id":       a.ScopeID,
			"parent_id":      a.ParentID,
			"activity_type":  a.ActivityType,
			"classification": a.Classification,
			"status":         a.Status,
		} {
			if !matchField(q, key, value) {
				return false
			}
		}
		return true
	})
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Activity, len(items))
	for i, a := range items {
		out[i] = clone(a)
	}
	return out, total, nil
}

func (s *Service) GetActivity(_ context.Context, id string) (*Activity, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	a, ok := s.st.activities[id]
	if !ok {
		return nil, notFound("activity", id)
	}
	return clone(a), nil
}

// CreateActivity adds an activity below a process.
func (s *Service) CreateActivity(_ context.Context, spec ActivitySpec) (*Activity, error) {
	if spec.Name == "" {
		return nil, invalid("activity name is required")
	}
	if spec.ActivityType == "" {
		spec.ActivityType = ActivityTask
	}
	if spec.ActivityType != ActivityTask && spec.ActivityType != ActivityProcess {
		return nil, invalid("unknown activity type %q", spec.ActivityType)
	}
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	parent, ok := st.activities[spec.ParentID]
	if !ok {
		return nil, notFound("parent activity", spec.ParentID)
	}
	if parent.ActivityType != ActivityProcess {
		return nil, invalid("parent %q is not a process", parent.Name)
	}
	if spec.ScopeID != "" && spec.ScopeID != parent.ScopeID {
		return nil, invalid("parent %q belongs to another scope", parent.Name)
	}
	if spec.Classification == "" {
		spec.Classification = parent.Classification
	}
	a := &Activity{
		Record:         st.record(spec.Name, "", spec.Description),
		ActivityType:   spec.ActivityType,
		Classification: spec.Classification,
		Status:         "OPEN",
		ParentID:       parent.ID,
		ScopeID:        parent.ScopeID,
		Assignees:      []string{},
	}
	st.activities[a.ID] = a
	return clone(a), nil
}

func (s *Service) UpdateActivity(_ context.Context, id string, patch ActivityPatch) (*Activity, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.activities[id]
	if !ok {
		return nil, notFound("activity", id)
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, invalid("activity name cannot be empty")
		}
		a.Name = *patch.Name
	}
	if patch.Description != nil {
		a.Description = *patch.Description
	}
	if patch.Status != nil {
		a.Status = *patch.Status
	}
	if patch.StartDate != nil {
		a.StartDate = patch.StartDate
	}
	if patch.DueDate != nil {
		a.DueDate = patch.DueDate
	}
	if patch.Assignees != nil {
		a.Assignees = patch.Assignees
	}
	touch(&a.Record)
	return clone(a), nil
}

// DeleteActivity removes an activity, its subtree and their widgets.
func (s *Service) DeleteActivity(_ context.Context, id string) (*Activity, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.activities[id]
	if !ok {
		return nil, notFound("activity", id)
	}
	if a.ParentID == "" {
		return nil, fmt.Errorf("%w: the workflow root cannot be deleted", apperr.ErrForbidden)
	}
	for _, d := range s.st.activitySubtree(id) {
		s.deleteWidgetsOf(d.ID)
		delete(s.st.activities, d.ID)
	}
	return clone(a), nil
}

// Export renders an activity as PDF. In async mode a job is queued instead;
// it reports PENDING for the configured number of polls.
func (s *Service) Export(_ context.Context, id string, async, appendices bool) ([]byte, *ExportJob, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	a, ok := st.activities[id]
	if !ok {
		return nil, nil, notFound("activity", id)
	}
	data := st.renderPDF(a, appendices)
	if !async {
		return data, nil, nil
	}
	job := &ExportJob{
		ID:         uuid.NewString(),
		Status:     ExportPending,
		Filename:   slugify(a.Name) + ".pdf",
		ActivityID: a.ID,
		pending:    s.exportPolls,
		data:       data,
	}
	st.exports[job.ID] = job
	return nil, clone(job), nil
}

// PollExport advances and reports an export job.
func (s *Service) PollExport(_ context.Context, id string) (*ExportJob, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	job, ok := s.st.exports[id]
	if !ok {
		return nil, notFound("download", id)
	}
	switch {
	case job.pending < 0:
		// stalled job
	case job.pending > 0:
		job.pending--
	default:
		job.Status = ExportCompleted
	}
	return clone(job), nil
}

// DownloadExport returns the rendered PDF of a completed job.
func (s *Service) DownloadExport(_ context.Context, id string) ([]byte, string, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	job, ok := s.st.exports[id]
	if !ok {
		return nil, "", notFound("download", id)
	}
	if job.Status != ExportCompleted {
		return nil, "", fmt.Errorf("%w: download %s is %s", apperr.ErrConflict, id, job.Status)
	}
	return job.data, job.Filename, nil
}

// renderPDF produces a one page document listing the activity and its widgets.
func (st *store) renderPDF(a *Activity, appendices bool) []byte {
	lines := []string{a.Name}
	if a.Description != "" {
		lines = append(lines, a.Description)
	}
	for _, w := range st.activityWidgets(a.ID) {
		lines = append(lines, fmt.Sprintf("%s: %s", w.WidgetType, w.Title))
	}
	if appendices {
		lines = append(lines, "Appendices")
	}

	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 50 800 Td 16 TL\n")
	esc := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)
	for _, l := range lines {
		fmt.Fprintf(&content, "(%s) Tj T*\n", esc.Replace(l))
	}
	content.WriteString("ET")

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	b.WriteString("1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n")
	b.WriteString("2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj\n")
	b.WriteString("3 0 obj << /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >> endobj\n")
	fmt.Fprintf(&b, "4 0 obj << /Length %d >> stream\n%s\nendstream endobj\n", content.Len(), content.String())
	b.WriteString("5 0 obj << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> endobj\n")
	b.WriteString("trailer << /Root 1 0 R >>\n%%EOF\n")
	return b.Bytes()
}
