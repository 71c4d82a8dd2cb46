package emulator

import (
	"encoding/json"
	"strings"
	"time"
)

// Wire constants shared with the REST API.
const (
	CategoryModel    = "MODEL"
	CategoryInstance = "INSTANCE"

	ClassificationProduct = "PRODUCT"
	ClassificationCatalog = "CATALOG"

	MultiplicityZeroOne  = "ZERO_ONE"
	MultiplicityOne      = "ONE"
	MultiplicityZeroMany = "ZERO_MANY"
	MultiplicityOneMany  = "ONE_MANY"

	ActivityTask    = "TASK"
	ActivityProcess = "PROCESS"

	ExportPending   = "PENDING"
	ExportCompleted = "COMPLETED"

	RoleOwner   = "OWNER"
	RoleManager = "MANAGER"
	RoleMember  = "MEMBER"

	ScriptPython   = "PYTHON SCRIPT"
	ScriptNotebook = "NOTEBOOK"

	ExecutionLoading     = "LOADING"
	ExecutionRunning     = "RUNNING"
	ExecutionCompleted   = "COMPLETED"
	ExecutionFailed      = "FAILED"
	ExecutionTerminating = "TERMINATING"
	ExecutionTerminated  = "TERMINATED"

	NotificationReady     = "READY"
	NotificationPublished = "PUBLISHED"
	NotificationArchived  = "ARCHIVED"
)

// Property types.
const (
	TypeFloat          = "FLOAT_VALUE"
	TypeInt            = "INT_VALUE"
	TypeText           = "TEXT_VALUE"
	TypeChar           = "CHAR_VALUE"
	TypeLink           = "LINK_VALUE"
	TypeBoolean        = "BOOLEAN_VALUE"
	TypeDatetime       = "DATETIME_VALUE"
	TypeDate           = "DATE_VALUE"
	TypeTime           = "TIME_VALUE"
	TypeSingleSelect   = "SINGLE_SELECT_VALUE"
	TypeMultiSelect    = "MULTI_SELECT_VALUE"
	TypeReferences     = "REFERENCES_VALUE"
	TypeActivityRefs   = "ACTIVITY_REFERENCES_VALUE"
	TypeScopeRefs      = "SCOPE_REFERENCES_VALUE"
	TypeUserRefs       = "USER_REFERENCES_VALUE"
	TypeAttachment     = "ATTACHMENT_VALUE"
	TypeGeoJSON        = "GEOJSON_VALUE"
	TypeStoredFileRefs = "STOREDFILE_REFERENCES_VALUE"
	TypeServiceRefs    = "SERVICE_REFERENCES_VALUE"
)

func isReferenceType(t string) bool {
	switch t {
	case TypeReferences, TypeActivityRefs, TypeScopeRefs, TypeUserRefs, TypeStoredFileRefs, TypeServiceRefs:
		return true
	}
	return false
}

func autoInstantiated(multiplicity string) bool {
	return multiplicity == MultiplicityOne || multiplicity == MultiplicityOneMany
}

// Record holds the attributes every resource carries.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Ref         string    `json:"ref"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	seq uint64
}

func (r *Record) sequence() uint64 { return r.seq }

type Scope struct {
	Record
	Status            string     `json:"status"`
	Tags              []string   `json:"tags"`
	StartDate         *time.Time `json:"start_date"`
	DueDate           *time.Time `json:"due_date"`
	WorkflowRootID    string     `json:"workflow_root_id"`
	ProductModelID    string     `json:"product_model_id"`
	ProductInstanceID string     `json:"product_instance_id"`
	CatalogModelID    string     `json:"catalog_model_id"`
	CatalogInstanceID string     `json:"catalog_instance_id"`
}

type Part struct {
	Record
	Category       string `json:"category"`
	Classification string `json:"classification"`
	Multiplicity   string `json:"multiplicity"`
	ParentID       string `json:"parent_id"`
	ModelID        string `json:"model_id"`
	ScopeID        string `json:"scope_id"`
	Order          int    `json:"order"`
}

// partView is a part as served, with its properties inlined.
type partView struct {
	*Part
	Properties []*Property `json:"properties"`
}

type Property struct {
	Record
	Category     string          `json:"category"`
	Type         string          `json:"property_type"`
	Value        json.RawMessage `json:"value"`
	ValueOptions map[string]any  `json:"value_options"`
	Unit         string          `json:"unit"`
	PartID       string          `json:"part_id"`
	ModelID      string          `json:"model_id"`
	ScopeID      string          `json:"scope_id"`
	Order        int             `json:"order"`
}

type Activity struct {
	Record
	ActivityType   string     `json:"activity_type"`
	Classification string     `json:"classification"`
	Status         string     `json:"status"`
	ParentID       string     `json:"parent_id"`
	ScopeID        string     `json:"scope_id"`
	StartDate      *time.Time `json:"start_date"`
	DueDate        *time.Time `json:"due_date"`
	Assignees      []string   `json:"assignees"`
}

type Widget struct {
	Record
	WidgetType string         `json:"widget_type"`
	Title      string         `json:"title"`
	Meta       map[string]any `json:"meta"`
	Order      int            `json:"order"`
	ActivityID string         `json:"activity_id"`
	ParentID   string         `json:"parent_id"`
}

// ExportJob is an asynchronous PDF rendering of an activity.
type ExportJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Filename   string `json:"content_file_name"`
	ActivityID string `json:"activity_id"`

	pending int
	data    []byte
}

// Account is a user as listed by api/users.json. Accounts are numbered from
// 1 in config order.
type Account struct {
	PK       int    `json:"pk"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

type Team struct {
	Record
	Options  map[string]any `json:"options"`
	IsHidden bool           `json:"is_hidden"`
	Members  []TeamMember   `json:"members"`
}

type TeamMember struct {
	PK       int    `json:"pk"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// Script is a service: an uploaded python script or notebook that runs on
// the backend.
type Script struct {
	Record
	ScopeID       string `json:"scope_id"`
	ScriptType    string `json:"script_type"`
	ScriptVersion string `json:"script_version"`
	Filename      string `json:"script_file_name"`
	EnvVersion    string `json:"env_version"`
	RunAs         string `json:"run_as"`
	Trusted       bool   `json:"trusted"`
}

// Execution is one run of a service.
type Execution struct {
	ID          string       `json:"id"`
	ServiceID   string       `json:"service"`
	ServiceName string       `json:"service_name"`
	ScopeID     string       `json:"scope_id"`
	Status      string       `json:"status"`
	Username    string       `json:"username"`
	Activity    *ActivityRef `json:"activity"`
	Interactive bool         `json:"interactive"`
	StartedAt   *time.Time   `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at"`

	seq     uint64
	pending int
	fails   bool
	log     []string
}

func (x *Execution) sequence() uint64 { return x.seq }

type ActivityRef struct {
	ID string `json:"id"`
}

type Notification struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Message        string    `json:"message"`
	Status         string    `json:"status"`
	Event          string    `json:"event"`
	Channels       []string  `json:"channels"`
	RecipientUsers []int     `json:"recipient_users"`
	FromUser       int       `json:"from_user"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	seq uint64
}

func (n *Notification) sequence() uint64 { return n.seq }

// Version describes one backend application.
type Version struct {
	App     string `json:"app"`
	Label   string `json:"label"`
	Version string `json:"version"`
}

// slugify derives a ref from a name.
func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
