package kechain

// Category separates templates (MODEL) from concrete data (INSTANCE).
type Category string

const (
	CategoryModel    Category = "MODEL"
	CategoryInstance Category = "INSTANCE"
)

func (c Category) valid() bool {
	return c == CategoryModel || c == CategoryInstance
}

// Multiplicity constrains how many instances a model may have below one parent instance.
type Multiplicity string

const (
	MultiplicityZeroOne  Multiplicity = "ZERO_ONE"
	MultiplicityOne      Multiplicity = "ONE"
	MultiplicityZeroMany Multiplicity = "ZERO_MANY"
	MultiplicityOneMany  Multiplicity = "ONE_MANY"
)

// AutoInstantiated reports whether the backend creates an instance of a model
// of this multiplicity as soon as its parent instance exists.
func (m Multiplicity) AutoInstantiated() bool {
	return m == MultiplicityOne || m == MultiplicityOneMany
}

func (m Multiplicity) valid() bool {
	switch m {
	case MultiplicityZeroOne, MultiplicityOne, MultiplicityZeroMany, MultiplicityOneMany:
		return true
	}
	return false
}

// Classification of parts inside a scope.
type Classification string

const (
	ClassificationProduct Classification = "PRODUCT"
	ClassificationCatalog Classification = "CATALOG"
)

// PropertyType is the value-kind tag the backend attaches to every property.
type PropertyType string

const (
	PropertyFloat          PropertyType = "FLOAT_VALUE"
	PropertyInt            PropertyType = "INT_VALUE"
	PropertyText           PropertyType = "TEXT_VALUE"
	PropertyChar           PropertyType = "CHAR_VALUE"
	PropertyLink           PropertyType = "LINK_VALUE"
	PropertyBoolean        PropertyType = "BOOLEAN_VALUE"
	PropertyDatetime       PropertyType = "DATETIME_VALUE"
	PropertyDate           PropertyType = "DATE_VALUE"
	PropertyTime           PropertyType = "TIME_VALUE"
	PropertySingleSelect   PropertyType = "SINGLE_SELECT_VALUE"
	PropertyMultiSelect    PropertyType = "MULTI_SELECT_VALUE"
	PropertyReferences     PropertyType = "REFERENCES_VALUE"
	PropertyActivityRefs   PropertyType = "ACTIVITY_REFERENCES_VALUE"
	PropertyScopeRefs      PropertyType = "SCOPE_REFERENCES_VALUE"
	PropertyUserRefs       PropertyType = "USER_REFERENCES_VALUE"
	PropertyAttachment     PropertyType = "ATTACHMENT_VALUE"
	PropertyGeoJSON        PropertyType = "GEOJSON_VALUE"
	PropertyStoredFileRefs PropertyType = "STOREDFILE_REFERENCES_VALUE"
	PropertyServiceRefs    PropertyType = "SERVICE_REFERENCES_VALUE"
)

// IsReference reports whether values of this type are lists of resource ids.
func (t PropertyType) IsReference() bool {
	switch t {
	case PropertyReferences, PropertyActivityRefs, PropertyScopeRefs, PropertyUserRefs,
		PropertyStoredFileRefs, PropertyServiceRefs:
		return true
	}
	return false
}

// ActivityType distinguishes leaf tasks from subprocesses.
type ActivityType string

const (
	ActivityTask    ActivityType = "TASK"
	ActivityProcess ActivityType = "PROCESS"
)

type ActivityClassification string

const (
	ActivityClassificationWorkflow ActivityClassification = "WORKFLOW"
	ActivityClassificationCatalog  ActivityClassification = "CATALOG"
	ActivityClassificationApp      ActivityClassification = "APP"
)

type ActivityStatus string

const (
	ActivityOpen      ActivityStatus = "OPEN"
	ActivityCompleted ActivityStatus = "COMPLETED"
)

type ScopeStatus string

const (
	ScopeActive   ScopeStatus = "ACTIVE"
	ScopeClosed   ScopeStatus = "CLOSED"
	ScopeTemplate ScopeStatus = "TEMPLATE"
)

// WidgetType is the kind of a dashboard widget.
type WidgetType string

const (
	WidgetHTML             WidgetType = "HTML"
	WidgetPropertyGrid     WidgetType = "PROPERTYGRID"
	WidgetSuperGrid        WidgetType = "SUPERGRID"
	WidgetMetaPanel        WidgetType = "METAPANEL"
	WidgetAttachmentViewer WidgetType = "ATTACHMENTVIEWER"
	WidgetFilteredGrid     WidgetType = "FILTEREDGRID"
	WidgetUndefined        WidgetType = "UNDEFINED"
)

// ExportStatus is the state of an asynchronous export job.
type ExportStatus string

const (
	ExportPending   ExportStatus = "PENDING"
	ExportCompleted ExportStatus = "COMPLETED"
	ExportFailed    ExportStatus = "FAILED"
)

// TeamRole is the role of a member within a team.
type TeamRole string

const (
	RoleOwner   TeamRole = "OWNER"
	RoleManager TeamRole = "MANAGER"
	RoleMember  TeamRole = "MEMBER"
)

// ServiceType is the kind of script a service runs.
type ServiceType string

const (
	ServicePythonScript ServiceType = "PYTHON SCRIPT"
	ServiceNotebook     ServiceType = "NOTEBOOK"
)

// ServiceScriptUser selects the account a service runs as.
type ServiceScriptUser string

const (
	RunAsKenode     ServiceScriptUser = "kenode"
	RunAsConfigured ServiceScriptUser = "configured"
	RunAsCalling    ServiceScriptUser = "calling"
)

// ExecutionStatus is the state of a service execution.
type ExecutionStatus string

const (
	ExecutionLoading     ExecutionStatus = "LOADING"
	ExecutionRunning     ExecutionStatus = "RUNNING"
	ExecutionCompleted   ExecutionStatus = "COMPLETED"
	ExecutionFailed      ExecutionStatus = "FAILED"
	ExecutionTerminating ExecutionStatus = "TERMINATING"
	ExecutionTerminated  ExecutionStatus = "TERMINATED"
)

// Done reports whether the execution has stopped.
func (s ExecutionStatus) Done() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTerminated:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationReady     NotificationStatus = "READY"
	NotificationPublished NotificationStatus = "PUBLISHED"
	NotificationArchived  NotificationStatus = "ARCHIVED"
	NotificationFailed    NotificationStatus = "FAILED"
)

type NotificationEvent string

const (
	EventShareActivityLink NotificationEvent = "SHARE_ACTIVITY_LINK"
	EventShareActivityPDF  NotificationEvent = "SHARE_ACTIVITY_PDF"
	EventExportActivity    NotificationEvent = "EXPORT_ACTIVITY_ASYNC"
)

type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "EMAIL"
	ChannelApp   NotificationChannel = "APP"
)
