package kechain

import "fmt"

// REST endpoints relative to the backend base URL.
const (
	pathVersions = "api/versions.json"
	pathLogin    = "api/v3/auth/token"

	pathScopes = "api/v3/scopes.json"
	pathScope  = "api/v3/scopes/%s.json"

	pathParts                = "api/v3/parts.json"
	pathPart                 = "api/v3/parts/%s.json"
	pathPartNewInstance      = "api/v3/parts/new_instance"
	pathPartCreateChildModel = "api/v3/parts/create_child_model"

	pathProperties           = "api/v3/properties.json"
	pathProperty             = "api/v3/properties/%s.json"
	pathPropertyCreateModel  = "api/v3/properties/create_model"
	pathPropertiesBulkUpdate = "api/v3/properties/bulk_update"
	pathPropertyUpload       = "api/v3/properties/%s/upload"
	pathPropertyDownload     = "api/v3/properties/%s/download"

	pathActivities     = "api/v3/activities.json"
	pathActivity       = "api/v3/activities/%s.json"
	pathActivityExport = "api/v3/activities/%s/export"
	pathDownload       = "api/v3/downloads/%s.json"
	pathDownloadFile   = "api/v3/downloads/%s/download"

	pathWidgets           = "api/widgets.json"
	pathWidget            = "api/widgets/%s.json"
	pathWidgetsBulkCreate = "api/widgets/bulk_create"
	pathWidgetsBulkUpdate = "api/widgets/bulk_update"
	pathWidgetsBulkDelete = "api/widgets/bulk_delete"

	pathUsers             = "api/users.json"
	pathTeams             = "api/teams.json"
	pathTeam              = "api/teams/%s.json"
	pathTeamAddMembers    = "api/teams/%s/add_members"
	pathTeamRemoveMembers = "api/teams/%s/remove_members"

	pathServices                  = "api/services.json"
	pathService                   = "api/services/%s.json"
	pathServiceExecute            = "api/services/%s/execute"
	pathServiceUpload             = "api/services/%s/upload"
	pathServiceDownload           = "api/services/%s/download"
	pathServiceExecutions         = "api/service_executions.json"
	pathServiceExecution          = "api/service_executions/%s.json"
	pathServiceExecutionTerminate = "api/service_executions/%s/terminate"
	pathServiceExecutionLog       = "api/service_executions/%s/log"
	pathServiceExecutionNotebook  = "api/service_executions/%s/notebook_url"

	pathNotifications = "api/v3/notifications.json"
	pathNotification  = "api/v3/notifications/%s.json"
)

func pathFor(format, id string) string {
	return fmt.Sprintf(format, id)
}
