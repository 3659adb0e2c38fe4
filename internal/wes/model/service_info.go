package model

// DefaultEngineParameter documents one flag a workflow engine accepts by
// default, surfaced in ServiceInfo.DefaultWorkflowEngineParameters so a
// client can discover engine options without reading the dispatcher script.
type DefaultEngineParameter struct {
	Name         string      `json:"name"`
	DefaultValue interface{} `json:"default_value"`
	Type         string      `json:"type"`
}

// WorkflowTypeVersionEntry lists the document-language versions this
// service accepts for one WorkflowType.
type WorkflowTypeVersionEntry struct {
	WorkflowTypeVersion []string `json:"workflow_type_version"`
}

// ServiceInfo is the GET /service-info response shape (spec §4.7, SUPPLEMENTED
// FEATURES #1): everything a WES client needs to decide whether and how to
// submit a run before it ever calls POST /runs.
type ServiceInfo struct {
	AuthInstructionsURL             string                              `json:"auth_instructions_url,omitempty"`
	ContactInfoURL                  string                              `json:"contact_info_url,omitempty"`
	DefaultWorkflowEngineParameters map[WorkflowEngine][]DefaultEngineParameter `json:"default_workflow_engine_parameters"`
	SupportedFilesystemProtocols    []string                            `json:"supported_filesystem_protocols"`
	SupportedWESVersions            []string                            `json:"supported_wes_versions"`
	SystemStateCounts               map[State]int                       `json:"system_state_counts"`
	Tags                            map[string]interface{}              `json:"tags"`
	WorkflowEngineVersions          map[WorkflowEngine]string           `json:"workflow_engine_versions"`
	WorkflowTypeVersions            map[WorkflowType]WorkflowTypeVersionEntry `json:"workflow_type_versions"`
}
