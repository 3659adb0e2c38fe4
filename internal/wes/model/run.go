// Package model defines the core data types of the Run Manager: the
// immutable request a client submits, the mutable run it produces, and the
// closed set of lifecycle states a run passes through.
package model

import (
	"encoding/json"
	"time"
)

// WorkflowType is the closed set of workflow document languages WES accepts.
type WorkflowType string

const (
	WorkflowTypeCWL WorkflowType = "CWL"
	WorkflowTypeWDL WorkflowType = "WDL"
	WorkflowTypeNFL WorkflowType = "NFL"
	WorkflowTypeSMK WorkflowType = "SMK"
)

// WorkflowEngine is the closed set of engines the dispatcher knows how to
// invoke.
type WorkflowEngine string

const (
	EngineCwltool    WorkflowEngine = "cwltool"
	EngineNextflow   WorkflowEngine = "nextflow"
	EngineToil       WorkflowEngine = "toil"
	EngineCromwell   WorkflowEngine = "cromwell"
	EngineSnakemake  WorkflowEngine = "snakemake"
	EngineEp3        WorkflowEngine = "ep3"
	EngineStreamFlow WorkflowEngine = "streamflow"
)

// EngineTypeCompatibility is the engine/type acceptance matrix from spec §4.2.
var EngineTypeCompatibility = map[WorkflowEngine][]WorkflowType{
	EngineCwltool:    {WorkflowTypeCWL},
	EngineToil:       {WorkflowTypeCWL},
	EngineEp3:        {WorkflowTypeCWL},
	EngineStreamFlow: {WorkflowTypeCWL},
	EngineCromwell:   {WorkflowTypeWDL},
	EngineNextflow:   {WorkflowTypeNFL},
	EngineSnakemake:  {WorkflowTypeSMK},
}

// State is the closed set of run lifecycle states (spec §3, §4.3).
type State string

const (
	StateUnknown       State = "UNKNOWN"
	StateQueued        State = "QUEUED"
	StateInitializing  State = "INITIALIZING"
	StateRunning       State = "RUNNING"
	StatePaused        State = "PAUSED"
	StateComplete      State = "COMPLETE"
	StateExecutorError State = "EXECUTOR_ERROR"
	StateSystemError   State = "SYSTEM_ERROR"
	StateCanceled      State = "CANCELED"
	StateCanceling     State = "CANCELING"
	StatePreempted     State = "PREEMPTED"
	StateDeleting      State = "DELETING"
	StateDeleted       State = "DELETED"
)

// Terminal states are absorbing: once reached, no run leaves it.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateExecutorError, StateSystemError, StateCanceled, StateDeleted:
		return true
	default:
		return false
	}
}

// FileObject is a workflow attachment or an output artifact reference.
type FileObject struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

// RunRequest is the immutable, validated body of a POST /runs request.
type RunRequest struct {
	WorkflowType             WorkflowType      `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	WorkflowURL              string            `json:"workflow_url"`
	WorkflowEngine           WorkflowEngine    `json:"workflow_engine"`
	WorkflowEngineVersion    string            `json:"workflow_engine_version,omitempty"`
	WorkflowParams           json.RawMessage   `json:"workflow_params,omitempty"`
	WorkflowEngineParameters map[string]string `json:"workflow_engine_parameters,omitempty"`
	WorkflowAttachment       []FileObject      `json:"workflow_attachment,omitempty"`
	Tags                     map[string]string `json:"tags,omitempty"`
}

// RunSummary is what RunStore.Load reconstructs from disk: everything a
// status/list response needs, without touching the SQLite index.
type RunSummary struct {
	RunID     string      `json:"run_id"`
	State     State       `json:"state"`
	Request   *RunRequest `json:"request,omitempty"`
	Username  *string     `json:"-"`
	StartTime *time.Time  `json:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	ExitCode  *int        `json:"exit_code,omitempty"`
	CreatedAt time.Time   `json:"-"`
	Tags      map[string]string `json:"-"`
}

// RunLog mirrors the WES RunLog response shape for GET /runs/{id}.
type RunLog struct {
	RunID       string            `json:"run_id"`
	Request     *RunRequest       `json:"request"`
	State       State             `json:"state"`
	RunLog      *ProcessLog       `json:"run_log,omitempty"`
	TaskLogs    []json.RawMessage `json:"task_logs,omitempty"`
	Outputs     interface{}       `json:"outputs,omitempty"`
}

// ProcessLog captures the dispatcher's process metadata: command line,
// streams, timestamps and exit code.
type ProcessLog struct {
	Name      string     `json:"name,omitempty"`
	CmdLine   string     `json:"cmd,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// RunStatus is the reduced shape for GET /runs/{id}/status.
type RunStatus struct {
	RunID string `json:"run_id"`
	State State  `json:"state"`
}
