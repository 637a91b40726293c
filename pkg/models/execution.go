package models

import "time"

// ExecutionStatus is the lifecycle state of a flow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailure   ExecutionStatus = "failure"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

// IsTerminal reports whether the status ends an execution. Exactly one
// terminal transition is allowed per execution.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailure, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the outcome of a single step within an execution.
type StepStatus string

const (
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

// FlowExecution is one ledger entry for a run of a flow. FlowID is nil for
// ephemeral (ad-hoc) runs.
type FlowExecution struct {
	ID        string          `json:"id"`
	FlowID    *string         `json:"flow_id,omitempty"`
	Inputs    map[string]any  `json:"inputs,omitempty"`
	Outputs   map[string]any  `json:"outputs,omitempty"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// ExecutionStep is the per-step ledger record of an execution.
type ExecutionStep struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	NodeID      string     `json:"node_id"`
	ActionID    string     `json:"action_id"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// StepResult is the in-memory outcome of one executed step, accumulated
// into the execution context keyed by the step's node id.
type StepResult struct {
	Output     any        `json:"output"`
	Status     StepStatus `json:"status"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// ExecutionContext carries the state a walk accumulates: run inputs plus
// the results of every completed step, addressable by node id.
type ExecutionContext struct {
	ExecutionID string                `json:"execution_id"`
	FlowID      string                `json:"flow_id,omitempty"`
	UserID      string                `json:"user_id,omitempty"`
	SessionID   *string               `json:"session_id,omitempty"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	StepResults map[string]StepResult `json:"step_results"`
}

// TemplateData flattens the context into the shape template and condition
// references resolve against: one entry per completed step keyed by node
// id, plus the run inputs under "inputs".
func (c *ExecutionContext) TemplateData() map[string]any {
	data := make(map[string]any, len(c.StepResults)+1)
	for id, result := range c.StepResults {
		data[id] = map[string]any{
			"output":      result.Output,
			"status":      string(result.Status),
			"duration_ms": result.DurationMS,
		}
	}

	if c.Inputs != nil {
		data["inputs"] = c.Inputs
	}

	return data
}
