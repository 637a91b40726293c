package models

import "time"

// TriggerStatus is the lifecycle state of a trigger row.
type TriggerStatus string

const (
	TriggerStatusActive  TriggerStatus = "active"
	TriggerStatusRemoved TriggerStatus = "removed"
)

// Trigger links a flow to a registered scheduler job. The set of active
// rows for a flow must match the set of live scheduler jobs for that flow
// at all observable times; the orchestrator enforces this across the
// scheduler and the database.
type Trigger struct {
	ID          string         `json:"id"`
	FlowID      string         `json:"flow_id"      validate:"required"`
	NodeID      *string        `json:"node_id,omitempty"`
	ActionID    *string        `json:"action_id,omitempty"`
	TriggerType string         `json:"trigger_type" validate:"required"`
	TriggerArgs map[string]any `json:"trigger_args,omitempty"`
	JobHandle   string         `json:"job_handle"`
	Status      TriggerStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
