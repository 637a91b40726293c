// Package models defines the core domain models for flow automation.
package models

import "time"

// Flow represents a saved, user-owned automation: a step graph plus metadata.
type Flow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"       validate:"required,min=3"`
	OwnerID   string    `json:"owner_id"   validate:"required"`
	Spec      *FlowSpec `json:"spec"       validate:"required"`
	IsActive  bool      `json:"is_active"`
	TriggerID *string   `json:"trigger_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowSpec is the executable step graph of a flow. StartID must reference
// one of the declared steps.
type FlowSpec struct {
	StartID string `json:"start_id" validate:"required"`
	Steps   []Step `json:"steps"    validate:"required,min=1"`
}
