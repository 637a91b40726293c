// Package web provides HTTP request and response types for the flow API.
package web

import "github.com/flowforge/flowforge/pkg/models"

// CreateFlowRequest represents the request body for creating a flow.
type CreateFlowRequest struct {
	Name    string           `json:"name"     validate:"required,min=3"`
	OwnerID string           `json:"owner_id" validate:"required"`
	Spec    *models.FlowSpec `json:"spec"     validate:"required"`
}

// UpdateFlowRequest represents the request body for updating a flow.
// All fields are optional to support partial updates.
type UpdateFlowRequest struct {
	Name *string          `json:"name,omitempty" validate:"omitempty,min=3"`
	Spec *models.FlowSpec `json:"spec,omitempty"`
}

// RunFlowRequest represents the request body for running a persisted
// flow.
type RunFlowRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

// RunStepsRequest represents the request body for an ephemeral run of an
// ad-hoc step list.
type RunStepsRequest struct {
	StartID   string         `json:"start_id"             validate:"required"`
	Steps     []models.Step  `json:"steps"                validate:"required,min=1"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	UserID    string         `json:"user_id"              validate:"required"`
	SessionID *string        `json:"session_id,omitempty"`
	Simulate  bool           `json:"simulate"`
}
