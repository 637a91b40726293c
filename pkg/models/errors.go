// Package models provides the typed error taxonomy shared across the engine.
package models

import (
	"errors"
	"fmt"
)

// ValidationError indicates a malformed flow spec. It is raised before any
// execution side effects.
type ValidationError struct {
	NodeID string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("invalid flow spec: step %s: %s", e.NodeID, e.Detail)
	}

	return "invalid flow spec: " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error for the given step.
func NewValidationError(nodeID, detail string) *ValidationError {
	return &ValidationError{NodeID: nodeID, Detail: detail}
}

// AuthResolutionError indicates no policy or credentials could be resolved
// for a step. Execution halts before the connector is invoked.
type AuthResolutionError struct {
	AuthString string
	ActionID   string
	Err        error
}

func (e *AuthResolutionError) Error() string {
	target := e.AuthString
	if target == "" {
		target = e.ActionID
	}

	return fmt.Sprintf("auth resolution failed for %q: %v", target, e.Err)
}

func (e *AuthResolutionError) Unwrap() error { return e.Err }

// ConnectorError indicates the action connector failed after the step's
// retry budget was exhausted.
type ConnectorError struct {
	NodeID   string
	ActionID string
	Attempts int
	Err      error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector failed for step %s (action %s) after %d attempt(s): %v",
		e.NodeID, e.ActionID, e.Attempts, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// SchedulingError indicates a scheduler registration or cancellation
// failure. The orchestrator compensates partially-applied state before
// surfacing it.
type SchedulingError struct {
	Op     string
	FlowID string
	Err    error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("%s failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// EncryptionError indicates malformed ciphertext or a failed AEAD
// operation. It is always surfaced, never swallowed.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption %s failed: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError

	return errors.As(err, &target)
}

// IsAuthResolutionError reports whether err is or wraps an AuthResolutionError.
func IsAuthResolutionError(err error) bool {
	var target *AuthResolutionError

	return errors.As(err, &target)
}

// IsConnectorError reports whether err is or wraps a ConnectorError.
func IsConnectorError(err error) bool {
	var target *ConnectorError

	return errors.As(err, &target)
}

// IsSchedulingError reports whether err is or wraps a SchedulingError.
func IsSchedulingError(err error) bool {
	var target *SchedulingError

	return errors.As(err, &target)
}

// IsEncryptionError reports whether err is or wraps an EncryptionError.
func IsEncryptionError(err error) bool {
	var target *EncryptionError

	return errors.As(err, &target)
}
