// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionFinished indicates a second terminal transition was
	// attempted on an already finished execution.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrStepNotFound indicates an execution step was not found.
	ErrStepNotFound = errors.New("execution step not found")

	// ErrCredentialNotFound indicates no credential row matched.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialExists indicates a credential row already exists for
	// the given (user, service, session) key.
	ErrCredentialExists = errors.New("credential already exists")

	// ErrVersionConflict indicates an optimistic version check failed on
	// a credential update.
	ErrVersionConflict = errors.New("credential version conflict")

	// ErrPolicyNotFound indicates no auth policy matched.
	ErrPolicyNotFound = errors.New("auth policy not found")

	// ErrActionScopeNotFound indicates no action auth scope matched.
	ErrActionScopeNotFound = errors.New("action auth scope not found")

	// ErrTriggerNotFound indicates a trigger row was not found.
	ErrTriggerNotFound = errors.New("trigger not found")
)

// OpError wraps a storage error with the operation and entity it failed on.
type OpError struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError creates an OpError.
func NewOpError(op, entity, id string, err error) *OpError {
	return &OpError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrCredentialNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrActionScopeNotFound) ||
		errors.Is(err, ErrTriggerNotFound)
}
