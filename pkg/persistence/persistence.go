// Package persistence provides the data storage abstraction for flows,
// the execution ledger, credentials, auth policies and triggers.
package persistence

import (
	"context"
	"time"

	"github.com/flowforge/flowforge/pkg/models"
)

// Persistence bundles the repositories one backend provides.
type Persistence interface {
	Flows() FlowRepository
	Executions() ExecutionRepository
	Credentials() CredentialRepository
	AuthPolicies() AuthPolicyRepository
	Triggers() TriggerRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository stores flow definitions.
type FlowRepository interface {
	Create(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Flow, error)
	Update(ctx context.Context, flow *models.Flow) error
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository is the execution ledger: it records executions and
// their per-step results, and enforces that each execution takes exactly
// one terminal transition.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *models.FlowExecution) error
	FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, errMsg string, outputs map[string]any, endedAt time.Time) error
	ExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error)
	ListByFlow(ctx context.Context, flowID string) ([]*models.FlowExecution, error)

	CreateStep(ctx context.Context, step *models.ExecutionStep) error
	FinishStep(ctx context.Context, id string, status models.StepStatus, errMsg string, endedAt time.Time) error
	StepsByExecution(ctx context.Context, executionID string) ([]*models.ExecutionStep, error)
}

// CredentialRepository stores encrypted credential rows. Lookup is by
// (user, service, session); sessionID nil selects the global row.
type CredentialRepository interface {
	Get(ctx context.Context, userID, serviceID string, sessionID *string) (*models.Credential, error)
	Create(ctx context.Context, credential *models.Credential) error
	Update(ctx context.Context, credential *models.Credential) error
	Delete(ctx context.Context, userID, serviceID string, sessionID *string) error
}

// AuthPolicyRepository stores auth policies and action scope bindings.
type AuthPolicyRepository interface {
	ByAuthString(ctx context.Context, authString string) (*models.AuthPolicy, error)
	ByID(ctx context.Context, id string) (*models.AuthPolicy, error)
	ProvidersFor(ctx context.Context, serviceID string, mechanism models.AuthMechanism) ([]string, error)
	Save(ctx context.Context, policy *models.AuthPolicy) error

	ActionScope(ctx context.Context, actionID string) (*models.ActionAuthScope, error)
	SaveActionScope(ctx context.Context, scope *models.ActionAuthScope) error
}

// TriggerRepository stores trigger rows.
type TriggerRepository interface {
	Create(ctx context.Context, trigger *models.Trigger) error
	ActiveByFlow(ctx context.Context, flowID string) ([]*models.Trigger, error)
	ActiveAll(ctx context.Context) ([]*models.Trigger, error)
	MarkRemoved(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
