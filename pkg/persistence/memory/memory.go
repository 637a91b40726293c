// Package memory provides an in-memory persistence implementation used by
// tests and single-process development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
)

// Persistence implements persistence.Persistence on top of maps guarded
// by a single mutex.
type Persistence struct {
	mu sync.RWMutex

	flows        map[string]*models.Flow
	executions   map[string]*models.FlowExecution
	steps        map[string][]*models.ExecutionStep
	credentials  map[credentialKey]*models.Credential
	policies     map[string]*models.AuthPolicy
	actionScopes map[string]*models.ActionAuthScope
	triggers     map[string]*models.Trigger
}

type credentialKey struct {
	userID    string
	serviceID string
	sessionID string // "" means global
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		flows:        make(map[string]*models.Flow),
		executions:   make(map[string]*models.FlowExecution),
		steps:        make(map[string][]*models.ExecutionStep),
		credentials:  make(map[credentialKey]*models.Credential),
		policies:     make(map[string]*models.AuthPolicy),
		actionScopes: make(map[string]*models.ActionAuthScope),
		triggers:     make(map[string]*models.Trigger),
	}
}

func (p *Persistence) Flows() persistence.FlowRepository               { return (*flowRepo)(p) }
func (p *Persistence) Executions() persistence.ExecutionRepository     { return (*executionRepo)(p) }
func (p *Persistence) Credentials() persistence.CredentialRepository   { return (*credentialRepo)(p) }
func (p *Persistence) AuthPolicies() persistence.AuthPolicyRepository  { return (*authPolicyRepo)(p) }
func (p *Persistence) Triggers() persistence.TriggerRepository         { return (*triggerRepo)(p) }
func (p *Persistence) HealthCheck(ctx context.Context) error           { return nil }
func (p *Persistence) Close(ctx context.Context) error                 { return nil }

type flowRepo Persistence

func (r *flowRepo) Create(ctx context.Context, flow *models.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *flow
	r.flows[flow.ID] = &copied

	return nil
}

func (r *flowRepo) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flow, ok := r.flows[id]
	if !ok {
		return nil, persistence.ErrFlowNotFound
	}

	copied := *flow

	return &copied, nil
}

func (r *flowRepo) ListByOwner(ctx context.Context, ownerID string) ([]*models.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flows := make([]*models.Flow, 0)

	for _, flow := range r.flows {
		if flow.OwnerID == ownerID {
			copied := *flow
			flows = append(flows, &copied)
		}
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].CreatedAt.Before(flows[j].CreatedAt) })

	return flows, nil
}

func (r *flowRepo) Update(ctx context.Context, flow *models.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.flows[flow.ID]; !ok {
		return persistence.ErrFlowNotFound
	}

	copied := *flow
	r.flows[flow.ID] = &copied

	return nil
}

func (r *flowRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.flows[id]; !ok {
		return persistence.ErrFlowNotFound
	}

	delete(r.flows, id)

	return nil
}

type executionRepo Persistence

func (r *executionRepo) CreateExecution(ctx context.Context, execution *models.FlowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *execution
	r.executions[execution.ID] = &copied

	return nil
}

func (r *executionRepo) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, errMsg string, outputs map[string]any, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return persistence.ErrExecutionNotFound
	}

	if execution.Status.IsTerminal() {
		return persistence.ErrExecutionFinished
	}

	execution.Status = status
	execution.Error = errMsg
	execution.Outputs = outputs
	execution.EndedAt = &endedAt

	return nil
}

func (r *executionRepo) ExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	copied := *execution

	return &copied, nil
}

func (r *executionRepo) ListByFlow(ctx context.Context, flowID string) ([]*models.FlowExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executions := make([]*models.FlowExecution, 0)

	for _, execution := range r.executions {
		if execution.FlowID != nil && *execution.FlowID == flowID {
			copied := *execution
			executions = append(executions, &copied)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})

	return executions, nil
}

func (r *executionRepo) CreateStep(ctx context.Context, step *models.ExecutionStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *step
	r.steps[step.ExecutionID] = append(r.steps[step.ExecutionID], &copied)

	return nil
}

func (r *executionRepo) FinishStep(ctx context.Context, id string, status models.StepStatus, errMsg string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, steps := range r.steps {
		for _, step := range steps {
			if step.ID == id {
				step.Status = status
				step.Error = errMsg
				step.EndedAt = &endedAt

				return nil
			}
		}
	}

	return persistence.ErrStepNotFound
}

func (r *executionRepo) StepsByExecution(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps := make([]*models.ExecutionStep, 0, len(r.steps[executionID]))

	for _, step := range r.steps[executionID] {
		copied := *step
		steps = append(steps, &copied)
	}

	return steps, nil
}

type credentialRepo Persistence

func key(userID, serviceID string, sessionID *string) credentialKey {
	k := credentialKey{userID: userID, serviceID: serviceID}
	if sessionID != nil {
		k.sessionID = *sessionID
	}

	return k
}

func (r *credentialRepo) Get(ctx context.Context, userID, serviceID string, sessionID *string) (*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	credential, ok := r.credentials[key(userID, serviceID, sessionID)]
	if !ok {
		return nil, persistence.ErrCredentialNotFound
	}

	copied := *credential

	return &copied, nil
}

func (r *credentialRepo) Create(ctx context.Context, credential *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(credential.UserID, credential.ServiceID, credential.SessionID)
	if _, ok := r.credentials[k]; ok {
		return persistence.ErrCredentialExists
	}

	copied := *credential
	copied.Version = 1
	r.credentials[k] = &copied

	return nil
}

func (r *credentialRepo) Update(ctx context.Context, credential *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(credential.UserID, credential.ServiceID, credential.SessionID)

	existing, ok := r.credentials[k]
	if !ok {
		return persistence.ErrCredentialNotFound
	}

	// Version 0 means last-write-wins; a non-zero version enables the
	// optimistic check.
	if credential.Version != 0 && credential.Version != existing.Version {
		return persistence.ErrVersionConflict
	}

	copied := *credential
	copied.Version = existing.Version + 1
	r.credentials[k] = &copied

	return nil
}

func (r *credentialRepo) Delete(ctx context.Context, userID, serviceID string, sessionID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(userID, serviceID, sessionID)
	if _, ok := r.credentials[k]; !ok {
		return persistence.ErrCredentialNotFound
	}

	delete(r.credentials, k)

	return nil
}

type authPolicyRepo Persistence

func (r *authPolicyRepo) ByAuthString(ctx context.Context, authString string) (*models.AuthPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, policy := range r.policies {
		if policy.AuthString() == authString {
			copied := *policy

			return &copied, nil
		}
	}

	return nil, persistence.ErrPolicyNotFound
}

func (r *authPolicyRepo) ByID(ctx context.Context, id string) (*models.AuthPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policy, ok := r.policies[id]
	if !ok {
		return nil, persistence.ErrPolicyNotFound
	}

	copied := *policy

	return &copied, nil
}

func (r *authPolicyRepo) ProvidersFor(ctx context.Context, serviceID string, mechanism models.AuthMechanism) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]string, 0)

	for _, policy := range r.policies {
		if policy.Mechanism != mechanism {
			continue
		}

		if policy.Service != nil && *policy.Service == serviceID {
			providers = append(providers, policy.Provider)
		}
	}

	sort.Strings(providers)

	return providers, nil
}

func (r *authPolicyRepo) Save(ctx context.Context, policy *models.AuthPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *policy
	r.policies[policy.ID] = &copied

	return nil
}

func (r *authPolicyRepo) ActionScope(ctx context.Context, actionID string) (*models.ActionAuthScope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scope, ok := r.actionScopes[actionID]
	if !ok {
		return nil, persistence.ErrActionScopeNotFound
	}

	copied := *scope

	return &copied, nil
}

func (r *authPolicyRepo) SaveActionScope(ctx context.Context, scope *models.ActionAuthScope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *scope
	r.actionScopes[scope.ActionID] = &copied

	return nil
}

type triggerRepo Persistence

func (r *triggerRepo) Create(ctx context.Context, trigger *models.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *trigger
	r.triggers[trigger.ID] = &copied

	return nil
}

func (r *triggerRepo) ActiveByFlow(ctx context.Context, flowID string) ([]*models.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	triggers := make([]*models.Trigger, 0)

	for _, trigger := range r.triggers {
		if trigger.FlowID == flowID && trigger.Status == models.TriggerStatusActive {
			copied := *trigger
			triggers = append(triggers, &copied)
		}
	}

	sort.Slice(triggers, func(i, j int) bool { return triggers[i].CreatedAt.Before(triggers[j].CreatedAt) })

	return triggers, nil
}

func (r *triggerRepo) ActiveAll(ctx context.Context) ([]*models.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	triggers := make([]*models.Trigger, 0)

	for _, trigger := range r.triggers {
		if trigger.Status == models.TriggerStatusActive {
			copied := *trigger
			triggers = append(triggers, &copied)
		}
	}

	return triggers, nil
}

func (r *triggerRepo) MarkRemoved(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	trigger, ok := r.triggers[id]
	if !ok {
		return persistence.ErrTriggerNotFound
	}

	trigger.Status = models.TriggerStatusRemoved
	trigger.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *triggerRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.triggers[id]; !ok {
		return persistence.ErrTriggerNotFound
	}

	delete(r.triggers, id)

	return nil
}
