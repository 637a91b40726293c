package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/pkg/connector"
	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
	"github.com/flowforge/flowforge/pkg/protocol"
)

// Orchestrator activates and deactivates flow triggers, keeping the set
// of live scheduler jobs and the set of active trigger rows in lockstep.
// Activation is all-or-nothing: a database failure after job registration
// compensates by cancelling the job.
type Orchestrator struct {
	persist   persistence.Persistence
	registry  *Registry
	connector protocol.Connector
	logger    *slog.Logger

	mu      sync.Mutex
	userMus map[string]*sync.Mutex
}

func NewOrchestrator(persist persistence.Persistence, registry *Registry, conn protocol.Connector, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		persist:   persist,
		registry:  registry,
		connector: conn,
		logger:    logger.With("module", "trigger_orchestrator"),
		userMus:   make(map[string]*sync.Mutex),
	}
}

// userLock serializes trigger mutations per flow owner. Concurrent
// activations for the same user cannot interleave; different users
// proceed in parallel.
func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	mu, ok := o.userMus[userID]
	if !ok {
		mu = &sync.Mutex{}
		o.userMus[userID] = mu
	}

	return mu
}

// Schedule activates the flow's trigger. Re-scheduling an already active
// flow is idempotent: existing jobs are torn down first, leaving exactly
// one active trigger row and one live job.
func (o *Orchestrator) Schedule(ctx context.Context, flow *models.Flow) error {
	mu := o.userLock(flow.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	if flow.Spec == nil || len(flow.Spec.Steps) == 0 {
		return &models.SchedulingError{
			Op:     "schedule",
			FlowID: flow.ID,
			Err:    errors.New("flow has no steps"),
		}
	}

	first, err := startStep(flow.Spec)
	if err != nil {
		return &models.SchedulingError{Op: "schedule", FlowID: flow.ID, Err: err}
	}

	if first.IsFallback() {
		return &models.SchedulingError{
			Op:     "schedule",
			FlowID: flow.ID,
			Err:    fmt.Errorf("flow starts with placeholder step %s", first.NodeID),
		}
	}

	if !strings.HasPrefix(first.ActionID, connector.TriggerActionPrefix) {
		return &models.SchedulingError{
			Op:     "schedule",
			FlowID: flow.ID,
			Err:    fmt.Errorf("first step %s is not a trigger action", first.NodeID),
		}
	}

	triggerType, triggerArgs, err := o.resolveTrigger(ctx, flow, first)
	if err != nil {
		return err
	}

	handler, err := o.registry.Handler(triggerType)
	if err != nil {
		return &models.SchedulingError{Op: "schedule", FlowID: flow.ID, Err: err}
	}

	if err := o.unscheduleLocked(ctx, flow.ID); err != nil {
		return err
	}

	handle, err := handler.Register(ctx, flow.ID, triggerArgs)
	if err != nil {
		return &models.SchedulingError{Op: "schedule", FlowID: flow.ID, Err: err}
	}

	row := &models.Trigger{
		ID:          uuid.New().String(),
		FlowID:      flow.ID,
		NodeID:      &first.NodeID,
		ActionID:    &first.ActionID,
		TriggerType: triggerType,
		TriggerArgs: triggerArgs,
		JobHandle:   handle,
		Status:      models.TriggerStatusActive,
	}

	if err := o.persist.Triggers().Create(ctx, row); err != nil {
		// Compensate: the job must not outlive the failed row.
		if cancelErr := handler.Cancel(ctx, handle); cancelErr != nil {
			o.logger.ErrorContext(ctx, "Failed to cancel job while compensating",
				"flow_id", flow.ID, "handle", handle, "error", cancelErr)
		}

		return &models.SchedulingError{Op: "schedule", FlowID: flow.ID, Err: err}
	}

	o.logger.InfoContext(ctx, "Scheduled trigger",
		"flow_id", flow.ID, "trigger_type", triggerType, "handle", handle)

	return nil
}

// resolveTrigger runs the flow's trigger step through the connector in
// simulate mode; trigger actions emit their type and resolved args as
// output.
func (o *Orchestrator) resolveTrigger(ctx context.Context, flow *models.Flow, step *models.Step) (string, map[string]any, error) {
	result, err := o.connector.Execute(ctx, protocol.ConnectorRequest{
		NodeName:   step.Name,
		ActionName: step.ActionID,
		Params:     step.Params,
		Simulate:   true,
	})
	if err != nil {
		return "", nil, &models.SchedulingError{Op: "schedule", FlowID: flow.ID, Err: err}
	}

	output, ok := result.Output.(map[string]any)
	if !ok {
		return "", nil, &models.SchedulingError{
			Op:     "schedule",
			FlowID: flow.ID,
			Err:    fmt.Errorf("trigger action %s produced no trigger definition", step.ActionID),
		}
	}

	triggerType, _ := output["trigger_type"].(string)
	if triggerType == "" {
		return "", nil, &models.SchedulingError{
			Op:     "schedule",
			FlowID: flow.ID,
			Err:    fmt.Errorf("trigger action %s did not declare a trigger type", step.ActionID),
		}
	}

	args, _ := output["trigger_args"].(map[string]any)

	return triggerType, args, nil
}

// Unschedule deactivates all triggers for the flow. A flow with no
// active triggers is a no-op. The row is deleted only after its job has
// been cancelled, so a cancel failure leaves the pair intact for a later
// retry instead of leaking a live job with no record.
func (o *Orchestrator) Unschedule(ctx context.Context, flow *models.Flow) error {
	mu := o.userLock(flow.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	return o.unscheduleLocked(ctx, flow.ID)
}

func (o *Orchestrator) unscheduleLocked(ctx context.Context, flowID string) error {
	rows, err := o.persist.Triggers().ActiveByFlow(ctx, flowID)
	if err != nil {
		return &models.SchedulingError{Op: "unschedule", FlowID: flowID, Err: err}
	}

	for _, row := range rows {
		handler, err := o.registry.Handler(row.TriggerType)
		if err != nil {
			return &models.SchedulingError{Op: "unschedule", FlowID: flowID, Err: err}
		}

		if err := handler.Cancel(ctx, row.JobHandle); err != nil {
			return &models.SchedulingError{
				Op:     "unschedule",
				FlowID: flowID,
				Err:    fmt.Errorf("failed to cancel job %s: %w", row.JobHandle, err),
			}
		}

		if err := o.persist.Triggers().Delete(ctx, row.ID); err != nil {
			return &models.SchedulingError{Op: "unschedule", FlowID: flowID, Err: err}
		}

		o.logger.InfoContext(ctx, "Unscheduled trigger",
			"flow_id", flowID, "trigger_id", row.ID, "handle", row.JobHandle)
	}

	return nil
}

// Reconcile repairs drift between trigger rows and live jobs: rows whose
// job has vanished are re-registered, and live jobs with no row are
// cancelled. Intended to run periodically and at startup.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	rows, err := o.persist.Triggers().ActiveAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active triggers: %w", err)
	}

	rowsByHandle := make(map[string]*models.Trigger, len(rows))
	for _, row := range rows {
		rowsByHandle[row.JobHandle] = row
	}

	var errs []error

	for _, triggerType := range o.registry.Types() {
		handler, err := o.registry.Handler(triggerType)
		if err != nil {
			continue
		}

		live, err := handler.Active(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s jobs: %w", triggerType, err))

			continue
		}

		liveSet := make(map[string]bool, len(live))

		for _, handle := range live {
			liveSet[handle] = true

			if rowsByHandle[handle] == nil {
				o.logger.WarnContext(ctx, "Cancelling orphan job", "type", triggerType, "handle", handle)

				if err := handler.Cancel(ctx, handle); err != nil {
					errs = append(errs, fmt.Errorf("failed to cancel orphan job %s: %w", handle, err))
				}
			}
		}

		for _, row := range rows {
			if row.TriggerType != triggerType || liveSet[row.JobHandle] {
				continue
			}

			if err := o.reRegister(ctx, handler, row); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// reRegister replaces a trigger row whose job has vanished: a fresh job
// and row go in before the stale row is retired.
func (o *Orchestrator) reRegister(ctx context.Context, handler protocol.TriggerHandler, stale *models.Trigger) error {
	o.logger.WarnContext(ctx, "Re-registering trigger with vanished job",
		"flow_id", stale.FlowID, "trigger_id", stale.ID, "handle", stale.JobHandle)

	handle, err := handler.Register(ctx, stale.FlowID, stale.TriggerArgs)
	if err != nil {
		return fmt.Errorf("failed to re-register trigger %s: %w", stale.ID, err)
	}

	fresh := &models.Trigger{
		ID:          uuid.New().String(),
		FlowID:      stale.FlowID,
		NodeID:      stale.NodeID,
		ActionID:    stale.ActionID,
		TriggerType: stale.TriggerType,
		TriggerArgs: stale.TriggerArgs,
		JobHandle:   handle,
		Status:      models.TriggerStatusActive,
	}

	if err := o.persist.Triggers().Create(ctx, fresh); err != nil {
		if cancelErr := handler.Cancel(ctx, handle); cancelErr != nil {
			o.logger.ErrorContext(ctx, "Failed to cancel job while compensating",
				"handle", handle, "error", cancelErr)
		}

		return fmt.Errorf("failed to store re-registered trigger for flow %s: %w", stale.FlowID, err)
	}

	if err := o.persist.Triggers().MarkRemoved(ctx, stale.ID); err != nil {
		return fmt.Errorf("failed to retire stale trigger %s: %w", stale.ID, err)
	}

	return nil
}

func startStep(spec *models.FlowSpec) (*models.Step, error) {
	for i := range spec.Steps {
		if spec.Steps[i].NodeID == spec.StartID {
			return &spec.Steps[i], nil
		}
	}

	return nil, fmt.Errorf("start step %s not found", spec.StartID)
}
