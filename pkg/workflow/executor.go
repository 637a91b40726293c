// Package workflow implements the step-graph walker: per-step auth and
// template resolution, connector invocation with retry/timeout policy,
// and the execution ledger writes.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/flowforge/pkg/auth"
	"github.com/flowforge/flowforge/pkg/condition"
	"github.com/flowforge/flowforge/pkg/credentials"
	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/otelhelper"
	"github.com/flowforge/flowforge/pkg/persistence"
	"github.com/flowforge/flowforge/pkg/protocol"
	"github.com/flowforge/flowforge/pkg/template"
	"github.com/flowforge/flowforge/pkg/validation"
)

// RunOptions carries per-run settings for an execution.
type RunOptions struct {
	// UserID owns the credentials steps resolve against.
	UserID string

	// SessionID scopes credential lookup; nil selects global rows only.
	SessionID *string

	// Simulate forces simulate mode on every step regardless of the
	// step's own flag.
	Simulate bool
}

// Executor walks a flow graph strictly sequentially. Many executions run
// concurrently, one goroutine each; every suspension point (connector
// calls, ledger writes, backoff sleeps) observes ctx.
type Executor struct {
	persist   persistence.Persistence
	creds     *credentials.Store
	connector protocol.Connector
	validator *validation.Validator
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(persist persistence.Persistence, creds *credentials.Store, connector protocol.Connector, logger *slog.Logger) *Executor {
	return &Executor{
		persist:   persist,
		creds:     creds,
		connector: connector,
		validator: validation.New(),
		tracer:    otel.Tracer("flowforge.workflow"),
		logger:    logger.With("module", "workflow_executor"),
	}
}

// Execute runs a persisted flow: the spec is validated and compiled
// before any side effect, then walked from its start step.
func (e *Executor) Execute(ctx context.Context, flowID string, inputs map[string]any) (*models.FlowExecution, error) {
	flow, err := e.persist.Flows().GetByID(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flow %s: %w", flowID, err)
	}

	program, err := e.validator.ValidateFlowSpec(flow.Spec)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, program, &flow.ID, inputs, RunOptions{UserID: flow.OwnerID})
}

// ExecuteSteps runs an ad-hoc step list for ephemeral/preview execution.
// Per-step semantics (auth, retries, templating) are identical to
// Execute; only the full-spec validation gate is skipped.
func (e *Executor) ExecuteSteps(ctx context.Context, startID string, steps []models.Step, inputs map[string]any, opts RunOptions) (*models.FlowExecution, error) {
	if err := e.validator.ValidateSteps(steps); err != nil {
		return nil, err
	}

	program, err := validation.CompileSteps(startID, steps)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, program, nil, inputs, opts)
}

func (e *Executor) run(ctx context.Context, program *models.Program, flowID *string, inputs map[string]any, opts RunOptions) (*models.FlowExecution, error) {
	execution := &models.FlowExecution{
		ID:        "exec-" + uuid.New().String(),
		FlowID:    flowID,
		Inputs:    inputs,
		Status:    models.ExecutionStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	if err := e.persist.Executions().CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	execCtx := &models.ExecutionContext{
		ExecutionID: execution.ID,
		UserID:      opts.UserID,
		SessionID:   opts.SessionID,
		Inputs:      inputs,
		StepResults: make(map[string]models.StepResult),
	}

	if flowID != nil {
		execCtx.FlowID = *flowID
	}

	logger := e.logger.With("execution_id", execution.ID)
	if flowID != nil {
		logger = logger.With("flow_id", *flowID)
	}

	spanCtx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.execute",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.UserIDKey, opts.UserID),
	)
	defer span.End()

	ctx = spanCtx

	// One resolver per execution: its cache lives and dies with the run.
	resolver := auth.NewResolver(e.persist.AuthPolicies(), logger)

	logger.InfoContext(ctx, "Starting flow execution")

	idx := program.Start

	for idx != models.EndOfFlow {
		if err := ctx.Err(); err != nil {
			e.finish(execution, models.ExecutionStatusCancelled, "execution cancelled", execCtx)
			span.AddEvent("execution_cancelled")

			return execution, nil
		}

		compiled := &program.Steps[idx]
		step := &compiled.Step

		if step.IsBranch() {
			idx = e.evaluateBranch(ctx, compiled, execCtx, logger)

			continue
		}

		stepResult, err := e.executeStep(ctx, step, execCtx, resolver, opts, logger)
		if err != nil {
			// Auth resolution and ledger failures abort the run as an
			// engine error before or outside the connector call.
			otelhelper.SetError(span, err)
			e.finish(execution, models.ExecutionStatusError, err.Error(), execCtx)

			return execution, err
		}

		execCtx.StepResults[step.NodeID] = *stepResult

		if stepResult.Status != models.StepStatusSuccess {
			// A failure caused by the run's own context being cancelled
			// mid-call is a cancellation, not a step failure.
			if ctx.Err() != nil {
				e.finish(execution, models.ExecutionStatusCancelled, "execution cancelled", execCtx)
				span.AddEvent("execution_cancelled")

				return execution, nil
			}

			// A single failing step halts the walk; later steps never run.
			e.finish(execution, models.ExecutionStatusFailure, stepResult.Error, execCtx)

			return execution, nil
		}

		idx = compiled.Next
	}

	e.finish(execution, models.ExecutionStatusSuccess, "", execCtx)
	logger.InfoContext(ctx, "Flow execution completed", "status", execution.Status)

	return execution, nil
}

// evaluateBranch returns the index of the branch to follow. A condition
// that fails to evaluate routes to the false branch instead of aborting.
func (e *Executor) evaluateBranch(ctx context.Context, compiled *models.CompiledStep, execCtx *models.ExecutionContext, logger *slog.Logger) int {
	result, err := condition.Evaluate(compiled.Step.Condition, execCtx.TemplateData())
	if err != nil {
		logger.WarnContext(ctx, "Branch condition failed to evaluate, taking false branch",
			"node_id", compiled.Step.NodeID, "condition", compiled.Step.Condition, "error", err)

		return compiled.FalseIdx
	}

	if result {
		return compiled.TrueIdx
	}

	return compiled.FalseIdx
}

// executeStep runs one action step: auth, templating, connector call with
// retry/timeout, and the ledger writes. The returned error is reserved
// for failures outside the connector (auth resolution, ledger); connector
// failures after retry exhaustion come back as a StepResult with
// status=error.
func (e *Executor) executeStep(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, resolver *auth.Resolver, opts RunOptions, logger *slog.Logger) (*models.StepResult, error) {
	simulate := step.Simulate || opts.Simulate

	logger = logger.With("node_id", step.NodeID, "action_id", step.ActionID)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.step",
		attribute.String(otelhelper.NodeIDKey, step.NodeID),
		attribute.String(otelhelper.ActionIDKey, step.ActionID),
	)
	defer span.End()

	record := &models.ExecutionStep{
		ID:          uuid.New().String(),
		ExecutionID: execCtx.ExecutionID,
		NodeID:      step.NodeID,
		ActionID:    step.ActionID,
		Status:      models.StepStatusRunning,
		StartedAt:   time.Now().UTC(),
	}

	if err := e.persist.Executions().CreateStep(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record step %s: %w", step.NodeID, err)
	}

	creds, err := e.resolveStepAuth(ctx, step, resolver, opts, simulate)
	if err != nil {
		otelhelper.SetStepError(span, err, step.NodeID, step.ActionID)
		e.finishStep(record, models.StepStatusError, err.Error())

		return nil, err
	}

	params := template.ResolveParams(step.Params, execCtx)

	logger.InfoContext(ctx, "Executing step", "simulate", simulate)

	started := time.Now()

	result, err := e.invokeWithRetry(ctx, step, params, creds, simulate, logger)
	duration := time.Since(started).Milliseconds()

	if err != nil {
		otelhelper.SetStepError(span, err, step.NodeID, step.ActionID)
		e.finishStep(record, models.StepStatusError, err.Error())

		return &models.StepResult{
			Status:     models.StepStatusError,
			Error:      err.Error(),
			DurationMS: duration,
		}, nil
	}

	e.finishStep(record, models.StepStatusSuccess, "")

	return &models.StepResult{
		Output:     result.Output,
		Status:     models.StepStatusSuccess,
		DurationMS: duration,
	}, nil
}

// resolveStepAuth resolves the step's policy and credentials. Simulate
// mode never touches credentials. Missing policy or credentials abort the
// run before the connector is invoked.
func (e *Executor) resolveStepAuth(ctx context.Context, step *models.Step, resolver *auth.Resolver, opts RunOptions, simulate bool) (*models.CredentialData, error) {
	if step.DefaultAuth == "" || simulate {
		return nil, nil
	}

	resolution, err := resolver.ResolveForAction(ctx, step.ActionID, step.DefaultAuth)
	if err != nil {
		if models.IsAuthResolutionError(err) {
			return nil, err
		}

		return nil, &models.AuthResolutionError{AuthString: step.DefaultAuth, ActionID: step.ActionID, Err: err}
	}

	if resolution == nil {
		return nil, &models.AuthResolutionError{
			AuthString: step.DefaultAuth,
			ActionID:   step.ActionID,
			Err:        errors.New("no auth policy resolved"),
		}
	}

	serviceKey := resolution.Policy.Provider
	if resolution.Policy.Service != nil && *resolution.Policy.Service != "" {
		serviceKey = *resolution.Policy.Service
	}

	creds, err := e.creds.Get(ctx, opts.UserID, serviceKey, opts.SessionID)
	if err != nil {
		if models.IsEncryptionError(err) {
			return nil, err
		}

		return nil, &models.AuthResolutionError{AuthString: step.DefaultAuth, ActionID: step.ActionID, Err: err}
	}

	return creds, nil
}

// invokeWithRetry calls the connector up to retries+1 times with
// exponential backoff (2^attempt seconds) between attempts. The backoff
// sleep observes ctx so cancellation is not delayed.
func (e *Executor) invokeWithRetry(ctx context.Context, step *models.Step, params map[string]any, creds *models.CredentialData, simulate bool, logger *slog.Logger) (*protocol.ConnectorResult, error) {
	req := protocol.ConnectorRequest{
		NodeName:    step.Name,
		ActionName:  step.ActionID,
		Params:      params,
		Credentials: creds,
		Simulate:    simulate,
	}

	var lastErr error

	for attempt := 0; attempt <= step.Retries; attempt++ {
		result, err := e.invokeOnce(ctx, step, req)

		switch {
		case err != nil:
			lastErr = err
		case result.Status == protocol.ConnectorStatusError:
			lastErr = errors.New(result.Error)
		default:
			return result, nil
		}

		if attempt == step.Retries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		logger.WarnContext(ctx, "Step attempt failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", lastErr)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, &models.ConnectorError{
				NodeID:   step.NodeID,
				ActionID: step.ActionID,
				Attempts: attempt + 1,
				Err:      ctx.Err(),
			}
		}
	}

	return nil, &models.ConnectorError{
		NodeID:   step.NodeID,
		ActionID: step.ActionID,
		Attempts: step.Retries + 1,
		Err:      lastErr,
	}
}

// invokeOnce races the connector call against the step's timeout. A
// timeout counts as a failed attempt exactly like a connector error.
func (e *Executor) invokeOnce(ctx context.Context, step *models.Step, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
	if step.TimeoutMS != nil && *step.TimeoutMS > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(*step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	type outcome struct {
		result *protocol.ConnectorResult
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := e.connector.Execute(ctx, req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish applies the execution's single terminal transition and collects
// step outputs. A double transition is logged, not propagated: the first
// terminal status wins.
func (e *Executor) finish(execution *models.FlowExecution, status models.ExecutionStatus, errMsg string, execCtx *models.ExecutionContext) {
	outputs := make(map[string]any, len(execCtx.StepResults))
	for nodeID, result := range execCtx.StepResults {
		outputs[nodeID] = result.Output
	}

	execution.Status = status
	execution.Error = errMsg
	execution.Outputs = outputs

	endedAt := time.Now().UTC()
	execution.EndedAt = &endedAt

	// Terminal writes use a fresh context: the run's context may already
	// be cancelled and the ledger must still reach a terminal status.
	err := e.persist.Executions().FinishExecution(context.Background(), execution.ID, status, errMsg, outputs, endedAt)
	if err != nil && !errors.Is(err, persistence.ErrExecutionFinished) {
		e.logger.Error("Failed to persist terminal execution status",
			"execution_id", execution.ID, "status", status, "error", err)
	}
}

func (e *Executor) finishStep(record *models.ExecutionStep, status models.StepStatus, errMsg string) {
	record.Status = status
	record.Error = errMsg

	endedAt := time.Now().UTC()
	record.EndedAt = &endedAt

	err := e.persist.Executions().FinishStep(context.Background(), record.ID, status, errMsg, endedAt)
	if err != nil {
		e.logger.Error("Failed to persist step status",
			"step_id", record.ID, "status", status, "error", err)
	}
}
