package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/pkg/credentials"
	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence/memory"
	"github.com/flowforge/flowforge/pkg/protocol"
	"github.com/flowforge/flowforge/pkg/secrets"
)

type fakeConnector struct {
	mu      sync.Mutex
	calls   []protocol.ConnectorRequest
	handler func(ctx context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error)
}

func (f *fakeConnector) Execute(ctx context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.handler != nil {
		return f.handler(ctx, req)
	}

	return &protocol.ConnectorResult{
		Status: protocol.ConnectorStatusSuccess,
		Output: map[string]any{"action": req.ActionName},
	}, nil
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *fakeConnector) call(i int) protocol.ConnectorRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[i]
}

func strPtr(s string) *string { return &s }

func newTestExecutor(t *testing.T, conn protocol.Connector) (*Executor, *memory.Persistence) {
	t.Helper()

	persist := memory.NewPersistence()

	encryptor, err := secrets.NewEncryptor("test-secret")
	require.NoError(t, err)

	store := credentials.NewStore(persist.Credentials(), encryptor, false, slog.Default())

	return NewExecutor(persist, store, conn, slog.Default()), persist
}

func seedFlow(t *testing.T, persist *memory.Persistence, spec *models.FlowSpec) *models.Flow {
	t.Helper()

	flow := &models.Flow{
		ID:      "flow-1",
		Name:    "test flow",
		OwnerID: "user-1",
		Spec:    spec,
	}
	require.NoError(t, persist.Flows().Create(context.Background(), flow))

	return flow
}

func TestExecute_LinearFlowSucceeds(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.one", Next: strPtr("s2")},
			{NodeID: "s2", Type: models.StepTypeAction, ActionID: "a.two"},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", map[string]any{"x": 1})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, 2, conn.callCount())
	assert.Contains(t, execution.Outputs, "s1")
	assert.Contains(t, execution.Outputs, "s2")

	persisted, err := persist.Executions().ExecutionByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, persisted.Status)
	require.NotNil(t, persisted.EndedAt)

	steps, err := persist.Executions().StepsByExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusSuccess, steps[0].Status)
	assert.Equal(t, models.StepStatusSuccess, steps[1].Status)
}

func TestExecute_UnknownFlow(t *testing.T) {
	t.Parallel()

	executor, _ := newTestExecutor(t, &fakeConnector{})

	_, err := executor.Execute(context.Background(), "ghost", nil)
	require.Error(t, err)
}

func TestExecute_InvalidSpecHasNoSideEffects(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a", Next: strPtr("missing")},
		},
	})

	_, err := executor.Execute(context.Background(), "flow-1", nil)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
	assert.Equal(t, 0, conn.callCount())

	executions, err := persist.Executions().ListByFlow(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Empty(t, executions)
}

func TestExecute_FailingStepHaltsWalk(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{
		handler: func(_ context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
			if req.ActionName == "a.boom" {
				return &protocol.ConnectorResult{
					Status: protocol.ConnectorStatusError,
					Error:  "upstream exploded",
				}, nil
			}

			return &protocol.ConnectorResult{Status: protocol.ConnectorStatusSuccess}, nil
		},
	}

	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.boom", Next: strPtr("s2")},
			{NodeID: "s2", Type: models.StepTypeAction, ActionID: "a.after"},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailure, execution.Status)
	assert.Contains(t, execution.Error, "upstream exploded")
	assert.Equal(t, 1, conn.callCount())
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0

	conn := &fakeConnector{
		handler: func(_ context.Context, _ protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient")
			}

			return &protocol.ConnectorResult{Status: protocol.ConnectorStatusSuccess}, nil
		},
	}

	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.flaky", Retries: 1},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, 2, attempts)
}

func TestExecute_RetryExhaustionIsFailure(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{
		handler: func(_ context.Context, _ protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
			return nil, errors.New("always broken")
		},
	}

	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.broken", Retries: 1},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailure, execution.Status)
	// Retries=1 means two attempts total.
	assert.Equal(t, 2, conn.callCount())
	assert.Contains(t, execution.Error, "2 attempt")
}

func TestExecute_BranchRouting(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "b1",
		Steps: []models.Step{
			{NodeID: "b1", Type: models.StepTypeBranch, Condition: "inputs.count > 3", NextOnTrue: "high", NextOnFalse: "low"},
			{NodeID: "high", Type: models.StepTypeAction, ActionID: "a.high"},
			{NodeID: "low", Type: models.StepTypeAction, ActionID: "a.low"},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", map[string]any{"count": float64(5)})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	require.Equal(t, 1, conn.callCount())
	assert.Equal(t, "a.high", conn.call(0).ActionName)
}

func TestExecute_BranchEvaluationErrorTakesFalsePath(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "b1",
		Steps: []models.Step{
			{NodeID: "b1", Type: models.StepTypeBranch, Condition: `inputs.count > "oops"`, NextOnTrue: "high", NextOnFalse: "low"},
			{NodeID: "high", Type: models.StepTypeAction, ActionID: "a.high"},
			{NodeID: "low", Type: models.StepTypeAction, ActionID: "a.low"},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", map[string]any{"count": float64(5)})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	require.Equal(t, 1, conn.callCount())
	assert.Equal(t, "a.low", conn.call(0).ActionName)
}

func TestExecute_TemplatedParams(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{
		handler: func(_ context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
			if req.ActionName == "a.fetch" {
				return &protocol.ConnectorResult{
					Status: protocol.ConnectorStatusSuccess,
					Output: map[string]any{"id": float64(7)},
				}, nil
			}

			return &protocol.ConnectorResult{Status: protocol.ConnectorStatusSuccess}, nil
		},
	}

	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.fetch", Next: strPtr("s2")},
			{
				NodeID:   "s2",
				Type:     models.StepTypeAction,
				ActionID: "a.use",
				Params: map[string]any{
					"target": "{{s1.output.id}}",
					"url":    "https://example.com/{{s1.output.id}}",
				},
			},
		},
	})

	_, err := executor.Execute(context.Background(), "flow-1", nil)
	require.NoError(t, err)

	require.Equal(t, 2, conn.callCount())
	assert.Equal(t, float64(7), conn.call(1).Params["target"])
	assert.Equal(t, "https://example.com/7", conn.call(1).Params["url"])
}

func TestExecute_MissingCredentialsIsTerminalError(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	require.NoError(t, persist.AuthPolicies().Save(context.Background(), &models.AuthPolicy{
		ID:        "pol-1",
		Provider:  "slack",
		Mechanism: models.MechanismBotToken,
	}))

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "slack.post", DefaultAuth: "bot_token_slack"},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", nil)
	require.Error(t, err)
	assert.True(t, models.IsAuthResolutionError(err))

	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	assert.Equal(t, 0, conn.callCount())
}

func TestExecute_CredentialsReachConnector(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)
	ctx := context.Background()

	require.NoError(t, persist.AuthPolicies().Save(ctx, &models.AuthPolicy{
		ID:        "pol-1",
		Provider:  "slack",
		Mechanism: models.MechanismBotToken,
	}))

	encryptor, err := secrets.NewEncryptor("test-secret")
	require.NoError(t, err)

	store := credentials.NewStore(persist.Credentials(), encryptor, false, slog.Default())
	require.NoError(t, store.Create(ctx, "user-1", "slack", credentials.Data{AccessToken: "xoxb-1"}, nil))

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "slack.post", DefaultAuth: "bot_token_slack"},
		},
	})

	execution, err := executor.Execute(ctx, "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	require.Equal(t, 1, conn.callCount())
	require.NotNil(t, conn.call(0).Credentials)
	assert.Equal(t, "xoxb-1", conn.call(0).Credentials.AccessToken)
}

func TestExecute_SimulateSkipsCredentials(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "slack.post", DefaultAuth: "bot_token_slack", Simulate: true},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	require.Equal(t, 1, conn.callCount())
	assert.True(t, conn.call(0).Simulate)
	assert.Nil(t, conn.call(0).Credentials)
}

func TestExecute_StepTimeoutCountsAsFailedAttempt(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{
		handler: func(ctx context.Context, _ protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return &protocol.ConnectorResult{Status: protocol.ConnectorStatusSuccess}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	executor, persist := newTestExecutor(t, conn)

	timeout := int64(50)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.slow", TimeoutMS: &timeout},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailure, execution.Status)
	assert.Contains(t, execution.Error, "deadline")
}

func TestExecute_CancelledContext(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.one"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	execution, err := executor.Execute(ctx, "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, 0, conn.callCount())

	persisted, perr := persist.Executions().ExecutionByID(context.Background(), execution.ID)
	require.NoError(t, perr)
	assert.Equal(t, models.ExecutionStatusCancelled, persisted.Status)
}

func TestExecute_CancelledDuringConnectorCall(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{
		handler: func(ctx context.Context, _ protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		},
	}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.block", Next: strPtr("s2")},
			{NodeID: "s2", Type: models.StepTypeAction, ActionID: "a.after"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	execution, err := executor.Execute(ctx, "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, 1, conn.callCount())

	persisted, perr := persist.Executions().ExecutionByID(context.Background(), execution.ID)
	require.NoError(t, perr)
	assert.Equal(t, models.ExecutionStatusCancelled, persisted.Status)
}

func TestExecute_BranchObjectComparisonTakesFalsePath(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	seedFlow(t, persist, &models.FlowSpec{
		StartID: "s1",
		Steps: []models.Step{
			{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.one", Next: strPtr("s2")},
			{NodeID: "s2", Type: models.StepTypeAction, ActionID: "a.two", Next: strPtr("b1")},
			{NodeID: "b1", Type: models.StepTypeBranch, Condition: "s1.output == s2.output", NextOnTrue: "high", NextOnFalse: "low"},
			{NodeID: "high", Type: models.StepTypeAction, ActionID: "a.high"},
			{NodeID: "low", Type: models.StepTypeAction, ActionID: "a.low"},
		},
	})

	execution, err := executor.Execute(context.Background(), "flow-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	require.Equal(t, 3, conn.callCount())
	assert.Equal(t, "a.low", conn.call(2).ActionName)
}

func TestExecuteSteps_EphemeralRun(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, persist := newTestExecutor(t, conn)

	steps := []models.Step{
		{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.one", Next: strPtr("s2")},
		{NodeID: "s2", Type: models.StepTypeAction, ActionID: "a.two"},
	}

	execution, err := executor.ExecuteSteps(context.Background(), "s1", steps, nil, RunOptions{UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Nil(t, execution.FlowID)
	assert.Equal(t, 2, conn.callCount())

	// Ephemeral runs are ledgered like any other execution.
	persisted, err := persist.Executions().ExecutionByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, persisted.Status)
}

func TestExecuteSteps_UnresolvedNextEndsWalk(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	executor, _ := newTestExecutor(t, conn)

	steps := []models.Step{
		{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a.one", Next: strPtr("missing")},
	}

	execution, err := executor.ExecuteSteps(context.Background(), "s1", steps, nil, RunOptions{UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, 1, conn.callCount())
}
