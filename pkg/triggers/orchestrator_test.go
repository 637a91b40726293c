package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
	"github.com/flowforge/flowforge/pkg/persistence/memory"
	"github.com/flowforge/flowforge/pkg/protocol"
)

type fakeHandler struct {
	typ        string
	failCancel bool

	mu        sync.Mutex
	seq       int
	jobs      map[string]string
	cancelled []string
}

func newFakeHandler(typ string) *fakeHandler {
	return &fakeHandler{typ: typ, jobs: make(map[string]string)}
}

func (h *fakeHandler) Type() string { return h.typ }

func (h *fakeHandler) Register(_ context.Context, flowID string, _ map[string]any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	handle := fmt.Sprintf("%s-job-%d", h.typ, h.seq)
	h.jobs[handle] = flowID

	return handle, nil
}

func (h *fakeHandler) Cancel(_ context.Context, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failCancel {
		return errors.New("cancel refused")
	}

	if _, ok := h.jobs[handle]; !ok {
		return fmt.Errorf("unknown handle %s", handle)
	}

	delete(h.jobs, handle)
	h.cancelled = append(h.cancelled, handle)

	return nil
}

func (h *fakeHandler) Active(_ context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	handles := make([]string, 0, len(h.jobs))
	for handle := range h.jobs {
		handles = append(handles, handle)
	}

	return handles, nil
}

func (h *fakeHandler) liveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.jobs)
}

func (h *fakeHandler) dropJob(handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.jobs, handle)
}

// triggerConnector answers trigger.* actions with a schedule definition.
type triggerConnector struct{}

func (triggerConnector) Execute(_ context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
	return &protocol.ConnectorResult{
		Status: protocol.ConnectorStatusSuccess,
		Output: map[string]any{
			"trigger_type": "schedule",
			"trigger_args": map[string]any{"cron": "0 * * * *"},
		},
	}, nil
}

func scheduledFlow(id string) *models.Flow {
	return &models.Flow{
		ID:      id,
		Name:    "scheduled",
		OwnerID: "user-1",
		Spec: &models.FlowSpec{
			StartID: "t1",
			Steps: []models.Step{
				{NodeID: "t1", Type: models.StepTypeAction, ActionID: "trigger.schedule", Params: map[string]any{"cron": "0 * * * *"}},
			},
		},
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memory.Persistence, *fakeHandler) {
	t.Helper()

	persist := memory.NewPersistence()
	registry := NewRegistry(slog.Default())

	handler := newFakeHandler("schedule")
	registry.RegisterHandler(handler)

	return NewOrchestrator(persist, registry, triggerConnector{}, slog.Default()), persist, handler
}

func TestSchedule_CreatesRowAndJob(t *testing.T) {
	t.Parallel()

	orch, persist, handler := newTestOrchestrator(t)
	ctx := context.Background()

	err := orch.Schedule(ctx, scheduledFlow("flow-1"))
	require.NoError(t, err)

	rows, err := persist.Triggers().ActiveByFlow(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "schedule", rows[0].TriggerType)
	assert.Equal(t, "0 * * * *", rows[0].TriggerArgs["cron"])
	assert.Equal(t, 1, handler.liveCount())
}

func TestSchedule_IsIdempotent(t *testing.T) {
	t.Parallel()

	orch, persist, handler := newTestOrchestrator(t)
	ctx := context.Background()
	flow := scheduledFlow("flow-1")

	require.NoError(t, orch.Schedule(ctx, flow))
	require.NoError(t, orch.Schedule(ctx, flow))

	rows, err := persist.Triggers().ActiveByFlow(ctx, "flow-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, handler.liveCount())
}

func TestSchedule_RejectsNonTriggerFirstStep(t *testing.T) {
	t.Parallel()

	orch, persist, handler := newTestOrchestrator(t)

	flow := scheduledFlow("flow-1")
	flow.Spec.Steps[0].ActionID = "http.request"

	err := orch.Schedule(context.Background(), flow)
	require.Error(t, err)
	assert.True(t, models.IsSchedulingError(err))

	rows, _ := persist.Triggers().ActiveByFlow(context.Background(), "flow-1")
	assert.Empty(t, rows)
	assert.Equal(t, 0, handler.liveCount())
}

func TestSchedule_RejectsPlaceholderFirstStep(t *testing.T) {
	t.Parallel()

	orch, _, _ := newTestOrchestrator(t)

	flow := scheduledFlow("flow-1")
	flow.Spec.Steps[0].ActionID = models.FallbackActionID

	err := orch.Schedule(context.Background(), flow)
	require.Error(t, err)
	assert.True(t, models.IsSchedulingError(err))
}

func TestSchedule_UnknownTriggerType(t *testing.T) {
	t.Parallel()

	persist := memory.NewPersistence()
	registry := NewRegistry(slog.Default())
	orch := NewOrchestrator(persist, registry, triggerConnector{}, slog.Default())

	err := orch.Schedule(context.Background(), scheduledFlow("flow-1"))
	require.Error(t, err)
	assert.True(t, models.IsSchedulingError(err))
}

// failingTriggerPersistence fails trigger row creation to exercise the
// compensation path.
type failingTriggerPersistence struct {
	*memory.Persistence
}

type failingTriggerRepo struct {
	persistence.TriggerRepository
}

func (p *failingTriggerPersistence) Triggers() persistence.TriggerRepository {
	return &failingTriggerRepo{p.Persistence.Triggers()}
}

func (r *failingTriggerRepo) Create(_ context.Context, _ *models.Trigger) error {
	return errors.New("storage unavailable")
}

func TestSchedule_CompensatesWhenRowCreationFails(t *testing.T) {
	t.Parallel()

	persist := &failingTriggerPersistence{memory.NewPersistence()}
	registry := NewRegistry(slog.Default())

	handler := newFakeHandler("schedule")
	registry.RegisterHandler(handler)

	orch := NewOrchestrator(persist, registry, triggerConnector{}, slog.Default())

	err := orch.Schedule(context.Background(), scheduledFlow("flow-1"))
	require.Error(t, err)

	// The registered job must not outlive the failed row.
	assert.Equal(t, 0, handler.liveCount())
}

func TestUnschedule_NoActiveTriggersIsNoOp(t *testing.T) {
	t.Parallel()

	orch, _, _ := newTestOrchestrator(t)

	err := orch.Unschedule(context.Background(), scheduledFlow("flow-1"))
	require.NoError(t, err)
}

func TestUnschedule_RemovesRowAndJob(t *testing.T) {
	t.Parallel()

	orch, persist, handler := newTestOrchestrator(t)
	ctx := context.Background()
	flow := scheduledFlow("flow-1")

	require.NoError(t, orch.Schedule(ctx, flow))
	require.NoError(t, orch.Unschedule(ctx, flow))

	rows, err := persist.Triggers().ActiveByFlow(ctx, "flow-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 0, handler.liveCount())
}

func TestUnschedule_CancelFailureKeepsRow(t *testing.T) {
	t.Parallel()

	orch, persist, handler := newTestOrchestrator(t)
	ctx := context.Background()
	flow := scheduledFlow("flow-1")

	require.NoError(t, orch.Schedule(ctx, flow))

	handler.failCancel = true

	err := orch.Unschedule(ctx, flow)
	require.Error(t, err)

	// The row survives so a later retry can still find the job.
	rows, rerr := persist.Triggers().ActiveByFlow(ctx, "flow-1")
	require.NoError(t, rerr)
	assert.Len(t, rows, 1)
}

func TestReconcile_ReRegistersVanishedJob(t *testing.T) {
	t.Parallel()

	orch, persist, handler := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, orch.Schedule(ctx, scheduledFlow("flow-1")))

	rows, err := persist.Triggers().ActiveByFlow(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	staleHandle := rows[0].JobHandle
	handler.dropJob(staleHandle)

	require.NoError(t, orch.Reconcile(ctx))

	rows, err = persist.Triggers().ActiveByFlow(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEqual(t, staleHandle, rows[0].JobHandle)
	assert.Equal(t, 1, handler.liveCount())
}

func TestReconcile_CancelsOrphanJobs(t *testing.T) {
	t.Parallel()

	orch, _, handler := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := handler.Register(ctx, "flow-ghost", nil)
	require.NoError(t, err)

	require.NoError(t, orch.Reconcile(ctx))
	assert.Equal(t, 0, handler.liveCount())
}
