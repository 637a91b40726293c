package postgres_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
	"github.com/flowforge/flowforge/pkg/persistence/postgres"
)

var pgContainer *tcpostgres.PostgresContainer

func dropDB(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last.
	for _, table := range []string{"action_auth_scopes", "auth_policies", "triggers", "flow_execution_steps", "flow_executions", "credentials", "flows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgres.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if pgContainer == nil || !pgContainer.IsRunning() {
		var err error

		pgContainer, err = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("flowforge_test"),
			tcpostgres.WithUsername("flowforge"),
			tcpostgres.WithPassword("flowforge"),
			tcpostgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDB(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	persist, err := postgres.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDB(ctx, t, databaseURL)

		err = persist.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return persist, ctx, databaseURL
}

func sampleFlow(id string) *models.Flow {
	return &models.Flow{
		ID:      id,
		Name:    "Daily report",
		OwnerID: "user-1",
		Spec: &models.FlowSpec{
			StartID: "s1",
			Steps: []models.Step{
				{NodeID: "s1", Type: models.StepTypeAction, ActionID: "http.request", Params: map[string]any{"url": "https://example.com"}},
			},
		},
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"flows", "flow_executions", "flow_execution_steps", "credentials", "auth_policies", "triggers"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestFlowRepository_CreateAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := sampleFlow(uuid.New().String())

	err := p.Flows().Create(ctx, flow)
	require.NoError(t, err)

	got, err := p.Flows().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.Name, got.Name)
	assert.Equal(t, flow.OwnerID, got.OwnerID)
	require.NotNil(t, got.Spec)
	assert.Equal(t, "s1", got.Spec.StartID)
	require.Len(t, got.Spec.Steps, 1)
	assert.Equal(t, "http.request", got.Spec.Steps[0].ActionID)
	assert.False(t, got.IsActive)
}

func TestFlowRepository_Update(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := sampleFlow(uuid.New().String())
	require.NoError(t, p.Flows().Create(ctx, flow))

	flow.Name = "Weekly report"
	flow.IsActive = true
	require.NoError(t, p.Flows().Update(ctx, flow))

	got, err := p.Flows().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly report", got.Name)
	assert.True(t, got.IsActive)
}

func TestFlowRepository_Delete(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := sampleFlow(uuid.New().String())
	require.NoError(t, p.Flows().Create(ctx, flow))
	require.NoError(t, p.Flows().Delete(ctx, flow.ID))

	_, err := p.Flows().GetByID(ctx, flow.ID)
	assert.True(t, persistence.IsNotFound(err))
}

func TestFlowRepository_ListByOwner(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	mine := sampleFlow(uuid.New().String())
	require.NoError(t, p.Flows().Create(ctx, mine))

	other := sampleFlow(uuid.New().String())
	other.OwnerID = "user-2"
	require.NoError(t, p.Flows().Create(ctx, other))

	flows, err := p.Flows().ListByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, mine.ID, flows[0].ID)
}

func TestExecutionRepository_SingleTerminalTransition(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := sampleFlow(uuid.New().String())
	require.NoError(t, p.Flows().Create(ctx, flow))

	execution := &models.FlowExecution{
		ID:        "exec-" + uuid.New().String(),
		FlowID:    &flow.ID,
		Inputs:    map[string]any{"count": 3},
		Status:    models.ExecutionStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, p.Executions().CreateExecution(ctx, execution))

	ended := time.Now().UTC()
	err := p.Executions().FinishExecution(ctx, execution.ID, models.ExecutionStatusSuccess, "", map[string]any{"s1": "ok"}, ended)
	require.NoError(t, err)

	err = p.Executions().FinishExecution(ctx, execution.ID, models.ExecutionStatusFailure, "late", nil, ended)
	assert.ErrorIs(t, err, persistence.ErrExecutionFinished)

	got, err := p.Executions().ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, got.Status)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.EndedAt)
}

func TestExecutionRepository_Steps(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := sampleFlow(uuid.New().String())
	require.NoError(t, p.Flows().Create(ctx, flow))

	execution := &models.FlowExecution{
		ID:        "exec-" + uuid.New().String(),
		FlowID:    &flow.ID,
		Status:    models.ExecutionStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, p.Executions().CreateExecution(ctx, execution))

	step := &models.ExecutionStep{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		NodeID:      "s1",
		ActionID:    "http.request",
		Status:      models.StepStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, p.Executions().CreateStep(ctx, step))
	require.NoError(t, p.Executions().FinishStep(ctx, step.ID, models.StepStatusSuccess, "", time.Now().UTC()))

	steps, err := p.Executions().StepsByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusSuccess, steps[0].Status)
	require.NotNil(t, steps[0].EndedAt)
}

func TestCredentialRepository_GlobalBeatsSession(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	session := "sess-1"
	scoped := &models.Credential{
		ID:          uuid.New().String(),
		UserID:      "user-1",
		ServiceID:   "gmail",
		SessionID:   &session,
		AccessToken: []byte("scoped-blob"),
	}
	require.NoError(t, p.Credentials().Create(ctx, scoped))

	global := &models.Credential{
		ID:          uuid.New().String(),
		UserID:      "user-1",
		ServiceID:   "gmail",
		AccessToken: []byte("global-blob"),
	}
	require.NoError(t, p.Credentials().Create(ctx, global))

	got, err := p.Credentials().Get(ctx, "user-1", "gmail", &session)
	require.NoError(t, err)
	assert.Equal(t, []byte("global-blob"), got.AccessToken)
}

func TestCredentialRepository_VersionConflict(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	credential := &models.Credential{
		ID:          uuid.New().String(),
		UserID:      "user-1",
		ServiceID:   "slack",
		AccessToken: []byte("v1-blob"),
	}
	require.NoError(t, p.Credentials().Create(ctx, credential))

	got, err := p.Credentials().Get(ctx, "user-1", "slack", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)

	got.AccessToken = []byte("v2-blob")
	require.NoError(t, p.Credentials().Update(ctx, got))

	stale := &models.Credential{
		UserID:      "user-1",
		ServiceID:   "slack",
		AccessToken: []byte("stale-blob"),
		Version:     1,
	}
	err = p.Credentials().Update(ctx, stale)
	assert.ErrorIs(t, err, persistence.ErrVersionConflict)

	// Version 0 skips the check and lands last-write-wins.
	stale.Version = 0
	require.NoError(t, p.Credentials().Update(ctx, stale))

	got, err = p.Credentials().Get(ctx, "user-1", "slack", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("stale-blob"), got.AccessToken)
}

func TestTriggerRepository_ActiveFiltering(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := sampleFlow(uuid.New().String())
	require.NoError(t, p.Flows().Create(ctx, flow))

	trigger := &models.Trigger{
		ID:          uuid.New().String(),
		FlowID:      flow.ID,
		TriggerType: "schedule",
		TriggerArgs: map[string]any{"cron": "0 * * * *"},
		JobHandle:   "cron-1",
		Status:      models.TriggerStatusActive,
	}
	require.NoError(t, p.Triggers().Create(ctx, trigger))

	active, err := p.Triggers().ActiveAll(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "cron-1", active[0].JobHandle)

	require.NoError(t, p.Triggers().MarkRemoved(ctx, trigger.ID))

	active, err = p.Triggers().ActiveByFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}
