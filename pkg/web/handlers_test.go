package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/pkg/credentials"
	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence/memory"
	"github.com/flowforge/flowforge/pkg/protocol"
	"github.com/flowforge/flowforge/pkg/secrets"
	"github.com/flowforge/flowforge/pkg/triggers"
	"github.com/flowforge/flowforge/pkg/web"
	"github.com/flowforge/flowforge/pkg/workflow"
)

type okConnector struct{}

func (okConnector) Execute(_ context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
	return &protocol.ConnectorResult{
		Status: protocol.ConnectorStatusSuccess,
		Output: map[string]any{"action": req.ActionName},
	}, nil
}

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	persist := memory.NewPersistence()

	encryptor, err := secrets.NewEncryptor("test-secret")
	require.NoError(t, err)

	store := credentials.NewStore(persist.Credentials(), encryptor, false, slog.Default())
	executor := workflow.NewExecutor(persist, store, okConnector{}, slog.Default())

	registry := triggers.NewRegistry(slog.Default())

	webhooks := triggers.NewWebhookHandler(func(_ context.Context, _ string, _ map[string]any) error {
		return nil
	}, slog.Default())
	registry.RegisterHandler(webhooks)

	orchestrator := triggers.NewOrchestrator(persist, registry, okConnector{}, slog.Default())

	handlers := web.NewAPIHandlers(persist, executor, orchestrator, webhooks, slog.Default())

	app := fiber.New()
	handlers.RegisterRoutes(app)

	return app, persist
}

func validSpec() map[string]any {
	return map[string]any{
		"start_id": "s1",
		"steps": []map[string]any{
			{"node_id": "s1", "type": "action", "action_id": "http.request"},
		},
	}
}

func TestCreateFlow(t *testing.T) {
	t.Parallel()

	app, persist := setupTestApp(t)

	body, err := json.Marshal(map[string]any{
		"name":     "my flow",
		"owner_id": "user-1",
		"spec":     validSpec(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var flow models.Flow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&flow))
	assert.NotEmpty(t, flow.ID)

	stored, err := persist.Flows().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "my flow", stored.Name)
}

func TestCreateFlow_InvalidSpec(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	body, err := json.Marshal(map[string]any{
		"name":     "my flow",
		"owner_id": "user-1",
		"spec": map[string]any{
			"start_id": "ghost",
			"steps": []map[string]any{
				{"node_id": "s1", "type": "action", "action_id": "a"},
			},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateFlow_MissingName(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	body, err := json.Marshal(map[string]any{
		"owner_id": "user-1",
		"spec":     validSpec(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetFlow_NotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/flows/ghost", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunFlow(t *testing.T) {
	t.Parallel()

	app, persist := setupTestApp(t)

	flow := &models.Flow{
		ID:      "flow-1",
		Name:    "runnable",
		OwnerID: "user-1",
		Spec: &models.FlowSpec{
			StartID: "s1",
			Steps: []models.Step{
				{NodeID: "s1", Type: models.StepTypeAction, ActionID: "http.request"},
			},
		},
	}
	require.NoError(t, persist.Flows().Create(context.Background(), flow))

	body, err := json.Marshal(map[string]any{"inputs": map[string]any{"x": 1}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/flows/flow-1/run", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var execution models.FlowExecution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&execution))
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
}

func TestRunSteps_Ephemeral(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	body, err := json.Marshal(map[string]any{
		"start_id": "s1",
		"user_id":  "user-1",
		"steps": []map[string]any{
			{"node_id": "s1", "type": "action", "action_id": "http.request"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var execution models.FlowExecution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&execution))
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Nil(t, execution.FlowID)
}

func TestUpdateFlow_ActiveSpecChangeRejected(t *testing.T) {
	t.Parallel()

	app, persist := setupTestApp(t)

	flow := &models.Flow{
		ID:       "flow-1",
		Name:     "active flow",
		OwnerID:  "user-1",
		IsActive: true,
		Spec: &models.FlowSpec{
			StartID: "s1",
			Steps: []models.Step{
				{NodeID: "s1", Type: models.StepTypeAction, ActionID: "a"},
			},
		},
	}
	require.NoError(t, persist.Flows().Create(context.Background(), flow))

	body, err := json.Marshal(map[string]any{"spec": validSpec()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/flows/flow-1", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeliverWebhook_UnknownToken(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/wh-ghost", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
