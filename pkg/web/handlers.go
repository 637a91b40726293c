// Package web provides the REST API for flow management and execution.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
	"github.com/flowforge/flowforge/pkg/triggers"
	"github.com/flowforge/flowforge/pkg/validation"
	"github.com/flowforge/flowforge/pkg/workflow"
)

type APIHandlers struct {
	persist      persistence.Persistence
	executor     *workflow.Executor
	orchestrator *triggers.Orchestrator
	webhooks     *triggers.WebhookHandler
	specVal      *validation.Validator
	validator    *validator.Validate
	logger       *slog.Logger
}

func NewAPIHandlers(
	persist persistence.Persistence,
	executor *workflow.Executor,
	orchestrator *triggers.Orchestrator,
	webhooks *triggers.WebhookHandler,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persist:      persist,
		executor:     executor,
		orchestrator: orchestrator,
		webhooks:     webhooks,
		specVal:      validation.New(),
		validator:    validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger.With("module", "web"),
	}
}

// RegisterRoutes mounts all API routes on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/flows", h.GetFlows)
	app.Post("/flows", h.CreateFlow)
	app.Get("/flows/:id", h.GetFlow)
	app.Patch("/flows/:id", h.UpdateFlow)
	app.Delete("/flows/:id", h.DeleteFlow)

	app.Post("/flows/:id/run", h.RunFlow)
	app.Post("/flows/:id/activate", h.ActivateFlow)
	app.Post("/flows/:id/deactivate", h.DeactivateFlow)
	app.Get("/flows/:id/executions", h.GetFlowExecutions)

	app.Post("/runs", h.RunSteps)
	app.Get("/executions/:id", h.GetExecution)

	app.Post("/webhooks/:token", h.DeliverWebhook)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.persist.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		return badRequest(c, "owner_id query parameter is required")
	}

	flows, err := h.persist.Flows().ListByOwner(c.Context(), ownerID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"flows": flows})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persist.Flows().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if _, err := h.specVal.ValidateFlowSpec(req.Spec); err != nil {
		return handleEngineError(c, err)
	}

	flow := &models.Flow{
		ID:      uuid.New().String(),
		Name:    req.Name,
		OwnerID: req.OwnerID,
		Spec:    req.Spec,
	}

	if err := h.persist.Flows().Create(c.Context(), flow); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.persist.Flows().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	// Spec changes to an active flow must go through deactivation first,
	// otherwise the registered trigger would drift from the stored spec.
	if req.Spec != nil && existing.IsActive {
		return conflict(c, "Flow is active; deactivate it before changing its spec")
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Spec != nil {
		if _, err := h.specVal.ValidateFlowSpec(req.Spec); err != nil {
			return handleEngineError(c, err)
		}

		existing.Spec = req.Spec
	}

	if err := h.persist.Flows().Update(c.Context(), existing); err != nil {
		return internalError(c, err)
	}

	return c.JSON(existing)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persist.Flows().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	if err := h.orchestrator.Unschedule(c.Context(), flow); err != nil {
		return handleEngineError(c, err)
	}

	if err := h.persist.Flows().Delete(c.Context(), id); err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) RunFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req RunFlowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	execution, err := h.executor.Execute(c.Context(), id, req.Inputs)
	if err != nil && execution == nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) RunSteps(c fiber.Ctx) error {
	var req RunStepsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executor.ExecuteSteps(c.Context(), req.StartID, req.Steps, req.Inputs, workflow.RunOptions{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Simulate:  req.Simulate,
	})
	if err != nil && execution == nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) ActivateFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persist.Flows().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	if err := h.orchestrator.Schedule(c.Context(), flow); err != nil {
		return handleEngineError(c, err)
	}

	flow.IsActive = true
	if err := h.persist.Flows().Update(c.Context(), flow); err != nil {
		return internalError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) DeactivateFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persist.Flows().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	if err := h.orchestrator.Unschedule(c.Context(), flow); err != nil {
		return handleEngineError(c, err)
	}

	flow.IsActive = false
	if err := h.persist.Flows().Update(c.Context(), flow); err != nil {
		return internalError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) GetFlowExecutions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	executions, err := h.persist.Executions().ListByFlow(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.persist.Executions().ExecutionByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Execution not found")
		}

		return internalError(c, err)
	}

	steps, err := h.persist.Executions().StepsByExecution(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"execution": execution,
		"steps":     steps,
	})
}

func (h *APIHandlers) DeliverWebhook(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Webhook token is required")
	}

	var payload map[string]any
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.webhooks.Deliver(c.Context(), token, payload); err != nil {
		return notFound(c, "Unknown webhook token")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}
