package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowforge/flowforge/pkg/connector"
	"github.com/flowforge/flowforge/pkg/credentials"
	"github.com/flowforge/flowforge/pkg/eventbus"
	"github.com/flowforge/flowforge/pkg/events"
	"github.com/flowforge/flowforge/pkg/otelhelper"
	"github.com/flowforge/flowforge/pkg/persistence/postgres"
	"github.com/flowforge/flowforge/pkg/scheduler"
	"github.com/flowforge/flowforge/pkg/secrets"
	"github.com/flowforge/flowforge/pkg/triggers"
	"github.com/flowforge/flowforge/pkg/web"
	"github.com/flowforge/flowforge/pkg/workflow"
)

const reconcileInterval = 5 * time.Minute

// Config carries the startup settings for the API process.
type Config struct {
	DatabaseURL      string
	EncryptionSecret string
	EventBus         string
	KafkaBrokers     string
	RedisAddr        string
	Tracing          bool
}

// API bundles the wired components of the server process.
type API struct {
	logger       *slog.Logger
	persist      *postgres.Persistence
	bus          eventbus.EventBus
	schedules    *scheduler.CronScheduler
	queues       *triggers.QueueHandler
	webhooks     *triggers.WebhookHandler
	orchestrator *triggers.Orchestrator
	handlers     *web.APIHandlers
}

// NewAPI wires persistence, the credential store, the executor and the
// trigger stack. Trigger fires publish onto the event bus; a worker
// process consumes them.
func NewAPI(ctx context.Context, logger *slog.Logger, cfg Config) (*API, error) {
	if cfg.Tracing {
		// Installs the global tracer provider; executor spans pick it up.
		if _, err := otelhelper.NewTracer(ctx, "flowforge-api"); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	persist, err := postgres.NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	encryptor, err := secrets.NewEncryptor(cfg.EncryptionSecret)
	if err != nil {
		return nil, err
	}

	bus, err := eventbus.Create(cfg.EventBus, cfg.KafkaBrokers, "flowforge-api", logger)
	if err != nil {
		return nil, err
	}

	store := credentials.NewStore(persist.Credentials(), encryptor, false, logger)

	simulate := connector.NewSimulateConnector(logger)
	conn := connector.NewHTTPConnector(simulate, logger)

	executor := workflow.NewExecutor(persist, store, conn, logger)

	fire := func(ctx context.Context, flowID string, data map[string]any) error {
		return bus.Publish(ctx, events.FlowTriggered{
			BaseEvent: events.BaseEvent{
				ID:        bus.GenerateID(),
				Type:      events.FlowTriggeredEvent,
				Timestamp: time.Now().UTC(),
				FlowID:    flowID,
			},
			TriggerData: data,
		})
	}

	registry := triggers.NewRegistry(logger)

	schedules := scheduler.NewCronScheduler(fire, logger)
	registry.RegisterHandler(schedules)

	webhooks := triggers.NewWebhookHandler(fire, logger)
	registry.RegisterHandler(webhooks)

	var queues *triggers.QueueHandler

	if cfg.RedisAddr != "" {
		queues, err = triggers.NewQueueHandler(ctx, cfg.RedisAddr, "", 0, fire, logger)
		if err != nil {
			return nil, err
		}

		registry.RegisterHandler(queues)
	}

	orchestrator := triggers.NewOrchestrator(persist, registry, conn, logger)

	handlers := web.NewAPIHandlers(persist, executor, orchestrator, webhooks, logger)

	return &API{
		logger:       logger,
		persist:      persist,
		bus:          bus,
		schedules:    schedules,
		queues:       queues,
		webhooks:     webhooks,
		orchestrator: orchestrator,
		handlers:     handlers,
	}, nil
}

// Start reconciles triggers, starts the scheduler and serves HTTP until
// the listener fails or the process is stopped.
func (a *API) Start(ctx context.Context, port int64) error {
	if err := a.orchestrator.Reconcile(ctx); err != nil {
		a.logger.WarnContext(ctx, "Trigger reconciliation reported errors", "error", err)
	}

	a.schedules.Start(ctx)

	go a.reconcileLoop(ctx)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	a.handlers.RegisterRoutes(app)

	return app.Listen(":" + strconv.FormatInt(port, 10))
}

// reconcileLoop periodically repairs drift between trigger rows and live
// scheduler jobs.
func (a *API) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.orchestrator.Reconcile(ctx); err != nil {
				a.logger.WarnContext(ctx, "Trigger reconciliation reported errors", "error", err)
			}
		}
	}
}

// Close tears down the trigger stack, the event bus and persistence.
func (a *API) Close(ctx context.Context) {
	a.schedules.Stop(ctx)

	if a.queues != nil {
		if err := a.queues.Close(ctx); err != nil {
			a.logger.ErrorContext(ctx, "Failed to close queue handler", "error", err)
		}
	}

	if err := a.bus.Close(); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	if err := a.persist.Close(ctx); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
