package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowforge/flowforge/pkg/connector"
	"github.com/flowforge/flowforge/pkg/credentials"
	"github.com/flowforge/flowforge/pkg/eventbus"
	"github.com/flowforge/flowforge/pkg/events"
	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/otelhelper"
	"github.com/flowforge/flowforge/pkg/persistence/postgres"
	"github.com/flowforge/flowforge/pkg/secrets"
	"github.com/flowforge/flowforge/pkg/workflow"
)

// WorkerConfig carries the startup settings for the worker process.
type WorkerConfig struct {
	DatabaseURL      string
	EncryptionSecret string
	EventBus         string
	KafkaBrokers     string
	Tracing          bool
}

// Worker consumes FlowTriggered events and runs the flows, publishing
// the execution outcome back onto the bus.
type Worker struct {
	id       string
	logger   *slog.Logger
	persist  *postgres.Persistence
	bus      eventbus.EventBus
	executor *workflow.Executor
}

func NewWorker(ctx context.Context, id string, logger *slog.Logger, cfg WorkerConfig) (*Worker, error) {
	if cfg.Tracing {
		// Installs the global tracer provider; executor spans pick it up.
		if _, err := otelhelper.NewTracer(ctx, "flowforge-worker"); err != nil {
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

	bus, err := eventbus.Create(cfg.EventBus, cfg.KafkaBrokers, "flowforge-worker", logger)
	if err != nil {
		return nil, err
	}

	store := credentials.NewStore(persist.Credentials(), encryptor, false, logger)

	simulate := connector.NewSimulateConnector(logger)
	conn := connector.NewHTTPConnector(simulate, logger)

	return &Worker{
		id:       id,
		logger:   logger,
		persist:  persist,
		bus:      bus,
		executor: workflow.NewExecutor(persist, store, conn, logger),
	}, nil
}

// Start subscribes to the bus and blocks until the context is done or an
// interrupt arrives.
func (w *Worker) Start(ctx context.Context) error {
	err := w.bus.Subscribe(ctx, func(ctx context.Context, event events.Event) error {
		triggered, ok := event.(*events.FlowTriggered)
		if !ok {
			return nil
		}

		w.handleTriggered(ctx, triggered)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker started, waiting for triggered flows")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case sig := <-quit:
		w.logger.InfoContext(ctx, "Received shutdown signal", "signal", sig.String())
	}

	return nil
}

func (w *Worker) handleTriggered(ctx context.Context, event *events.FlowTriggered) {
	logger := w.logger.With("flow_id", event.FlowID)
	logger.InfoContext(ctx, "Running triggered flow")

	started := time.Now()

	execution, err := w.executor.Execute(ctx, event.FlowID, event.TriggerData)
	if err != nil && execution == nil {
		logger.ErrorContext(ctx, "Failed to run triggered flow", "error", err)

		return
	}

	w.publishOutcome(ctx, event.FlowID, execution, time.Since(started))
}

func (w *Worker) publishOutcome(ctx context.Context, flowID string, execution *models.FlowExecution, duration time.Duration) {
	base := events.BaseEvent{
		ID:        w.bus.GenerateID(),
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
		WorkerID:  w.id,
	}

	var (
		outcome events.Event
	)

	switch execution.Status {
	case models.ExecutionStatusSuccess:
		base.Type = events.ExecutionFinishedEvent
		outcome = events.ExecutionFinished{
			BaseEvent:   base,
			ExecutionID: execution.ID,
			Outputs:     execution.Outputs,
			Duration:    duration,
		}
	case models.ExecutionStatusCancelled:
		base.Type = events.ExecutionCancelledEvent
		outcome = events.ExecutionCancelled{
			BaseEvent:   base,
			ExecutionID: execution.ID,
		}
	default:
		base.Type = events.ExecutionFailedEvent
		outcome = events.ExecutionFailed{
			BaseEvent:   base,
			ExecutionID: execution.ID,
			Error:       execution.Error,
		}
	}

	if err := w.bus.Publish(ctx, outcome); err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish execution outcome",
			"execution_id", execution.ID, "error", err)
	}
}

// Close shuts down the bus and persistence.
func (w *Worker) Close(ctx context.Context) {
	if err := w.bus.Close(); err != nil {
		w.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	if err := w.persist.Close(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
