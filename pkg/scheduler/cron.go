// Package scheduler wraps a cron runner behind the trigger handler
// contract: register a schedule, get back an opaque handle, cancel by
// handle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/protocol"
)

// CronScheduler fires flows on cron expressions. It implements
// protocol.TriggerHandler for the "schedule" trigger type.
type CronScheduler struct {
	cron   *cron.Cron
	fire   protocol.FireFunc
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewCronScheduler creates a scheduler. fire is invoked on every tick
// with the flow ID the schedule was registered for.
func NewCronScheduler(fire protocol.FireFunc, logger *slog.Logger) *CronScheduler {
	return &CronScheduler{
		cron:   cron.New(),
		fire:   fire,
		logger: logger.With("module", "cron_scheduler"),
		jobs:   make(map[string]cron.EntryID),
	}
}

func (s *CronScheduler) Type() string {
	return "schedule"
}

// Start begins firing registered schedules.
func (s *CronScheduler) Start(ctx context.Context) {
	s.logger.InfoContext(ctx, "Starting cron scheduler")
	s.cron.Start()
}

// Stop halts the runner and waits for in-flight jobs.
func (s *CronScheduler) Stop(ctx context.Context) {
	s.logger.InfoContext(ctx, "Stopping cron scheduler")

	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Register adds a cron entry for the flow and returns the job handle.
// args must carry a "cron" expression.
func (s *CronScheduler) Register(ctx context.Context, flowID string, args map[string]any) (string, error) {
	expr, ok := args["cron"].(string)
	if !ok || expr == "" {
		return "", &models.SchedulingError{
			FlowID: flowID,
			Op:     "register",
			Err:    fmt.Errorf("schedule trigger requires a cron expression"),
		}
	}

	handle := "cron-" + uuid.New().String()

	entryID, err := s.cron.AddFunc(expr, func() {
		fireCtx := context.Background()

		if err := s.fire(fireCtx, flowID, map[string]any{"cron": expr}); err != nil {
			s.logger.Error("Scheduled fire failed", "flow_id", flowID, "error", err)
		}
	})
	if err != nil {
		return "", &models.SchedulingError{
			FlowID: flowID,
			Op:     "register",
			Err:    fmt.Errorf("invalid cron expression %q: %w", expr, err),
		}
	}

	s.mu.Lock()
	s.jobs[handle] = entryID
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Registered schedule", "flow_id", flowID, "cron", expr, "handle", handle)

	return handle, nil
}

// Cancel removes the entry for the handle. Cancelling an unknown handle
// is an error so callers can distinguish drift from success.
func (s *CronScheduler) Cancel(ctx context.Context, handle string) error {
	s.mu.Lock()
	entryID, ok := s.jobs[handle]
	if ok {
		delete(s.jobs, handle)
	}
	s.mu.Unlock()

	if !ok {
		return &models.SchedulingError{
			Op:  "cancel",
			Err: fmt.Errorf("unknown job handle %s", handle),
		}
	}

	s.cron.Remove(entryID)
	s.logger.InfoContext(ctx, "Cancelled schedule", "handle", handle)

	return nil
}

// Active returns the handles of all registered schedules.
func (s *CronScheduler) Active(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make([]string, 0, len(s.jobs))
	for handle := range s.jobs {
		handles = append(handles, handle)
	}

	return handles, nil
}
