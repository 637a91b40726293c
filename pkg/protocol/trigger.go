package protocol

import "context"

// FireFunc is invoked when a registered trigger fires: it hands the flow
// id and trigger payload to the execution pipeline.
type FireFunc func(ctx context.Context, flowID string, data map[string]any) error

// TriggerHandler registers and cancels external scheduler jobs for one
// trigger type. Handlers are dispatched through a registry keyed by type,
// open for extension without editing a central conditional chain.
type TriggerHandler interface {
	// Type returns the trigger type this handler serves (schedule,
	// webhook, queue, ...).
	Type() string

	// Register creates a live job for the flow and returns its handle.
	Register(ctx context.Context, flowID string, args map[string]any) (string, error)

	// Cancel stops the job with the given handle. Cancelling an unknown
	// handle is an error.
	Cancel(ctx context.Context, handle string) error

	// Active returns the handles of all live jobs, used by the
	// reconciliation sweep.
	Active(ctx context.Context) ([]string, error)
}
