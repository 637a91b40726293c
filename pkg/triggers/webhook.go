package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/pkg/protocol"
)

// WebhookHandler maps opaque webhook tokens to flows. Registering a flow
// mints a token; the web layer delivers inbound requests through Deliver.
type WebhookHandler struct {
	fire   protocol.FireFunc
	logger *slog.Logger

	mu    sync.RWMutex
	flows map[string]string
}

func NewWebhookHandler(fire protocol.FireFunc, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		fire:   fire,
		logger: logger.With("module", "webhook_trigger"),
		flows:  make(map[string]string),
	}
}

func (h *WebhookHandler) Type() string {
	return "webhook"
}

// Register mints a webhook token for the flow. The token doubles as the
// job handle.
func (h *WebhookHandler) Register(ctx context.Context, flowID string, _ map[string]any) (string, error) {
	token := "wh-" + uuid.New().String()

	h.mu.Lock()
	h.flows[token] = flowID
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "Registered webhook", "flow_id", flowID, "token", token)

	return token, nil
}

func (h *WebhookHandler) Cancel(ctx context.Context, handle string) error {
	h.mu.Lock()
	_, ok := h.flows[handle]
	delete(h.flows, handle)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown webhook token %s", handle)
	}

	h.logger.InfoContext(ctx, "Cancelled webhook", "token", handle)

	return nil
}

func (h *WebhookHandler) Active(_ context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tokens := make([]string, 0, len(h.flows))
	for token := range h.flows {
		tokens = append(tokens, token)
	}

	return tokens, nil
}

// Deliver fires the flow registered under token with the inbound payload.
func (h *WebhookHandler) Deliver(ctx context.Context, token string, payload map[string]any) error {
	h.mu.RLock()
	flowID, ok := h.flows[token]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown webhook token %s", token)
	}

	return h.fire(ctx, flowID, payload)
}
