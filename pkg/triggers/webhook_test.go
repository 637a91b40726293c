package triggers

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookHandler_RegisterDeliverCancel(t *testing.T) {
	t.Parallel()

	var (
		firedFlow string
		firedData map[string]any
	)

	fire := func(_ context.Context, flowID string, data map[string]any) error {
		firedFlow = flowID
		firedData = data

		return nil
	}

	handler := NewWebhookHandler(fire, slog.Default())
	ctx := context.Background()

	token, err := handler.Register(ctx, "flow-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	err = handler.Deliver(ctx, token, map[string]any{"event": "push"})
	require.NoError(t, err)
	assert.Equal(t, "flow-1", firedFlow)
	assert.Equal(t, "push", firedData["event"])

	require.NoError(t, handler.Cancel(ctx, token))

	err = handler.Deliver(ctx, token, nil)
	require.Error(t, err)
}

func TestWebhookHandler_UnknownToken(t *testing.T) {
	t.Parallel()

	handler := NewWebhookHandler(func(_ context.Context, _ string, _ map[string]any) error { return nil }, slog.Default())

	err := handler.Deliver(context.Background(), "wh-ghost", nil)
	require.Error(t, err)

	err = handler.Cancel(context.Background(), "wh-ghost")
	require.Error(t, err)
}

func TestWebhookHandler_Active(t *testing.T) {
	t.Parallel()

	handler := NewWebhookHandler(func(_ context.Context, _ string, _ map[string]any) error { return nil }, slog.Default())
	ctx := context.Background()

	first, err := handler.Register(ctx, "flow-1", nil)
	require.NoError(t, err)

	second, err := handler.Register(ctx, "flow-2", nil)
	require.NoError(t, err)

	active, err := handler.Active(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, active)
}
