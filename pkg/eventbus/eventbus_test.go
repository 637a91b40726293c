package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/pkg/channels/gochannel"
	"github.com/flowforge/flowforge/pkg/events"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	return NewWatermillEventBus(pub, sub)
}

func TestWatermillEventBus_PublishSubscribeRoundTrip(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan events.Event, 1)

	err := bus.Subscribe(ctx, func(_ context.Context, event events.Event) error {
		received <- event

		return nil
	})
	require.NoError(t, err)

	err = bus.Publish(ctx, events.FlowTriggered{
		BaseEvent: events.BaseEvent{
			ID:        bus.GenerateID(),
			Type:      events.FlowTriggeredEvent,
			Timestamp: time.Now().UTC(),
			FlowID:    "flow-1",
		},
		TriggerData: map[string]any{"cron": "0 * * * *"},
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		triggered, ok := event.(*events.FlowTriggered)
		require.True(t, ok)
		assert.Equal(t, "flow-1", triggered.FlowID)
		assert.Equal(t, "0 * * * *", triggered.TriggerData["cron"])
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_DecodesByMetadataType(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan events.Event, 2)

	err := bus.Subscribe(ctx, func(_ context.Context, event events.Event) error {
		received <- event

		return nil
	})
	require.NoError(t, err)

	err = bus.Publish(ctx, events.ExecutionFailed{
		BaseEvent: events.BaseEvent{
			ID:     bus.GenerateID(),
			Type:   events.ExecutionFailedEvent,
			FlowID: "flow-1",
		},
		ExecutionID: "exec-1",
		Error:       "connector exploded",
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		failed, ok := event.(*events.ExecutionFailed)
		require.True(t, ok)
		assert.Equal(t, "exec-1", failed.ExecutionID)
		assert.Equal(t, "connector exploded", failed.Error)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}

func TestCreate_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := Create("carrier-pigeon", "", "test", slog.Default())
	require.Error(t, err)
}
