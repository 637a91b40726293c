package eventbus

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/flowforge/flowforge/pkg/channels/gochannel"
	"github.com/flowforge/flowforge/pkg/channels/kafka"
)

// Create builds an event bus on the named transport: "gochannel" for the
// in-memory bus, "kafka" for Kafka with the given broker list.
func Create(provider, brokers, serviceName string, logger *slog.Logger) (EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory event bus: %w", err)
		}

		return NewWatermillEventBus(pub, sub), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, brokers, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka event bus: %w", err)
		}

		return NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unknown event bus provider %q", provider)
	}
}
