package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/loomhq/loom/pkg/eventbus"
)

// NewEventBus builds the event transport for a process. The in-process
// channel bus only reaches subscribers in the same process; multi-process
// deployments need kafka.
func NewEventBus(provider, consumerGroup string, logger *slog.Logger) eventbus.EventBus {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		bus, err := eventbus.NewKafkaBus(wmLogger, consumerGroup)
		if err != nil {
			panic(fmt.Errorf("failed to create kafka event bus: %w", err))
		}

		return bus
	case "", "gochannel":
		return eventbus.NewGoChannelBus(wmLogger)
	default:
		panic("unsupported event bus provider: " + provider)
	}
}
