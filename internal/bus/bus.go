// Package bus provides the event bus that carries scoring requests,
// completed assessments and high-risk alerts.
package bus

import (
	"context"
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// New creates a new event bus based on configuration:
// "channel" for a single process, "nats" for a cluster.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Reply answers a message received through Request. Messages without a
// reply topic are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[domain.MetadataReplyTo]
	if replyTo == "" {
		return nil
	}
	return b.Publish(ctx, replyTo, payload)
}
