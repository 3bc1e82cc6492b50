package nats

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Bus implements repository.MessageBus over core NATS and lets workers
// consume what it publishes.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(topic string, data []byte) error {
	if err := b.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Consume joins queue on topic so each message reaches one replica. Handler
// errors are logged; core NATS has no redelivery, so the caller must be able
// to heal missed messages some other way.
func (b *Bus) Consume(topic, queue string, handle func(data []byte) error) (*nats.Subscription, error) {
	sub, err := b.nc.QueueSubscribe(topic, queue, func(m *nats.Msg) {
		if err := handle(m.Data); err != nil {
			slog.Warn("nats: message handler failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// Conn exposes the underlying connection for request/reply handlers.
func (b *Bus) Conn() *nats.Conn {
	return b.nc
}
