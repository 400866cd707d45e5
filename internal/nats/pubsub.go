package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/scan-populator/internal/core"
)

// Publisher implements core.EventPublisher using NATS core pub/sub.
// Consumers subscribe to EventsAllSubject or a single EventSubject.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher creates a new Publisher using the given NATS connection.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Publish publishes event on its type subject.
func (p *Publisher) Publish(event *core.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.nc.Publish(EventSubject(event.Type), data); err != nil {
		slog.Error("failed to publish event", "error", err, "type", event.Type)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
