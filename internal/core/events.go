package core

import "time"

// Event types published on the event bus.
const (
	EventRunStarted     = "run.started"
	EventRunCompleted   = "run.completed"
	EventRunNoData      = "run.no_data"
	EventRunFailed      = "run.failed"
	EventRunSkipped     = "run.skipped"
	EventRunRecorded    = "run.recorded"
	EventCatchUpMissed  = "catchup.missed"
	EventRetryAttempted = "retry.attempted"
	EventRetrySkipped   = "retry.skipped"
)

// Event is a population lifecycle event.
type Event struct {
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	DateKey string         `json:"date_key,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType, dateKey string, data map[string]any) *Event {
	return &Event{
		Type:    eventType,
		Time:    time.Now().UTC(),
		DateKey: dateKey,
		Data:    data,
	}
}

// EventPublisher publishes lifecycle events. Publishing is best-effort.
type EventPublisher interface {
	Publish(event *Event) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(*Event) error { return nil }
