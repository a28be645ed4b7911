package output

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types - these are the discrete events we publish
const (
	EventServiceStart     = "service_start"
	EventServiceStop      = "service_stop"
	EventChannelSelected  = "channel_selected"
	EventChannelCleared   = "channel_cleared"
	EventConnectionFailed = "connection_failed"
	EventReadFailed       = "read_failed"
)

// Event is a lifecycle event of the engine or one of its channels.
// Keep it flat for easy querying.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance,omitempty"`
	Role       string         `json:"role,omitempty"` // entry, exit
	Device     string         `json:"dev,omitempty"`  // /dev/ttyUSB0, COM5
	Message    string         `json:"msg,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// EventCallback is the function signature for event handlers.
// Channels call this when events occur; they don't know about NATS.
type EventCallback func(event Event)

// EventPublisher publishes events to NATS.
// A nil *EventPublisher is valid and publishes nothing.
type EventPublisher struct {
	conn       *nats.Conn
	subject    string
	instanceID string
	logger     *slog.Logger
}

// EventPublisherConfig contains configuration for EventPublisher
type EventPublisherConfig struct {
	Conn       *nats.Conn
	Subject    string // e.g., "barcodegate.events.gate-01"
	InstanceID string
	Logger     *slog.Logger
}

// NewEventPublisher creates a new EventPublisher.
// Returns nil if conn is nil (disabled mode).
func NewEventPublisher(cfg *EventPublisherConfig) *EventPublisher {
	if cfg == nil || cfg.Conn == nil {
		return nil
	}

	return &EventPublisher{
		conn:       cfg.Conn,
		subject:    cfg.Subject,
		instanceID: cfg.InstanceID,
		logger:     cfg.Logger,
	}
}

// Publish sends an event to NATS. Safe to call on nil receiver.
func (e *EventPublisher) Publish(event Event) {
	if e == nil || e.conn == nil || !e.conn.IsConnected() {
		return
	}

	data, err := MarshalEvent(event, e.instanceID)
	if err != nil {
		e.logger.Error("Failed to marshal event", "error", err, "type", event.Type)
		return
	}

	if err := e.conn.Publish(e.subject, data); err != nil {
		e.logger.Warn("Failed to publish event", "error", err, "type", event.Type)
		return
	}

	e.logger.Debug("Published event", "type", event.Type, "role", event.Role)
}

// PublishServiceStart publishes a service start event
func (e *EventPublisher) PublishServiceStart(version string) {
	e.Publish(Event{
		Type:    EventServiceStart,
		Message: "barcodegate service started",
		Details: map[string]any{"version": version},
	})
}

// PublishServiceStop publishes a service stop event
func (e *EventPublisher) PublishServiceStop(reason string) {
	e.Publish(Event{
		Type:    EventServiceStop,
		Message: "barcodegate service stopping",
		Details: map[string]any{"reason": reason},
	})
}

// MarshalEvent fills in defaults and encodes the event as JSON
func MarshalEvent(event Event, instanceID string) ([]byte, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.InstanceID == "" {
		event.InstanceID = instanceID
	}
	return json.Marshal(event)
}

// BuildEventsSubject constructs the events subject: {prefix}.events.{instance}
func BuildEventsSubject(subjectPrefix, instanceID string) string {
	return subjectPrefix + ".events." + instanceID
}

// BuildHealthSubject constructs the health subject: {prefix}.health.{instance}
func BuildHealthSubject(subjectPrefix, instanceID string) string {
	return subjectPrefix + ".health." + instanceID
}

// BuildRecordsSubject constructs the per-role records subject:
// {prefix}.records.{instance}.{role}
func BuildRecordsSubject(subjectPrefix, instanceID, role string) string {
	return subjectPrefix + ".records." + instanceID + "." + role
}
