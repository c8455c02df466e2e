package eventing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope carries the delivery metadata of a monitoring event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	PivotID       string          `json:"pivot_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	RunID         string          `json:"run_id,omitempty"`
	TS            float64         `json:"ts,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	OccurredAt    time.Time
	CorrelationID string
}

// Scope locates an event in the monitoring timeline.
type Scope struct {
	PivotID    string
	SessionID  string
	RunID      string
	TS         float64
	OccurredAt time.Time
}

// Scoped is implemented by events that concern one pivot session.
type Scoped interface {
	Scope() Scope
}

// NewEventID generates a random event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// BuildEnvelope wraps event. Scoped events fill the pivot, session and run
// fields; OccurredAt falls back to the event's own time, then to now.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, ErrNilEvent
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		EventID:       meta.EventID,
		EventType:     EventType(event),
		OccurredAt:    meta.OccurredAt,
		CorrelationID: meta.CorrelationID,
		Payload:       payload,
	}
	if scoped, ok := event.(Scoped); ok {
		scope := scoped.Scope()
		env.PivotID = scope.PivotID
		env.SessionID = scope.SessionID
		env.RunID = scope.RunID
		env.TS = scope.TS
		if env.OccurredAt.IsZero() {
			env.OccurredAt = scope.OccurredAt
		}
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now()
	}
	env.OccurredAt = env.OccurredAt.UTC()
	if env.EventID == "" {
		env.EventID = NewEventID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	return env, nil
}
