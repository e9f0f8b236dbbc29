package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the header every settlement event embeds. Consumers dedupe on
// EventID and route on EventType; CorrelationID carries the order id.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

// NewEnvelopeWithID builds an envelope under a caller-chosen event id. Pair
// it with DeterministicEventID so replayed transitions publish the same
// event instead of a duplicate.
func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	if eventID == "" {
		return Envelope{}, fmt.Errorf("event_id is required")
	}
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event_type is required")
	}
	if version <= 0 {
		return Envelope{}, fmt.Errorf("event_version must be positive")
	}

	return Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// DeterministicEventID derives a stable UUID from the identity of an event.
// Same parts, same id, however many times the transition is reported.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}
