package broker

import (
	"time"

	"github.com/google/uuid"

	"salesops/internal/eventbus"
)

// Meta describes an event on the wire.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	// Type is the event name plus schema version, e.g. booking.created.v1.
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

const schemaVersion = ".v1"

// FromEvent wraps a bus event. The bus event ID is reused so consumers can
// deduplicate redeliveries.
func FromEvent(ev eventbus.Event, producer string) Envelope {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	return Envelope{
		Meta: Meta{
			ID:            id,
			CorrelationID: id,
			Producer:      producer,
			Time:          at.UTC(),
			Type:          ev.Type + schemaVersion,
		},
		Data: ev.Data,
	}
}
