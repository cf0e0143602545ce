package delivery

import (
	"time"

	"github.com/google/uuid"

	"salesops/internal/eventbus"
)

const (
	EventDirect      = "delivery.direct"
	EventTemplate    = "delivery.template"
	EventFailed      = "delivery.failed"
	EventQueued      = "delivery.queued"
	EventQueueFailed = "delivery.queue_failed"
	EventFlushed     = "delivery.flushed"
	EventPruned      = "delivery.pruned"
)

// Event is the payload of every delivery.* bus event. Keep it small; sinks
// serialise it.
type Event struct {
	RecipientID string `json:"recipient_id"`
	Address     string `json:"address,omitempty"`
	Type        string `json:"type,omitempty"`
	Method      string `json:"method,omitempty"`
	WindowOpen  bool   `json:"window_open"`
	Queued      bool   `json:"queued"`
	MessageID   string `json:"message_id,omitempty"`
	Count       int    `json:"count,omitempty"`
	Error       string `json:"error,omitempty"`
}

func publish(bus eventbus.Bus, typ string, at time.Time, ev Event) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{ID: uuid.NewString(), Type: typ, Time: at, Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
