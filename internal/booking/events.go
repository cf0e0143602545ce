package booking

import (
	"github.com/google/uuid"

	"salesops/internal/eventbus"
)

const (
	EventCreated     = "booking.created"
	EventRejected    = "booking.rejected"
	EventRescheduled = "booking.rescheduled"
	EventCancelled   = "booking.cancelled"
	EventConfirmed   = "booking.confirmed"
	EventCompleted   = "booking.completed"
)

type Event struct {
	AppointmentID  string `json:"appointment_id,omitempty"`
	LeadID         string `json:"lead_id,omitempty"`
	VendorID       string `json:"vendor_id,omitempty"`
	Status         string `json:"status,omitempty"`
	ErrorType      string `json:"error_type,omitempty"`
	VendorNotified bool   `json:"vendor_notified"`
	LeadNotified   bool   `json:"lead_notified"`
	Error          string `json:"error,omitempty"`
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{ID: uuid.NewString(), Type: typ, Time: s.clock.Now(), Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
