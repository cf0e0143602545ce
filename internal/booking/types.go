package booking

import (
	"errors"
	"time"

	"salesops/internal/delivery"
	"salesops/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("appointment not found")
)

// ErrorType classifies a rejected booking. Duplicate and out-of-hours are
// user-facing outcomes; db_error is an operator problem.
type ErrorType string

const (
	ErrorNone         ErrorType = ""
	ErrorDuplicate    ErrorType = "duplicate"
	ErrorOutOfHours   ErrorType = "out_of_hours"
	ErrorInvalidSlot  ErrorType = "invalid_slot"
	ErrorDB           ErrorType = "db_error"
	ErrorNotFound     ErrorType = "not_found"
	ErrorInvalidState ErrorType = "invalid_state"
)

// Slot is a requested appointment time in the business timezone.
type Slot struct {
	Date     string // YYYY-MM-DD
	Time     string // HH:MM
	Type     storage.AppointmentType
	Property string
}

type BookOptions struct {
	// Reschedule skips the duplicate check; the caller replaces an
	// existing appointment.
	Reschedule bool
	// Previous is the slot being replaced, used in the vendor message.
	Previous *Slot
	// Specialist is notified when the lead needs credit.
	Specialist *storage.Recipient
}

type BookResult struct {
	Success     bool
	ErrorType   ErrorType
	Appointment storage.Appointment
	// ValidRange is set for out_of_hours, e.g. "09:00–18:00".
	ValidRange string
	// Message is the text shown to the lead for user-facing failures.
	Message string
	Err     error

	Vendor     delivery.Result
	Specialist delivery.Result
}

type CancelResult struct {
	Appointment storage.Appointment
	Vendor      delivery.Result
}

type Config struct {
	Timezone        string
	DuplicateWindow time.Duration
	DefaultStart    int
	DefaultEnd      int
	DefaultDays     []int
	SaturdayClose   int
	VisitDuration   time.Duration
	CalendarTimeout time.Duration
	ConfirmTimeout  time.Duration
	LeadStatus      string
}

func (c Config) withDefaults() Config {
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 30 * time.Minute
	}
	if c.DefaultStart <= 0 {
		c.DefaultStart = 9
	}
	if c.DefaultEnd <= 0 {
		c.DefaultEnd = 18
	}
	if len(c.DefaultDays) == 0 {
		c.DefaultDays = []int{1, 2, 3, 4, 5, 6}
	}
	if c.SaturdayClose <= 0 {
		c.SaturdayClose = 14
	}
	if c.VisitDuration <= 0 {
		c.VisitDuration = time.Hour
	}
	if c.CalendarTimeout <= 0 {
		c.CalendarTimeout = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 15 * time.Second
	}
	if c.LeadStatus == "" {
		c.LeadStatus = "visit_scheduled"
	}
	return c
}

func (c Config) location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// activeStatuses may still change; the others are terminal.
var activeStatuses = []storage.AppointmentStatus{storage.StatusScheduled, storage.StatusConfirmed}
