package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "sqlite": SQLite database file (Path)
//   - "postgres": PostgreSQL via pgx (DSN)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}

// Recipient is a team member reachable over the messaging channel.
type Recipient struct {
	ID          string
	Name        string
	Phone       string
	Role        string
	Active      bool
	WorkStart   int   // hour of day, 0 means default
	WorkEnd     int   // hour of day, 0 means default
	WorkingDays []int // time.Weekday numbers, empty means default
	Attributes  Attributes
}

const (
	RoleVendor           = "vendor"
	RoleCreditSpecialist = "credit_specialist"
	RoleAdmin            = "admin"
)

type RecipientFilter struct {
	Role       string
	ActiveOnly bool
}

// Lead is the prospect side of an appointment. Only the fields the booking
// flow reads or writes are modelled.
type Lead struct {
	ID          string
	Name        string
	Phone       string
	Status      string
	NeedsCredit bool
	AssignedTo  string
}

type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

type AppointmentType string

const (
	TypeVisit    AppointmentType = "visit"
	TypeCall     AppointmentType = "call"
	TypeFollowUp AppointmentType = "follow_up"
)

type Appointment struct {
	ID                 string
	LeadID             string
	VendorID           string // empty when unassigned
	ScheduledDate      string // YYYY-MM-DD
	ScheduledTime      string // HH:MM
	ScheduledAt        time.Time
	Type               AppointmentType
	Status             AppointmentStatus
	Property           string
	VendorNotified     bool
	LeadNotified       bool
	SpecialistNotified bool
	CalendarEventID    string
	Notes              string
	CancelReason       string
	RescheduledFrom    string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AppointmentPatch updates only the non-nil fields.
type AppointmentPatch struct {
	Status             *AppointmentStatus
	VendorNotified     *bool
	LeadNotified       *bool
	SpecialistNotified *bool
	CalendarEventID    *string
	Notes              *string
	CancelReason       *string
	RescheduledFrom    *string
}

// AppointmentDetail joins the vendor and lead records. Either may be nil when
// the referenced row no longer exists.
type AppointmentDetail struct {
	Appointment
	Lead   *Lead
	Vendor *Recipient
}

type AppointmentFilter struct {
	LeadID          string
	VendorID        string
	Statuses        []AppointmentStatus
	ExcludeStatuses []AppointmentStatus
	CreatedSince    time.Time
	ScheduledFrom   time.Time // inclusive
	ScheduledUntil  time.Time // inclusive
	Limit           int
}

// ActivityEntry is a lead-facing timeline record.
type ActivityEntry struct {
	At     time.Time
	LeadID string
	Actor  string
	Kind   string
	Detail string
}

// AuditEntry records a delivery or booking outcome for operators.
type AuditEntry struct {
	At       time.Time
	Kind     string
	Subject  string
	OK       bool
	Error    string
	MetaJSON string
}

func Bool(v bool) *bool                             { return &v }
func Str(v string) *string                          { return &v }
func Status(v AppointmentStatus) *AppointmentStatus { return &v }
