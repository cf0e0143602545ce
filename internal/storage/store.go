package storage

import (
	"context"
	"errors"
	"strings"

	logx "salesops/pkg/logx"
)

// Store is the record store consumed by delivery and booking.
//
// Recipient attributes are a coarse document: UpdateRecipientAttributes
// replaces the whole bag. Callers that merge must re-read first.
type Store interface {
	GetRecipient(ctx context.Context, id string) (Recipient, error)
	FindRecipientByAddress(ctx context.Context, address string) (Recipient, error)
	ListRecipients(ctx context.Context, f RecipientFilter) ([]Recipient, error)
	UpsertRecipient(ctx context.Context, r Recipient) error
	UpdateRecipientAttributes(ctx context.Context, id string, attrs Attributes) error

	GetLead(ctx context.Context, id string) (Lead, error)
	UpsertLead(ctx context.Context, l Lead) error
	UpdateLeadStatus(ctx context.Context, id, status string) error

	InsertAppointment(ctx context.Context, a Appointment) (Appointment, error)
	GetAppointment(ctx context.Context, id string) (AppointmentDetail, error)
	UpdateAppointment(ctx context.Context, id string, p AppointmentPatch) error
	// TransitionStatus moves the appointment to `to` only if its current status
	// is one of `from`, writing p in the same update. p.Status is ignored.
	// It reports whether a row changed.
	TransitionStatus(ctx context.Context, id string, from []AppointmentStatus, to AppointmentStatus, p AppointmentPatch) (bool, error)
	QueryAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)

	AppendActivity(ctx context.Context, e ActivityEntry) error
	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		log.Warn("using in-memory store; data is lost on restart")
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func containsStatus(list []AppointmentStatus, s AppointmentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NormalizeAddress reduces a channel address to its digits so "+52 492 123"
// and "52492123" compare equal. Non-numeric addresses are returned trimmed.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return strings.ToLower(s)
	}
	return b.String()
}
