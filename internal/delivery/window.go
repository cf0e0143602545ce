package delivery

import (
	"time"

	"salesops/internal/storage"
)

// SessionWindow is how long after a recipient's last inbound message
// free-form messages are allowed.
const SessionWindow = 24 * time.Hour

const defaultTTL = 24 * time.Hour

var ttlByType = map[string]time.Duration{
	TypeBriefing:       18 * time.Hour,
	TypeRecap:          18 * time.Hour,
	TypeReporteDiario:  24 * time.Hour,
	TypeReporteSemanal: 72 * time.Hour,
	TypeResumenSemanal: 72 * time.Hour,
	TypeAlertaLead:     48 * time.Hour,
	TypeNotificacion:   48 * time.Hour,
	TypePostVisita:     48 * time.Hour,
}

// Lower flushes first.
var priorityByType = map[string]int{
	TypeBriefing:       1,
	TypeRecap:          2,
	TypeReporteDiario:  3,
	TypeReporteSemanal: 4,
	TypeResumenSemanal: 5,
	TypeAlertaLead:     6,
	TypePostVisita:     7,
	TypeNotificacion:   8,
}

const unknownPriority = 99

// WindowOpen reports whether free-form messages may be sent. Exactly 24h
// after the last interaction the window is closed.
func WindowOpen(attrs storage.Attributes, now time.Time) bool {
	last, ok := attrs.Time(storage.KeyLastInteraction)
	if !ok {
		return false
	}
	return now.Sub(last) < SessionWindow
}

// TTLFor returns how long a queued notification of typ stays deliverable.
func TTLFor(typ string) time.Duration {
	if d, ok := ttlByType[typ]; ok {
		return d
	}
	return defaultTTL
}

// PriorityFor returns the flush order of typ.
func PriorityFor(typ string) int {
	if p, ok := priorityByType[typ]; ok {
		return p
	}
	return unknownPriority
}
