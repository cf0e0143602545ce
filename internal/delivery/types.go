package delivery

import (
	"time"

	"salesops/internal/channel"
)

// Notification types known to the TTL and priority tables. Any other string
// is accepted and falls back to the defaults.
const (
	TypeBriefing       = "briefing"
	TypeRecap          = "recap"
	TypeReporteDiario  = "reporte_diario"
	TypeReporteSemanal = "reporte_semanal"
	TypeResumenSemanal = "resumen_semanal"
	TypeAlertaLead     = "alerta_lead"
	TypePostVisita     = "post_visita"
	TypeNotificacion   = "notificacion"
)

const (
	// PendingPrefix prefixes queued notification keys in the recipient
	// attribute document.
	PendingPrefix = "pending_"

	// AlreadySent tells DeliverAndClear the message already went out and
	// only the state bookkeeping is left.
	AlreadySent = "__ALREADY_SENT__"
)

// PendingKey returns the attribute key holding the queued notification of typ.
func PendingKey(typ string) string { return PendingPrefix + typ }

// ContextKey returns the attribute key recording the last delivery of typ.
func ContextKey(typ string) string { return "last_" + typ + "_context" }

// QueuedNotification is the value stored under PendingKey.
type QueuedNotification struct {
	SentAt          time.Time  `json:"sent_at"`
	RenderedMessage string     `json:"rendered_message"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// DeliveryContext is the value stored under ContextKey after a flush.
type DeliveryContext struct {
	SentAt     time.Time `json:"sent_at"`
	Delivered  bool      `json:"delivered"`
	MessageRef string    `json:"message_ref,omitempty"`
}

// PendingItem is a live queued notification ready to flush.
type PendingItem struct {
	Type     string
	Key      string
	Message  string
	SentAt   time.Time
	Deadline time.Time
	Priority int
}

type Method string

const (
	MethodDirect   Method = "direct"
	MethodTemplate Method = "template"
	MethodFailed   Method = "failed"
)

// Options controls a single Dispatcher.Send.
type Options struct {
	Type           string
	PersistPending bool
	// ExpiresAt overrides sent_at + TTL when non-zero.
	ExpiresAt time.Time
}

// Result is the dispatch outcome. Success is true when either the direct
// message or the reactivation template was accepted.
type Result struct {
	Success       bool
	Method        Method
	WindowWasOpen bool
	Queued        bool
	Ref           channel.Ref
	Err           error
}

// Delivery is the outcome of DeliverAndClear.
type Delivery struct {
	Success bool
	Ref     channel.Ref
}

// Config holds the hot-reloadable dispatch knobs.
type Config struct {
	SendTimeout      time.Duration
	TemplateName     string
	TemplateLocale   string
	DefaultFirstName string
	FanoutWorkers    int
	FanoutRatePerSec int
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.TemplateName == "" {
		c.TemplateName = "reactivar_equipo"
	}
	if c.TemplateLocale == "" {
		c.TemplateLocale = "es_MX"
	}
	if c.DefaultFirstName == "" {
		c.DefaultFirstName = "equipo"
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.FanoutRatePerSec <= 0 {
		c.FanoutRatePerSec = 5
	}
	return c
}
