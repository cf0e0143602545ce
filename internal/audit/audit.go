// Package audit persists bus events to the store's audit table.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"salesops/internal/booking"
	"salesops/internal/delivery"
	"salesops/internal/eventbus"
	"salesops/internal/scheduler"
	"salesops/internal/storage"
	"salesops/pkg/logx"
)

// Appender is the slice of storage.Store the sink needs.
type Appender interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Sink struct {
	store Appender
	log   logx.Logger
	// Families limits which event families are written. Empty means all.
	families map[string]bool
}

func New(store Appender, log logx.Logger, families ...string) *Sink {
	s := &Sink{store: store, log: log.With(logx.String("comp", "audit"))}
	if len(families) > 0 {
		s.families = map[string]bool{}
		for _, f := range families {
			s.families[f] = true
		}
	}
	return s
}

// Run writes events until ctx ends or the subscription closes.
func (s *Sink) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if s.families != nil && !s.families[ev.Family()] {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.store.AppendAudit(wctx, Entry(ev)); err != nil {
				s.log.Warn("audit write failed", logx.String("type", ev.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

// Entry maps a bus event to an audit row.
func Entry(ev eventbus.Event) storage.AuditEntry {
	e := storage.AuditEntry{At: ev.Time, Kind: ev.Type, OK: true}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	switch d := ev.Data.(type) {
	case delivery.Event:
		e.Subject, e.Error = d.RecipientID, d.Error
	case booking.Event:
		e.Subject, e.Error = d.AppointmentID, d.Error
		if e.Subject == "" {
			e.Subject = d.LeadID
		}
	case scheduler.RunEvent:
		e.Subject, e.Error = d.Job, d.Error
	}
	if e.Error != "" || strings.HasSuffix(ev.Type, ".failed") || strings.HasSuffix(ev.Type, ".rejected") {
		e.OK = false
	}
	if ev.Data != nil {
		if b, err := json.Marshal(ev.Data); err == nil {
			e.MetaJSON = string(b)
		}
	}
	return e
}
