package booking

import (
	"context"
	"fmt"
	"time"

	"salesops/internal/delivery"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

// KeyPostVisitContext records on the vendor which appointment the follow-up
// question is about, so the vendor's reply can be matched to it.
const KeyPostVisitContext = "post_visit_context"

type PostVisitContext struct {
	AppointmentID string    `json:"appointment_id"`
	LeadID        string    `json:"lead_id"`
	LeadName      string    `json:"lead_name,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// PostVisitConfig bounds the candidate window relative to the visit start.
// Defaults match a one hour visit followed 30 to 90 minutes later.
type PostVisitConfig struct {
	Grace    time.Duration
	Lookback time.Duration
}

func (c PostVisitConfig) withDefaults() PostVisitConfig {
	if c.Grace <= 0 {
		c.Grace = 90 * time.Minute
	}
	if c.Lookback <= c.Grace {
		c.Lookback = c.Grace + time.Hour
	}
	return c
}

type PostVisitReport struct {
	Candidates int
	Triggered  int
	Skipped    int
}

// PostVisit asks vendors how a finished visit went.
//
// Runs may overlap (manual trigger plus cron, or two replicas). Each
// appointment is flipped to completed with a compare-and-set before anything
// is sent, so only the run that wins the flip sends.
type PostVisit struct {
	svc *Service
	cfg PostVisitConfig
}

func NewPostVisit(svc *Service, cfg PostVisitConfig) *PostVisit {
	return &PostVisit{svc: svc, cfg: cfg.withDefaults()}
}

func (p *PostVisit) Run(ctx context.Context) (PostVisitReport, error) {
	s := p.svc
	now := s.clock.Now()
	list, err := s.store.QueryAppointments(ctx, storage.AppointmentFilter{
		Statuses:       activeStatuses,
		ScheduledFrom:  now.Add(-p.cfg.Lookback),
		ScheduledUntil: now.Add(-p.cfg.Grace),
	})
	if err != nil {
		return PostVisitReport{}, fmt.Errorf("post-visit candidates: %w", err)
	}
	rep := PostVisitReport{Candidates: len(list)}
	for _, a := range list {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if p.trigger(ctx, a) {
			rep.Triggered++
		} else {
			rep.Skipped++
		}
	}
	if rep.Candidates > 0 {
		s.log.Info("post-visit run", logx.Int("candidates", rep.Candidates), logx.Int("triggered", rep.Triggered))
	}
	return rep, nil
}

func (p *PostVisit) trigger(ctx context.Context, a storage.Appointment) bool {
	s := p.svc
	log := s.log.With(logx.String("appointment", a.ID), logx.String("vendor", a.VendorID))

	d, err := s.store.GetAppointment(ctx, a.ID)
	if err != nil {
		log.Warn("post-visit load failed", logx.Err(err))
		return false
	}
	if d.Vendor == nil || d.Vendor.Phone == "" {
		log.Info("post-visit skipped: vendor unreachable")
		return false
	}
	var prev PostVisitContext
	if d.Vendor.Attributes.Get(KeyPostVisitContext, &prev) && prev.AppointmentID == a.ID {
		log.Debug("post-visit already started")
		return false
	}

	ok, err := s.store.TransitionStatus(ctx, a.ID, activeStatuses, storage.StatusCompleted, storage.AppointmentPatch{})
	if err != nil {
		log.Error("post-visit status flip failed", logx.Err(err))
		return false
	}
	if !ok {
		log.Debug("post-visit skipped: status already changed")
		return false
	}

	lead := leadOf(d)
	res := s.dispatch.Send(ctx, *d.Vendor, postVisitMessage(lead, d.Appointment),
		delivery.Options{Type: delivery.TypePostVisita, PersistPending: true})
	if !res.Success {
		log.Warn("post-visit question not delivered", logx.Bool("queued", res.Queued), logx.Err(res.Err))
	}
	err = s.dispatch.Mutator().Mutate(ctx, d.Vendor.ID, func(attrs storage.Attributes) {
		_ = attrs.Set(KeyPostVisitContext, PostVisitContext{
			AppointmentID: a.ID, LeadID: lead.ID, LeadName: lead.Name, StartedAt: s.clock.Now().UTC(),
		})
	})
	if err != nil {
		log.Warn("post-visit context write failed", logx.Err(err))
	}
	s.publish(EventCompleted, Event{
		AppointmentID: a.ID, LeadID: a.LeadID, VendorID: a.VendorID, Status: string(storage.StatusCompleted),
		VendorNotified: res.Success,
	})
	return true
}
