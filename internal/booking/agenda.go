package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"salesops/internal/delivery"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

// SendAgenda sends every active vendor a briefing with today's active
// appointments. Vendors without appointments are skipped. Delivery goes
// through the fan-out and undeliverable briefings are queued.
func (s *Service) SendAgenda(ctx context.Context) (int, error) {
	_, loc := s.config()
	now := s.clock.Now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.Add(24*time.Hour - time.Millisecond)

	vendors, err := s.store.ListRecipients(ctx, storage.RecipientFilter{Role: storage.RoleVendor, ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list vendors: %w", err)
	}
	var jobs []delivery.Job
	for _, v := range vendors {
		appts, err := s.store.QueryAppointments(ctx, storage.AppointmentFilter{
			VendorID:       v.ID,
			Statuses:       activeStatuses,
			ScheduledFrom:  dayStart,
			ScheduledUntil: dayEnd,
		})
		if err != nil {
			s.log.Warn("agenda query failed", logx.String("vendor", v.ID), logx.Err(err))
			continue
		}
		if len(appts) == 0 {
			continue
		}
		jobs = append(jobs, delivery.Job{
			Recipient: v,
			Message:   s.agendaMessage(ctx, v, appts, now),
			Options: delivery.Options{
				Type:           delivery.TypeBriefing,
				PersistPending: true,
				ExpiresAt:      dayEnd,
			},
		})
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	sent := 0
	for _, r := range s.dispatch.Fanout(ctx, jobs) {
		if r.Success {
			sent++
		}
	}
	s.log.Info("agenda briefing", logx.Int("vendors", len(jobs)), logx.Int("sent", sent))
	return sent, nil
}

func (s *Service) agendaMessage(ctx context.Context, v storage.Recipient, appts []storage.Appointment, now time.Time) string {
	var b strings.Builder
	name := "equipo"
	if f := strings.Fields(v.Name); len(f) > 0 {
		name = f[0]
	}
	fmt.Fprintf(&b, "☀️ Buenos días %s. Tu agenda de hoy (%s %s):", name, weekdayNames[now.Weekday()], now.Format("02/01"))
	for _, a := range appts {
		who := a.LeadID
		if l, err := s.store.GetLead(ctx, a.LeadID); err == nil && l.Name != "" {
			who = l.Name
		}
		fmt.Fprintf(&b, "\n• %s %s, %s (%s)", a.ScheduledTime, who, orDefault(a.Property, "Por confirmar"), a.Type)
	}
	return b.String()
}
