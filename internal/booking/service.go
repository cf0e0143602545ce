package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"salesops/internal/calendar"
	"salesops/internal/channel"
	"salesops/internal/clock"
	"salesops/internal/delivery"
	"salesops/internal/eventbus"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

// Dispatcher is the subset of delivery.Dispatcher booking needs.
type Dispatcher interface {
	Send(ctx context.Context, r storage.Recipient, message string, opts delivery.Options) delivery.Result
	Fanout(ctx context.Context, jobs []delivery.Job) []delivery.Result
	Mutator() *delivery.Mutator
}

type Deps struct {
	Store      storage.Store
	Dispatcher Dispatcher
	Sender     channel.Sender
	Calendar   calendar.Sink
	Clock      clock.Clock
	Bus        eventbus.Bus
	Log        logx.Logger
	// NewID defaults to uuid.NewString.
	NewID func() string
}

// Service books, reschedules, cancels and confirms appointments.
//
// There are no locks: duplicates are prevented by a creation-time window and
// status changes use compare-and-set transitions in the store.
type Service struct {
	store    storage.Store
	dispatch Dispatcher
	sender   channel.Sender
	calendar calendar.Sink
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
	newID    func() string

	mu  sync.RWMutex
	cfg Config
	loc *time.Location
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Calendar == nil {
		deps.Calendar = calendar.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	s := &Service{
		store:    deps.Store,
		dispatch: deps.Dispatcher,
		sender:   deps.Sender,
		calendar: deps.Calendar,
		clock:    deps.Clock,
		bus:      deps.Bus,
		log:      deps.Log.With(logx.String("comp", "booking")),
		newID:    deps.NewID,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	loc := cfg.location()
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
}

func (s *Service) config() (Config, *time.Location) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.loc
}

// Book creates an appointment for lead with vendor at slot. vendor may be
// nil for an unassigned appointment.
func (s *Service) Book(ctx context.Context, lead storage.Lead, vendor *storage.Recipient, slot Slot, opts BookOptions) BookResult {
	cfg, loc := s.config()
	now := s.clock.Now()
	vendorID := ""
	if vendor != nil {
		vendorID = vendor.ID
	}
	log := s.log.With(
		logx.String("lead", lead.ID),
		logx.String("vendor", vendorID),
		logx.String("slot", slot.Date+" "+slot.Time),
	)

	at, err := parseSlot(slot, loc)
	if err != nil {
		log.Info("booking rejected: invalid slot", logx.Err(err))
		return s.reject(BookResult{ErrorType: ErrorInvalidSlot, Err: err}, lead.ID, vendorID)
	}

	if !opts.Reschedule {
		existing, err := s.store.QueryAppointments(ctx, storage.AppointmentFilter{
			LeadID:          lead.ID,
			ExcludeStatuses: []storage.AppointmentStatus{storage.StatusCancelled, storage.StatusRescheduled},
			CreatedSince:    now.Add(-cfg.DuplicateWindow),
			Limit:           1,
		})
		if err != nil {
			log.Error("duplicate check failed", logx.Err(err))
			return s.reject(BookResult{ErrorType: ErrorDB, Err: fmt.Errorf("duplicate check: %w", err)}, lead.ID, vendorID)
		}
		if len(existing) > 0 {
			log.Info("booking rejected: duplicate", logx.String("existing", existing[0].ID))
			return s.reject(BookResult{ErrorType: ErrorDuplicate, Appointment: existing[0]}, lead.ID, vendorID)
		}
	}

	hc := checkHours(vendor, at, cfg)
	if !hc.OK {
		res := BookResult{ErrorType: ErrorOutOfHours, ValidRange: hc.ValidRange()}
		if hc.WorkingDay {
			res.Message = outOfHoursMessage(hc, at.Hour())
		} else {
			days := cfg.DefaultDays
			if vendor != nil && len(vendor.WorkingDays) > 0 {
				days = vendor.WorkingDays
			}
			res.Message = nonWorkingDayMessage(days)
		}
		log.Info("booking rejected: out of hours", logx.String("valid_range", res.ValidRange), logx.Bool("working_day", hc.WorkingDay))
		return s.reject(res, lead.ID, vendorID)
	}

	typ := slot.Type
	if typ == "" {
		typ = storage.TypeVisit
	}
	appt, err := s.store.InsertAppointment(ctx, storage.Appointment{
		ID:            s.newID(),
		LeadID:        lead.ID,
		VendorID:      vendorID,
		ScheduledDate: at.Format("2006-01-02"),
		ScheduledTime: at.Format("15:04"),
		ScheduledAt:   at,
		Type:          typ,
		Status:        storage.StatusScheduled,
		Property:      slot.Property,
		CreatedAt:     now,
	})
	if err != nil {
		log.Error("appointment insert failed", logx.Err(err))
		s.sendLead(ctx, lead, dbErrorMessage, cfg)
		return s.reject(BookResult{ErrorType: ErrorDB, Err: fmt.Errorf("insert appointment: %w", err), Message: dbErrorMessage}, lead.ID, vendorID)
	}
	res := BookResult{Success: true, Appointment: appt}

	s.sideEffects(ctx, log, lead, vendor, &res.Appointment, cfg)

	if vendor != nil {
		msg := vendorNewMessage(lead, appt)
		if opts.Reschedule {
			msg = vendorRescheduleMessage(lead, appt, opts.Previous)
		}
		res.Vendor = s.dispatch.Send(ctx, *vendor, msg, delivery.Options{Type: delivery.TypeAlertaLead, PersistPending: true})
		if res.Vendor.Success {
			s.patch(ctx, log, appt.ID, storage.AppointmentPatch{VendorNotified: storage.Bool(true)})
			res.Appointment.VendorNotified = true
		} else {
			log.Warn("vendor notification failed", logx.Err(res.Vendor.Err), logx.Bool("queued", res.Vendor.Queued))
		}
	}

	if sp := opts.Specialist; lead.NeedsCredit && sp != nil && sp.Active && sp.Phone != "" {
		res.Specialist = s.dispatch.Send(ctx, *sp, specialistMessage(lead, appt), delivery.Options{Type: delivery.TypeAlertaLead, PersistPending: true})
		if res.Specialist.Success {
			s.patch(ctx, log, appt.ID, storage.AppointmentPatch{SpecialistNotified: storage.Bool(true)})
			res.Appointment.SpecialistNotified = true
		} else {
			log.Warn("specialist notification failed", logx.String("specialist", sp.ID), logx.Err(res.Specialist.Err))
		}
	}

	if s.sendLead(ctx, lead, leadConfirmationMessage(lead, appt, vendor), cfg) {
		s.patch(ctx, log, appt.ID, storage.AppointmentPatch{LeadNotified: storage.Bool(true)})
		res.Appointment.LeadNotified = true
	}

	typEvent := EventCreated
	if opts.Reschedule {
		typEvent = EventRescheduled
	}
	s.publish(typEvent, Event{
		AppointmentID: appt.ID, LeadID: lead.ID, VendorID: vendorID,
		Status: string(res.Appointment.Status), VendorNotified: res.Appointment.VendorNotified,
		LeadNotified: res.Appointment.LeadNotified,
	})
	log.Info("appointment booked", logx.String("appointment", appt.ID))
	return res
}

// sideEffects runs the best-effort steps after insert in order: lead
// status, activity log, calendar event.
func (s *Service) sideEffects(ctx context.Context, log logx.Logger, lead storage.Lead, vendor *storage.Recipient, appt *storage.Appointment, cfg Config) {
	if err := s.store.UpdateLeadStatus(ctx, lead.ID, cfg.LeadStatus); err != nil {
		log.Warn("lead status update failed", logx.Err(err))
	}
	if err := s.store.AppendActivity(ctx, storage.ActivityEntry{
		At: s.clock.Now(), LeadID: lead.ID, Actor: appt.VendorID, Kind: "appointment_scheduled",
		Detail: fmt.Sprintf("%s %s %s", appt.Type, appt.ScheduledDate, appt.ScheduledTime),
	}); err != nil {
		log.Warn("activity log failed", logx.Err(err))
	}

	ev := calendar.Event{
		Title:    fmt.Sprintf("Cita: %s", leadName(lead)),
		Location: appt.Property,
		Start:    appt.ScheduledAt,
		End:      appt.ScheduledAt.Add(cfg.VisitDuration),
	}
	if vendor != nil {
		ev.Description = "Vendedor: " + vendor.Name
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.CalendarTimeout)
	id, err := s.calendar.CreateEvent(cctx, ev)
	cancel()
	if err != nil {
		if !errors.Is(err, calendar.ErrDisabled) {
			log.Warn("calendar event failed", logx.Err(err))
			note := "calendar: " + err.Error()
			s.patch(ctx, log, appt.ID, storage.AppointmentPatch{Notes: storage.Str(note)})
			appt.Notes = note
		}
		return
	}
	s.patch(ctx, log, appt.ID, storage.AppointmentPatch{CalendarEventID: storage.Str(id)})
	appt.CalendarEventID = id
}

func (s *Service) sendLead(ctx context.Context, lead storage.Lead, text string, cfg Config) bool {
	if s.sender == nil || lead.Phone == "" {
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.ConfirmTimeout)
	defer cancel()
	if _, err := s.sender.SendDirect(sctx, lead.Phone, text); err != nil {
		s.log.Warn("lead message failed", logx.String("lead", lead.ID), logx.Err(err))
		return false
	}
	return true
}

func (s *Service) patch(ctx context.Context, log logx.Logger, id string, p storage.AppointmentPatch) {
	if err := s.store.UpdateAppointment(ctx, id, p); err != nil {
		log.Error("appointment update failed", logx.String("appointment", id), logx.Err(err))
	}
}

func (s *Service) reject(res BookResult, leadID, vendorID string) BookResult {
	s.publish(EventRejected, Event{
		AppointmentID: res.Appointment.ID, LeadID: leadID, VendorID: vendorID,
		ErrorType: string(res.ErrorType), Error: errString(res.Err),
	})
	return res
}

func (s *Service) load(ctx context.Context, id string) (storage.AppointmentDetail, error) {
	d, err := s.store.GetAppointment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return d, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return d, err
}

func leadOf(d storage.AppointmentDetail) storage.Lead {
	if d.Lead != nil {
		return *d.Lead
	}
	return storage.Lead{ID: d.LeadID}
}

// Reschedule marks the old appointment rescheduled, then books newSlot for the
// same lead and vendor. The old row is flipped first so the lead never holds
// two active appointments; a failed booking puts it back. The new appointment
// records RescheduledFrom.
func (s *Service) Reschedule(ctx context.Context, appointmentID string, newSlot Slot, specialist *storage.Recipient) BookResult {
	old, err := s.load(ctx, appointmentID)
	if err != nil {
		et := ErrorDB
		if errors.Is(err, ErrNotFound) {
			et = ErrorNotFound
		}
		return BookResult{ErrorType: et, Err: err}
	}
	if old.Status != storage.StatusScheduled && old.Status != storage.StatusConfirmed {
		return BookResult{ErrorType: ErrorInvalidState, Appointment: old.Appointment,
			Err: fmt.Errorf("reschedule %s from %s: %w", old.ID, old.Status, ErrInvalidTransition)}
	}
	if newSlot.Type == "" {
		newSlot.Type = old.Type
	}
	if newSlot.Property == "" {
		newSlot.Property = old.Property
	}
	log := s.log.With(logx.String("appointment", old.ID), logx.String("lead", old.LeadID))

	ok, err := s.store.TransitionStatus(ctx, old.ID, []storage.AppointmentStatus{old.Status}, storage.StatusRescheduled, storage.AppointmentPatch{})
	if err != nil {
		log.Error("reschedule write failed", logx.Err(err))
		return BookResult{ErrorType: ErrorDB, Appointment: old.Appointment, Err: fmt.Errorf("reschedule %s: %w", old.ID, err)}
	}
	if !ok {
		// changed underneath us, e.g. cancelled concurrently
		return BookResult{ErrorType: ErrorInvalidState, Appointment: old.Appointment,
			Err: fmt.Errorf("reschedule %s: %w", old.ID, ErrInvalidTransition)}
	}

	prev := Slot{Date: old.ScheduledDate, Time: old.ScheduledTime}
	res := s.Book(ctx, leadOf(old), old.Vendor, newSlot, BookOptions{Reschedule: true, Previous: &prev, Specialist: specialist})
	if !res.Success {
		restored, rerr := s.store.TransitionStatus(ctx, old.ID, []storage.AppointmentStatus{storage.StatusRescheduled}, old.Status, storage.AppointmentPatch{})
		if rerr != nil || !restored {
			log.Error("reschedule rollback failed", logx.String("status", string(old.Status)), logx.Bool("changed", restored), logx.Err(rerr))
		}
		return res
	}
	log = log.With(logx.String("replacement", res.Appointment.ID))
	s.patch(ctx, log, res.Appointment.ID, storage.AppointmentPatch{RescheduledFrom: storage.Str(old.ID)})
	res.Appointment.RescheduledFrom = old.ID

	if old.CalendarEventID != "" {
		s.deleteEvent(ctx, log, old.CalendarEventID)
	}
	return res
}

// Cancel moves an active appointment to cancelled and tells the vendor.
// A failed status write is returned; calendar and notification failures are
// not.
func (s *Service) Cancel(ctx context.Context, appointmentID, reason string) (CancelResult, error) {
	d, err := s.load(ctx, appointmentID)
	if err != nil {
		return CancelResult{}, err
	}
	log := s.log.With(logx.String("appointment", d.ID), logx.String("lead", d.LeadID))
	if d.Status != storage.StatusScheduled && d.Status != storage.StatusConfirmed {
		return CancelResult{Appointment: d.Appointment}, fmt.Errorf("cancel %s from %s: %w", d.ID, d.Status, ErrInvalidTransition)
	}

	ok, err := s.store.TransitionStatus(ctx, d.ID, activeStatuses, storage.StatusCancelled,
		storage.AppointmentPatch{CancelReason: storage.Str(reason)})
	if err != nil {
		log.Error("cancel write failed", logx.Err(err))
		return CancelResult{Appointment: d.Appointment}, fmt.Errorf("cancel %s: %w", d.ID, err)
	}
	if !ok {
		return CancelResult{Appointment: d.Appointment}, fmt.Errorf("cancel %s: %w", d.ID, ErrInvalidTransition)
	}
	if d.CalendarEventID != "" {
		s.deleteEvent(ctx, log, d.CalendarEventID)
	}
	res := CancelResult{Appointment: d.Appointment}
	res.Appointment.Status = storage.StatusCancelled
	res.Appointment.CancelReason = reason

	lead := leadOf(d)
	if err := s.store.AppendActivity(ctx, storage.ActivityEntry{
		At: s.clock.Now(), LeadID: lead.ID, Actor: d.VendorID, Kind: "appointment_cancelled", Detail: reason,
	}); err != nil {
		log.Warn("activity log failed", logx.Err(err))
	}
	if d.Vendor != nil {
		res.Vendor = s.dispatch.Send(ctx, *d.Vendor, cancelMessage(lead, d.Appointment, reason),
			delivery.Options{Type: delivery.TypeAlertaLead, PersistPending: true})
	}
	s.publish(EventCancelled, Event{
		AppointmentID: d.ID, LeadID: d.LeadID, VendorID: d.VendorID, Status: string(storage.StatusCancelled),
		VendorNotified: res.Vendor.Success,
	})
	log.Info("appointment cancelled", logx.String("reason", reason))
	return res, nil
}

// Confirm moves a scheduled appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, appointmentID string) error {
	ok, err := s.store.TransitionStatus(ctx, appointmentID,
		[]storage.AppointmentStatus{storage.StatusScheduled}, storage.StatusConfirmed, storage.AppointmentPatch{})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", appointmentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("confirm %s: %w", appointmentID, err)
	}
	if !ok {
		return fmt.Errorf("confirm %s: %w", appointmentID, ErrInvalidTransition)
	}
	s.publish(EventConfirmed, Event{AppointmentID: appointmentID, Status: string(storage.StatusConfirmed)})
	return nil
}

func (s *Service) deleteEvent(ctx context.Context, log logx.Logger, id string) {
	cfg, _ := s.config()
	cctx, cancel := context.WithTimeout(ctx, cfg.CalendarTimeout)
	defer cancel()
	if _, err := s.calendar.DeleteEvent(cctx, id); err != nil && !errors.Is(err, calendar.ErrDisabled) {
		log.Warn("calendar delete failed", logx.String("event", id), logx.Err(err))
	}
}
