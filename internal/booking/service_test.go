package booking

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"salesops/internal/channel/channeltest"
	"salesops/internal/delivery"
	"salesops/internal/storage"
)

func TestBookSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if !res.Success || res.ErrorType != ErrorNone {
		t.Fatalf("Book = %+v", res)
	}
	a := h.get(t, res.Appointment.ID)
	if a.Status != storage.StatusScheduled || a.ScheduledDate != "2026-03-03" || a.ScheduledTime != "11:00" {
		t.Fatalf("appointment = %+v", a)
	}
	if !a.VendorNotified || !a.LeadNotified || a.SpecialistNotified {
		t.Fatalf("flags = vendor:%v lead:%v specialist:%v", a.VendorNotified, a.LeadNotified, a.SpecialistNotified)
	}
	if a.CalendarEventID == "" || len(h.calendar.Events()) != 1 {
		t.Fatalf("calendar event missing: %q", a.CalendarEventID)
	}

	lead, _ := h.store.GetLead(ctx, "l1")
	if lead.Status != "visit_scheduled" {
		t.Fatalf("lead status = %q", lead.Status)
	}
	if acts := h.mem.Activity(); len(acts) != 1 || acts[0].Kind != "appointment_scheduled" {
		t.Fatalf("activity = %+v", acts)
	}
	if calls := h.sender.CallsTo(leadPhone); len(calls) != 1 || !strings.Contains(calls[0].Text, "Tu cita quedó agendada") {
		t.Fatalf("lead calls = %+v", calls)
	}
	if calls := h.sender.CallsTo(vendorPhone); len(calls) != 1 || calls[0].Kind != channeltest.KindDirect {
		t.Fatalf("vendor calls = %+v", calls)
	}
}

// A second booking inside the duplicate window is refused until the first
// appointment is cancelled.
func TestBookDuplicateThenCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	first := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if !first.Success {
		t.Fatalf("first Book = %+v", first)
	}
	h.clock.Advance(10 * time.Minute)

	dup := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-04", "12:00"), BookOptions{})
	if dup.Success || dup.ErrorType != ErrorDuplicate || dup.Appointment.ID != first.Appointment.ID {
		t.Fatalf("duplicate Book = %+v", dup)
	}
	if n := len(h.appointments(t)); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}

	if _, err := h.svc.Cancel(ctx, first.Appointment.ID, "cliente pidió cancelar"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	again := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-04", "12:00"), BookOptions{})
	if !again.Success {
		t.Fatalf("Book after cancel = %+v", again)
	}
}

func TestBookDuplicateWindowElapses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if res := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{}); !res.Success {
		t.Fatalf("Book = %+v", res)
	}
	h.clock.Advance(31 * time.Minute)
	if res := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-05", "11:00"), BookOptions{}); !res.Success {
		t.Fatalf("Book after window = %+v", res)
	}
}

func TestBookOutOfHours(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res := h.svc.Book(context.Background(), h.lead, &h.vendor, slot("2026-03-03", "22:00"), BookOptions{})
	if res.Success || res.ErrorType != ErrorOutOfHours || res.ValidRange != "09:00–18:00" {
		t.Fatalf("Book = %+v", res)
	}
	if !strings.Contains(res.Message, "09:00–18:00") {
		t.Fatalf("Message = %q", res.Message)
	}
	if n := len(h.appointments(t)); n != 0 {
		t.Fatalf("rows = %d, want 0", n)
	}
	if n := len(h.sender.Calls()); n != 0 {
		t.Fatalf("sent %d messages on rejection", n)
	}
}

func TestBookSundayRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res := h.svc.Book(context.Background(), h.lead, &h.vendor, slot("2026-03-08", "11:00"), BookOptions{})
	if res.ErrorType != ErrorOutOfHours || !strings.Contains(res.Message, "sábado") {
		t.Fatalf("Book = %+v", res)
	}
}

func TestBookInvalidSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res := h.svc.Book(context.Background(), h.lead, &h.vendor, slot("mañana", "11:00"), BookOptions{})
	if res.ErrorType != ErrorInvalidSlot || res.Err == nil {
		t.Fatalf("Book = %+v", res)
	}
}

func TestBookDBError(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	st := &failingInsertStore{Memory: mem, err: errors.New("connection reset")}
	h := newHarnessWithStore(t, st, mem)

	res := h.svc.Book(context.Background(), h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if res.ErrorType != ErrorDB || res.Err == nil {
		t.Fatalf("Book = %+v", res)
	}
	calls := h.sender.CallsTo(leadPhone)
	if len(calls) != 1 || calls[0].Text != dbErrorMessage {
		t.Fatalf("lead calls = %+v", calls)
	}
	if n := len(h.sender.CallsTo(vendorPhone)); n != 0 {
		t.Fatalf("vendor notified on failed insert: %d", n)
	}
}

func TestBookVendorNotifiedFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.sender.FailAddress(vendorPhone, errors.New("unreachable"))

	failed := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if !failed.Success || failed.Vendor.Success {
		t.Fatalf("Book = %+v", failed)
	}
	if a := h.get(t, failed.Appointment.ID); a.VendorNotified {
		t.Fatal("vendor_notified set after failed dispatch")
	}
	v, _ := h.store.GetRecipient(ctx, "v1")
	if !v.Attributes.Has(delivery.PendingKey(delivery.TypeAlertaLead)) {
		t.Fatal("vendor alert not queued")
	}

	h.sender.FailAddress(vendorPhone, nil)
	if _, err := h.svc.Cancel(ctx, failed.Appointment.ID, "retry"); err != nil {
		t.Fatal(err)
	}
	ok := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "12:00"), BookOptions{})
	if !ok.Success || !ok.Vendor.Success {
		t.Fatalf("Book = %+v", ok)
	}
	if a := h.get(t, ok.Appointment.ID); !a.VendorNotified {
		t.Fatal("vendor_notified not set after successful dispatch")
	}
}

func TestBookNotifiesSpecialist(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sp := storage.Recipient{ID: "s1", Name: "Marta", Phone: specialistPhone, Role: storage.RoleCreditSpecialist, Active: true}
	if err := h.store.UpsertRecipient(ctx, sp); err != nil {
		t.Fatal(err)
	}

	plain := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{Specialist: &sp})
	if plain.Appointment.SpecialistNotified || len(h.sender.CallsTo(specialistPhone)) != 0 {
		t.Fatal("specialist notified for a lead without credit")
	}

	credit := storage.Lead{ID: "l2", Name: "Jorge", Phone: "5215550999", NeedsCredit: true}
	_ = h.store.UpsertLead(ctx, credit)
	res := h.svc.Book(ctx, credit, &h.vendor, slot("2026-03-03", "12:00"), BookOptions{Specialist: &sp})
	if !res.Success || !res.Specialist.Success {
		t.Fatalf("Book = %+v", res)
	}
	if a := h.get(t, res.Appointment.ID); !a.SpecialistNotified {
		t.Fatal("specialist_notified not set")
	}
	if calls := h.sender.CallsTo(specialistPhone); len(calls) != 1 || calls[0].Kind != channeltest.KindTemplate {
		t.Fatalf("specialist calls = %+v", calls)
	}
}

func TestBookCalendarFailureIsNoted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.calendar.FailWith(errors.New("quota exceeded"))

	res := h.svc.Book(context.Background(), h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if !res.Success {
		t.Fatalf("Book = %+v", res)
	}
	a := h.get(t, res.Appointment.ID)
	if a.CalendarEventID != "" || !strings.Contains(a.Notes, "quota exceeded") {
		t.Fatalf("appointment = %+v", a)
	}
	if !a.VendorNotified || !a.LeadNotified {
		t.Fatal("calendar failure blocked notifications")
	}
}

func TestReschedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	first := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if !first.Success {
		t.Fatalf("Book = %+v", first)
	}
	h.clock.Advance(5 * time.Minute)

	res := h.svc.Reschedule(ctx, first.Appointment.ID, Slot{Date: "2026-03-05", Time: "16:00"}, nil)
	if !res.Success {
		t.Fatalf("Reschedule = %+v", res)
	}
	old := h.get(t, first.Appointment.ID)
	if old.Status != storage.StatusRescheduled {
		t.Fatalf("old status = %s", old.Status)
	}
	nw := h.get(t, res.Appointment.ID)
	if nw.RescheduledFrom != old.ID || nw.Property != "Monte Verde" || nw.Type != storage.TypeVisit {
		t.Fatalf("new appointment = %+v", nw)
	}
	if _, ok := h.calendar.Events()[old.CalendarEventID]; ok {
		t.Fatal("old calendar event not deleted")
	}
	calls := h.sender.CallsTo(vendorPhone)
	if last := calls[len(calls)-1]; !strings.Contains(last.Text, "reagendada") || !strings.Contains(last.Text, "2026-03-03 11:00") {
		t.Fatalf("vendor message = %q", last.Text)
	}

	if again := h.svc.Reschedule(ctx, old.ID, Slot{Date: "2026-03-06", Time: "10:00"}, nil); again.ErrorType != ErrorInvalidState {
		t.Fatalf("reschedule of rescheduled = %+v", again)
	}
	if missing := h.svc.Reschedule(ctx, "nope", Slot{Date: "2026-03-06", Time: "10:00"}, nil); missing.ErrorType != ErrorNotFound {
		t.Fatalf("reschedule of missing = %+v", missing)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	b := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})

	res, err := h.svc.Cancel(ctx, b.Appointment.ID, "sin crédito")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Vendor.Success {
		t.Fatalf("vendor not notified: %+v", res.Vendor)
	}
	a := h.get(t, b.Appointment.ID)
	if a.Status != storage.StatusCancelled || a.CancelReason != "sin crédito" {
		t.Fatalf("appointment = %+v", a)
	}
	if len(h.calendar.Events()) != 0 {
		t.Fatal("calendar event not deleted")
	}
	if _, err := h.svc.Cancel(ctx, b.Appointment.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Cancel err = %v", err)
	}
	if _, err := h.svc.Cancel(ctx, "nope", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing Cancel err = %v", err)
	}
}

func TestCancelWriteFailureLeavesAppointmentActive(t *testing.T) {
	t.Parallel()
	st := newFailingTransitionStore(storage.StatusCancelled, errors.New("disk full"))
	h := newHarnessWithStore(t, st, st.Memory)
	ctx := context.Background()
	b := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if !b.Success {
		t.Fatalf("Book = %+v", b)
	}
	sends := len(h.sender.CallsTo(vendorPhone))

	if _, err := h.svc.Cancel(ctx, b.Appointment.ID, "sin crédito"); err == nil {
		t.Fatal("Cancel succeeded on a failed write")
	}
	a := h.get(t, b.Appointment.ID)
	if a.Status != storage.StatusScheduled || a.CancelReason != "" {
		t.Fatalf("after failed cancel: status %s reason %q", a.Status, a.CancelReason)
	}
	if len(h.calendar.Events()) != 1 {
		t.Fatal("calendar event removed by a failed cancel")
	}
	if got := len(h.sender.CallsTo(vendorPhone)); got != sends {
		t.Fatalf("vendor messaged on failed cancel: %d sends", got)
	}

	st.heal()
	res, err := h.svc.Cancel(ctx, b.Appointment.ID, "sin crédito")
	if err != nil {
		t.Fatalf("retried Cancel: %v", err)
	}
	if !res.Vendor.Success {
		t.Fatalf("vendor not notified on retry: %+v", res.Vendor)
	}
	a = h.get(t, b.Appointment.ID)
	if a.Status != storage.StatusCancelled || a.CancelReason != "sin crédito" {
		t.Fatalf("after retry: %+v", a)
	}
}

func TestRescheduleWriteFailureBooksNothing(t *testing.T) {
	t.Parallel()
	st := newFailingTransitionStore(storage.StatusRescheduled, errors.New("connection reset"))
	h := newHarnessWithStore(t, st, st.Memory)
	ctx := context.Background()
	first := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if !first.Success {
		t.Fatalf("Book = %+v", first)
	}
	sends := len(h.sender.CallsTo(vendorPhone))

	res := h.svc.Reschedule(ctx, first.Appointment.ID, Slot{Date: "2026-03-05", Time: "16:00"}, nil)
	if res.Success || res.ErrorType != ErrorDB {
		t.Fatalf("Reschedule = %+v", res)
	}
	list := h.appointments(t)
	if len(list) != 1 || list[0].Status != storage.StatusScheduled {
		t.Fatalf("appointments = %+v", list)
	}
	if got := len(h.sender.CallsTo(vendorPhone)); got != sends {
		t.Fatalf("vendor told about a failed reschedule: %d sends", got)
	}
}

func TestRescheduleRejectedSlotRestoresOld(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	first := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})
	if err := h.svc.Confirm(ctx, first.Appointment.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	res := h.svc.Reschedule(ctx, first.Appointment.ID, Slot{Date: "2026-03-05", Time: "22:00"}, nil)
	if res.Success || res.ErrorType != ErrorOutOfHours {
		t.Fatalf("Reschedule = %+v", res)
	}
	if a := h.get(t, first.Appointment.ID); a.Status != storage.StatusConfirmed {
		t.Fatalf("old status = %s, want confirmed", a.Status)
	}
	if n := len(h.appointments(t)); n != 1 {
		t.Fatalf("appointments = %d", n)
	}
}

func TestConfirm(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	b := h.svc.Book(ctx, h.lead, &h.vendor, slot("2026-03-03", "11:00"), BookOptions{})

	if err := h.svc.Confirm(ctx, b.Appointment.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if a := h.get(t, b.Appointment.ID); a.Status != storage.StatusConfirmed {
		t.Fatalf("status = %s", a.Status)
	}
	if err := h.svc.Confirm(ctx, b.Appointment.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Confirm err = %v", err)
	}
	if err := h.svc.Confirm(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing Confirm err = %v", err)
	}
}
