package booking

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"salesops/internal/calendar"
	"salesops/internal/channel/channeltest"
	"salesops/internal/clock"
	"salesops/internal/delivery"
	"salesops/internal/eventbus"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

// Monday.
var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const (
	vendorPhone     = "5215550100"
	specialistPhone = "5215550300"
	leadPhone       = "5215550200"
)

type harness struct {
	store    storage.Store
	mem      *storage.Memory
	sender   *channeltest.Recorder
	clock    *clock.Manual
	calendar *calendar.Memory
	svc      *Service
	vendor   storage.Recipient
	lead     storage.Lead
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := storage.NewMemory()
	return newHarnessWithStore(t, mem, mem)
}

func newHarnessWithStore(t *testing.T, st storage.Store, mem *storage.Memory) *harness {
	t.Helper()
	h := &harness{
		store:    st,
		mem:      mem,
		sender:   channeltest.NewRecorder(),
		clock:    clock.NewManual(t0),
		calendar: calendar.NewMemory(),
	}
	bus := eventbus.New()
	d := delivery.NewDispatcher(delivery.Config{SendTimeout: time.Second}, delivery.Deps{
		Store: st, Sender: h.sender, Clock: h.clock, Bus: bus, Log: logx.Nop(),
	})
	var seq atomic.Int64
	h.svc = New(Config{Timezone: "UTC"}, Deps{
		Store: st, Dispatcher: d, Sender: h.sender, Calendar: h.calendar,
		Clock: h.clock, Bus: bus, Log: logx.Nop(),
		NewID: func() string { return "ap" + strconv.FormatInt(seq.Add(1), 10) },
	})

	ctx := context.Background()
	attrs := storage.Attributes{}
	attrs.SetTime(storage.KeyLastInteraction, t0.Add(-time.Hour))
	h.vendor = storage.Recipient{
		ID: "v1", Name: "Carlos Ruiz", Phone: vendorPhone, Role: storage.RoleVendor, Active: true,
		WorkStart: 9, WorkEnd: 18, Attributes: attrs,
	}
	h.lead = storage.Lead{ID: "l1", Name: "Laura Méndez", Phone: leadPhone, Status: "new"}
	if err := st.UpsertRecipient(ctx, h.vendor); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertLead(ctx, h.lead); err != nil {
		t.Fatal(err)
	}
	return h
}

func slot(date, hhmm string) Slot {
	return Slot{Date: date, Time: hhmm, Type: storage.TypeVisit, Property: "Monte Verde"}
}

func (h *harness) appointments(t *testing.T) []storage.Appointment {
	t.Helper()
	list, err := h.store.QueryAppointments(context.Background(), storage.AppointmentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func (h *harness) get(t *testing.T, id string) storage.Appointment {
	t.Helper()
	d, err := h.store.GetAppointment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAppointment(%s): %v", id, err)
	}
	return d.Appointment
}

type failingInsertStore struct {
	*storage.Memory
	err error
}

func (f *failingInsertStore) InsertAppointment(context.Context, storage.Appointment) (storage.Appointment, error) {
	return storage.Appointment{}, f.err
}

// failingTransitionStore fails status transitions into one target status
// until healed.
type failingTransitionStore struct {
	*storage.Memory
	to  storage.AppointmentStatus
	err atomic.Pointer[error]
}

func newFailingTransitionStore(to storage.AppointmentStatus, err error) *failingTransitionStore {
	f := &failingTransitionStore{Memory: storage.NewMemory(), to: to}
	f.err.Store(&err)
	return f
}

func (f *failingTransitionStore) heal() { f.err.Store(nil) }

func (f *failingTransitionStore) TransitionStatus(ctx context.Context, id string, from []storage.AppointmentStatus, to storage.AppointmentStatus, p storage.AppointmentPatch) (bool, error) {
	if e := f.err.Load(); e != nil && to == f.to {
		return false, *e
	}
	return f.Memory.TransitionStatus(ctx, id, from, to, p)
}
