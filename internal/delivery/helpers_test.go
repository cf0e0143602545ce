package delivery

import (
	"context"
	"testing"
	"time"

	"salesops/internal/channel/channeltest"
	"salesops/internal/clock"
	"salesops/internal/eventbus"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *storage.Memory
	sender *channeltest.Recorder
	clock  *clock.Manual
	bus    eventbus.Bus
	d      *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemory(),
		sender: channeltest.NewRecorder(),
		clock:  clock.NewManual(t0),
		bus:    eventbus.New(),
	}
	h.d = NewDispatcher(Config{SendTimeout: time.Second}, Deps{
		Store: h.store, Sender: h.sender, Clock: h.clock, Bus: h.bus, Log: logx.Nop(),
	})
	return h
}

// addRecipient stores a vendor whose last inbound message was `ago` before
// the harness clock. A negative ago means no interaction on record.
func (h *harness) addRecipient(t *testing.T, id, phone string, ago time.Duration) storage.Recipient {
	t.Helper()
	attrs := storage.Attributes{}
	if ago >= 0 {
		attrs.SetTime(storage.KeyLastInteraction, h.clock.Now().Add(-ago))
	}
	r := storage.Recipient{ID: id, Name: "Ana María López", Phone: phone, Role: storage.RoleVendor, Active: true, Attributes: attrs}
	if err := h.store.UpsertRecipient(context.Background(), r); err != nil {
		t.Fatalf("UpsertRecipient: %v", err)
	}
	return r
}

func (h *harness) attrs(t *testing.T, id string) storage.Attributes {
	t.Helper()
	r, err := h.store.GetRecipient(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRecipient: %v", err)
	}
	return r.Attributes
}

func pending(t *testing.T, attrs storage.Attributes, typ string) (QueuedNotification, bool) {
	t.Helper()
	var q QueuedNotification
	ok := attrs.Get(PendingKey(typ), &q)
	return q, ok
}

// flakyStore fails selected calls on top of Memory.
type flakyStore struct {
	*storage.Memory
	getErr    error
	updateErr error
	updates   int
}

func (f *flakyStore) GetRecipient(ctx context.Context, id string) (storage.Recipient, error) {
	if f.getErr != nil {
		return storage.Recipient{}, f.getErr
	}
	return f.Memory.GetRecipient(ctx, id)
}

func (f *flakyStore) UpdateRecipientAttributes(ctx context.Context, id string, attrs storage.Attributes) error {
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Memory.UpdateRecipientAttributes(ctx, id, attrs)
}
