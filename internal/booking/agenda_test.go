package booking

import (
	"context"
	"strings"
	"testing"
	"time"

	"salesops/internal/delivery"
	"salesops/internal/storage"
)

func TestSendAgenda(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	idle := storage.Recipient{ID: "v2", Name: "Sin Citas", Phone: "5215550555", Role: storage.RoleVendor, Active: true}
	_ = h.store.UpsertRecipient(ctx, idle)

	insertVisit(t, h, "today-1", t0.Add(3*time.Hour), storage.StatusScheduled)
	insertVisit(t, h, "today-2", t0.Add(5*time.Hour), storage.StatusConfirmed)
	insertVisit(t, h, "tomorrow", t0.Add(27*time.Hour), storage.StatusScheduled)

	sent, err := h.svc.SendAgenda(ctx)
	if err != nil || sent != 1 {
		t.Fatalf("SendAgenda = %d, %v", sent, err)
	}
	calls := h.sender.CallsTo(vendorPhone)
	if len(calls) != 1 {
		t.Fatalf("vendor calls = %+v", calls)
	}
	body := calls[0].Text
	if !strings.Contains(body, "11:00") || !strings.Contains(body, "13:00") || !strings.Contains(body, "Laura Méndez") {
		t.Fatalf("agenda body = %q", body)
	}
	if len(h.sender.CallsTo(idle.Phone)) != 0 {
		t.Fatal("idle vendor received an agenda")
	}
}

func TestSendAgendaQueuesForClosedWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	v, _ := h.store.GetRecipient(ctx, h.vendor.ID)
	v.Attributes.Delete(storage.KeyLastInteraction)
	_ = h.store.UpdateRecipientAttributes(ctx, v.ID, v.Attributes)
	insertVisit(t, h, "today-1", t0.Add(3*time.Hour), storage.StatusScheduled)

	if _, err := h.svc.SendAgenda(ctx); err != nil {
		t.Fatal(err)
	}
	v, _ = h.store.GetRecipient(ctx, h.vendor.ID)
	var q delivery.QueuedNotification
	if !v.Attributes.Get(delivery.PendingKey(delivery.TypeBriefing), &q) || q.ExpiresAt == nil {
		t.Fatalf("briefing not queued with expiry: %+v", q)
	}
}
