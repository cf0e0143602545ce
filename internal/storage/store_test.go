package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "salesops/pkg/logx"
)

// storeFactories runs the same behaviour checks against every embedded driver.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{
				Driver:      "sqlite",
				Path:        filepath.Join(t.TempDir(), "salesops.db"),
				BusyTimeout: time.Second,
			}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func TestStoreRecipientRoundTrip(t *testing.T) {
	t.Parallel()
	for name, open := range storeFactories(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)

			attrs := Attributes{}
			_ = attrs.Set("pending_briefing", map[string]string{"rendered_message": "hola"})
			r := Recipient{
				ID: "v1", Name: "Ana Pérez", Phone: "+52 492 111 2222", Role: RoleVendor, Active: true,
				WorkStart: 8, WorkEnd: 17, WorkingDays: []int{1, 2, 3}, Attributes: attrs,
			}
			if err := st.UpsertRecipient(ctx, r); err != nil {
				t.Fatalf("UpsertRecipient: %v", err)
			}

			got, err := st.FindRecipientByAddress(ctx, "524921112222")
			if err != nil {
				t.Fatalf("FindRecipientByAddress: %v", err)
			}
			if got.ID != "v1" || got.WorkStart != 8 || len(got.WorkingDays) != 3 {
				t.Fatalf("unexpected recipient: %+v", got)
			}
			if !got.Attributes.Has("pending_briefing") {
				t.Fatalf("attributes lost: %v", got.Attributes)
			}

			next := got.Attributes.Clone()
			next.Delete("pending_briefing")
			next.SetTime(KeyLastInteraction, time.Now())
			if err := st.UpdateRecipientAttributes(ctx, "v1", next); err != nil {
				t.Fatalf("UpdateRecipientAttributes: %v", err)
			}
			got, err = st.GetRecipient(ctx, "v1")
			if err != nil {
				t.Fatalf("GetRecipient: %v", err)
			}
			if got.Attributes.Has("pending_briefing") || !got.Attributes.Has(KeyLastInteraction) {
				t.Fatalf("attributes not replaced: %v", got.Attributes)
			}

			if _, err := st.GetRecipient(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing recipient err = %v, want ErrNotFound", err)
			}
			if err := st.UpdateRecipientAttributes(ctx, "missing", Attributes{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update missing err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListRecipientsFilter(t *testing.T) {
	t.Parallel()
	for name, open := range storeFactories(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			for _, r := range []Recipient{
				{ID: "a", Role: RoleVendor, Active: true},
				{ID: "b", Role: RoleVendor, Active: false},
				{ID: "c", Role: RoleCreditSpecialist, Active: true},
			} {
				if err := st.UpsertRecipient(ctx, r); err != nil {
					t.Fatalf("UpsertRecipient: %v", err)
				}
			}
			got, err := st.ListRecipients(ctx, RecipientFilter{Role: RoleVendor, ActiveOnly: true})
			if err != nil {
				t.Fatalf("ListRecipients: %v", err)
			}
			if len(got) != 1 || got[0].ID != "a" {
				t.Fatalf("ListRecipients = %+v", got)
			}
		})
	}
}

func TestStoreAppointmentLifecycle(t *testing.T) {
	t.Parallel()
	for name, open := range storeFactories(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)

			if err := st.UpsertLead(ctx, Lead{ID: "l1", Name: "Luis", Phone: "5215550001", Status: "new"}); err != nil {
				t.Fatalf("UpsertLead: %v", err)
			}
			if err := st.UpsertRecipient(ctx, Recipient{ID: "v1", Name: "Ana", Role: RoleVendor, Active: true}); err != nil {
				t.Fatalf("UpsertRecipient: %v", err)
			}
			at := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
			created := at.Add(-2 * time.Hour)
			if _, err := st.InsertAppointment(ctx, Appointment{
				ID: "ap1", LeadID: "l1", VendorID: "v1", ScheduledDate: "2026-03-10", ScheduledTime: "11:00",
				ScheduledAt: at, Type: TypeVisit, Status: StatusScheduled, CreatedAt: created,
			}); err != nil {
				t.Fatalf("InsertAppointment: %v", err)
			}

			d, err := st.GetAppointment(ctx, "ap1")
			if err != nil {
				t.Fatalf("GetAppointment: %v", err)
			}
			if d.Lead == nil || d.Lead.Name != "Luis" || d.Vendor == nil || d.Vendor.Name != "Ana" {
				t.Fatalf("detail not joined: %+v", d)
			}
			if !d.ScheduledAt.Equal(at) {
				t.Fatalf("ScheduledAt = %v, want %v", d.ScheduledAt, at)
			}

			if err := st.UpdateAppointment(ctx, "ap1", AppointmentPatch{VendorNotified: Bool(true), Notes: Str("calendar: timeout")}); err != nil {
				t.Fatalf("UpdateAppointment: %v", err)
			}
			d, _ = st.GetAppointment(ctx, "ap1")
			if !d.VendorNotified || d.LeadNotified || d.Notes != "calendar: timeout" {
				t.Fatalf("patch not applied: %+v", d.Appointment)
			}

			from := []AppointmentStatus{StatusScheduled, StatusConfirmed}
			ok, err := st.TransitionStatus(ctx, "ap1", from, StatusCompleted, AppointmentPatch{Notes: Str("visited")})
			if err != nil || !ok {
				t.Fatalf("first TransitionStatus = %v, %v", ok, err)
			}
			ok, err = st.TransitionStatus(ctx, "ap1", from, StatusCompleted, AppointmentPatch{Notes: Str("twice")})
			if err != nil || ok {
				t.Fatalf("second TransitionStatus = %v, %v; want false, nil", ok, err)
			}
			d, _ = st.GetAppointment(ctx, "ap1")
			if d.Status != StatusCompleted || d.Notes != "visited" {
				t.Fatalf("transition patch: status %s notes %q", d.Status, d.Notes)
			}

			got, err := st.QueryAppointments(ctx, AppointmentFilter{
				LeadID: "l1", ExcludeStatuses: []AppointmentStatus{StatusCancelled, StatusRescheduled},
				CreatedSince: created.Add(-time.Minute),
			})
			if err != nil {
				t.Fatalf("QueryAppointments: %v", err)
			}
			if len(got) != 1 || got[0].Status != StatusCompleted {
				t.Fatalf("QueryAppointments = %+v", got)
			}
			got, _ = st.QueryAppointments(ctx, AppointmentFilter{LeadID: "l1", CreatedSince: created.Add(time.Minute)})
			if len(got) != 0 {
				t.Fatalf("CreatedSince not applied: %+v", got)
			}
		})
	}
}

func TestStoreLogs(t *testing.T) {
	t.Parallel()
	for name, open := range storeFactories(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			if err := st.AppendActivity(ctx, ActivityEntry{LeadID: "l1", Actor: "system", Kind: "visit_scheduled"}); err != nil {
				t.Fatalf("AppendActivity: %v", err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Kind: "delivery.direct", Subject: "v1", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("driver none err = %v", err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestRebindPostgres(t *testing.T) {
	t.Parallel()
	s := &sqlStore{dialect: dialectPostgres}
	got := s.rebind("UPDATE t SET a = ? WHERE id = ? AND s IN (?,?)")
	want := "UPDATE t SET a = $1 WHERE id = $2 AND s IN ($3,$4)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}
