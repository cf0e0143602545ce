package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Every read returns a copy, so callers see
// the same snapshot semantics as with a remote document store.
type Memory struct {
	mu           sync.Mutex
	recipients   map[string]Recipient
	leads        map[string]Lead
	appointments map[string]Appointment
	activity     []ActivityEntry
	audit        []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		recipients:   map[string]Recipient{},
		leads:        map[string]Lead{},
		appointments: map[string]Appointment{},
	}
}

func copyRecipient(r Recipient) Recipient {
	r.Attributes = r.Attributes.Clone()
	r.WorkingDays = append([]int(nil), r.WorkingDays...)
	return r
}

func (m *Memory) GetRecipient(ctx context.Context, id string) (Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return Recipient{}, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	return copyRecipient(r), nil
}

func (m *Memory) FindRecipientByAddress(ctx context.Context, address string) (Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := NormalizeAddress(address)
	for _, r := range m.recipients {
		if NormalizeAddress(r.Phone) == want {
			return copyRecipient(r), nil
		}
	}
	return Recipient{}, fmt.Errorf("recipient address %s: %w", address, ErrNotFound)
}

func (m *Memory) ListRecipients(ctx context.Context, f RecipientFilter) ([]Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recipient, 0, len(m.recipients))
	for _, r := range m.recipients {
		if f.Role != "" && r.Role != f.Role {
			continue
		}
		if f.ActiveOnly && !r.Active {
			continue
		}
		out = append(out, copyRecipient(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertRecipient(ctx context.Context, r Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Attributes == nil {
		r.Attributes = Attributes{}
	}
	m.recipients[r.ID] = copyRecipient(r)
	return nil
}

func (m *Memory) UpdateRecipientAttributes(ctx context.Context, id string, attrs Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	r.Attributes = attrs.Clone()
	m.recipients[id] = r
	return nil
}

func (m *Memory) GetLead(ctx context.Context, id string) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return l, nil
}

func (m *Memory) UpsertLead(ctx context.Context, l Lead) error {
	m.mu.Lock()
	m.leads[l.ID] = l
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpdateLeadStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	l.Status = status
	m.leads[id] = l
	return nil
}

func (m *Memory) InsertAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		return Appointment{}, fmt.Errorf("insert appointment: empty id")
	}
	if _, dup := m.appointments[a.ID]; dup {
		return Appointment{}, fmt.Errorf("insert appointment %s: already exists", a.ID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	m.appointments[a.ID] = a
	return a, nil
}

func (m *Memory) GetAppointment(ctx context.Context, id string) (AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return AppointmentDetail{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	d := AppointmentDetail{Appointment: a}
	if l, ok := m.leads[a.LeadID]; ok {
		d.Lead = &l
	}
	if r, ok := m.recipients[a.VendorID]; ok && a.VendorID != "" {
		rc := copyRecipient(r)
		d.Vendor = &rc
	}
	return d, nil
}

func (m *Memory) UpdateAppointment(ctx context.Context, id string, p AppointmentPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	applyPatch(&a, p)
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return nil
}

func (m *Memory) TransitionStatus(ctx context.Context, id string, from []AppointmentStatus, to AppointmentStatus, p AppointmentPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return false, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	if !containsStatus(from, a.Status) {
		return false, nil
	}
	p.Status = &to
	applyPatch(&a, p)
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return true, nil
}

func (m *Memory) QueryAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appointments {
		if matchAppointment(a, f) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) AppendActivity(ctx context.Context, e ActivityEntry) error {
	m.mu.Lock()
	m.activity = append(m.activity, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Activity returns a copy of the activity log.
func (m *Memory) Activity() []ActivityEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ActivityEntry(nil), m.activity...)
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error { return nil }

func applyPatch(a *Appointment, p AppointmentPatch) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.VendorNotified != nil {
		a.VendorNotified = *p.VendorNotified
	}
	if p.LeadNotified != nil {
		a.LeadNotified = *p.LeadNotified
	}
	if p.SpecialistNotified != nil {
		a.SpecialistNotified = *p.SpecialistNotified
	}
	if p.CalendarEventID != nil {
		a.CalendarEventID = *p.CalendarEventID
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	if p.CancelReason != nil {
		a.CancelReason = *p.CancelReason
	}
	if p.RescheduledFrom != nil {
		a.RescheduledFrom = *p.RescheduledFrom
	}
}

func matchAppointment(a Appointment, f AppointmentFilter) bool {
	if f.LeadID != "" && a.LeadID != f.LeadID {
		return false
	}
	if f.VendorID != "" && a.VendorID != f.VendorID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
		return false
	}
	if containsStatus(f.ExcludeStatuses, a.Status) {
		return false
	}
	if !f.CreatedSince.IsZero() && a.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	if !f.ScheduledFrom.IsZero() && a.ScheduledAt.Before(f.ScheduledFrom) {
		return false
	}
	if !f.ScheduledUntil.IsZero() && a.ScheduledAt.After(f.ScheduledUntil) {
		return false
	}
	return true
}
