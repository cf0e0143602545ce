package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "salesops/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store over database/sql for both SQLite and Postgres.
// Timestamps are stored as unix milliseconds so both dialects share one schema.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) (Store, error) {
	st := &sqlStore{db: db, dialect: d, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites '?' placeholders to $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// ---- recipients ----

const recipientCols = `id, name, phone, role, active, work_start, work_end, working_days, attributes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(row rowScanner) (Recipient, error) {
	var (
		r     Recipient
		days  string
		attrs string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Phone, &r.Role, &r.Active, &r.WorkStart, &r.WorkEnd, &days, &attrs); err != nil {
		return Recipient{}, err
	}
	r.WorkingDays = parseDays(days)
	r.Attributes = ParseAttributes([]byte(attrs))
	return r, nil
}

func (s *sqlStore) GetRecipient(ctx context.Context, id string) (Recipient, error) {
	r, err := scanRecipient(s.queryRow(ctx, `SELECT `+recipientCols+` FROM recipients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *sqlStore) FindRecipientByAddress(ctx context.Context, address string) (Recipient, error) {
	r, err := scanRecipient(s.queryRow(ctx,
		`SELECT `+recipientCols+` FROM recipients WHERE address_key = ? LIMIT 1`, NormalizeAddress(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, fmt.Errorf("recipient address %s: %w", address, ErrNotFound)
	}
	return r, err
}

func (s *sqlStore) ListRecipients(ctx context.Context, f RecipientFilter) ([]Recipient, error) {
	q := `SELECT ` + recipientCols + ` FROM recipients WHERE 1=1`
	var args []any
	if f.Role != "" {
		q += ` AND role = ?`
		args = append(args, f.Role)
	}
	if f.ActiveOnly {
		q += ` AND active = ?`
		args = append(args, true)
	}
	q += ` ORDER BY id`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	attrs, err := r.Attributes.Encode()
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO recipients(id, name, phone, address_key, role, active, work_start, work_end, working_days, attributes)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, address_key=excluded.address_key,
		   role=excluded.role, active=excluded.active, work_start=excluded.work_start, work_end=excluded.work_end,
		   working_days=excluded.working_days, attributes=excluded.attributes`,
		r.ID, r.Name, r.Phone, NormalizeAddress(r.Phone), r.Role, r.Active, r.WorkStart, r.WorkEnd,
		formatDays(r.WorkingDays), string(attrs),
	)
	return err
}

func (s *sqlStore) UpdateRecipientAttributes(ctx context.Context, id string, attrs Attributes) error {
	b, err := attrs.Encode()
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE recipients SET attributes = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- leads ----

func (s *sqlStore) GetLead(ctx context.Context, id string) (Lead, error) {
	var l Lead
	err := s.queryRow(ctx, `SELECT id, name, phone, status, needs_credit, assigned_to FROM leads WHERE id = ?`, id).
		Scan(&l.ID, &l.Name, &l.Phone, &l.Status, &l.NeedsCredit, &l.AssignedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return l, err
}

func (s *sqlStore) UpsertLead(ctx context.Context, l Lead) error {
	_, err := s.exec(ctx,
		`INSERT INTO leads(id, name, phone, status, needs_credit, assigned_to) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, status=excluded.status,
		   needs_credit=excluded.needs_credit, assigned_to=excluded.assigned_to`,
		l.ID, l.Name, l.Phone, l.Status, l.NeedsCredit, l.AssignedTo,
	)
	return err
}

func (s *sqlStore) UpdateLeadStatus(ctx context.Context, id, status string) error {
	res, err := s.exec(ctx, `UPDATE leads SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- appointments ----

const appointmentCols = `id, lead_id, vendor_id, scheduled_date, scheduled_time, scheduled_at, type, status, property,
	vendor_notified, lead_notified, specialist_notified, calendar_event_id, notes, cancel_reason, rescheduled_from,
	created_at, updated_at`

func scanAppointment(row rowScanner) (Appointment, error) {
	var (
		a                        Appointment
		typ, status              string
		schedAt, created, update int64
	)
	err := row.Scan(&a.ID, &a.LeadID, &a.VendorID, &a.ScheduledDate, &a.ScheduledTime, &schedAt, &typ, &status,
		&a.Property, &a.VendorNotified, &a.LeadNotified, &a.SpecialistNotified, &a.CalendarEventID, &a.Notes,
		&a.CancelReason, &a.RescheduledFrom, &created, &update)
	if err != nil {
		return Appointment{}, err
	}
	a.Type = AppointmentType(typ)
	a.Status = AppointmentStatus(status)
	a.ScheduledAt = time.UnixMilli(schedAt)
	a.CreatedAt = time.UnixMilli(created)
	a.UpdatedAt = time.UnixMilli(update)
	return a, nil
}

func (s *sqlStore) InsertAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	if a.ID == "" {
		return Appointment{}, errors.New("insert appointment: empty id")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	_, err := s.exec(ctx,
		`INSERT INTO appointments(`+appointmentCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.LeadID, a.VendorID, a.ScheduledDate, a.ScheduledTime, a.ScheduledAt.UnixMilli(), string(a.Type),
		string(a.Status), a.Property, a.VendorNotified, a.LeadNotified, a.SpecialistNotified, a.CalendarEventID,
		a.Notes, a.CancelReason, a.RescheduledFrom, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Appointment{}, err
	}
	return a, nil
}

func (s *sqlStore) GetAppointment(ctx context.Context, id string) (AppointmentDetail, error) {
	a, err := scanAppointment(s.queryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AppointmentDetail{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return AppointmentDetail{}, err
	}
	d := AppointmentDetail{Appointment: a}
	if l, err := s.GetLead(ctx, a.LeadID); err == nil {
		d.Lead = &l
	} else if !errors.Is(err, ErrNotFound) {
		return AppointmentDetail{}, err
	}
	if a.VendorID != "" {
		if r, err := s.GetRecipient(ctx, a.VendorID); err == nil {
			d.Vendor = &r
		} else if !errors.Is(err, ErrNotFound) {
			return AppointmentDetail{}, err
		}
	}
	return d, nil
}

// patchSets renders the non-nil fields of p as SET clauses.
func patchSets(p AppointmentPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.VendorNotified != nil {
		add("vendor_notified", *p.VendorNotified)
	}
	if p.LeadNotified != nil {
		add("lead_notified", *p.LeadNotified)
	}
	if p.SpecialistNotified != nil {
		add("specialist_notified", *p.SpecialistNotified)
	}
	if p.CalendarEventID != nil {
		add("calendar_event_id", *p.CalendarEventID)
	}
	if p.Notes != nil {
		add("notes", *p.Notes)
	}
	if p.CancelReason != nil {
		add("cancel_reason", *p.CancelReason)
	}
	if p.RescheduledFrom != nil {
		add("rescheduled_from", *p.RescheduledFrom)
	}
	return sets, args
}

func (s *sqlStore) UpdateAppointment(ctx context.Context, id string, p AppointmentPatch) error {
	sets, args := patchSets(p)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, time.Now().UnixMilli(), id)
	res, err := s.exec(ctx, `UPDATE appointments SET `+strings.Join(sets, ", ")+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionStatus is a single compare-and-set UPDATE, so the status and the
// patch land together or not at all.
func (s *sqlStore) TransitionStatus(ctx context.Context, id string, from []AppointmentStatus, to AppointmentStatus, p AppointmentPatch) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	p.Status = &to
	sets, args := patchSets(p)
	args = append(args, time.Now().UnixMilli(), id)
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.exec(ctx,
		`UPDATE appointments SET `+strings.Join(sets, ", ")+`, updated_at = ? WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) QueryAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	q := `SELECT ` + appointmentCols + ` FROM appointments WHERE 1=1`
	var args []any
	if f.LeadID != "" {
		q += ` AND lead_id = ?`
		args = append(args, f.LeadID)
	}
	if f.VendorID != "" {
		q += ` AND vendor_id = ?`
		args = append(args, f.VendorID)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.ExcludeStatuses) > 0 {
		q += ` AND status NOT IN (` + placeholders(len(f.ExcludeStatuses)) + `)`
		for _, st := range f.ExcludeStatuses {
			args = append(args, string(st))
		}
	}
	if !f.CreatedSince.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.CreatedSince.UnixMilli())
	}
	if !f.ScheduledFrom.IsZero() {
		q += ` AND scheduled_at >= ?`
		args = append(args, f.ScheduledFrom.UnixMilli())
	}
	if !f.ScheduledUntil.IsZero() {
		q += ` AND scheduled_at <= ?`
		args = append(args, f.ScheduledUntil.UnixMilli())
	}
	q += ` ORDER BY scheduled_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- logs ----

func (s *sqlStore) AppendActivity(ctx context.Context, e ActivityEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO activity(at, lead_id, actor, kind, detail) VALUES(?,?,?,?,?)`,
		e.At.UnixMilli(), e.LeadID, e.Actor, e.Kind, e.Detail)
	return err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO audit(at, kind, subject, ok, err, meta) VALUES(?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Kind, e.Subject, e.OK, nullStr(e.Error), nullStr(e.MetaJSON))
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func parseDays(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func formatDays(days []int) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ",")
}
