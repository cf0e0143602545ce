package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks everything that can be checked without touching the
// outside world. Schedules are validated by the scheduler.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	zone := func(path, name string) {
		if strings.TrimSpace(name) == "" {
			return
		}
		if _, err := time.LoadLocation(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	switch c.Channel.Driver {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(c.Channel.Token) == "" {
			errs = append(errs, errors.New("channel.token is required for the telegram driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("channel.driver: unknown %q", c.Channel.Driver))
	}
	dur("channel.poll_timeout", c.Channel.PollTimeout)

	switch strings.ToLower(c.Storage.Driver) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	dur("delivery.send_timeout", c.Delivery.SendTimeout)
	if c.Delivery.FanoutWorkers < 0 || c.Delivery.FanoutRatePerSec < 0 {
		errs = append(errs, errors.New("delivery fanout settings must be >= 0"))
	}

	b := c.Booking
	zone("booking.timezone", b.Timezone)
	dur("booking.duplicate_window", b.DuplicateWindow)
	dur("booking.visit_duration", b.VisitDuration)
	dur("booking.confirm_timeout", b.ConfirmTimeout)
	dur("booking.post_visit_grace", b.PostVisitGrace)
	dur("booking.post_visit_lookback", b.PostVisitLookback)
	if b.WorkStart < 0 || b.WorkStart > 23 || b.WorkEnd < 0 || b.WorkEnd > 24 {
		errs = append(errs, errors.New("booking work hours must be within 0..24"))
	}
	if b.WorkStart != 0 && b.WorkEnd != 0 && b.WorkEnd <= b.WorkStart {
		errs = append(errs, fmt.Errorf("booking.work_end (%d) must be after work_start (%d)", b.WorkEnd, b.WorkStart))
	}
	for _, d := range b.WorkingDays {
		if d < 0 || d > 6 {
			errs = append(errs, fmt.Errorf("booking.working_days: %d is not a weekday (0=Sunday..6)", d))
		}
	}

	switch c.Calendar.Driver {
	case "", "none", "memory":
	default:
		errs = append(errs, fmt.Errorf("calendar.driver: unknown %q", c.Calendar.Driver))
	}
	dur("calendar.timeout", c.Calendar.Timeout)

	zone("scheduler.timezone", c.Scheduler.Timezone)
	for name, j := range c.Scheduler.Jobs {
		dur("scheduler.jobs."+name+".timeout", j.Timeout)
	}

	if l := c.Ledger; l != nil && l.Enabled {
		if strings.TrimSpace(l.Addr) == "" {
			errs = append(errs, errors.New("ledger.addr is required when the ledger is enabled"))
		}
		dur("ledger.retention", l.Retention)
	}
	if br := c.Broker; br != nil && br.Enabled {
		if strings.TrimSpace(br.URL) == "" {
			errs = append(errs, errors.New("broker.url is required when the broker is enabled"))
		}
		dur("broker.confirm_timeout", br.ConfirmTimeout)
	}
	if d := c.Diag; d != nil && d.Enabled {
		dur("diag.read_timeout", d.ReadTimeout)
	}
	if c.Logging.Alerts.Enabled && strings.TrimSpace(c.Logging.Alerts.Address) == "" {
		errs = append(errs, errors.New("logging.alerts.address is required when alerts are enabled"))
	}
	return errors.Join(errs...)
}
