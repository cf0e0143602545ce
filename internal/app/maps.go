package app

import (
	"fmt"
	"strings"
	"time"

	"salesops/internal/booking"
	"salesops/internal/broker"
	"salesops/internal/calendar"
	"salesops/internal/config"
	"salesops/internal/delivery"
	"salesops/internal/ledger"
	"salesops/internal/observability/diag"
	"salesops/internal/scheduler"
	"salesops/internal/storage"
	"salesops/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			Address:    l.Alerts.Address,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	timeout, err := config.ParseDurationField("delivery.send_timeout", dc.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		SendTimeout:      timeout,
		TemplateName:     dc.TemplateName,
		TemplateLocale:   dc.TemplateLocale,
		DefaultFirstName: dc.DefaultFirstName,
		FanoutWorkers:    dc.FanoutWorkers,
		FanoutRatePerSec: dc.FanoutRatePerSec,
	}, nil
}

// mapBooking returns the booking and post-visit settings. Zero values fall
// through to the package defaults.
func mapBooking(cfg *config.Config) (booking.Config, booking.PostVisitConfig, error) {
	b := cfg.Booking
	var err error
	dur := func(path, raw string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationField("booking."+path, raw)
		return d
	}
	calTimeout, err := config.ParseDurationField("calendar.timeout", cfg.Calendar.Timeout)
	bc := booking.Config{
		Timezone:        b.Timezone,
		DuplicateWindow: dur("duplicate_window", b.DuplicateWindow),
		DefaultStart:    b.WorkStart,
		DefaultEnd:      b.WorkEnd,
		DefaultDays:     append([]int(nil), b.WorkingDays...),
		SaturdayClose:   b.SaturdayClose,
		VisitDuration:   dur("visit_duration", b.VisitDuration),
		CalendarTimeout: calTimeout,
		ConfirmTimeout:  dur("confirm_timeout", b.ConfirmTimeout),
		LeadStatus:      b.LeadStatus,
	}
	pv := booking.PostVisitConfig{
		Grace:    dur("post_visit_grace", b.PostVisitGrace),
		Lookback: dur("post_visit_lookback", b.PostVisitLookback),
	}
	return bc, pv, err
}

// mapCalendar picks the sink. Booking bounds each call with
// booking.Config.CalendarTimeout.
func mapCalendar(cfg *config.Config) (calendar.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Calendar.Driver)) {
	case "", "none":
		return calendar.Nop{}, nil
	case "memory":
		return calendar.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown calendar.driver: %s", cfg.Calendar.Driver)
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Booking.Timezone)
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}
}

func mapLedger(cfg *config.Config) (ledger.Config, bool, error) {
	lc := cfg.Ledger
	if lc == nil || !lc.Enabled {
		return ledger.Config{}, false, nil
	}
	retention, err := config.ParseDurationField("ledger.retention", lc.Retention)
	if err != nil {
		return ledger.Config{}, false, err
	}
	return ledger.Config{
		Addr:          lc.Addr,
		Password:      lc.Password,
		DB:            lc.DB,
		KeyPrefix:     lc.KeyPrefix,
		Retention:     retention,
		MaxPerAddress: lc.MaxPerAddress,
	}, true, nil
}

func mapBroker(cfg *config.Config) (broker.Config, bool, error) {
	bc := cfg.Broker
	if bc == nil || !bc.Enabled {
		return broker.Config{}, false, nil
	}
	confirm, err := config.ParseDurationField("broker.confirm_timeout", bc.ConfirmTimeout)
	if err != nil {
		return broker.Config{}, false, err
	}
	return broker.Config{URL: bc.URL, Exchange: bc.Exchange, ConfirmTimeout: confirm}, true, nil
}

func mapDiag(cfg *config.Config) diag.Config {
	d := cfg.Diag
	if d == nil {
		return diag.Config{}
	}
	read, _ := config.ParseDurationField("diag.read_timeout", d.ReadTimeout)
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   read,
	}
}
