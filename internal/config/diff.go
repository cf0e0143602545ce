package config

import (
	"reflect"
	"sort"
	"strings"

	"salesops/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs plus
// log fields describing the new values. Secrets are reported only as
// "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if oldCfg.Channel.Driver != newCfg.Channel.Driver ||
		oldCfg.Channel.PollTimeout != newCfg.Channel.PollTimeout ||
		oldCfg.Channel.Token != newCfg.Channel.Token {
		mark("channel",
			logx.String("channel.driver", newCfg.Channel.Driver),
			logx.Bool("channel.token_set", strings.TrimSpace(newCfg.Channel.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		mark("delivery",
			logx.String("delivery.send_timeout", newCfg.Delivery.SendTimeout),
			logx.String("delivery.template", newCfg.Delivery.TemplateName),
		)
	}
	if !reflect.DeepEqual(oldCfg.Booking, newCfg.Booking) {
		mark("booking", logx.String("booking.timezone", newCfg.Booking.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.Calendar, newCfg.Calendar) {
		mark("calendar", logx.String("calendar.driver", newCfg.Calendar.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		jobs := make([]string, 0, len(newCfg.Scheduler.Jobs))
		for name := range newCfg.Scheduler.Jobs {
			jobs = append(jobs, name)
		}
		sort.Strings(jobs)
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.jobs", strings.Join(jobs, ",")),
		)
	}
	if !reflect.DeepEqual(oldCfg.Audit, newCfg.Audit) {
		mark("audit", logx.Bool("audit.enabled", newCfg.Audit.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		mark("ledger", logx.Bool("ledger.enabled", newCfg.Ledger != nil && newCfg.Ledger.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		mark("broker", logx.Bool("broker.enabled", newCfg.Broker != nil && newCfg.Broker.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		d := newCfg.Diag
		if d == nil {
			d = &DiagConfig{}
		}
		mark("diag",
			logx.Bool("diag.enabled", d.Enabled),
			logx.String("diag.addr", d.Addr),
			logx.Bool("diag.token_set", d.Token != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that cannot be swapped at runtime.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "channel", "storage", "ledger", "broker", "calendar":
			out = append(out, s)
		}
	}
	return out
}
