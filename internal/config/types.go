package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"). Unknown keys are rejected at load time.
type Config struct {
	Channel   ChannelConfig   `json:"channel"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Booking   BookingConfig   `json:"booking"`
	Calendar  CalendarConfig  `json:"calendar"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Audit     AuditConfig     `json:"audit"`
	Ledger    *LedgerConfig   `json:"ledger,omitempty"`
	Broker    *BrokerConfig   `json:"broker,omitempty"`
	Diag      *DiagConfig     `json:"diag,omitempty"`
}

// ChannelConfig selects the messaging channel.
//
// Driver values:
//   - "telegram": bot API via long polling (Token)
//   - "log": writes outbound messages to the log (dry runs)
type ChannelConfig struct {
	Driver      string `json:"driver"`
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards high-severity records to an operator address over
// the channel.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/salesops.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

type DeliveryConfig struct {
	SendTimeout      string `json:"send_timeout,omitempty"`
	TemplateName     string `json:"template_name,omitempty"`
	TemplateLocale   string `json:"template_locale,omitempty"`
	DefaultFirstName string `json:"default_first_name,omitempty"`
	FanoutWorkers    int    `json:"fanout_workers,omitempty"`
	FanoutRatePerSec int    `json:"fanout_rate_per_sec,omitempty"`
}

// BookingConfig holds business-hours defaults (vendor values win) and the
// post-visit window.
type BookingConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	DuplicateWindow   string `json:"duplicate_window,omitempty"`
	WorkStart         int    `json:"work_start,omitempty"`
	WorkEnd           int    `json:"work_end,omitempty"`
	WorkingDays       []int  `json:"working_days,omitempty"`
	SaturdayClose     int    `json:"saturday_close,omitempty"`
	VisitDuration     string `json:"visit_duration,omitempty"`
	ConfirmTimeout    string `json:"confirm_timeout,omitempty"`
	LeadStatus        string `json:"lead_status,omitempty"`
	PostVisitGrace    string `json:"post_visit_grace,omitempty"`
	PostVisitLookback string `json:"post_visit_lookback,omitempty"`
}

// CalendarConfig selects the calendar sink: "none" (default) or "memory".
type CalendarConfig struct {
	Driver  string `json:"driver,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the periodic jobs. Schedules accept cron
// expressions (optional seconds), Go durations or HH:MM intervals.
type SchedulerConfig struct {
	Enabled  bool                 `json:"enabled"`
	Timezone string               `json:"timezone,omitempty"`
	Jobs     map[string]JobConfig `json:"jobs,omitempty"`
}

type JobConfig struct {
	// Enabled is a pointer so an omitted key keeps the job on.
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
}

// AuditConfig writes delivery and booking events to the store audit table.
type AuditConfig struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer,omitempty"`
}

// LedgerConfig records delivered messages per address in Redis.
type LedgerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
	Retention     string `json:"retention,omitempty"`
	MaxPerAddress int    `json:"max_per_address,omitempty"`
}

// BrokerConfig forwards bus events to an AMQP topic exchange.
type BrokerConfig struct {
	Enabled        bool   `json:"enabled"`
	URL            string `json:"url"`
	Exchange       string `json:"exchange,omitempty"`
	ConfirmTimeout string `json:"confirm_timeout,omitempty"`
	Buffer         int    `json:"buffer,omitempty"`
}

// DiagConfig serves health, job status and optional pprof over HTTP.
// Binding to a non-loopback address requires Token or AllowInsecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
}

// JobEnabled reports whether a named job runs. Jobs absent from the map use
// their built-in schedule and are enabled.
func (s SchedulerConfig) JobEnabled(name string) bool {
	j, ok := s.Jobs[name]
	if !ok || j.Enabled == nil {
		return true
	}
	return *j.Enabled
}
