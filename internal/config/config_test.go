package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
channel:
  driver: telegram
  token: ${SALESOPS_TEST_TOKEN}
  poll_timeout: 10s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ${SALESOPS_TEST_DB:-./data/salesops.db}
booking:
  timezone: America/Mexico_City
  working_days: [1, 2, 3, 4, 5, 6]
scheduler:
  enabled: true
  jobs:
    post_visit:
      schedule: "*/2 * * * *"
    agenda:
      enabled: false
      schedule: "0 8 * * 1-6"
`

func TestDecodeYAMLWithEnv(t *testing.T) {
	t.Setenv("SALESOPS_TEST_TOKEN", "123:abc")
	cfg, err := Decode("salesops.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Channel.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Channel.Token)
	}
	if cfg.Storage.Path != "./data/salesops.db" {
		t.Fatalf("default expansion: path = %q", cfg.Storage.Path)
	}
	if !slices.Equal(cfg.Booking.WorkingDays, []int{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("working days = %v", cfg.Booking.WorkingDays)
	}
	if !cfg.Scheduler.JobEnabled("post_visit") || cfg.Scheduler.JobEnabled("agenda") {
		t.Fatal("job enable flags not honoured")
	}
	if !cfg.Scheduler.JobEnabled("prune") {
		t.Fatal("jobs missing from the map default to enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"channel":{"driver":"log"},"plugins":{}}`)); err == nil {
		t.Fatal("unknown key accepted")
	}
	if _, err := Decode("c.json", []byte(`{"channel":{"driver":"log"}}{}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestExpandEnvKeepsBareDollar(t *testing.T) {
	t.Setenv("SALESOPS_X", "v")
	got := string(ExpandEnv([]byte(`a=${SALESOPS_X} b=$SALESOPS_X c=${SALESOPS_UNSET_VAR} d=${SALESOPS_UNSET_VAR:-dflt}`)))
	want := `a=v b=$SALESOPS_X c= d=dflt`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("SALESOPS_DOTENV_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SALESOPS_DOTENV_KEY", "")
	os.Unsetenv("SALESOPS_DOTENV_KEY")
	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("SALESOPS_DOTENV_KEY"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"telegram without token", Config{Channel: ChannelConfig{Driver: "telegram"}}, "channel.token"},
		{"unknown storage", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"postgres without dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad duration", Config{Delivery: DeliveryConfig{SendTimeout: "soon"}}, "delivery.send_timeout"},
		{"inverted hours", Config{Booking: BookingConfig{WorkStart: 18, WorkEnd: 9}}, "work_end"},
		{"bad weekday", Config{Booking: BookingConfig{WorkingDays: []int{7}}}, "working_days"},
		{"bad zone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"ledger without addr", Config{Ledger: &LedgerConfig{Enabled: true}}, "ledger.addr"},
		{"alerts without address", Config{Logging: LoggingConfig{Alerts: LoggingAlerts{Enabled: true}}}, "logging.alerts.address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
	if err := (&Config{}).Validate(); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Channel: ChannelConfig{Driver: "telegram", Token: "old"}}
	b := &Config{Channel: ChannelConfig{Driver: "telegram", Token: "new"}, Logging: LoggingConfig{Level: "debug"}}
	changed, _ := SummarizeChange(a, b)
	if !slices.Equal(changed, []string{"channel", "logging"}) {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); !slices.Equal(got, []string{"channel"}) {
		t.Fatalf("restart = %v", got)
	}
	if changed, _ := SummarizeChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "salesops.json")
	write := func(level string) {
		t.Helper()
		body := `{"channel":{"driver":"log"},"logging":{"level":"` + level + `"}}`
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("info")

	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub, cancelSub := m.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("debug")

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload not committed")
	}
	cancel()
	<-done
}

func TestReloadRejectedByValidator(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "salesops.json")
	if err := os.WriteFile(p, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(`{"logging":{"level":"warn"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })
	if m.reload(context.Background()) {
		t.Fatal("validator rejection still published")
	}
	if m.Get().Logging.Level != "info" {
		t.Fatal("rejected config was committed")
	}
	m.SetValidator(nil)
	if !m.reload(context.Background()) {
		t.Fatal("valid change not published")
	}
	if m.reload(context.Background()) {
		t.Fatal("unchanged content republished")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("SALESOPS_TELEGRAM_TOKEN", "123:abc")
	m := NewManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Diag == nil || cfg.Diag.Addr != "127.0.0.1:6060" {
		t.Fatalf("diag = %+v", cfg.Diag)
	}
	if !cfg.Scheduler.JobEnabled("agenda") || cfg.Scheduler.Jobs["post_visit"].Timeout != "90s" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
}
