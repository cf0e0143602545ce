package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"salesops/internal/channel/channeltest"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "delivery"))
	log.Error("attribute write failed", String("recipient", "r-1"), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "delivery" || m["recipient"] != "r-1" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["level"] != "error" {
		t.Fatalf("level = %v", m["level"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestAlertsForwardErrorsOnly(t *testing.T) {
	t.Parallel()
	rec := channeltest.NewRecorder()
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, Address: "900", RatePerSec: 10}}, nil)
	defer svc.Close()
	svc.SetSender(rec)

	log.Warn("slow calendar")
	log.Error("storage write failed", String("recipient", "r-9"))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.CallsTo("900")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	calls := rec.CallsTo("900")
	if len(calls) != 1 {
		t.Fatalf("alerts = %d, want 1", len(calls))
	}
	if !strings.HasPrefix(calls[0].Text, "[ERROR] storage write failed") || !strings.Contains(calls[0].Text, "recipient=r-9") {
		t.Fatalf("alert text = %q", calls[0].Text)
	}
}

func TestFormatAlertSortsFieldsAndSkipsTime(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"x","message":"db_error","zeta":"1","alpha":"2"}`)
	got := formatAlert(line)
	if !strings.HasPrefix(got, "[ERROR] db_error") {
		t.Fatalf("prefix: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time leaked: %q", got)
	}
	if strings.Index(got, "alpha") > strings.Index(got, "zeta") {
		t.Fatalf("fields not sorted: %q", got)
	}
}

func TestParseLevelDefault(t *testing.T) {
	t.Parallel()
	if got := parseLevel("nope", zerolog.WarnLevel); got != zerolog.WarnLevel {
		t.Fatalf("parseLevel = %v", got)
	}
	if got := parseLevel(" warning ", zerolog.InfoLevel); got != zerolog.WarnLevel {
		t.Fatalf("parseLevel = %v", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("expected zero logger")
	}
	l.Info("ignored")
}
