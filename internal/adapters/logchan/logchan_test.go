package logchan

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"salesops/pkg/logx"
)

func TestSendsAreLoggedAndAcknowledged(t *testing.T) {
	var buf bytes.Buffer
	c := New(logx.NewWriter(&buf, "debug"))

	r1, err := c.SendDirect(context.Background(), "5215550100", "hola")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := c.SendTemplate(context.Background(), "5215550100", "reactivar_equipo", "es_MX", []string{"Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.MessageID == r2.MessageID || r1.IsZero() {
		t.Fatalf("refs %v %v", r1, r2)
	}
	out := buf.String()
	for _, want := range []string{`"text":"hola"`, `"template":"reactivar_equipo/es_MX"`, `"to":"5215550100"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s:\n%s", want, out)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	c := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.SendDirect(ctx, "1", "x"); err == nil {
		t.Fatal("expected error")
	}
}
