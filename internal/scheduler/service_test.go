package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"salesops/internal/eventbus"
	"salesops/pkg/logx"
)

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add("", "1m", 0, noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Add("x", "61 * * * *", 0, noop); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if err := s.Add("x", "1m", 0, nil); err == nil {
		t.Fatal("nil func accepted")
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	if err := s.Add("post_visit", "*/2 * * * *", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "post_visit") }()
	<-started
	if err := s.RunNow(context.Background(), "post_visit"); !errors.Is(err, ErrRunning) {
		t.Fatalf("overlapping run: err = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 1 || snap[0].Skipped != 1 || snap[0].Running {
		t.Fatalf("snapshot = %+v", snap)
	}
	var sawSkip, sawRun bool
	for i := 0; i < 2; i++ {
		ev := <-events
		sawSkip = sawSkip || ev.Type == EventSkipped
		sawRun = sawRun || ev.Type == EventRun
	}
	if !sawSkip || !sawRun {
		t.Fatal("expected skip and run events")
	}
}

func TestRunNowReportsErrorsAndPanics(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	boom := errors.New("boom")
	_ = s.Add("fails", "1h", 0, func(context.Context) error { return boom })
	_ = s.Add("panics", "1h", 0, func(context.Context) error { panic("bad") })

	if err := s.RunNow(context.Background(), "fails"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := s.RunNow(context.Background(), "panics"); err == nil {
		t.Fatal("panic not reported")
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v", err)
	}
	for _, info := range s.Snapshot() {
		if info.LastErr == "" {
			t.Fatalf("%s: last error not recorded", info.Name)
		}
	}
}

func TestTimeoutBoundsJob(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	_ = s.Add("slow", "1h", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartTriggersCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), nil)
	fired := make(chan struct{}, 4)
	_ = s.Add("tick", "* * * * * *", 0, func(context.Context) error {
		fired <- struct{}{}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron job never fired")
	}
	if info := s.Snapshot()[0]; info.Next.IsZero() {
		t.Fatal("next run not reported")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	_ = s.Add("tick", "* * * * * *", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	s.Stop(context.Background())
	if info := s.Snapshot()[0]; !info.Next.IsZero() || info.Runs != 0 {
		t.Fatalf("disabled scheduler ran: %+v", info)
	}
}
