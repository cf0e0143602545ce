package delivery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFanoutIsolatesFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.d.Apply(Config{SendTimeout: time.Second, FanoutWorkers: 2, FanoutRatePerSec: 100})

	var jobs []Job
	for i, phone := range []string{"5215550001", "5215550002", "5215550003"} {
		r := h.addRecipient(t, string(rune('a'+i)), phone, time.Hour)
		jobs = append(jobs, Job{Recipient: r, Message: "agenda " + phone, Options: Options{Type: TypeBriefing, PersistPending: true}})
	}
	h.sender.FailAddress("5215550002", errors.New("blocked"))

	res := h.d.Fanout(context.Background(), jobs)
	if len(res) != 3 {
		t.Fatalf("len = %d", len(res))
	}
	if res[0].Method != MethodDirect || res[2].Method != MethodDirect {
		t.Fatalf("healthy recipients: %+v / %+v", res[0], res[2])
	}
	if res[1].Success || !res[1].Queued {
		t.Fatalf("failed recipient: %+v", res[1])
	}
	if _, ok := pending(t, h.attrs(t, "b"), TypeBriefing); !ok {
		t.Fatal("failed recipient content not queued")
	}
}

func TestPruneExpired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRecipient(t, "v1", "5215550001", time.Hour)
	ctx := context.Background()
	r, _ := h.store.GetRecipient(ctx, "v1")
	queued(t, r.Attributes, TypeBriefing, "old", t0.Add(-19*time.Hour), nil)
	queued(t, r.Attributes, TypeReporteSemanal, "fresh", t0.Add(-time.Hour), nil)
	_ = h.store.UpdateRecipientAttributes(ctx, "v1", r.Attributes)

	n, err := h.d.PruneExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PruneExpired = %d, %v", n, err)
	}
	keys := h.attrs(t, "v1").KeysWithPrefix(PendingPrefix)
	if len(keys) != 1 || keys[0] != PendingKey(TypeReporteSemanal) {
		t.Fatalf("keys = %v", keys)
	}
}

func TestFanoutQueuesJobsTheLimiterRejects(t *testing.T) {
	t.Parallel()
	short := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 500*time.Millisecond)
	}
	cancelled := func() (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx, cancel
	}
	for name, mkctx := range map[string]func() (context.Context, context.CancelFunc){
		"deadline":  short,
		"cancelled": cancelled,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.d.Apply(Config{SendTimeout: time.Second, FanoutWorkers: 4, FanoutRatePerSec: 1})

			var jobs []Job
			for i, phone := range []string{"5215550001", "5215550002", "5215550003", "5215550004"} {
				r := h.addRecipient(t, string(rune('a'+i)), phone, 30*time.Hour)
				jobs = append(jobs, Job{Recipient: r, Message: "agenda " + phone, Options: Options{Type: TypeBriefing, PersistPending: true}})
			}
			ctx, cancel := mkctx()
			defer cancel()

			res := h.d.Fanout(ctx, jobs)
			for i, r := range res {
				if !r.Queued {
					t.Fatalf("job %d not queued: %+v", i, r)
				}
				id := string(rune('a' + i))
				q, ok := pending(t, h.attrs(t, id), TypeBriefing)
				if !ok || q.RenderedMessage != jobs[i].Message {
					t.Fatalf("recipient %s pending = %+v, %v", id, q, ok)
				}
			}
		})
	}
}
