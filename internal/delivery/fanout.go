package delivery

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

// Job is one recipient's message in a fan-out.
type Job struct {
	Recipient storage.Recipient
	Message   string
	Options   Options
}

// Fanout dispatches jobs concurrently with a bounded worker count and a
// token-bucket limiter. Results are returned in job order; a failed job
// never stops the others. Jobs the limiter cannot admit before ctx ends are
// not sent, but their payloads are still queued when PersistPending is set.
func (d *Dispatcher) Fanout(ctx context.Context, jobs []Job) []Result {
	cfg := d.config()
	out := make([]Result, len(jobs))
	lim := rate.NewLimiter(rate.Limit(cfg.FanoutRatePerSec), cfg.FanoutRatePerSec)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.FanoutWorkers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			if err := lim.Wait(gctx); err != nil {
				out[i] = d.skip(gctx, jobs[i], err)
				return nil
			}
			j := jobs[i]
			out[i] = d.Send(gctx, j.Recipient, j.Message, j.Options)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// skip settles a job that never reached Send.
func (d *Dispatcher) skip(ctx context.Context, j Job, cause error) Result {
	typ := typeOf(j.Options)
	now := d.clock.Now()
	log := d.log.With(logx.String("recipient", j.Recipient.ID), logx.String("type", typ))
	log.Warn("fan-out job not admitted", logx.Err(cause))

	res := Result{
		Method:        MethodFailed,
		WindowWasOpen: WindowOpen(j.Recipient.Attributes, now),
		Err:           fmt.Errorf("fan-out: %w", cause),
	}
	if j.Options.PersistPending {
		res.Queued = d.enqueue(ctx, log, j.Recipient.ID, typ, j.Message, j.Options, now)
	}
	publish(d.bus, EventFailed, now, Event{
		RecipientID: j.Recipient.ID, Address: j.Recipient.Phone, Type: typ, WindowOpen: res.WindowWasOpen,
		Method: string(MethodFailed), Queued: res.Queued, Error: res.Err.Error(),
	})
	return res
}
