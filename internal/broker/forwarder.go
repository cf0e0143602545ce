package broker

import (
	"context"
	"sync/atomic"
	"time"

	"salesops/internal/eventbus"
	"salesops/pkg/logx"
)

// Forwarder republishes bus events to the broker. The routing key is the
// event type, so consumers bind with patterns like "booking.#".
type Forwarder struct {
	pub      Publisher
	producer string
	timeout  time.Duration
	log      logx.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewForwarder(pub Publisher, producer string, log logx.Logger) *Forwarder {
	if producer == "" {
		producer = "salesops"
	}
	return &Forwarder{
		pub:      pub,
		producer: producer,
		timeout:  10 * time.Second,
		log:      log.With(logx.String("comp", "broker")),
	}
}

// Run forwards events until ctx ends or the subscription closes. Failed
// publishes are logged and dropped; the bus is not a durable queue.
func (f *Forwarder) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev eventbus.Event) {
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.pub.Publish(pctx, ev.Type, FromEvent(ev, f.producer)); err != nil {
		f.failed.Add(1)
		f.log.Warn("event publish failed", logx.String("type", ev.Type), logx.String("id", ev.ID), logx.Err(err))
		return
	}
	f.published.Add(1)
}

// Stats returns the published and failed counters.
func (f *Forwarder) Stats() (published, failed uint64) {
	return f.published.Load(), f.failed.Load()
}
