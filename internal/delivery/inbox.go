package delivery

import (
	"context"
	"errors"
	"fmt"

	"salesops/internal/channel"
	"salesops/internal/clock"
	"salesops/internal/eventbus"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

// FlushReport summarises one inbound flush.
type FlushReport struct {
	RecipientID string
	Known       bool
	Dropped     []string
	Delivered   []string
	Failed      []string
}

// Inbox reacts to inbound messages: it reopens the session window and
// flushes the recipient's queued notifications in priority order.
type Inbox struct {
	store   storage.Store
	mutator *Mutator
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
}

func NewInbox(d *Dispatcher) *Inbox {
	return &Inbox{
		store:   d.store,
		mutator: d.mutator,
		clock:   d.clock,
		bus:     d.bus,
		log:     d.log.With(logx.String("comp", "delivery.inbox")),
	}
}

// Handle is called once per inbound message. Messages from unknown addresses
// are ignored (Known=false, nil error).
func (in *Inbox) Handle(ctx context.Context, msg channel.Inbound) (FlushReport, error) {
	r, err := in.store.FindRecipientByAddress(ctx, msg.Address)
	if errors.Is(err, storage.ErrNotFound) {
		in.log.Debug("inbound from unknown address", logx.String("address", msg.Address))
		return FlushReport{}, nil
	}
	if err != nil {
		return FlushReport{}, fmt.Errorf("lookup %s: %w", msg.Address, err)
	}
	rep := FlushReport{RecipientID: r.ID, Known: true}

	now := in.clock.Now()
	seen := msg.ReceivedAt
	if seen.IsZero() || seen.After(now) {
		seen = now
	}
	err = in.mutator.Mutate(ctx, r.ID, func(attrs storage.Attributes) {
		attrs.SetTime(storage.KeyLastInteraction, seen)
		rep.Dropped = ExpiredKeys(attrs, now)
		for _, k := range rep.Dropped {
			attrs.Delete(k)
		}
	})
	if err != nil {
		return rep, err
	}

	fresh, err := in.store.GetRecipient(ctx, r.ID)
	if err != nil {
		return rep, fmt.Errorf("re-read recipient %s: %w", r.ID, err)
	}
	for _, it := range Reconcile(fresh.Attributes, now) {
		d, err := in.mutator.DeliverAndClear(ctx, fresh, it.Key, it.Message, ContextKey(it.Type))
		if !d.Success {
			rep.Failed = append(rep.Failed, it.Type)
			continue
		}
		if err != nil {
			in.log.Error("flush bookkeeping failed", logx.String("recipient", r.ID), logx.String("type", it.Type), logx.Err(err))
		}
		rep.Delivered = append(rep.Delivered, it.Type)
	}

	if len(rep.Delivered)+len(rep.Failed)+len(rep.Dropped) > 0 {
		in.log.Info("pending flush",
			logx.String("recipient", r.ID),
			logx.Int("delivered", len(rep.Delivered)),
			logx.Int("failed", len(rep.Failed)),
			logx.Int("dropped", len(rep.Dropped)),
		)
		publish(in.bus, EventFlushed, in.clock.Now(), Event{
			RecipientID: r.ID, Address: fresh.Phone, WindowOpen: true, Count: len(rep.Delivered),
		})
	}
	return rep, nil
}
