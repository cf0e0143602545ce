package delivery

import (
	"context"
	"fmt"
	"time"

	"salesops/internal/channel"
	"salesops/internal/clock"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

// Mutator performs read-modify-write cycles on the recipient attribute
// document. The document is never locked: every cycle re-reads right before
// writing so concurrent writers lose at most the race window.
type Mutator struct {
	store       storage.Store
	sender      channel.Sender
	clock       clock.Clock
	log         logx.Logger
	sendTimeout time.Duration
}

func NewMutator(store storage.Store, sender channel.Sender, clk clock.Clock, log logx.Logger) *Mutator {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mutator{
		store:       store,
		sender:      sender,
		clock:       clk,
		log:         log.With(logx.String("comp", "delivery.mutator")),
		sendTimeout: 15 * time.Second,
	}
}

// SetSendTimeout bounds the direct send in DeliverAndClear.
func (m *Mutator) SetSendTimeout(d time.Duration) {
	if d > 0 {
		m.sendTimeout = d
	}
}

// Mutate re-reads the recipient, applies fn to the fresh document and writes
// the whole document back. A failed read aborts without writing, so a
// transient read error never replaces the stored document with an empty one.
func (m *Mutator) Mutate(ctx context.Context, recipientID string, fn func(attrs storage.Attributes)) error {
	r, err := m.store.GetRecipient(ctx, recipientID)
	if err != nil {
		m.log.Error("attribute re-read failed", logx.String("recipient", recipientID), logx.Err(err))
		return fmt.Errorf("re-read recipient %s: %w", recipientID, err)
	}
	attrs := r.Attributes
	if attrs == nil {
		attrs = storage.Attributes{}
	}
	fn(attrs)
	if err := m.store.UpdateRecipientAttributes(ctx, recipientID, attrs); err != nil {
		m.log.Error("attribute write failed", logx.String("recipient", recipientID), logx.Err(err))
		return fmt.Errorf("write recipient %s: %w", recipientID, err)
	}
	return nil
}

// DeliverAndClear sends message directly, then removes pendingKey, stamps
// the delivery time and records contextKey when it is not empty. The inbound
// interaction time is left alone; only inbound messages open the window.
//
// A send failure returns Success=false and leaves the document untouched.
// A write failure after a successful send returns Success=true with the
// write error, so the caller knows the recipient already has the message.
func (m *Mutator) DeliverAndClear(ctx context.Context, r storage.Recipient, pendingKey, message, contextKey string) (Delivery, error) {
	var ref channel.Ref
	if message != AlreadySent {
		sctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
		got, err := m.sender.SendDirect(sctx, r.Phone, message)
		cancel()
		if err != nil {
			m.log.Warn("pending delivery failed",
				logx.String("recipient", r.ID),
				logx.String("key", pendingKey),
				logx.Err(err),
			)
			return Delivery{}, fmt.Errorf("send %s to %s: %w", pendingKey, r.ID, err)
		}
		ref = got
	}

	now := m.clock.Now()
	err := m.Mutate(ctx, r.ID, func(attrs storage.Attributes) {
		if pendingKey != "" {
			attrs.Delete(pendingKey)
		}
		attrs.SetTime(storage.KeyLastDelivery, now)
		if contextKey != "" {
			_ = attrs.Set(contextKey, DeliveryContext{
				SentAt:     now.UTC(),
				Delivered:  true,
				MessageRef: ref.MessageID,
			})
		}
	})
	if err != nil {
		return Delivery{Success: true, Ref: ref}, err
	}
	return Delivery{Success: true, Ref: ref}, nil
}
