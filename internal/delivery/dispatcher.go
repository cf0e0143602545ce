package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"salesops/internal/channel"
	"salesops/internal/clock"
	"salesops/internal/eventbus"
	"salesops/internal/storage"
	logx "salesops/pkg/logx"
)

var ErrNoAddress = errors.New("recipient has no address")

// Dispatcher decides between a direct message and the reactivation template
// and queues the real content when it cannot be delivered now.
//
// It is safe for concurrent use.
type Dispatcher struct {
	store   storage.Store
	sender  channel.Sender
	mutator *Mutator
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.RWMutex
	cfg Config
}

type Deps struct {
	Store  storage.Store
	Sender channel.Sender
	Clock  clock.Clock
	Bus    eventbus.Bus
	Log    logx.Logger
}

func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	d := &Dispatcher{
		store:  deps.Store,
		sender: deps.Sender,
		clock:  deps.Clock,
		bus:    deps.Bus,
		log:    deps.Log.With(logx.String("comp", "delivery")),
	}
	d.mutator = NewMutator(deps.Store, deps.Sender, deps.Clock, deps.Log)
	d.Apply(cfg)
	return d
}

// Apply swaps the dispatch knobs at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.mutator.SetSendTimeout(cfg.SendTimeout)
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Mutator exposes the attribute mutator sharing this dispatcher's store,
// sender and clock.
func (d *Dispatcher) Mutator() *Mutator { return d.mutator }

// Send delivers message to r.
//
// With an open window it tries a direct send first. When the window is
// closed or the direct send fails it sends the reactivation template and,
// with PersistPending, stores the message under pending_<type> regardless of
// the template outcome. Queue write failures are logged and reported through
// Result.Queued; they never fail the call.
func (d *Dispatcher) Send(ctx context.Context, r storage.Recipient, message string, opts Options) Result {
	cfg := d.config()
	typ := typeOf(opts)
	log := d.log.With(logx.String("recipient", r.ID), logx.String("type", typ))

	attrs := r.Attributes
	if fresh, err := d.store.GetRecipient(ctx, r.ID); err == nil {
		attrs = fresh.Attributes
		if fresh.Phone != "" {
			r.Phone = fresh.Phone
		}
	} else {
		log.Warn("recipient re-read failed; using caller copy", logx.Err(err))
	}
	now := d.clock.Now()
	res := Result{WindowWasOpen: WindowOpen(attrs, now)}
	ev := Event{RecipientID: r.ID, Address: r.Phone, Type: typ, WindowOpen: res.WindowWasOpen}

	if strings.TrimSpace(r.Phone) == "" {
		res.Method = MethodFailed
		res.Err = ErrNoAddress
		if opts.PersistPending {
			res.Queued = d.enqueue(ctx, log, r.ID, typ, message, opts, now)
		}
		ev.Method, ev.Queued, ev.Error = string(res.Method), res.Queued, res.Err.Error()
		publish(d.bus, EventFailed, now, ev)
		return res
	}

	if res.WindowWasOpen {
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := d.sender.SendDirect(sctx, r.Phone, message)
		cancel()
		if err == nil {
			res.Success, res.Method, res.Ref = true, MethodDirect, ref
			ev.Method, ev.MessageID = string(MethodDirect), ref.MessageID
			publish(d.bus, EventDirect, d.clock.Now(), ev)
			return res
		}
		log.Warn("direct send failed; falling back to template", logx.Err(err))
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	ref, err := d.sender.SendTemplate(sctx, r.Phone, cfg.TemplateName, cfg.TemplateLocale,
		[]string{firstName(r.Name, cfg.DefaultFirstName)})
	cancel()
	if err != nil {
		log.Warn("reactivation template failed", logx.String("template", cfg.TemplateName), logx.Err(err))
		res.Method, res.Err = MethodFailed, err
	} else {
		res.Success, res.Method, res.Ref = true, MethodTemplate, ref
	}

	if opts.PersistPending {
		res.Queued = d.enqueue(ctx, log, r.ID, typ, message, opts, now)
	}

	ev.Method, ev.Queued, ev.MessageID, ev.Error = string(res.Method), res.Queued, ref.MessageID, errString(res.Err)
	if res.Success {
		publish(d.bus, EventTemplate, d.clock.Now(), ev)
	} else {
		publish(d.bus, EventFailed, d.clock.Now(), ev)
	}
	return res
}

// enqueue writes pending_<typ>; the latest write for a type wins. The write
// outlives ctx, bounded by the send timeout, so a caller whose deadline just
// passed still keeps its payload.
func (d *Dispatcher) enqueue(ctx context.Context, log logx.Logger, recipientID, typ, message string, opts Options, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config().SendTimeout)
	defer cancel()
	q := QueuedNotification{SentAt: now.UTC(), RenderedMessage: message}
	if !opts.ExpiresAt.IsZero() {
		exp := opts.ExpiresAt.UTC()
		q.ExpiresAt = &exp
	}
	key := PendingKey(typ)
	err := d.mutator.Mutate(ctx, recipientID, func(attrs storage.Attributes) {
		_ = attrs.Set(key, q)
	})
	ev := Event{RecipientID: recipientID, Type: typ, Queued: err == nil, Error: errString(err)}
	if err != nil {
		log.Error("pending queue write failed", logx.String("key", key), logx.Err(err))
		publish(d.bus, EventQueueFailed, now, ev)
		return false
	}
	publish(d.bus, EventQueued, now, ev)
	return true
}

func typeOf(opts Options) string {
	if typ := strings.TrimSpace(opts.Type); typ != "" {
		return typ
	}
	return TypeNotificacion
}

func firstName(full, def string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return def
}
