package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"salesops/internal/adapters/logchan"
	"salesops/internal/adapters/telegram"
	"salesops/internal/audit"
	"salesops/internal/booking"
	"salesops/internal/broker"
	"salesops/internal/channel"
	"salesops/internal/clock"
	"salesops/internal/config"
	"salesops/internal/delivery"
	"salesops/internal/eventbus"
	"salesops/internal/ledger"
	"salesops/internal/observability/diag"
	"salesops/internal/runtime/supervisor"
	"salesops/internal/scheduler"
	"salesops/internal/storage"
	"salesops/pkg/logx"
)

// Channel is a messaging channel with both directions.
type Channel interface {
	channel.Sender
	channel.Source
}

// Option overrides a dependency built from config. Tests use it to inject
// fakes.
type Option func(*options)

type options struct {
	channel Channel
	store   storage.Store
	clock   clock.Clock
}

func WithChannel(c Channel) Option     { return func(o *options) { o.channel = c } }
func WithStore(s storage.Store) Option { return func(o *options) { o.store = s } }
func WithClock(c clock.Clock) Option   { return func(o *options) { o.clock = c } }

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	ch    Channel

	dispatch  *delivery.Dispatcher
	inbox     *delivery.Inbox
	booking   *booking.Service
	postVisit atomic.Pointer[booking.PostVisit]
	sched     *scheduler.Service

	redis     *redis.Client
	ledger    *ledger.Ledger
	publisher broker.Publisher
	diag      *diag.Service

	inbound chan channel.Inbound
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.System()
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateJobs(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg), nil)
	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		inbound: make(chan channel.Inbound, 256),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	if a.ch = o.channel; a.ch == nil {
		if a.ch, err = newChannel(cfg, log); err != nil {
			return nil, err
		}
	}
	logs.SetSender(a.ch)

	if a.store = o.store; a.store == nil {
		sc, err := mapStorage(cfg)
		if err != nil {
			return nil, err
		}
		if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.log.Info("storage ready", logx.String("driver", sc.Driver))
	}

	dc, err := mapDelivery(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatch = delivery.NewDispatcher(dc, delivery.Deps{
		Store: a.store, Sender: a.ch, Clock: o.clock, Bus: a.bus, Log: log,
	})
	a.inbox = delivery.NewInbox(a.dispatch)

	bc, pvc, err := mapBooking(cfg)
	if err != nil {
		return nil, err
	}
	cal, err := mapCalendar(cfg)
	if err != nil {
		return nil, err
	}
	a.booking = booking.New(bc, booking.Deps{
		Store: a.store, Dispatcher: a.dispatch, Sender: a.ch, Calendar: cal,
		Clock: o.clock, Bus: a.bus, Log: log,
	})
	a.postVisit.Store(booking.NewPostVisit(a.booking, pvc))

	a.sched = scheduler.New(mapScheduler(cfg), log.With(logx.String("comp", "scheduler")), a.bus)
	if err := a.registerJobs(cfg.Scheduler); err != nil {
		return nil, err
	}

	if lc, enabled, err := mapLedger(cfg); err != nil {
		return nil, err
	} else if enabled {
		if a.redis, err = ledger.NewClient(ctx, lc); err != nil {
			return nil, err
		}
		a.ledger = ledger.New(a.redis, lc, log)
	}
	if bc, enabled, err := mapBroker(cfg); err != nil {
		return nil, err
	} else if enabled {
		if a.publisher, err = broker.Dial(bc); err != nil {
			return nil, err
		}
	}

	deps := diag.Deps{Jobs: a.sched, Tasks: a.tasks}
	if a.ledger != nil {
		deps.Ledger = a.ledger
	}
	a.diag = diag.New(mapDiag(cfg), deps, log)

	ok = true
	return a, nil
}

func newChannel(cfg *config.Config, log logx.Logger) (Channel, error) {
	switch cfg.Channel.Driver {
	case "telegram":
		poll, err := config.ParseDurationOrDefault("channel.poll_timeout", cfg.Channel.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{Token: cfg.Channel.Token, PollTimeout: poll}, log)
	default:
		return logchan.New(log), nil
	}
}

// validateJobs rejects unknown job names and unparsable schedules.
func validateJobs(cfg *config.Config) error {
	var errs []error
	for name, j := range cfg.Scheduler.Jobs {
		if _, known := defaultSchedules[name]; !known {
			errs = append(errs, fmt.Errorf("scheduler.jobs: unknown job %q", name))
			continue
		}
		if j.Schedule == "" {
			continue
		}
		if err := scheduler.Validate(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.jobs.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Booking() *booking.Service        { return a.booking }
func (a *App) Dispatcher() *delivery.Dispatcher { return a.dispatch }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) tasks() []supervisor.Stats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the channel, inbound handling, scheduler, event sinks and
// config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateJobs(cfg); err != nil {
			return err
		}
		if _, err := mapDelivery(cfg); err != nil {
			return err
		}
		_, _, err := mapBooking(cfg)
		return err
	})

	if err := a.ch.Start(a.sup.Context(), a.inbound); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	a.sup.Go0("inbound", a.inboundLoop)
	a.startSinks()
	a.sched.Start(a.sup.Context())

	a.sup.GoRestart("diag", a.diag.Run, time.Second, 30*time.Second)
	sub, unsub := a.cfgm.Subscribe()
	current := a.cfgm.Get()
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer unsub()
		a.reloadLoop(ctx, sub, current)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("app started")
	return nil
}

func (a *App) inboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbound:
			hctx, cancel := context.WithTimeout(ctx, time.Minute)
			rep, err := a.inbox.Handle(hctx, msg)
			cancel()
			if err != nil {
				a.log.Warn("inbound handling failed", logx.String("address", msg.Address), logx.Err(err))
				continue
			}
			if !rep.Known {
				a.log.Debug("inbound from unknown address", logx.String("address", msg.Address))
			}
		}
	}
}

// startSinks subscribes the audit, ledger and broker consumers plus a debug
// event log.
func (a *App) startSinks() {
	cfg := a.cfgm.Get()
	sub := func(name string, buffer int, run func(ctx context.Context, events <-chan eventbus.Event)) {
		events, unsub := a.bus.Subscribe(buffer)
		a.sup.Go0(name, func(ctx context.Context) {
			defer unsub()
			run(ctx, events)
		})
	}
	if cfg.Audit.Enabled {
		sub("audit", bufferOr(cfg.Audit.Buffer, 256), audit.New(a.store, a.log).Run)
	}
	if a.ledger != nil {
		sub("ledger", 256, a.ledger.Run)
	}
	if a.publisher != nil {
		buffer := 256
		if cfg.Broker != nil {
			buffer = bufferOr(cfg.Broker.Buffer, buffer)
		}
		sub("broker", buffer, broker.NewForwarder(a.publisher, "salesops", a.log).Run)
	}
	sub("eventbus.log", 128, func(ctx context.Context, events <-chan eventbus.Event) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func bufferOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply pushes a reloaded config into running components. Sections that
// hold connections only take effect after a restart.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	changed, attrs := config.SummarizeChange(prev, cfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("config sections need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(cfg))
	if dc, err := mapDelivery(cfg); err == nil {
		a.dispatch.Apply(dc)
	}
	if bc, pvc, err := mapBooking(cfg); err == nil {
		a.booking.Apply(bc)
		a.postVisit.Store(booking.NewPostVisit(a.booking, pvc))
	}

	a.diag.Reconfigure(mapDiag(cfg))

	wasEnabled := prev.Scheduler.Enabled
	a.sched.Apply(mapScheduler(cfg))
	if err := a.registerJobs(cfg.Scheduler); err != nil {
		a.log.Warn("job registration failed", logx.Err(err))
	}
	switch {
	case wasEnabled && !cfg.Scheduler.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && cfg.Scheduler.Enabled:
		a.sched.Start(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(sctx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("channel", 3*time.Second, a.ch.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	a.closeResources()
	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() {
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
