package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"salesops/internal/eventbus"
	"salesops/pkg/logx"
)

const (
	EventRun     = "scheduler.run"
	EventSkipped = "scheduler.skipped"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrRunning    = errors.New("job already running")
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "America/Mexico_City"
}

// Func is a job body. It must honour ctx.
type Func func(ctx context.Context) error

// RunEvent is the payload of scheduler.* bus events.
type RunEvent struct {
	Job      string        `json:"job"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skipped  uint64
	LastErr  string
	LastTook time.Duration
}

type job struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	run     Func
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu       sync.Mutex
	lastErr  string
	lastTook time.Duration
}

// Service triggers named jobs on cron or interval schedules. A job never
// overlaps itself: a tick that finds the previous run in flight is skipped.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	jobs   map[string]*job

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		parser: cronParser,
		jobs:   map[string]*job{},
	}
}

// Add registers or replaces a job by name. Jobs added before Start are
// scheduled when Start runs.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("job func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	j := &job{name: name, spec: ps, timeout: timeout, run: fn}
	s.jobs[name] = j
	if s.c != nil {
		s.registerLocked(j)
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", schedule), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters a job. In-flight runs finish normally.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

// Start begins triggering. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.log.Info("scheduler disabled")
		}
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.registerLocked(j)
	}
	s.c.Start()
}

// Stop halts triggering, cancels in-flight runs and waits for them or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs in flight")
	}
}

// Apply swaps the config. A timezone change rebuilds the cron instance;
// toggling Enabled takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// RunNow executes a job synchronously outside its schedule. It returns
// ErrRunning when a run is already in flight.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	ran, err := s.execute(ctx, j)
	if !ran {
		return fmt.Errorf("%s: %w", name, ErrRunning)
	}
	return err
}

func (s *Service) registerLocked(j *job) {
	fire := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		_, _ = s.execute(ctx, j)
	})
	if j.spec.Kind == SpecInterval {
		j.entryID = s.c.Schedule(intervalWithSpread(j.spec.Every, time.Now().In(s.loc), j.name), fire)
		return
	}
	id, err := s.c.AddJob(j.spec.Cron, fire)
	if err != nil {
		s.log.Error("job register failed", logx.String("job", j.name), logx.Err(err))
		return
	}
	j.entryID = id
}

// execute runs j unless it is already running. ran is false for a skip.
func (s *Service) execute(ctx context.Context, j *job) (ran bool, err error) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job skipped; previous run in flight", logx.String("job", j.name))
		s.bus.Publish(eventbus.Event{ID: uuid.NewString(), Type: EventSkipped, Data: RunEvent{Job: j.name}})
		return false, nil
	}
	defer j.running.Store(false)

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked", logx.String("job", j.name), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = j.run(ctx)
	}()
	took := time.Since(start)

	j.runs.Add(1)
	j.mu.Lock()
	j.lastTook = took
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	ev := RunEvent{Job: j.name, Duration: took}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job finished", logx.String("job", j.name), logx.Duration("took", took))
	}
	s.bus.Publish(eventbus.Event{ID: uuid.NewString(), Type: EventRun, Data: ev})
	return true, err
}

// Snapshot lists jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	c := s.c
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		info := JobInfo{
			Name:    j.name,
			Timeout: j.timeout,
			Running: j.running.Load(),
			Runs:    j.runs.Load(),
			Skipped: j.skipped.Load(),
		}
		if j.spec.Kind == SpecCron {
			info.Spec = j.spec.Cron
		} else {
			info.Spec = "@every " + j.spec.Every.String()
		}
		if c != nil && j.entryID != 0 {
			e := c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		j.mu.Lock()
		info.LastErr, info.LastTook = j.lastErr, j.lastTook
		j.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
