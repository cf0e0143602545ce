// Package diag serves the operator diagnostics endpoint: liveness, job
// status and manual runs, supervised goroutines, the delivery ledger and
// optionally pprof.
package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"salesops/internal/ledger"
	"salesops/internal/runtime/supervisor"
	"salesops/internal/scheduler"
	"salesops/pkg/logx"
)

// Config controls the listener. A non-loopback Addr needs a Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
}

type Jobs interface {
	Snapshot() []scheduler.JobInfo
	RunNow(ctx context.Context, name string) error
}

type Ledger interface {
	Recent(ctx context.Context, address string, page, pageSize int) ([]ledger.Entry, int64, error)
}

type Deps struct {
	Jobs Jobs
	// Ledger may be nil when the ledger is disabled.
	Ledger Ledger
	Tasks  func() []supervisor.Stats
}

var errInsecureBind = errors.New("diag refused to start: non-loopback addr requires token or allow_insecure")

type Service struct {
	log  logx.Logger
	deps Deps

	mu      sync.Mutex
	cfg     Config
	changed chan struct{}
	addr    string
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	return &Service{
		log:     log.With(logx.String("comp", "diag")),
		deps:    deps,
		cfg:     cfg,
		changed: make(chan struct{}),
	}
}

// Reconfigure swaps the config; a running listener restarts on the next
// loop of Run.
func (s *Service) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(s.cfg, cfg) {
		return
	}
	s.cfg = cfg
	close(s.changed)
	s.changed = make(chan struct{})
}

// Addr is the bound listener address, empty when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) current() (Config, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.changed
}

// Run serves until ctx ends, restarting the listener whenever the config
// changes. A listen failure is returned so the caller can back off.
func (s *Service) Run(ctx context.Context) error {
	for {
		cfg, changed := s.current()
		if !cfg.Enabled {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				continue
			}
		}
		sctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-changed:
				cancel()
			case <-sctx.Done():
			}
		}()
		err := s.serve(sctx, cfg)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Service) serve(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("diag refused to start", logx.String("addr", addr))
			return errInsecureBind
		}
		s.log.Warn("diag running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(cfg), ReadHeaderTimeout: 5 * time.Second, ReadTimeout: cfg.ReadTimeout}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("diag started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		s.log.Info("diag stopped")
		return nil
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
