// Package debugsrv serves the engine's debug console over HTTP: a liveness
// check, a JSON status dump and the pprof handlers.
package debugsrv

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "tickwork/internal/runtime/supervisor"
	logx "tickwork/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

const (
	restartMin   = 500 * time.Millisecond
	restartMax   = 10 * time.Second
	shutdownWait = 2 * time.Second
)

var (
	ErrInsecureBind = errors.New("debug server refused to start: non-loopback addr requires token or allow_insecure")

	errServerExited = errors.New("debug server exited unexpectedly")
)

// Config controls the optional debug HTTP server.
//
// Binding to a non-loopback address needs Token or AllowInsecure. A profiling
// rate of -1 leaves the runtime setting alone.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// sameListener reports whether a running server for c can keep serving o.
func (c Config) sameListener(o Config) bool {
	return c.addr() == o.addr() && c.Token == o.Token && c.AllowInsecure == o.AllowInsecure
}

// StatusFunc returns the value served as JSON on /status.
type StatusFunc func(ctx context.Context) any

// HealthFunc reports whether the engine is healthy; a non-nil error turns
// /healthz into a 503.
type HealthFunc func() error

// Service runs at most one debug server at a time.
type Service struct {
	log    logx.Logger
	status StatusFunc
	health HealthFunc

	// lifeMu serializes Start, Stop and Reconfigure.
	lifeMu sync.Mutex

	mu   sync.Mutex
	cfg  Config
	inst *instance
}

// instance is one started server: its supervisor and the listener of the
// current serve attempt.
type instance struct {
	cfg Config
	sup *rtsup.Supervisor

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func (i *instance) bind(ln net.Listener, srv *http.Server) {
	i.mu.Lock()
	i.ln, i.srv = ln, srv
	i.mu.Unlock()
}

func (i *instance) unbind(srv *http.Server) {
	i.mu.Lock()
	if i.srv == srv {
		i.ln, i.srv = nil, nil
	}
	i.mu.Unlock()
}

func (i *instance) server() *http.Server {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.srv
}

func (i *instance) addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ln == nil {
		return ""
	}
	return i.ln.Addr().String()
}

func New(cfg Config, status StatusFunc, health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, status: status, health: health, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return ""
	}
	return inst.addr()
}

// Start is idempotent. The server runs under its own supervisor and is
// restarted with backoff if it exits while enabled.
func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.startLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.stopLocked(ctx)
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// Profiling rates apply immediately even when the listener is kept.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	applyRuntimeRates(cfg)
	s.mu.Lock()
	s.cfg = cfg
	inst := s.inst
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.stopLocked(ctx)
	case inst == nil:
		s.startLocked(ctx)
	case !inst.cfg.sameListener(cfg):
		s.stopLocked(ctx)
		s.startLocked(ctx)
	}
}

func (s *Service) startLocked(ctx context.Context) {
	s.mu.Lock()
	cfg, running := s.cfg, s.inst != nil
	s.mu.Unlock()
	if running || !cfg.Enabled {
		return
	}
	applyRuntimeRates(cfg)

	inst := &instance{
		cfg: cfg,
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			// debugging aids never take the engine down
			rtsup.WithCancelOnError(false),
		),
	}
	s.mu.Lock()
	s.inst = inst
	s.mu.Unlock()

	inst.sup.GoRestart("debug.http",
		func(c context.Context) error { return s.serve(c, inst) },
		rtsup.WithRestartBackoff(restartMin, restartMax),
	)
}

func (s *Service) stopLocked(ctx context.Context) {
	s.mu.Lock()
	inst := s.inst
	s.inst = nil
	s.mu.Unlock()
	if inst == nil {
		return
	}

	inst.sup.Cancel()
	if srv := inst.server(); srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if err := inst.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("debug server stop timed out", logx.Err(err))
		return
	}
	s.log.Info("debug server stopped")
}

// serve runs one listen-and-serve attempt for inst.
func (s *Service) serve(ctx context.Context, inst *instance) error {
	cfg := inst.cfg
	addr := cfg.addr()
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("debug server refused to start", logx.String("addr", addr))
			return ErrInsecureBind
		}
		s.log.Warn("debug server has no token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("debug server listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:           s.routes(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	inst.bind(ln, srv)
	defer inst.unbind(srv)

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
	)
	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errServerExited
	}
	return err
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch h = strings.TrimSpace(h); {
	case h == "":
		// all interfaces
		return false
	case strings.EqualFold(h, "localhost"):
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
