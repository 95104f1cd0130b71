package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultLogFile  = "./tickwork.log"
	defaultRingSize = 256
	defaultRingRate = 20
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Ring    RingConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// RingConfig controls the in-process ring sink.
//
// Size defaults to 256 lines, MinLevel to "warn", RatePerSec to 20.
type RingConfig struct {
	Enabled    bool
	Size       int
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks behind every Logger it hands out and can swap them
// at runtime.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	filePath string

	ring     *ring
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Close closes the log file, if any. Loggers keep working on the remaining
// sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// Recent returns up to n of the newest ring lines, oldest first, or nil when
// the ring sink is off.
func (s *Service) Recent(n int) []string {
	s.mu.Lock()
	r := s.ring
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.last(n)
}

// Apply rebuilds the sink set. An open log file is kept when its path is
// unchanged; a file that cannot be opened is reported on the new logger and
// skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	fileErr := s.applyFileLocked(cfg.File)
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if s.applyRingLocked(cfg.Ring) {
		writers = append(writers, &ringWriter{svc: s})
	}
	s.mu.Unlock()

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if fileErr != nil {
		Logger{svc: s}.Named("logx").Error("log file unavailable", Err(fileErr))
	}
}

func (s *Service) applyFileLocked(fc FileConfig) error {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && (!fc.Enabled || path != s.filePath) {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	if !fc.Enabled || s.file != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file, s.filePath = f, path
	return nil
}

// applyRingLocked reports whether the ring sink is enabled. Captured lines
// survive an Apply that keeps the same size.
func (s *Service) applyRingLocked(rc RingConfig) bool {
	if !rc.Enabled {
		s.ring, s.limiter = nil, nil
		return false
	}
	size := rc.Size
	if size <= 0 {
		size = defaultRingSize
	}
	if s.ring == nil || s.ring.size() != size {
		s.ring = newRing(size)
	}
	rps := rc.RatePerSec
	if rps <= 0 {
		rps = defaultRingRate
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.minLevel = parseLevel(rc.MinLevel, zerolog.WarnLevel)
	return true
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
