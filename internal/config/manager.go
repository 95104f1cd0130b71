package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tickwork/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// ErrRejected wraps a validator error returned by Reload.
var ErrRejected = errors.New("config rejected")

var errWatcherClosed = errors.New("config watcher closed")

// Validator checks a parsed config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager owns the committed config and publishes a Change for every
// reload that alters at least one section.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	hash      uint64
	validator Validator

	// reloadMu serializes Reload so changes are computed against the config
	// they replace.
	reloadMu sync.Mutex

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan Change
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the hook Reload runs before committing.
func (m *ConfigManager) SetValidator(fn Validator) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return decode(m.path, b)
}

// Commit makes cfg the current config without publishing it.
func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.hash = h
	m.mu.Unlock()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and commits it when it differs from the current
// config and passes the validator. A Change is published only when a section
// changed; the returned Change is empty otherwise.
func (m *ConfigManager) Reload(ctx context.Context) (Change, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return Change{}, err
	}
	h := hashConfig(cfg)

	m.mu.RLock()
	prev, prevHash, validate := m.cfg, m.hash, m.validator
	m.mu.RUnlock()
	if h != 0 && h == prevHash {
		return Change{}, nil
	}

	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return Change{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}

	ch := NewChange(prev, cfg)
	m.Commit(cfg)
	if !ch.Empty() {
		m.publish(ch)
	}
	return ch, nil
}

// Subscribe returns a channel of committed changes. A subscriber that falls
// behind gets its oldest pending change merged into the newest one.
func (m *ConfigManager) Subscribe(buffer int) chan Change {
	ch := make(chan Change, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan Change) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(ch Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub <- ch:
			continue
		default:
		}
		merged := ch
		select {
		case pending := <-sub:
			merged = pending.Merge(ch)
		default:
		}
		select {
		case sub <- merged:
		default:
			m.log.Debug("config change dropped (subscriber slow)",
				logx.Int("queue_len", len(sub)),
				logx.String("changed", strings.Join(ch.Sections, ",")),
			)
		}
	}
}

// Watch reloads the file whenever it changes until ctx is done. fsnotify
// watches the parent directory so editors that replace the file are seen.
// A broken watcher is recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	changed := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reloadFromWatch(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := watchBackoffMin
	for {
		delivered, err := m.watchOnce(ctx, changed)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			backoff = watchBackoffMin
		}
		wait := backoff + rand.N(backoff/2+1)
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path),
			logx.Err(err),
			logx.Duration("backoff", wait),
		)
		backoff = min(backoff*2, watchBackoffMax)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs a single fsnotify watcher. It reports whether the watcher
// was established before it failed.
func (m *ConfigManager) watchOnce(ctx context.Context, changed func()) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			switch {
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events may be lost; reload once to be sure.
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				changed()
			case errors.Is(err, fsnotify.ErrClosed):
				return true, err
			case err != nil:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
			}
		}
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context) {
	ch, err := m.Reload(ctx)
	switch {
	case errors.Is(err, ErrRejected):
		m.log.Warn("config rejected; keeping current", logx.String("path", m.path), logx.Err(err))
	case err != nil:
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
	case ch.Empty():
		m.log.Debug("config unchanged; nothing published", logx.String("path", m.path))
	default:
		m.log.Debug("config published",
			logx.String("path", m.path),
			logx.String("changed", strings.Join(ch.Sections, ",")),
		)
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
