package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tickwork/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.faults.jsonl (append-only JSON Lines)
//   - <prefix>.frames.jsonl (append-only, compacted to the newest samples)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	faultFile  *os.File
	framesPath string
	frameFile  *os.File

	// newest faults kept in memory for RecentFaults, oldest first
	recent      []FaultEntry
	frameWrites int
}

const recentFaultsKept = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	faultsPath := prefix + ".faults.jsonl"
	framesPath := prefix + ".frames.jsonl"

	recent, err := loadRecentFaults(faultsPath, recentFaultsKept)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("fault log unreadable; starting empty", logx.String("path", faultsPath), logx.Err(err))
	}

	ff, err := os.OpenFile(faultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	fr, err := os.OpenFile(framesPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ff.Close()
		return nil, err
	}

	return &fileStore{
		log:        log,
		faultFile:  ff,
		framesPath: framesPath,
		frameFile:  fr,
		recent:     recent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.faultFile != nil {
		err1 = s.faultFile.Close()
		s.faultFile = nil
	}
	if s.frameFile != nil {
		err2 = s.frameFile.Close()
		s.frameFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendFault(ctx context.Context, e FaultEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faultFile == nil {
		return errors.New("fault log closed")
	}
	if err := json.NewEncoder(s.faultFile).Encode(e); err != nil {
		return err
	}
	s.recent = append(s.recent, e)
	if over := len(s.recent) - recentFaultsKept; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
	return nil
}

func (s *fileStore) RecentFaults(ctx context.Context, n int) ([]FaultEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]FaultEntry, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) AppendFrameStats(ctx context.Context, fs FrameSample) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frameFile == nil {
		return errors.New("frame log closed")
	}
	if err := json.NewEncoder(s.frameFile).Encode(fs); err != nil {
		return err
	}
	s.frameWrites++
	if s.frameWrites%maxFrameSamples == 0 {
		if err := s.compactFramesLocked(); err != nil {
			s.log.Debug("frame log compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactFramesLocked rewrites the frame log keeping the newest half of
// maxFrameSamples.
func (s *fileStore) compactFramesLocked() error {
	if _, err := s.frameFile.Seek(0, 0); err != nil {
		return err
	}
	keep := maxFrameSamples / 2
	lines := make([]string, 0, keep)
	sc := bufio.NewScanner(s.frameFile)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > keep {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	tmp := s.framesPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		_, _ = w.WriteString(l)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.framesPath); err != nil {
		return err
	}
	_ = s.frameFile.Close()
	s.frameFile, err = os.OpenFile(s.framesPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	return err
}

func loadRecentFaults(path string, keep int) ([]FaultEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []FaultEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e FaultEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if len(out) > keep {
			out = out[1:]
		}
	}
	return out, sc.Err()
}
