package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "tickwork/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendFault(ctx context.Context, e FaultEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO faults(at, scheduler, task, panic, stack) VALUES(?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Scheduler, nullStr(e.Task), e.Panic, nullStr(e.Stack),
	)
	return err
}

func (s *sqliteStore) RecentFaults(ctx context.Context, n int) ([]FaultEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, scheduler, task, panic, stack FROM faults ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaultEntry
	for rows.Next() {
		var (
			at          string
			task, stack sql.NullString
			e           FaultEntry
		)
		if err := rows.Scan(&at, &e.Scheduler, &task, &e.Panic, &stack); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Task = task.String
		e.Stack = stack.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendFrameStats(ctx context.Context, fs FrameSample) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if fs.At.IsZero() {
		fs.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frame_stats(at, frames, fps, avg_frame_ms, last_frame_ms, tasks_run, pending, faults)
		 VALUES(?,?,?,?,?,?,?,?)`,
		fs.At.UTC().Format(time.RFC3339Nano), int64(fs.Frames), fs.FPS, fs.AvgFrameMS, fs.LastFrameMS,
		int64(fs.TasksRun), fs.Pending, int64(fs.Faults),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneFrames(pctx); perr != nil {
			s.log.Debug("frame stats prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// pruneFrames keeps only the newest maxFrameSamples rows.
func (s *sqliteStore) pruneFrames(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM frame_stats WHERE id <= (SELECT MAX(id) FROM frame_stats) - ?`, maxFrameSamples)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
