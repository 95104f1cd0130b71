package storage

import (
	"context"
	"errors"
	"strings"

	logx "tickwork/pkg/logx"
)

// Store is the persistence API used by the diagnostics recorder.
type Store interface {
	AppendFault(ctx context.Context, e FaultEntry) error
	AppendFrameStats(ctx context.Context, s FrameSample) error
	// RecentFaults returns up to n faults, newest first.
	RecentFaults(ctx context.Context, n int) ([]FaultEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
