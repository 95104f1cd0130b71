package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (JSON lines)
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FaultEntry records a task that panicked inside a scheduler pass.
type FaultEntry struct {
	At        time.Time `json:"at"`
	Scheduler string    `json:"scheduler"`
	Task      string    `json:"task,omitempty"`
	Panic     string    `json:"panic"`
	Stack     string    `json:"stack,omitempty"`
}

// FrameSample is a point-in-time copy of loop statistics.
type FrameSample struct {
	At          time.Time `json:"at"`
	Frames      uint64    `json:"frames"`
	FPS         float64   `json:"fps"`
	AvgFrameMS  float64   `json:"avg_frame_ms"`
	LastFrameMS float64   `json:"last_frame_ms"`
	TasksRun    uint64    `json:"tasks_run"`
	Pending     int       `json:"pending"`
	Faults      uint64    `json:"faults"`
}

// maxFrameSamples bounds how many frame samples a store keeps.
const maxFrameSamples = 10_000
