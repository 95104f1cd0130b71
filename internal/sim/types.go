// Package sim is a small demo world driven by the owning loop.
//
// Entity state belongs to the loop goroutine. Physics workers integrate a
// published copy off-thread and hand results back with Scheduler.Add; redraws
// are coalesced with AddOnce; the blink animation is a repeating delayed task
// and input polling runs every frame.
package sim

import "time"

const (
	DefaultEntities    = 64
	DefaultWorkers     = 2
	DefaultBlink       = 500 * time.Millisecond
	DefaultPhysicsStep = 20 * time.Millisecond

	// Bounds of the square world, in world units.
	WorldSize = 1000.0

	inputBuffer = 256
	redrawTask  = "redraw"
)

type Config struct {
	Entities      int
	Workers       int
	Seed          int64
	BlinkInterval time.Duration
	PhysicsStep   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Entities <= 0 {
		c.Entities = DefaultEntities
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Workers > c.Entities {
		c.Workers = c.Entities
	}
	if c.BlinkInterval <= 0 {
		c.BlinkInterval = DefaultBlink
	}
	if c.PhysicsStep <= 0 {
		c.PhysicsStep = DefaultPhysicsStep
	}
	return c
}

type Vec2 struct{ X, Y float64 }

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Scale(k float64) Vec2 { return Vec2{v.X * k, v.Y * k} }
func (v Vec2) Equal(o Vec2) bool    { return v.X == o.X && v.Y == o.Y }

// Entity velocity is in world units per second.
type Entity struct {
	ID      int
	Pos     Vec2
	Vel     Vec2
	Visible bool
}

// Input is an impulse applied to one entity's velocity.
type Input struct {
	Entity  int
	Impulse Vec2
}

// Frame is the redrawn view of the world.
type Frame struct {
	Seq      uint64
	Entities []Entity
}

type Stats struct {
	Entities       int
	Steps          uint64 // physics results applied
	Stale          uint64 // physics results dropped because the world moved on
	Skipped        uint64 // worker ticks skipped while a result was still queued
	RedrawRequests uint64
	Redraws        uint64
	Blinks         uint64
	Inputs         uint64
	InputsDropped  uint64
}
