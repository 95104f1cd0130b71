package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	rtsup "tickwork/internal/runtime/supervisor"
	"tickwork/internal/scheduler"
	logx "tickwork/pkg/logx"
)

var ErrStarted = errors.New("sim: already started")

type World struct {
	cfg   Config
	log   logx.Logger
	sched *scheduler.Scheduler

	// Loop goroutine only.
	entities []Entity
	touched  []uint64 // frame seq after which the entity was last mutated
	seq      uint64

	frame   atomic.Pointer[Frame]
	inputs  chan Input
	pending []atomic.Bool // one per worker: a physics result is queued

	mu      sync.Mutex
	started bool
	tasks   []*scheduler.ScheduledDelegate

	steps, stale, skipped  atomic.Uint64
	redrawReq, redraws     atomic.Uint64
	blinks                 atomic.Uint64
	inputsRun, inputsDrops atomic.Uint64
}

// New builds a world of cfg.Entities entities placed from cfg.Seed. A zero
// seed picks one from the wall clock.
func New(cfg Config, sched *scheduler.Scheduler, log logx.Logger) *World {
	if sched == nil {
		panic("sim: nil scheduler")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15))
	ents := make([]Entity, cfg.Entities)
	for i := range ents {
		ents[i] = Entity{
			ID:      i,
			Pos:     Vec2{rng.Float64() * WorldSize, rng.Float64() * WorldSize},
			Vel:     Vec2{rng.Float64()*200 - 100, rng.Float64()*200 - 100},
			Visible: true,
		}
	}

	w := &World{
		cfg:      cfg,
		log:      log,
		sched:    sched,
		entities: ents,
		touched:  make([]uint64, len(ents)),
		inputs:   make(chan Input, inputBuffer),
		pending:  make([]atomic.Bool, cfg.Workers),
	}
	w.frame.Store(&Frame{Seq: 0, Entities: append([]Entity(nil), ents...)})
	return w
}

func (w *World) Config() Config { return w.cfg }

// Start registers the blink and input tasks and spawns the physics workers on
// sup. Workers exit when sup's context is done.
func (w *World) Start(sup *rtsup.Supervisor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrStarted
	}

	blink, err := w.sched.AddDelayed(w.blink, ms(w.cfg.BlinkInterval), true,
		scheduler.WithName("sim.blink"), scheduler.WithCatchUp(false))
	if err != nil {
		return fmt.Errorf("sim: schedule blink: %w", err)
	}
	input, err := w.sched.AddDelayed(w.pollInput, 0, true, scheduler.WithName("sim.input"))
	if err != nil {
		blink.Cancel()
		return fmt.Errorf("sim: schedule input: %w", err)
	}
	w.tasks = []*scheduler.ScheduledDelegate{blink, input}
	w.started = true

	for i := range w.cfg.Workers {
		sup.Go(fmt.Sprintf("sim.physics.%d", i), func(ctx context.Context) error {
			return w.runWorker(ctx, i)
		})
	}
	w.RequestRedraw()

	w.log.Info("sim started",
		logx.Int("entities", w.cfg.Entities),
		logx.Int("workers", w.cfg.Workers),
		logx.Int64("seed", w.cfg.Seed),
		logx.Duration("physics_step", w.cfg.PhysicsStep),
	)
	return nil
}

// Stop cancels the blink and input tasks. Physics workers follow their
// supervisor.
func (w *World) Stop() {
	w.mu.Lock()
	tasks := w.tasks
	w.tasks = nil
	w.started = false
	w.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// Push queues an input for the next frame. It never blocks and reports false
// when the input buffer is full.
func (w *World) Push(in Input) bool {
	select {
	case w.inputs <- in:
		return true
	default:
		w.inputsDrops.Add(1)
		return false
	}
}

// RequestRedraw asks for one redraw on the loop goroutine. Requests made
// before the pending redraw runs are folded into it.
func (w *World) RequestRedraw() {
	w.redrawReq.Add(1)
	w.sched.AddOnce(redrawTask, w.redraw)
}

// Frame returns the latest redrawn view. Its entity slice must not be modified.
func (w *World) Frame() Frame { return *w.frame.Load() }

func (w *World) Stats() Stats {
	return Stats{
		Entities:       w.cfg.Entities,
		Steps:          w.steps.Load(),
		Stale:          w.stale.Load(),
		Skipped:        w.skipped.Load(),
		RedrawRequests: w.redrawReq.Load(),
		Redraws:        w.redraws.Load(),
		Blinks:         w.blinks.Load(),
		Inputs:         w.inputsRun.Load(),
		InputsDropped:  w.inputsDrops.Load(),
	}
}

func (w *World) runWorker(ctx context.Context, i int) error {
	t := time.NewTicker(w.cfg.PhysicsStep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.simulate(i)
		}
	}
}

// simulate integrates worker i's shard of the latest frame and queues the
// result for the loop goroutine. At most one result per worker is queued.
func (w *World) simulate(i int) bool {
	if !w.pending[i].CompareAndSwap(false, true) {
		w.skipped.Add(1)
		return false
	}
	f := w.frame.Load()
	dt := ms(w.cfg.PhysicsStep)
	idx := shard(len(f.Entities), i, len(w.pending))
	out := make([]Entity, 0, len(idx))
	for _, j := range idx {
		out = append(out, integrate(f.Entities[j], dt))
	}
	w.sched.Add(func() {
		w.pending[i].Store(false)
		w.applyPhysics(f.Seq, out)
	})
	return true
}

// applyPhysics runs on the loop goroutine. A result computed from frame seq is
// dropped for entities mutated after that frame was drawn.
func (w *World) applyPhysics(seq uint64, out []Entity) {
	applied := 0
	for _, e := range out {
		if w.touched[e.ID] > seq {
			w.stale.Add(1)
			continue
		}
		cur := &w.entities[e.ID]
		cur.Pos, cur.Vel = e.Pos, e.Vel
		w.touched[e.ID] = w.seq + 1
		applied++
	}
	if applied > 0 {
		w.steps.Add(1)
		w.RequestRedraw()
	}
}

func (w *World) redraw() {
	w.seq++
	w.frame.Store(&Frame{Seq: w.seq, Entities: append([]Entity(nil), w.entities...)})
	w.redraws.Add(1)
}

func (w *World) blink() {
	for i := range w.entities {
		w.entities[i].Visible = !w.entities[i].Visible
	}
	w.blinks.Add(1)
	w.RequestRedraw()
}

// pollInput runs every frame and only queues work when an input arrived.
func (w *World) pollInput() {
	n := 0
	for {
		select {
		case in := <-w.inputs:
			if in.Entity < 0 || in.Entity >= len(w.entities) {
				w.inputsDrops.Add(1)
				continue
			}
			e := &w.entities[in.Entity]
			e.Vel = e.Vel.Add(in.Impulse)
			w.touched[in.Entity] = w.seq + 1
			w.inputsRun.Add(1)
			n++
		default:
			if n > 0 {
				w.RequestRedraw()
			}
			return
		}
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
