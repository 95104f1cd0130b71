// Package scheduler is the engine's owning-goroutine work queue.
//
// Any goroutine may hand work to a Scheduler (Add, AddDelayed, AddOnce,
// AddDelegate); admission only takes a short mutex and never waits for the
// work to run. The owning goroutine (normally the frame loop) calls Update,
// which promotes due timed and per-frame tasks into the run queue under the
// same mutex, releases it, and then runs a snapshot of the run queue.
//
// Work queued while Update is running, including work queued by a running
// task, waits for the next Update call.
//
// A panicking task propagates out of Update unless Config.RecoverPanics is set,
// in which case the panic is logged, published on the event bus and the pass
// continues.
package scheduler
