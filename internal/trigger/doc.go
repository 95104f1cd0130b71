// Package trigger turns wall-clock schedules (cron, interval, one-shot) into
// scheduler work.
//
// Timers fire on robfig/cron and time.AfterFunc goroutines, but jobs never run
// there: each firing is handed to the owning loop with Target.AddOnce, so a job
// always runs on the loop goroutine and a firing that is still queued absorbs
// the next one.
package trigger
