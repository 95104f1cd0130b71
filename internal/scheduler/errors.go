package scheduler

import "errors"

var (
	ErrInvalidClock      = errors.New("scheduler: clock must not be nil")
	ErrDelegateCompleted = errors.New("scheduler: delegate already completed")
	ErrTooManyTimedTasks = errors.New("scheduler: too many timed tasks")
	ErrNotRepeating      = errors.New("scheduler: delegate does not repeat on a time interval")
)
