package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDuration is matched by every rejected duration value.
var ErrInvalidDuration = errors.New("invalid duration")

// FieldError names the config key a value was rejected for.
type FieldError struct {
	Key   string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %q: %v", e.Key, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Duration parses the Go duration string raw found at key. Empty and zero
// values yield def; negative values are rejected.
func Duration(key, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &FieldError{Key: key, Value: raw, Err: ErrInvalidDuration}
	}
	if d < 0 {
		return 0, &FieldError{Key: key, Value: raw, Err: fmt.Errorf("%w: must be >= 0", ErrInvalidDuration)}
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Millis converts d to the scheduler's millisecond time unit.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
