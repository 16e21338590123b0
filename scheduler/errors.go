package scheduler

import "errors"

// ErrStopped names the condition of a scheduler already stopped via
// Close. No function in this package currently returns it.
var ErrStopped = errors.New("scheduler: stopped")
