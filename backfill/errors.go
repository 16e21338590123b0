package backfill

import "errors"

// ErrNotStarted names the condition of a window that has not started
// emitting (initial-block-download not yet finished, per §4.7). No
// function in this package currently returns it.
var ErrNotStarted = errors.New("backfill: window has not started")
