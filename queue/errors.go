package queue

import "errors"

// ErrBusy is returned by Enqueue when the target ring buffer is full,
// matching the Busy error kind of §7.
var ErrBusy = errors.New("queue: ring buffer full")
