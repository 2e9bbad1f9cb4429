package queue

import "errors"

// ErrFull is returned by Put/PutNowait when no free slot is available
// within the requested timeout, per spec.md §4.1.
var ErrFull = errors.New("queue: full")

// ErrEmpty is returned by Get/GetNowait when no item is available within
// the requested timeout, per spec.md §4.1.
var ErrEmpty = errors.New("queue: empty")

// ErrSizeExceeded is returned by Put/PutNowait when offset+len(bytes)
// exceeds the queue's item size, per spec.md §4.1. No slot is consumed.
var ErrSizeExceeded = errors.New("queue: size exceeded")

// ErrClosed is returned once a producer or consumer endpoint has been
// closed.
var ErrClosed = errors.New("queue: closed")
