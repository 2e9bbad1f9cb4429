// Package term implements the cross-process termination flag from spec.md
// §3: "a process-wide boolean event, settable by any party, observable by
// all. Once set, never cleared." Because the Manager and its three workers
// are separate OS processes (see SPEC_FULL.md §1), the flag is backed by a
// 4-byte shared memory word rather than an in-process sync primitive.
package term

import (
	"sync/atomic"
	"unsafe"

	"github.com/framepipe/framepipe/internal/shm"
)

// Size is the number of bytes a Flag's backing segment must be.
const Size = 4

// Flag is a settable-once, observable-everywhere boolean backed by a
// shared memory segment. The zero value is not usable; construct with New
// or Open.
type Flag struct {
	seg *shm.Segment
	ptr *uint32
}

// New creates a fresh termination flag, unset, backed by a new shared
// memory segment suitable for handing to re-exec'd children via
// exec.Cmd.ExtraFiles.
func New(name string) (*Flag, error) {
	seg, err := shm.Create(name, Size)
	if err != nil {
		return nil, err
	}
	return wrap(seg), nil
}

// Open maps an existing termination flag from an inherited file
// descriptor, as a worker process does at startup.
func Open(fd uintptr) (*Flag, error) {
	seg, err := shm.Open(fd, Size)
	if err != nil {
		return nil, err
	}
	return wrap(seg), nil
}

func wrap(seg *shm.Segment) *Flag {
	b := seg.Bytes()
	return &Flag{seg: seg, ptr: (*uint32)(unsafe.Pointer(&b[0]))}
}

// Set marks the flag. Idempotent: setting an already-set flag is a no-op.
func (f *Flag) Set() {
	atomic.StoreUint32(f.ptr, 1)
}

// IsSet reports whether the flag has been set by this or any other process
// sharing the segment.
func (f *Flag) IsSet() bool {
	return atomic.LoadUint32(f.ptr) != 0
}

// File returns the flag's shared segment, whose File() is the memfd to
// pass to a child process.
func (f *Flag) File() *shm.Segment {
	return f.seg
}

// Close unmaps the flag's segment in this process.
func (f *Flag) Close() error {
	return f.seg.Close()
}
