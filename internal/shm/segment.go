// Package shm provides fixed-size shared memory segments backed by
// memfd_create(2) and mmap(2), so that a parent process and its re-exec'd
// children can map the same physical pages into their own address spaces by
// sharing a file descriptor rather than a byte stream. This realizes
// spec.md §9's "pool of fixed-size shared memory segments" and the
// termination flag's "process-wide boolean event" without a broker process.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is a fixed-size region of memory shared between processes via a
// memfd. The zero value is not usable; construct with Create or Open.
type Segment struct {
	file *os.File
	data []byte
}

// Create allocates a new anonymous shared memory segment of the given size
// via memfd_create, sized with ftruncate, and mapped MAP_SHARED into this
// process. The returned Segment's File() can be passed to a child process
// via exec.Cmd.ExtraFiles so the child can Open the same pages.
func Create(name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: size must be positive, got %d", size)
	}

	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create %q: %w", name, err)
	}
	file := os.NewFile(uintptr(fd), name)

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: ftruncate %q to %d: %w", name, size, err)
	}

	return mapFile(file, size)
}

// Open maps an existing shared memory segment from an inherited file
// descriptor (as passed through exec.Cmd.ExtraFiles, where the first extra
// file lands on fd 3 in the child). size must match the size the segment
// was Created with.
func Open(fd uintptr, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: size must be positive, got %d", size)
	}
	file := os.NewFile(fd, fmt.Sprintf("shm-fd-%d", fd))
	return mapFile(file, size)
}

func mapFile(file *os.File, size int) (*Segment, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}
	return &Segment{file: file, data: data}, nil
}

// Bytes returns the full mapped region. Writes made by any process holding
// a mapping of the same underlying memfd are visible to all others without
// further synchronization beyond what spec.md §4.1's slot-exclusivity
// invariant and §3's termination flag require.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Slot returns the sub-slice of the segment for slot index i of the given
// itemSize. The caller (the queue package) is responsible for only handing
// out a slot's bytes to one side of the SPSC handshake at a time.
func (s *Segment) Slot(i, itemSize int) []byte {
	start := i * itemSize
	return s.data[start : start+itemSize]
}

// File returns the underlying memfd, suitable for exec.Cmd.ExtraFiles.
func (s *Segment) File() *os.File {
	return s.file
}

// Close unmaps the segment and closes the underlying file descriptor in
// this process. It does not affect any other process's mapping of the same
// memfd.
func (s *Segment) Close() error {
	var errs []error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("shm: munmap: %w", err))
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shm: close: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
