// Package ctrlpipe realizes the "working"/"pending" control channels from
// spec.md §3/§4.1: duplex pipes carrying small integer slot indices between
// an SPSC queue's producer and consumer, which may live in different OS
// processes. Each index is wire-encoded as a 4-byte big-endian uint32;
// timeouts are implemented with (*os.File).SetReadDeadline, which the Go
// runtime honors for pipe file descriptors on Unix, giving poll(timeout)
// semantics without a busy-wait loop.
package ctrlpipe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrClosed is returned by Send/Recv once the pipe endpoint has been
// closed.
var ErrClosed = errors.New("ctrlpipe: closed")

// indexSize is the wire size of one slot index.
const indexSize = 4

// Pair is one duplex pipe: a reader end and a writer end, normally held by
// different processes. NewPair creates both ends in the current process,
// for handing the reader to one side and the writer to the other (directly,
// if both live in this process, or via exec.Cmd.ExtraFiles if not).
type Pair struct {
	Reader *os.File
	Writer *os.File
}

// NewPair creates a fresh OS pipe.
func NewPair() (*Pair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ctrlpipe: os.Pipe: %w", err)
	}
	return &Pair{Reader: r, Writer: w}, nil
}

// Sender is the write end of a control pipe: it sends slot indices.
type Sender struct {
	f      *os.File
	closed bool
}

// NewSender wraps a file descriptor (directly, or inherited via
// exec.Cmd.ExtraFiles) as a Sender.
func NewSender(f *os.File) *Sender {
	return &Sender{f: f}
}

// Send writes one slot index, blocking until the pipe accepts it (pipes in
// this system are only ever used for small integers and are effectively
// never full, so Send has no timeout parameter of its own).
func (s *Sender) Send(index int) error {
	if s.closed {
		return ErrClosed
	}
	var buf [indexSize]byte
	binary.BigEndian.PutUint32(buf[:], uint32(index))
	if _, err := s.f.Write(buf[:]); err != nil {
		return fmt.Errorf("ctrlpipe: send: %w", err)
	}
	return nil
}

// Close closes the write end.
func (s *Sender) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// Receiver is the read end of a control pipe: it receives slot indices.
type Receiver struct {
	f      *os.File
	closed bool
}

// NewReceiver wraps a file descriptor as a Receiver.
func NewReceiver(f *os.File) *Receiver {
	return &Receiver{f: f}
}

// Recv blocks until an index is available, for at most timeout (zero means
// don't block at all; negative means block forever), per the put/get
// timeout rules in spec.md §4.1: "None means wait forever; 0 or expiry
// means fail". ok is false on timeout; err is non-nil only on a genuine I/O
// failure (broken pipe, peer closed), which the caller's worker loop should
// treat as termination, per spec.md §4.1 "Failure semantics".
func (r *Receiver) Recv(timeout time.Duration) (index int, ok bool, err error) {
	if r.closed {
		return 0, false, ErrClosed
	}

	if timeout >= 0 {
		if err := r.f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, false, fmt.Errorf("ctrlpipe: set read deadline: %w", err)
		}
		defer r.f.SetReadDeadline(time.Time{})
	} else {
		if err := r.f.SetReadDeadline(time.Time{}); err != nil {
			return 0, false, fmt.Errorf("ctrlpipe: clear read deadline: %w", err)
		}
	}

	var buf [indexSize]byte
	if _, err := io.ReadFull(r.f, buf[:]); err != nil {
		if isTimeout(err) {
			return 0, false, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, false, fmt.Errorf("ctrlpipe: peer closed: %w", err)
		}
		return 0, false, fmt.Errorf("ctrlpipe: recv: %w", err)
	}
	return int(binary.BigEndian.Uint32(buf[:])), true, nil
}

// Close closes the read end.
func (r *Receiver) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
