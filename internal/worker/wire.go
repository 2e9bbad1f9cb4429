// Package worker realizes spec.md §5's "four OS processes" in Go: the
// self-re-exec mechanism described in SPEC_FULL.md §1 that spawns
// Receiver, Router, and Sender as separate processes sharing memory and
// control pipes with the parent Manager, plus the Supervisor that lets
// one binary run several named pipelines concurrently (SPEC_FULL.md
// §4.6).
package worker

import (
	"fmt"
	"os"

	"github.com/framepipe/framepipe/internal/ctrlpipe"
	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/shm"
)

// Wire is one SPSC queue's shared-memory segment plus its two control
// pipes, allocated by the parent before any worker is spawned. One side
// is read in-process via LocalProducer/LocalConsumer (when the Manager
// itself is an endpoint, as for Qproc/Qovl); either side's raw file
// descriptors can be handed to a child process through
// exec.Cmd.ExtraFiles via ProducerFiles/ConsumerFiles.
type Wire struct {
	Name     string
	Capacity int
	ItemSize int

	segment *shm.Segment
	working *ctrlpipe.Pair
	pending *ctrlpipe.Pair
}

// NewWire allocates a fresh shared-memory segment and both control pipes
// for one queue.
func NewWire(name string, capacity, itemSize int) (*Wire, error) {
	seg, err := shm.Create(name, capacity*itemSize)
	if err != nil {
		return nil, fmt.Errorf("worker: wire %q: %w", name, err)
	}
	working, err := ctrlpipe.NewPair()
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("worker: wire %q: %w", name, err)
	}
	pending, err := ctrlpipe.NewPair()
	if err != nil {
		seg.Close()
		working.Reader.Close()
		working.Writer.Close()
		return nil, fmt.Errorf("worker: wire %q: %w", name, err)
	}
	return &Wire{
		Name:     name,
		Capacity: capacity,
		ItemSize: itemSize,
		segment:  seg,
		working:  working,
		pending:  pending,
	}, nil
}

// ProducerFiles returns, in the fixed order (segment, working-writer,
// pending-reader), the files a producer-side child process needs
// inherited via ExtraFiles.
func (w *Wire) ProducerFiles() []*os.File {
	return []*os.File{w.segment.File(), w.working.Writer, w.pending.Reader}
}

// ConsumerFiles returns, in the fixed order (segment, working-reader,
// pending-writer), the files a consumer-side child process needs
// inherited via ExtraFiles.
func (w *Wire) ConsumerFiles() []*os.File {
	return []*os.File{w.segment.File(), w.working.Reader, w.pending.Writer}
}

// LocalProducer builds an in-process Producer for a wire whose producing
// side is the parent itself (Qovl, published by the Manager's callback
// dispatch loop).
func (w *Wire) LocalProducer() *queue.Producer {
	return queue.NewProducer(
		w.segment, w.Capacity, w.ItemSize,
		ctrlpipe.NewSender(w.working.Writer),
		ctrlpipe.NewReceiver(w.pending.Reader),
	)
}

// LocalConsumer builds an in-process Consumer for a wire whose consuming
// side is the parent itself (Qproc, read by the Manager's callback
// dispatch loop).
func (w *Wire) LocalConsumer() *queue.Consumer {
	return queue.NewConsumer(
		w.segment, w.Capacity, w.ItemSize,
		ctrlpipe.NewReceiver(w.working.Reader),
		ctrlpipe.NewSender(w.pending.Writer),
	)
}

// CloseSegment closes only the shared-memory segment, for wires whose
// pipe ends were already closed by a LocalProducer/LocalConsumer's own
// Close method (calling Wire.Close afterward would double-close those).
func (w *Wire) CloseSegment() error {
	return w.segment.Close()
}

// Close closes the parent's copies of every file underlying this wire.
// Children that inherited dup'd copies via ExtraFiles are unaffected.
func (w *Wire) Close() error {
	var firstErr error
	for _, c := range []func() error{
		w.segment.Close,
		w.working.Reader.Close,
		w.working.Writer.Close,
		w.pending.Reader.Close,
		w.pending.Writer.Close,
	} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
