package worker

import (
	"fmt"
	"os"

	"github.com/framepipe/framepipe/internal/ctrlpipe"
	"github.com/framepipe/framepipe/internal/metrics"
	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/shm"
	"github.com/framepipe/framepipe/internal/term"
)

// OpenProducer reconstructs a queue.Producer from a QueueEndpoint's
// inherited file descriptors. Called by a re-exec'd child that is the
// producing side of a wire (the Receiver for Qrx).
func OpenProducer(ep QueueEndpoint) (*queue.Producer, error) {
	seg, err := shm.Open(fdAt(ep.SegmentFDIdx), ep.Capacity*ep.ItemSize)
	if err != nil {
		return nil, fmt.Errorf("worker: open producer segment: %w", err)
	}
	working := os.NewFile(fdAt(ep.WorkingFDIdx), "working")
	pending := os.NewFile(fdAt(ep.PendingFDIdx), "pending")
	return queue.NewProducer(seg, ep.Capacity, ep.ItemSize,
		ctrlpipe.NewSender(working), ctrlpipe.NewReceiver(pending)), nil
}

// OpenConsumer reconstructs a queue.Consumer from a QueueEndpoint's
// inherited file descriptors. Called by a re-exec'd child that is the
// consuming side of a wire (the Router for Qrx and Qovl, the Sender for
// Qtx).
func OpenConsumer(ep QueueEndpoint) (*queue.Consumer, error) {
	seg, err := shm.Open(fdAt(ep.SegmentFDIdx), ep.Capacity*ep.ItemSize)
	if err != nil {
		return nil, fmt.Errorf("worker: open consumer segment: %w", err)
	}
	working := os.NewFile(fdAt(ep.WorkingFDIdx), "working")
	pending := os.NewFile(fdAt(ep.PendingFDIdx), "pending")
	return queue.NewConsumer(seg, ep.Capacity, ep.ItemSize,
		ctrlpipe.NewReceiver(working), ctrlpipe.NewSender(pending)), nil
}

// OpenDoneFlag reconstructs a term.Flag from its inherited file
// descriptor, given that descriptor's ExtraFiles index.
func OpenDoneFlag(fdIdx int) (*term.Flag, error) {
	f, err := term.Open(fdAt(fdIdx))
	if err != nil {
		return nil, fmt.Errorf("worker: open done flag: %w", err)
	}
	return f, nil
}

// OpenMetrics reconstructs a *metrics.Pipeline from its inherited file
// descriptor, given that descriptor's ExtraFiles index and the
// pipeline's name. Returns (nil, nil) when fdIdx is NoMetricsFDIdx: the
// Manager that spawned this worker was not given a metrics.Pipeline to
// share, so the worker records nothing.
func OpenMetrics(name string, fdIdx int) (*metrics.Pipeline, error) {
	if fdIdx == NoMetricsFDIdx {
		return nil, nil
	}
	p, err := metrics.OpenPipeline(name, fdAt(fdIdx))
	if err != nil {
		return nil, fmt.Errorf("worker: open metrics: %w", err)
	}
	return p, nil
}
