// Package receiver implements spec.md §4.2: open the input container,
// decode frames one at a time, and enqueue them on Qrx — one full
// process's worth of work when run under the self-re-exec mechanism
// (SPEC_FULL.md §1), or embeddable directly for tests and for an
// all-in-one-process mode.
package receiver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/framepipe/framepipe/internal/codec"
	"github.com/framepipe/framepipe/internal/ingeststats"
	"github.com/framepipe/framepipe/internal/metrics"
	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/term"
)

// Config holds a Receiver's construction parameters, per spec.md §4.2.
type Config struct {
	Source           string
	PutTimeout       time.Duration
	DropIfPutTimeout bool
}

// DefaultPutTimeout matches spec.md §4.2's default.
const DefaultPutTimeout = 32 * time.Second

// Receiver pulls decoded frames from the configured source and enqueues
// them on a producer endpoint until its done flag is set, the source is
// exhausted, or a fatal decode error occurs.
type Receiver struct {
	cfg      Config
	producer *queue.Producer
	done     *term.Flag
	decoder  codec.Decoder
	stats    *ingeststats.Stream
	pipeline *metrics.Pipeline
	log      *slog.Logger
}

// New opens cfg.Source via internal/codec and constructs a Receiver
// bound to producer and done. Returns codec.ErrNoVideoStream if the
// source has no decodable video stream, per spec.md §4.2. pipeline may
// be nil, in which case no counters are recorded (SPEC_FULL.md §4.7).
func New(cfg Config, producer *queue.Producer, done *term.Flag, pipeline *metrics.Pipeline, log *slog.Logger) (*Receiver, error) {
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = DefaultPutTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	decoder, err := codec.OpenDecoder(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	return NewWithDecoder(cfg, decoder, producer, done, pipeline, log), nil
}

// NewWithDecoder constructs a Receiver around an already-open decoder,
// bypassing internal/codec. Used by tests (a codec.Decoder fake needs no
// real media) and by any future collaborator that wants to supply its
// own decoder implementation.
func NewWithDecoder(cfg Config, decoder codec.Decoder, producer *queue.Producer, done *term.Flag, pipeline *metrics.Pipeline, log *slog.Logger) *Receiver {
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = DefaultPutTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		cfg:      cfg,
		producer: producer,
		done:     done,
		decoder:  decoder,
		stats:    ingeststats.New(cfg.Source),
		pipeline: pipeline,
		log:      log.With("component", "receiver", "source", cfg.Source),
	}
}

// Stats returns the Receiver's ingest counters for the debug API.
func (r *Receiver) Stats() ingeststats.Snapshot { return r.stats.Snapshot() }

// Run executes the main loop (spec.md §4.2's "Main loop"): demux and
// decode frames, enqueueing each onto the producer. Flush packets
// (codec.StatusSkip) are skipped without ending the loop. Exits when
// done is set, the source is exhausted (codec.StatusEOF), or decoding
// fails fatally.
func (r *Receiver) Run() error {
	for {
		if r.done.IsSet() {
			return nil
		}

		data, status, err := r.decoder.ReadFrame()
		if err != nil {
			return fmt.Errorf("receiver: decode: %w", err)
		}
		switch status {
		case codec.StatusEOF:
			return nil
		case codec.StatusSkip:
			// Flush/heartbeat packet, no decode timestamp: skip and
			// keep reading, per spec.md §4.2 — the source is still
			// live, only a true demux-end should stop this loop.
			continue
		}

		if err := r.enqueue(data); err != nil {
			return err
		}
		r.stats.RecordRead(len(data))
		if r.pipeline != nil {
			r.pipeline.RecordFrameDecoded()
			if depth, err := r.producer.Depth(); err == nil {
				r.pipeline.SetQrxDepth(int32(depth))
			}
		}
	}
}

// enqueue implements spec.md §4.2's put-retry-or-drop policy: on a Full
// timeout, drop the frame if DropIfPutTimeout, else keep retrying the
// same frame until it succeeds or done is set.
func (r *Receiver) enqueue(data []byte) error {
	for {
		if r.done.IsSet() {
			return nil
		}

		err := r.producer.Put(data, 0, r.cfg.PutTimeout)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, queue.ErrFull):
			if r.cfg.DropIfPutTimeout {
				r.stats.RecordDrop()
				if r.pipeline != nil {
					r.pipeline.RecordFrameDropped()
				}
				r.log.Warn("dropping frame after put timeout")
				return nil
			}
			continue
		default:
			return fmt.Errorf("receiver: put: %w", err)
		}
	}
}

// Close releases the decoder and the producer's own endpoints, per
// spec.md §4.2's close ordering ("workers close their own endpoints in
// their own finally").
func (r *Receiver) Close() error {
	err1 := r.decoder.Close()
	err2 := r.producer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
