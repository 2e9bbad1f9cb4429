// Package sender implements spec.md §4.4: pull composited frames off Qtx,
// encode and mux them to the output destination, and flush on close — one
// full process's worth of work when run under the self-re-exec mechanism
// (SPEC_FULL.md §1), or embeddable directly for tests and for an
// all-in-one-process mode.
package sender

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/framepipe/framepipe/internal/codec"
	"github.com/framepipe/framepipe/internal/metrics"
	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/term"
)

// Config holds a Sender's construction parameters, per spec.md §4.4.
type Config struct {
	Destination string
	GetTimeout  time.Duration
}

// DefaultGetTimeout matches the Router's DefaultGetTimeout, since the
// Sender polls Qtx the same way the Router polls Qrx: fall through on
// empty and check done again.
const DefaultGetTimeout = time.Second

// Sender pulls composited frames from a consumer endpoint, encodes and
// muxes each one, and flushes the encoder exactly once before closing.
type Sender struct {
	cfg      Config
	consumer *queue.Consumer
	done     *term.Flag
	encoder  codec.Encoder
	pipeline *metrics.Pipeline
	log      *slog.Logger
}

// New opens opts via internal/codec and constructs a Sender bound to
// consumer and done.
func New(cfg Config, opts codec.EncoderOptions, consumer *queue.Consumer, done *term.Flag, pipeline *metrics.Pipeline, log *slog.Logger) (*Sender, error) {
	encoder, err := codec.OpenEncoder(opts)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	return NewWithEncoder(cfg, encoder, consumer, done, pipeline, log), nil
}

// NewWithEncoder constructs a Sender around an already-open encoder,
// bypassing internal/codec. Used by tests (a codec.Encoder fake needs no
// real media) and by any future collaborator that wants to supply its own
// encoder implementation.
func NewWithEncoder(cfg Config, encoder codec.Encoder, consumer *queue.Consumer, done *term.Flag, pipeline *metrics.Pipeline, log *slog.Logger) *Sender {
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = DefaultGetTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		cfg:      cfg,
		consumer: consumer,
		done:     done,
		encoder:  encoder,
		pipeline: pipeline,
		log:      log.With("component", "sender", "destination", cfg.Destination),
	}
}

// Run executes the main loop (spec.md §4.4's "Main loop"): pull a
// composited frame off Qtx, encode and mux it, repeat until done is set.
func (s *Sender) Run() error {
	for !s.done.IsSet() {
		data, err := s.consumer.Get(s.cfg.GetTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			return fmt.Errorf("sender: get: %w", err)
		}

		if err := s.encoder.WriteFrame(data); err != nil {
			return fmt.Errorf("sender: encode: %w", err)
		}
		if s.pipeline != nil {
			s.pipeline.RecordFrameEncoded()
			if depth, err := s.consumer.Depth(); err == nil {
				s.pipeline.SetQtxDepth(int32(depth))
			}
		}
	}
	return nil
}

// Close flushes the encoder, closes it, then closes the consumer's own
// endpoints, per spec.md §4.4's "mux whatever packets come out of
// encoder.encode(None)" close ordering.
func (s *Sender) Close() error {
	var firstErr error
	if err := s.encoder.Flush(); err != nil {
		firstErr = fmt.Errorf("sender: flush: %w", err)
	}
	if err := s.encoder.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sender: close encoder: %w", err)
	}
	if err := s.consumer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
