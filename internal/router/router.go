// Package router implements spec.md §4.3: the mid-pipeline state machine
// that decouples the decode rate from the callback rate and composites
// the callback's overlay back onto the live frame.
//
// In synchronous mode a frame whose Qproc put times out is retried until it
// is accepted or done is set, and the Router then waits on Qovl until an
// overlay arrives or done is set; there is no stall detection.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/framepipe/framepipe/internal/frame"
	"github.com/framepipe/framepipe/internal/metrics"
	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/term"
)

// state is the Router's two-state machine from spec.md §3.
type state int

const (
	stateIdle state = iota
	stateAwaitingOverlay
)

// Config holds a Router's construction parameters, per spec.md §4.3.
// Qproc and Qovl (ImprocProducer/OverlayConsumer) must have capacity 1;
// New does not check this.
type Config struct {
	Shape       frame.Shape
	Synchronize bool
	GetTimeout  time.Duration
	PutTimeout  time.Duration
}

// DefaultGetTimeout and DefaultPutTimeout match spec.md §4.3.
const (
	DefaultGetTimeout = time.Second
	DefaultPutTimeout = 8 * time.Second
)

// Router pulls frames from the Receiver, forwards at most one at a time
// to the callback path, composites the cached overlay onto every frame,
// and forwards the result to the Sender.
type Router struct {
	cfg      Config
	done     *term.Flag
	pipeline *metrics.Pipeline
	log      *slog.Logger

	receiverConsumer *queue.Consumer
	improcProducer   *queue.Producer
	overlayConsumer  *queue.Consumer
	senderProducer   *queue.Producer

	state state

	overlay      []byte
	mask         []byte
	maskOn       []byte
	maskOff      []byte
	compositeBuf []byte

	framesRouted  int64
	framesDropped int64
}

// New constructs a Router. improcProducer and overlayConsumer must wrap
// capacity-1 queues, per spec.md §4.3. pipeline may be nil, in which
// case no counters are recorded (SPEC_FULL.md §4.7).
func New(
	cfg Config,
	receiverConsumer *queue.Consumer,
	improcProducer *queue.Producer,
	overlayConsumer *queue.Consumer,
	senderProducer *queue.Producer,
	done *term.Flag,
	pipeline *metrics.Pipeline,
	log *slog.Logger,
) (*Router, error) {
	if err := cfg.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = DefaultGetTimeout
	}
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = DefaultPutTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	n := cfg.Shape.Height * cfg.Shape.Width
	maskOn, maskOff := frame.SplitMaskOnOff(make([]byte, n))

	return &Router{
		cfg:              cfg,
		done:             done,
		pipeline:         pipeline,
		log:              log.With("component", "router"),
		receiverConsumer: receiverConsumer,
		improcProducer:   improcProducer,
		overlayConsumer:  overlayConsumer,
		senderProducer:   senderProducer,
		state:            stateIdle,
		overlay:          make([]byte, n*3),
		mask:             make([]byte, n),
		maskOn:           maskOn,
		maskOff:          maskOff,
	}, nil
}

// updateOverlay replaces the overlay cache from a freshly received Qovl
// payload, recomputing the precomputed mask_on/mask_off pair — the "one
// (mask != 0) pass per overlay update, not per frame" cost spec.md §9
// calls for.
func (r *Router) updateOverlay(payload []byte) {
	overlay, mask := frame.SplitOverlayPayload(payload, r.cfg.Shape)
	r.overlay = overlay
	r.mask = mask
	r.maskOn, r.maskOff = frame.SplitMaskOnOff(mask)
}

// Run executes the main loop (spec.md §4.3) until done is set.
func (r *Router) Run() error {
	for !r.done.IsSet() {
		if err := r.step(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) step() error {
	data, err := r.receiverConsumer.Get(r.cfg.GetTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		return fmt.Errorf("router: receiver get: %w", err)
	}

	if err := r.advanceCallback(data); err != nil {
		return err
	}

	composited := frame.Composite(r.compositeBuf, data, r.overlay, r.maskOn, r.maskOff)
	r.compositeBuf = composited

	if err := r.forward(composited); err != nil {
		return err
	}
	r.framesRouted++
	if r.pipeline != nil {
		r.pipeline.RecordFrameRouted()
		if depth, err := r.receiverConsumer.Depth(); err == nil {
			r.pipeline.SetQrxDepth(int32(depth))
		}
		if depth, err := r.senderProducer.Depth(); err == nil {
			r.pipeline.SetQtxDepth(int32(depth))
		}
	}
	return nil
}

// advanceCallback implements spec.md §4.3 steps 2-3. These are two
// independent checks, not a single state switch: a frame forwarded to
// the callback path in step 2 is immediately eligible for step 3's
// overlay check within the same call, matching
// original_source/ffstreamer/pyav/pyav_router.py's "if not
// now_image_processing: ...; if now_image_processing: ..." shape.
func (r *Router) advanceCallback(data []byte) error {
	if r.state == stateIdle {
		if r.cfg.Synchronize {
			for !r.done.IsSet() {
				err := r.improcProducer.Put(data, 0, r.cfg.PutTimeout)
				if err == nil {
					r.state = stateAwaitingOverlay
					break
				}
				if !errors.Is(err, queue.ErrFull) {
					return fmt.Errorf("router: improc put: %w", err)
				}
			}
		} else {
			full, err := r.improcProducer.Full()
			if err != nil {
				return fmt.Errorf("router: improc full check: %w", err)
			}
			if !full {
				err := r.improcProducer.PutNowait(data, 0)
				switch {
				case err == nil:
					r.state = stateAwaitingOverlay
				case errors.Is(err, queue.ErrFull):
					// Lost the race between Full() and PutNowait(); stay Idle.
				default:
					return fmt.Errorf("router: improc put_nowait: %w", err)
				}
			}
		}
	}

	if r.state == stateAwaitingOverlay {
		if r.cfg.Synchronize {
			for !r.done.IsSet() {
				overlay, err := r.overlayConsumer.Get(r.cfg.GetTimeout)
				if err != nil {
					if errors.Is(err, queue.ErrEmpty) {
						continue
					}
					return fmt.Errorf("router: overlay get: %w", err)
				}
				r.updateOverlay(overlay)
				r.state = stateIdle
				break
			}
		} else {
			overlay, err := r.overlayConsumer.GetNowait()
			if err != nil {
				if errors.Is(err, queue.ErrEmpty) {
					return nil
				}
				return fmt.Errorf("router: overlay get_nowait: %w", err)
			}
			r.updateOverlay(overlay)
			r.state = stateIdle
		}
	}
	return nil
}

// forward implements spec.md §4.3 step 4's "on Full after timeout, drop
// and continue".
func (r *Router) forward(composited []byte) error {
	err := r.senderProducer.Put(composited, 0, r.cfg.PutTimeout)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrFull) {
		r.framesDropped++
		if r.pipeline != nil {
			r.pipeline.RecordSenderDropped()
		}
		r.log.Warn("dropping composited frame, sender queue full")
		return nil
	}
	return fmt.Errorf("router: sender put: %w", err)
}

// FramesRouted and FramesDropped expose the Router's own process-local
// counters, for tests; the cross-process view a Manager reads lives in
// the *metrics.Pipeline passed to New, updated directly from step() and
// forward().
func (r *Router) FramesRouted() int64  { return r.framesRouted }
func (r *Router) FramesDropped() int64 { return r.framesDropped }

// Close closes every queue endpoint the Router owns, per spec.md §4.3's
// close ordering.
func (r *Router) Close() error {
	var firstErr error
	for _, c := range []func() error{
		r.receiverConsumer.Close,
		r.improcProducer.Close,
		r.overlayConsumer.Close,
		r.senderProducer.Close,
	} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
