// Package callback defines the user-facing module hooks from spec.md §6:
// on_open, on_image (on_frame in the FFmpeg-subprocess mode, out of scope
// here), and on_close. The PyAV-core pipeline only ever calls OnImage
// per-frame; OnOpen and OnClose bracket the pipeline's lifetime.
package callback

import (
	"context"
	"fmt"

	"github.com/framepipe/framepipe/internal/frame"
)

// Result is what an OnImage call returns: either a single overlay image
// (the mask is synthesized by chroma-keying, spec.md §3/§4.5) or an
// explicit (overlay, mask) pair.
type Result struct {
	// Overlay is always required: H*W*3 BGR bytes.
	Overlay []byte
	// Mask is optional: H*W*1 bytes. When nil, the Manager synthesizes it
	// from Overlay via chroma-keying (spec.md §4.5 step 4).
	Mask []byte
}

// Callback is the module interface a pipeline user supplies. Every hook may
// block or do I/O; the Manager invokes OnImage from a dedicated goroutine
// so a slow callback only ever delays the overlay it is computing, never
// the Router or the other workers (spec.md §4.3's async-mode decoupling).
type Callback interface {
	// OnOpen is invoked once after pipeline construction, before any
	// frame, per spec.md §6.
	OnOpen(ctx context.Context) error
	// OnImage is the per-frame transform: given the current live BGR
	// frame, produce the overlay to composite onto it. Exactly one
	// OnImage call is ever in flight at a time, per spec.md §4.5 and
	// SPEC_FULL.md §4.5.
	OnImage(ctx context.Context, image []byte, shape frame.Shape) (Result, error)
	// OnClose is invoked once at shutdown, whether the pipeline ended
	// normally or with an error, per spec.md §6.
	OnClose(ctx context.Context) error
}

// NopCallback implements Callback with no-op OnOpen/OnClose hooks, for
// embedding by callbacks that only care about OnImage.
type NopCallback struct{}

func (NopCallback) OnOpen(context.Context) error  { return nil }
func (NopCallback) OnClose(context.Context) error { return nil }

// Identity returns a Callback whose overlay is the live frame itself with
// an all-zero mask, so compositing is a no-op and the output stream
// reproduces the input frame-for-frame — the round-trip property from
// spec.md §8.
type Identity struct {
	NopCallback
}

func (Identity) OnImage(_ context.Context, image []byte, shape frame.Shape) (Result, error) {
	mask := make([]byte, shape.Height*shape.Width) // all zero: overlay never wins
	overlay := make([]byte, len(image))
	copy(overlay, image)
	return Result{Overlay: overlay, Mask: mask}, nil
}

// ConstantOverlay returns a Callback whose overlay is a fixed BGR color
// everywhere, masked either fully on or fully off, per the boundary
// scenarios in spec.md §8 ("constant-black overlay with mask all-0/all-255").
type ConstantOverlay struct {
	NopCallback
	Color  [3]byte
	MaskOn bool
}

func (c ConstantOverlay) OnImage(_ context.Context, _ []byte, shape frame.Shape) (Result, error) {
	n := shape.Height * shape.Width
	overlay := make([]byte, n*3)
	for i := 0; i < n; i++ {
		overlay[i*3] = c.Color[0]
		overlay[i*3+1] = c.Color[1]
		overlay[i*3+2] = c.Color[2]
	}
	mask := make([]byte, n)
	if c.MaskOn {
		for i := range mask {
			mask[i] = 255
		}
	}
	return Result{Overlay: overlay, Mask: mask}, nil
}

// ErrorAfter returns a Callback that succeeds for the first n frames, then
// fails every call after — used to exercise the "callback error
// propagation" scenario in spec.md §8.
type ErrorAfter struct {
	NopCallback
	N     int
	count int
}

func (e *ErrorAfter) OnImage(_ context.Context, image []byte, shape frame.Shape) (Result, error) {
	e.count++
	if e.count > e.N {
		return Result{}, fmt.Errorf("callback: ErrorAfter: failing on call %d (limit %d)", e.count, e.N)
	}
	overlay := make([]byte, len(image))
	copy(overlay, image)
	return Result{Overlay: overlay, Mask: make([]byte, shape.Height*shape.Width)}, nil
}
