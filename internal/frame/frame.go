// Package frame defines the fixed-shape pixel buffers that flow through the
// pipeline's SPSC queues: raw BGR frames and BGRA overlay+mask payloads, plus
// the pixelwise composition used by the Router.
package frame

import "fmt"

// Shape is a frame's height, width, and channel count, fixed for the
// lifetime of a pipeline. Only Channels == 3 is supported.
type Shape struct {
	Height   int
	Width    int
	Channels int
}

// Validate returns an error if the shape is not a supported raw-BGR shape.
func (s Shape) Validate() error {
	if s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("frame: non-positive dimension: %dx%d", s.Width, s.Height)
	}
	if s.Channels != 3 {
		return fmt.Errorf("frame: only 3 channels are supported, got %d", s.Channels)
	}
	return nil
}

// ItemSize is the byte length of one raw BGR frame of this shape.
func (s Shape) ItemSize() int {
	return s.Height * s.Width * s.Channels
}

// OverlayItemSize is the byte length of one BGRA overlay+mask payload of
// this shape (three BGR channels plus one mask channel).
func (s Shape) OverlayItemSize() int {
	return s.Height * s.Width * 4
}

// DefaultChromaColor is the nominal "transparent" color used to synthesize
// a mask from a single-image callback result when the callback does not
// return an explicit mask, as in spec.md §3.
var DefaultChromaColor = [3]byte{0, 0, 0}

// SplitMaskOnOff turns a packed 0/255 mask into the 0/1 "on"/"off"
// complement pair used for saturating-multiply composition, per spec.md
// §4.3 and the Design Notes on precomputed masks. mask must have length
// height*width (one byte per pixel).
func SplitMaskOnOff(mask []byte) (maskOn, maskOff []byte) {
	maskOn = make([]byte, len(mask))
	maskOff = make([]byte, len(mask))
	for i, v := range mask {
		if v != 0 {
			maskOn[i] = 1
		} else {
			maskOff[i] = 1
		}
	}
	return maskOn, maskOff
}

// GenerateMask synthesizes a packed 0/255 mask from a BGR overlay image by
// chroma-keying: any pixel whose three channels all equal chroma is
// transparent (mask 0), every other pixel is opaque (mask 255). overlay
// must have length height*width*3.
func GenerateMask(overlay []byte, shape Shape, chroma [3]byte) []byte {
	n := shape.Height * shape.Width
	mask := make([]byte, n)
	for i := 0; i < n; i++ {
		b, g, r := overlay[i*3], overlay[i*3+1], overlay[i*3+2]
		if b == chroma[0] && g == chroma[1] && r == chroma[2] {
			mask[i] = 0
		} else {
			mask[i] = 255
		}
	}
	return mask
}

// MergeOverlayAndMask concatenates a BGR overlay and a packed single-channel
// mask into one BGRA payload, per spec.md §4.5 step 6. overlay must have
// length height*width*3, mask must have length height*width.
func MergeOverlayAndMask(overlay, mask []byte, shape Shape) []byte {
	n := shape.Height * shape.Width
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		out[i*4] = overlay[i*3]
		out[i*4+1] = overlay[i*3+1]
		out[i*4+2] = overlay[i*3+2]
		out[i*4+3] = mask[i]
	}
	return out
}

// SplitOverlayPayload is the inverse of MergeOverlayAndMask: it splits a
// BGRA overlay+mask payload (as read off Qovl) back into a BGR overlay and
// a packed mask.
func SplitOverlayPayload(payload []byte, shape Shape) (overlay, mask []byte) {
	n := shape.Height * shape.Width
	overlay = make([]byte, n*3)
	mask = make([]byte, n)
	for i := 0; i < n; i++ {
		overlay[i*3] = payload[i*4]
		overlay[i*3+1] = payload[i*4+1]
		overlay[i*3+2] = payload[i*4+2]
		mask[i] = payload[i*4+3]
	}
	return overlay, mask
}

// Composite blends a live BGR frame with a cached overlay using precomputed
// 0/1 on/off masks: out = live*maskOff + overlay*maskOn, per pixel, with the
// single-channel masks broadcast across the 3 BGR channels. live and overlay
// must have length height*width*3; maskOn/maskOff must have length
// height*width. The result is written into dst (which may be reused across
// calls to avoid per-frame allocation) and also returned.
func Composite(dst, live, overlay, maskOn, maskOff []byte) []byte {
	n := len(maskOn)
	if cap(dst) < n*3 {
		dst = make([]byte, n*3)
	}
	dst = dst[:n*3]
	for i := 0; i < n; i++ {
		on, off := maskOn[i], maskOff[i]
		for c := 0; c < 3; c++ {
			idx := i*3 + c
			dst[idx] = live[idx]*off + overlay[idx]*on
		}
	}
	return dst
}
