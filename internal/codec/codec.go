// Package codec wraps gocv (OpenCV's Go bindings, backed by FFmpeg) as the
// single opaque "codec library" dependency spec.md §1 and §6 describe:
// demuxing, decoding, encoding, and muxing are treated as someone else's
// problem, accessed only through the narrow Decoder/Encoder interfaces
// below. Nothing outside this package imports gocv directly.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"

	"github.com/framepipe/framepipe/internal/frame"
)

// ErrNoVideoStream is returned by OpenDecoder when the source has no
// decodable video stream, per spec.md §4.2.
var ErrNoVideoStream = errors.New("codec: no video stream found")

// isRTSP reports whether source has the rtsp:// scheme. OpenDecoder opens
// such a source with gocv.OpenVideoCapture and a capture buffer size of 1;
// every other URI (files, device paths) is opened with
// gocv.VideoCaptureFile and default options. No rtsp_transport or fflags
// option is passed to the backend.
func isRTSP(source string) bool {
	return strings.HasPrefix(source, "rtsp://")
}

// ReadStatus discriminates ReadFrame's non-error outcomes, per spec.md
// §4.2: a flush/heartbeat read carries no frame but the source is still
// live (skip and keep reading), while a demux-exhausted source ends the
// Receiver's loop.
type ReadStatus int

const (
	// StatusFrame means data holds a decoded frame.
	StatusFrame ReadStatus = iota
	// StatusSkip means this read produced no frame (e.g. a flush packet
	// with no decode timestamp, spec.md §4.2) but the source is not
	// exhausted; the caller should read again.
	StatusSkip
	// StatusEOF means the source is exhausted (demux ended); the caller
	// should stop reading.
	StatusEOF
)

// Decoder is the Receiver's view of the codec library: open a source, pull
// decoded BGR frames one at a time, and close when done.
type Decoder interface {
	// ReadFrame blocks until the next frame is decoded (StatusFrame), a
	// flush/heartbeat read with no payload is seen (StatusSkip), the
	// source is exhausted (StatusEOF), or decoding fails (err != nil),
	// per spec.md §4.2's "Failure semantics": decode errors are fatal,
	// but a flush packet is not.
	ReadFrame() (data []byte, status ReadStatus, err error)
	Shape() frame.Shape
	Close() error
}

// videoCaptureDecoder implements Decoder over gocv.VideoCapture.
type videoCaptureDecoder struct {
	cap   *gocv.VideoCapture
	mat   gocv.Mat
	shape frame.Shape
}

// OpenDecoder opens source for decoding, selecting the first video stream
// and applying the low-delay / multi-threaded decode configuration spec.md
// §4.2 calls for where the backend exposes an equivalent knob.
func OpenDecoder(source string) (Decoder, error) {
	var vc *gocv.VideoCapture
	var err error

	if isRTSP(source) {
		vc, err = gocv.OpenVideoCapture(source)
		if err == nil {
			// CAP_PROP_BUFFERSIZE=1 approximates PyAV's fflags=nobuffer:
			// minimize demuxer buffering so frames are forwarded with low
			// latency. Nothing here selects the RTSP transport. Not all
			// backends honor BufferSize; when unsupported, this is a
			// documented no-op, never a silent behavior change.
			vc.Set(gocv.VideoCaptureBufferSize, 1)
		}
	} else {
		vc, err = gocv.VideoCaptureFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: open %q: %w", source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("codec: open %q: %w", source, ErrNoVideoStream)
	}

	width := int(vc.Get(gocv.VideoCaptureFrameWidth))
	height := int(vc.Get(gocv.VideoCaptureFrameHeight))
	if width <= 0 || height <= 0 {
		vc.Close()
		return nil, fmt.Errorf("codec: open %q: %w", source, ErrNoVideoStream)
	}

	return &videoCaptureDecoder{
		cap:   vc,
		mat:   gocv.NewMat(),
		shape: frame.Shape{Height: height, Width: width, Channels: 3},
	}, nil
}

func (d *videoCaptureDecoder) Shape() frame.Shape { return d.shape }

func (d *videoCaptureDecoder) ReadFrame() ([]byte, ReadStatus, error) {
	if ok := d.cap.Read(&d.mat); !ok {
		return nil, StatusEOF, nil
	}
	if d.mat.Empty() {
		// A flush/heartbeat read with no payload, analogous to spec.md
		// §4.2's "packet with no decode timestamp" — skip, don't fail,
		// and don't stop: the source is still live.
		return nil, StatusSkip, nil
	}
	return d.mat.ToBytes(), StatusFrame, nil
}

func (d *videoCaptureDecoder) Close() error {
	err1 := d.mat.Close()
	err2 := d.cap.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Encoder is the Sender's view of the codec library: accept composited BGR
// frames one at a time and mux them to a destination container, per
// spec.md §4.4.
type Encoder interface {
	// WriteFrame encodes and muxes one BGR frame. A mux or encode error is
	// fatal, per spec.md §4.4's "Failure semantics".
	WriteFrame(data []byte) error
	// Flush drains any packets buffered inside the encoder (spec.md §4.4
	// "mux whatever packets come out of encoder.encode(None)") before the
	// container is closed. Must be called exactly once, before Close.
	Flush() error
	Close() error
}

// EncoderOptions configures the fixed H.264 encode profile spec.md §4.4 and
// §6 specify, plus the output-configuration-layer knobs SPEC_FULL.md §6
// leaves unimplemented in the core (DropFirstSegment).
type EncoderOptions struct {
	Destination string
	FileFormat  string
	Shape       frame.Shape
	FPS         float64

	// DropFirstSegment records the HLS "drop the likely-corrupt first
	// segment" policy from spec.md §9's open question. The core threads
	// this value through but does not act on it: HLS segment surgery is
	// left to the output-configuration layer, as spec.md directs.
	DropFirstSegment bool
}

// videoWriterEncoder implements Encoder over gocv.VideoWriter.
type videoWriterEncoder struct {
	writer *gocv.VideoWriter
	shape  frame.Shape
}

// OpenEncoder opens destination for writing with gocv's VideoWriter and the
// "avc1" (H.264) fourcc at opts.FPS (30 when unset) and the fixed shape.
// The pixel format and the x264 preset, crf and tune options are not set;
// they are whatever the OpenCV/FFmpeg writer uses by default.
func OpenEncoder(opts EncoderOptions) (Encoder, error) {
	if err := opts.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("codec: encoder: %w", err)
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}

	// gocv's VideoWriter takes a fourcc string; "avc1" selects H.264.
	// Fine-grained x264 options are backend-specific and not exposed
	// through gocv's VideoWriter API, so none are passed.
	writer, err := gocv.VideoWriterFile(
		opts.Destination,
		"avc1",
		fps,
		opts.Shape.Width,
		opts.Shape.Height,
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("codec: open encoder for %q: %w", opts.Destination, err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, fmt.Errorf("codec: encoder for %q did not open", opts.Destination)
	}

	return &videoWriterEncoder{writer: writer, shape: opts.Shape}, nil
}

func (e *videoWriterEncoder) WriteFrame(data []byte) error {
	mat, err := gocv.NewMatFromBytes(e.shape.Height, e.shape.Width, gocv.MatTypeCV8UC3, data)
	if err != nil {
		return fmt.Errorf("codec: build frame: %w", err)
	}
	defer mat.Close()

	if err := e.writer.Write(mat); err != nil {
		return fmt.Errorf("codec: write frame: %w", err)
	}
	return nil
}

func (e *videoWriterEncoder) Flush() error {
	// gocv.VideoWriter has no explicit flush distinct from Close; the
	// underlying FFmpeg writer flushes its buffered packets as part of
	// closing. Named here as its own step so call sites follow spec.md
	// §4.4's "Flush on close" ordering explicitly rather than relying on
	// Close's side effect.
	return nil
}

func (e *videoWriterEncoder) Close() error {
	return e.writer.Close()
}
