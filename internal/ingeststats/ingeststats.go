// Package ingeststats tracks connection-level counters for a pipeline's
// source, exposed via the debug API for monitoring source health — the
// same responsibility the teacher's ingest.Stream carries for an SRT
// connection, adapted here to a decoded-frame source instead of a raw
// byte socket.
package ingeststats

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time view of a source's ingest counters.
type Snapshot struct {
	FramesRead    int64  `json:"framesRead"`
	BytesRead     int64  `json:"bytesRead"`
	FramesDropped int64  `json:"framesDropped"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	Source        string `json:"source"`
}

// Stream tracks counters for one Receiver's source for the lifetime of a
// pipeline run.
type Stream struct {
	source    string
	startedAt time.Time

	framesRead    atomic.Int64
	bytesRead     atomic.Int64
	framesDropped atomic.Int64
}

// New creates a Stream for source, starting its uptime clock immediately.
func New(source string) *Stream {
	return &Stream{source: source, startedAt: time.Now()}
}

// RecordRead increments the frame and byte counters, called by the
// Receiver after every successful decode.
func (s *Stream) RecordRead(n int) {
	s.framesRead.Add(1)
	s.bytesRead.Add(int64(n))
}

// RecordDrop increments the dropped-frame counter, called by the Receiver
// when a frame is discarded after a put timeout.
func (s *Stream) RecordDrop() {
	s.framesDropped.Add(1)
}

// Snapshot returns a copy of the current counters.
func (s *Stream) Snapshot() Snapshot {
	return Snapshot{
		FramesRead:    s.framesRead.Load(),
		BytesRead:     s.bytesRead.Load(),
		FramesDropped: s.framesDropped.Load(),
		ConnectedAt:   s.startedAt.UnixMilli(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		Source:        s.source,
	}
}
