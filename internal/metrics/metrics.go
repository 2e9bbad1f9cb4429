// Package metrics accumulates pipeline telemetry in a concurrency-safe
// manner using atomic counters, in the same style as the teacher's
// DemuxStats: fields grouped by what guards them, a Snapshot() method for
// JSON serialization, and — added here — the same counters exposed as
// Prometheus gauges/counters for /metrics.
//
// Because the Receiver, Router, and Sender each run as their own
// re-exec'd OS process (SPEC_FULL.md §1), a Pipeline's counters live in
// a shared memory segment rather than plain heap-allocated atomics —
// the same way internal/term.Flag shares its done bit across processes.
// NewPipeline keeps the old process-local behavior for tests and for
// callers that read the counters only in one process; NewSharedPipeline
// and OpenPipeline let the Manager and its workers point at the same
// segment.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/framepipe/framepipe/internal/shm"
)

// Snapshot is a point-in-time view of one pipeline's counters, suitable
// for JSON serialization to a debug endpoint.
type Snapshot struct {
	Name string `json:"name"`

	FramesDecoded  int64 `json:"framesDecoded"`
	FramesDropped  int64 `json:"framesDropped"`
	FramesRouted   int64 `json:"framesRouted"`
	FramesEncoded  int64 `json:"framesEncoded"`
	SenderDropped  int64 `json:"senderDropped"`
	OverlaysApplied int64 `json:"overlaysApplied"`

	QrxDepth   int32 `json:"qrxDepth"`
	QtxDepth   int32 `json:"qtxDepth"`

	UptimeMs int64 `json:"uptimeMs"`
}

// pipelineLayout is the fixed byte layout backing one Pipeline's
// counters: six 8-byte atomic counters followed by two 4-byte atomic
// queue-depth gauges, all naturally aligned. A bare fd can't carry a Go
// struct, so worker processes and the Manager agree on this layout the
// same way internal/term.Flag's Size=4 is the agreed layout for one
// uint32.
const (
	offFramesDecoded   = 0
	offFramesDropped   = 8
	offFramesRouted    = 16
	offFramesEncoded   = 24
	offSenderDropped   = 32
	offOverlaysApplied = 40
	offQrxDepth        = 48
	offQtxDepth        = 52
	pipelineLayoutSize = 56
)

// Pipeline holds one pipeline's live counters, backed either by
// process-local memory (NewPipeline) or a shared memory segment
// (NewSharedPipeline / OpenPipeline) so that every process taking part
// in the pipeline can record into, and read, the same counters.
type Pipeline struct {
	name      string
	startedAt time.Time
	seg       *shm.Segment // nil for a process-local Pipeline

	framesDecoded   *int64
	framesDropped   *int64
	framesRouted    *int64
	framesEncoded   *int64
	senderDropped   *int64
	overlaysApplied *int64

	qrxDepth *int32
	qtxDepth *int32
}

// NewPipeline creates a counter set for a pipeline named name, backed by
// process-local memory, for tests and other uses where nothing needs to
// observe these counters from another OS process. A Manager given such a
// Pipeline does not share it with its workers.
func NewPipeline(name string) *Pipeline {
	return wrapPipeline(name, make([]byte, pipelineLayoutSize), nil)
}

// NewSharedPipeline creates a counter set backed by a fresh shared
// memory segment, suitable for handing to re-exec'd worker processes via
// exec.Cmd.ExtraFiles, the same way internal/term.New shares a done
// flag (SPEC_FULL.md §1, §4.7).
func NewSharedPipeline(name string) (*Pipeline, error) {
	seg, err := shm.Create(name+"-metrics", pipelineLayoutSize)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return wrapPipeline(name, seg.Bytes(), seg), nil
}

// OpenPipeline maps an existing shared pipeline counter set from an
// inherited file descriptor, as a worker process does at startup.
func OpenPipeline(name string, fd uintptr) (*Pipeline, error) {
	seg, err := shm.Open(fd, pipelineLayoutSize)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return wrapPipeline(name, seg.Bytes(), seg), nil
}

func wrapPipeline(name string, b []byte, seg *shm.Segment) *Pipeline {
	return &Pipeline{
		name:            name,
		startedAt:       time.Now(),
		seg:             seg,
		framesDecoded:   (*int64)(unsafe.Pointer(&b[offFramesDecoded])),
		framesDropped:   (*int64)(unsafe.Pointer(&b[offFramesDropped])),
		framesRouted:    (*int64)(unsafe.Pointer(&b[offFramesRouted])),
		framesEncoded:   (*int64)(unsafe.Pointer(&b[offFramesEncoded])),
		senderDropped:   (*int64)(unsafe.Pointer(&b[offSenderDropped])),
		overlaysApplied: (*int64)(unsafe.Pointer(&b[offOverlaysApplied])),
		qrxDepth:        (*int32)(unsafe.Pointer(&b[offQrxDepth])),
		qtxDepth:        (*int32)(unsafe.Pointer(&b[offQtxDepth])),
	}
}

func (p *Pipeline) RecordFrameDecoded()   { atomic.AddInt64(p.framesDecoded, 1) }
func (p *Pipeline) RecordFrameDropped()   { atomic.AddInt64(p.framesDropped, 1) }
func (p *Pipeline) RecordFrameRouted()    { atomic.AddInt64(p.framesRouted, 1) }
func (p *Pipeline) RecordFrameEncoded()   { atomic.AddInt64(p.framesEncoded, 1) }
func (p *Pipeline) RecordSenderDropped()  { atomic.AddInt64(p.senderDropped, 1) }
func (p *Pipeline) RecordOverlayApplied() { atomic.AddInt64(p.overlaysApplied, 1) }

func (p *Pipeline) SetQrxDepth(n int32) { atomic.StoreInt32(p.qrxDepth, n) }
func (p *Pipeline) SetQtxDepth(n int32) { atomic.StoreInt32(p.qtxDepth, n) }

// Snapshot returns a point-in-time copy of the counters.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		Name:            p.name,
		FramesDecoded:   atomic.LoadInt64(p.framesDecoded),
		FramesDropped:   atomic.LoadInt64(p.framesDropped),
		FramesRouted:    atomic.LoadInt64(p.framesRouted),
		FramesEncoded:   atomic.LoadInt64(p.framesEncoded),
		SenderDropped:   atomic.LoadInt64(p.senderDropped),
		OverlaysApplied: atomic.LoadInt64(p.overlaysApplied),
		QrxDepth:        atomic.LoadInt32(p.qrxDepth),
		QtxDepth:        atomic.LoadInt32(p.qtxDepth),
		UptimeMs:        time.Since(p.startedAt).Milliseconds(),
	}
}

// File returns the underlying shared segment, whose File() is the memfd
// to pass to a re-exec'd child via exec.Cmd.ExtraFiles, or nil if this
// Pipeline is process-local.
func (p *Pipeline) File() *shm.Segment { return p.seg }

// Close unmaps this Pipeline's shared segment in this process, if any.
// A process-local Pipeline needs no cleanup.
func (p *Pipeline) Close() error {
	if p.seg == nil {
		return nil
	}
	return p.seg.Close()
}

// Registry collects Prometheus collectors for all active pipelines'
// counters, refreshed on scrape from each Pipeline's atomic fields.
type Registry struct {
	reg       *prometheus.Registry
	framesGV  *prometheus.GaugeVec
	qDepthGV  *prometheus.GaugeVec
	pipelines func() []*Pipeline
}

// NewRegistry creates a Prometheus registry whose collectors call back
// into listPipelines at scrape time to read live counters, avoiding the
// need to keep a separate copy of every pipeline's state inside the
// registry itself.
func NewRegistry(listPipelines func() []*Pipeline) *Registry {
	r := &Registry{
		reg:       prometheus.NewRegistry(),
		pipelines: listPipelines,
	}
	r.framesGV = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "framepipe",
		Subsystem: "pipeline",
		Name:      "frames_total",
		Help:      "Frame counters by pipeline and stage (decoded, dropped, routed, encoded, sender_dropped, overlays_applied).",
	}, []string{"pipeline", "stage"})
	r.qDepthGV = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "framepipe",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Current SPSC queue depth by pipeline and queue (qrx, qtx).",
	}, []string{"pipeline", "queue"})
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "framepipe",
		Name:      "pipelines_active",
		Help:      "Number of pipelines currently running in this process.",
	}, func() float64 { return float64(len(r.pipelines())) }))
	r.reg.MustRegister(r.framesGV, r.qDepthGV)
	return r
}

func (r *Registry) collect() {
	r.framesGV.Reset()
	r.qDepthGV.Reset()
	for _, p := range r.pipelines() {
		snap := p.Snapshot()
		r.framesGV.WithLabelValues(snap.Name, "decoded").Set(float64(snap.FramesDecoded))
		r.framesGV.WithLabelValues(snap.Name, "dropped").Set(float64(snap.FramesDropped))
		r.framesGV.WithLabelValues(snap.Name, "routed").Set(float64(snap.FramesRouted))
		r.framesGV.WithLabelValues(snap.Name, "encoded").Set(float64(snap.FramesEncoded))
		r.framesGV.WithLabelValues(snap.Name, "sender_dropped").Set(float64(snap.SenderDropped))
		r.framesGV.WithLabelValues(snap.Name, "overlays_applied").Set(float64(snap.OverlaysApplied))
		r.qDepthGV.WithLabelValues(snap.Name, "qrx").Set(float64(snap.QrxDepth))
		r.qDepthGV.WithLabelValues(snap.Name, "qtx").Set(float64(snap.QtxDepth))
	}
}

// Gatherer exposes the underlying *prometheus.Registry for mounting with
// promhttp.HandlerFor at the /metrics endpoint. Refreshes the gauge
// vectors from live pipeline snapshots on every call so a scrape always
// sees current values.
func (r *Registry) Gatherer() prometheus.Gatherer {
	r.collect()
	return r.reg
}
