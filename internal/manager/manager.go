// Package manager implements spec.md §4.5: construct the four SPSC
// queues, spawn the Receiver/Router/Sender worker processes, run the
// callback dispatch loop in the parent, and guarantee cleanup on every
// exit path.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/framepipe/framepipe/internal/callback"
	"github.com/framepipe/framepipe/internal/codec"
	"github.com/framepipe/framepipe/internal/config"
	"github.com/framepipe/framepipe/internal/frame"
	"github.com/framepipe/framepipe/internal/metrics"
	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/term"
	"github.com/framepipe/framepipe/internal/worker"
)

// Config is a Manager's construction parameters, per spec.md §4.5.
type Config = config.Pipeline

// Manager constructs the pipeline's four queues, spawns the three
// worker processes, and runs the callback dispatch loop. It implements
// internal/worker.Pipeline so a Supervisor can track it alongside other
// concurrently running pipelines (SPEC_FULL.md §4.6).
type Manager struct {
	cfg      Config
	shape    frame.Shape
	callback callback.Callback
	pipeline *metrics.Pipeline
	log      *slog.Logger
	index    int

	managerDone  *term.Flag
	receiverDone *term.Flag
	routerDone   *term.Flag
	senderDone   *term.Flag

	qrx   *worker.Wire
	qproc *worker.Wire
	qovl  *worker.Wire
	qtx   *worker.Wire

	qprocConsumer *queue.Consumer
	qovlProducer  *queue.Producer

	receiver *workerProc
	router   *workerProc
	sender   *workerProc

	started bool
}

// New constructs a Manager. cb must not be nil; callback.NopCallback{}
// embedders are the minimal valid implementation.
func New(cfg Config, cb callback.Callback, pipeline *metrics.Pipeline, log *slog.Logger) (*Manager, error) {
	shape := frame.Shape{Height: cfg.Height, Width: cfg.Width, Channels: cfg.Channels}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	if cb == nil {
		return nil, errors.New("manager: callback must not be nil")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 8
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 8 * time.Second
	}
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = 32 * time.Second
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = time.Second
	}
	if cfg.RouterPutTimeout <= 0 {
		cfg.RouterPutTimeout = 8 * time.Second
	}
	if cfg.ChromaColor == ([3]byte{}) {
		cfg.ChromaColor = frame.DefaultChromaColor
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	return &Manager{
		cfg:      cfg,
		shape:    shape,
		callback: cb,
		pipeline: pipeline,
		log:      log.With("component", "manager", "pipeline", cfg.Name),
	}, nil
}

// Name identifies this pipeline to a Supervisor.
func (m *Manager) Name() string { return m.cfg.Name }

// Metrics returns this pipeline's counter set, or nil if none was
// supplied to New. Used by the debug/metrics HTTP surface to enumerate
// every running pipeline's counters without the Manager importing the
// HTTP layer itself.
func (m *Manager) Metrics() *metrics.Pipeline { return m.pipeline }

// Start constructs the queues and termination flags, invokes the
// callback's OnOpen hook, and spawns Sender, Router, Receiver in that
// order, per spec.md §4.5.
func (m *Manager) Start() error {
	if m.started {
		return fmt.Errorf("manager: pipeline %q already started", m.cfg.Name)
	}

	itemSize := m.shape.ItemSize()
	overlayItemSize := m.shape.OverlayItemSize()

	qrx, err := worker.NewWire(m.cfg.Name+"-qrx", m.cfg.QueueSize, itemSize)
	if err != nil {
		return err
	}
	qproc, err := worker.NewWire(m.cfg.Name+"-qproc", 1, itemSize)
	if err != nil {
		return err
	}
	qovl, err := worker.NewWire(m.cfg.Name+"-qovl", 1, overlayItemSize)
	if err != nil {
		return err
	}
	qtx, err := worker.NewWire(m.cfg.Name+"-qtx", m.cfg.QueueSize, itemSize)
	if err != nil {
		return err
	}

	managerDone, err := term.New(m.cfg.Name + "-manager-done")
	if err != nil {
		return err
	}
	receiverDone, err := term.New(m.cfg.Name + "-receiver-done")
	if err != nil {
		return err
	}
	routerDone, err := term.New(m.cfg.Name + "-router-done")
	if err != nil {
		return err
	}
	senderDone, err := term.New(m.cfg.Name + "-sender-done")
	if err != nil {
		return err
	}

	if err := m.callback.OnOpen(context.Background()); err != nil {
		return fmt.Errorf("manager: callback OnOpen: %w", err)
	}

	// metricsFile is the shared counters segment's memfd, or nil if this
	// pipeline was constructed without one (New's pipeline arg was nil).
	// Handed to all three workers so each can record into the same
	// counters the Manager's own Metrics() reads, the same way every
	// worker gets its own copy of the done flag.
	var metricsFile *os.File
	if m.pipeline != nil {
		if seg := m.pipeline.File(); seg != nil {
			metricsFile = seg.File()
		}
	}
	addMetricsEndpoint := func(fs *worker.FileSet) int {
		if metricsFile == nil {
			return worker.NoMetricsFDIdx
		}
		return fs.Add(metricsFile)
	}

	// Sender.
	var senderFS worker.FileSet
	senderQtx := addConsumerEndpoint(&senderFS, qtx, m.cfg.QueueSize, itemSize)
	senderDoneIdx := senderFS.Add(senderDone.File().File())
	senderMetricsIdx := addMetricsEndpoint(&senderFS)
	senderCfg := worker.SenderConfig{
		Destination:      m.cfg.Destination,
		FileFormat:       m.cfg.FileFormat,
		Height:           m.shape.Height,
		Width:            m.shape.Width,
		DropFirstSegment: m.cfg.DropFirstSegment,
		Qtx:              senderQtx,
		DoneFDIdx:        senderDoneIdx,
		MetricsName:      m.cfg.Name,
		MetricsFDIdx:     senderMetricsIdx,
	}
	senderCmd, err := worker.Spawn(worker.RoleSender, senderCfg, senderFS.Files())
	if err != nil {
		return err
	}

	// Router.
	var routerFS worker.FileSet
	routerQrx := addConsumerEndpoint(&routerFS, qrx, m.cfg.QueueSize, itemSize)
	routerQproc := addProducerEndpoint(&routerFS, qproc, 1, itemSize)
	routerQovl := addConsumerEndpoint(&routerFS, qovl, 1, overlayItemSize)
	routerQtx := addProducerEndpoint(&routerFS, qtx, m.cfg.QueueSize, itemSize)
	routerDoneIdx := routerFS.Add(routerDone.File().File())
	routerMetricsIdx := addMetricsEndpoint(&routerFS)
	routerCfg := worker.RouterConfig{
		Height:       m.shape.Height,
		Width:        m.shape.Width,
		Synchronize:  m.cfg.Synchronize,
		GetTimeout:   m.cfg.GetTimeout,
		PutTimeout:   m.cfg.RouterPutTimeout,
		Qrx:          routerQrx,
		Qproc:        routerQproc,
		Qovl:         routerQovl,
		Qtx:          routerQtx,
		DoneFDIdx:    routerDoneIdx,
		MetricsName:  m.cfg.Name,
		MetricsFDIdx: routerMetricsIdx,
	}
	routerCmd, err := worker.Spawn(worker.RoleRouter, routerCfg, routerFS.Files())
	if err != nil {
		return err
	}

	// Receiver.
	var receiverFS worker.FileSet
	receiverQrx := addProducerEndpoint(&receiverFS, qrx, m.cfg.QueueSize, itemSize)
	receiverDoneIdx := receiverFS.Add(receiverDone.File().File())
	receiverMetricsIdx := addMetricsEndpoint(&receiverFS)
	receiverCfg := worker.ReceiverConfig{
		Source:           m.cfg.Source,
		PutTimeout:       m.cfg.PutTimeout,
		DropIfPutTimeout: m.cfg.DropIfPutTimeout,
		Qrx:              receiverQrx,
		DoneFDIdx:        receiverDoneIdx,
		MetricsName:      m.cfg.Name,
		MetricsFDIdx:     receiverMetricsIdx,
	}
	receiverCmd, err := worker.Spawn(worker.RoleReceiver, receiverCfg, receiverFS.Files())
	if err != nil {
		return err
	}

	m.qrx, m.qproc, m.qovl, m.qtx = qrx, qproc, qovl, qtx
	m.managerDone, m.receiverDone, m.routerDone, m.senderDone = managerDone, receiverDone, routerDone, senderDone
	m.qprocConsumer = qproc.LocalConsumer()
	m.qovlProducer = qovl.LocalProducer()
	m.sender = watchWorker("sender", senderCmd)
	m.router = watchWorker("router", routerCmd)
	m.receiver = watchWorker("receiver", receiverCmd)
	m.started = true

	m.log.Info("pipeline started")
	return nil
}

func addProducerEndpoint(fs *worker.FileSet, w *worker.Wire, capacity, itemSize int) worker.QueueEndpoint {
	files := w.ProducerFiles()
	return worker.QueueEndpoint{
		Capacity:     capacity,
		ItemSize:     itemSize,
		SegmentFDIdx: fs.Add(files[0]),
		WorkingFDIdx: fs.Add(files[1]),
		PendingFDIdx: fs.Add(files[2]),
	}
}

func addConsumerEndpoint(fs *worker.FileSet, w *worker.Wire, capacity, itemSize int) worker.QueueEndpoint {
	files := w.ConsumerFiles()
	return worker.QueueEndpoint{
		Capacity:     capacity,
		ItemSize:     itemSize,
		SegmentFDIdx: fs.Add(files[0]),
		WorkingFDIdx: fs.Add(files[1]),
		PendingFDIdx: fs.Add(files[2]),
	}
}

// Run executes the dispatch loop (spec.md §4.5's run_until_complete)
// until manager_done is set, a worker dies, or a fatal callback/queue
// error occurs. JoinSafe and the manager-owned queue endpoints are
// always cleaned up before returning, matching spec.md's "On any exit
// path... join_safe() runs" shutdown ordering.
func (m *Manager) Run(ctx context.Context) (err error) {
	defer func() {
		if joinErr := m.JoinSafe(); joinErr != nil && err == nil {
			err = joinErr
		}
		if closeErr := m.closePipes(); closeErr != nil && err == nil {
			err = closeErr
		}
		if closeErr := m.closeWires(); closeErr != nil && err == nil {
			err = closeErr
		}
		if closeErr := m.callback.OnClose(context.Background()); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for !m.managerDone.IsSet() {
		if aliveErr := m.checkProcessAlive(); aliveErr != nil {
			if errors.Is(aliveErr, ErrProcessNotAlive) {
				m.log.Warn("worker process died, stopping pipeline", "error", aliveErr)
				break
			}
			return aliveErr
		}

		data, getErr := m.qprocConsumer.Get(m.cfg.GetTimeout)
		if getErr != nil {
			if errors.Is(getErr, queue.ErrEmpty) {
				continue
			}
			return fmt.Errorf("manager: qproc get: %w", getErr)
		}

		if dispErr := m.dispatch(ctx, data); dispErr != nil {
			return dispErr
		}
	}
	return nil
}

// checkProcessAlive implements spec.md §4.5 step 1.
func (m *Manager) checkProcessAlive() error {
	for _, wp := range []*workerProc{m.sender, m.router, m.receiver} {
		if !wp.alive() {
			return fmt.Errorf("manager: %w: %s", ErrProcessNotAlive, wp.role)
		}
	}
	return nil
}

// dispatch implements spec.md §4.5 steps 2-6: invoke the callback on one
// live frame, validate and merge its result, and publish it to Qovl. A
// plain callback error is logged and the loop continues (spec.md §7); a
// shape/dtype mismatch is fatal and propagates to Run's caller.
func (m *Manager) dispatch(ctx context.Context, image []byte) error {
	result, err := m.callback.OnImage(ctx, image, m.shape)
	if err != nil {
		m.log.Error("callback returned an error, continuing", "error", err, "frame", m.index)
		return nil
	}

	overlay, mask, err := m.splitOverlayAndMask(result, image)
	if err != nil {
		return err
	}

	payload := frame.MergeOverlayAndMask(overlay, mask, m.shape)
	if err := m.qovlProducer.Put(payload, 0, queue.Forever); err != nil {
		return fmt.Errorf("manager: qovl put: %w", err)
	}

	m.index++
	if m.pipeline != nil {
		m.pipeline.RecordOverlayApplied()
	}
	return nil
}

// splitOverlayAndMask implements spec.md §4.5 step 4-5: synthesize a
// mask by chroma-keying when the callback did not supply one, then
// validate both buffers' lengths against the pipeline's fixed shape.
func (m *Manager) splitOverlayAndMask(result callback.Result, image []byte) (overlay, mask []byte, err error) {
	overlay = result.Overlay
	if len(overlay) != m.shape.ItemSize() {
		return nil, nil, fmt.Errorf("manager: %w: overlay length %d, want %d", ErrShapeMismatch, len(overlay), m.shape.ItemSize())
	}

	mask = result.Mask
	if mask == nil {
		mask = frame.GenerateMask(overlay, m.shape, m.cfg.ChromaColor)
	}
	if len(mask) != m.shape.Height*m.shape.Width {
		return nil, nil, fmt.Errorf("manager: %w: mask length %d, want %d", ErrDTypeMismatch, len(mask), m.shape.Height*m.shape.Width)
	}
	return overlay, mask, nil
}

// Done sets all four termination flags, per spec.md §4.5.
func (m *Manager) Done() {
	m.managerDone.Set()
	m.receiverDone.Set()
	m.routerDone.Set()
	m.senderDone.Set()
}

// JoinSafe ensures every flag is set, joins each worker up to
// JoinTimeout, force-kills any that are still alive, and waits up to
// JoinTimeout for each killed worker to be reaped. The joins before the
// kill take at most 3·JoinTimeout in total; the wait after a kill is
// normally immediate, since the kill cannot be ignored. JoinSafe does not
// close the manager-owned queue endpoints or wires; Run closes them after
// JoinSafe returns. Safe to call more than once.
func (m *Manager) JoinSafe() error {
	if !m.started {
		return nil
	}
	m.Done()

	workers := []*workerProc{m.receiver, m.router, m.sender}
	for _, wp := range workers {
		wp.join(m.cfg.JoinTimeout)
	}

	var firstErr error
	for _, wp := range workers {
		if wp.alive() {
			if err := wp.kill(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("manager: kill %s: %w", wp.role, err)
			}
			wp.join(m.cfg.JoinTimeout)
		}
	}
	return firstErr
}

// closePipes closes the manager-owned Qproc/Qovl local endpoints, per
// spec.md §4.5's close_pipes step. Safe to call more than once.
func (m *Manager) closePipes() error {
	if m.qprocConsumer == nil {
		return nil
	}
	err1 := m.qprocConsumer.Close()
	err2 := m.qovlProducer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// closeWires releases the parent's remaining file handles for every
// wire once all three workers have exited: Qrx and Qtx were fully
// handed off to two different children, so Close() releases both sides'
// parent-side copies; Qproc/Qovl's local endpoint was already closed by
// closePipes, so only their shared-memory segment remains to release.
func (m *Manager) closeWires() error {
	if m.qrx == nil {
		return nil
	}
	var firstErr error
	for _, c := range []func() error{m.qrx.Close, m.qtx.Close, m.qproc.CloseSegment, m.qovl.CloseSegment} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EncoderOptions builds codec.EncoderOptions from this Manager's
// configuration, leaving FPS unset. cmd/framepipe's sender worker does not
// call it; that worker builds its options from the SenderConfig it
// receives.
func (m *Manager) EncoderOptions() codec.EncoderOptions {
	return codec.EncoderOptions{
		Destination:      m.cfg.Destination,
		FileFormat:       m.cfg.FileFormat,
		Shape:            m.shape,
		DropFirstSegment: m.cfg.DropFirstSegment,
	}
}
