package manager

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/framepipe/framepipe/internal/callback"
	"github.com/framepipe/framepipe/internal/config"
	"github.com/framepipe/framepipe/internal/frame"
	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/term"
)

func testConfig(name string) Config {
	return config.Pipeline{
		Name:        name,
		Source:      "fake://source",
		Destination: "fake://dest",
		FileFormat:  "mp4",
		Width:       2,
		Height:      1,
		Channels:    3,
	}
}

func testFlag(t *testing.T, name string) *term.Flag {
	t.Helper()
	f, err := term.New(name)
	if err != nil {
		t.Fatalf("term.New() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNewRejectsNonThreeChannelShape(t *testing.T) {
	t.Parallel()

	cfg := testConfig("test-bad-shape")
	cfg.Channels = 4
	if _, err := New(cfg, callback.Identity{}, nil, nil); err == nil {
		t.Fatal("New() error = nil, want error for non-3-channel shape")
	}
}

func TestNewRejectsNilCallback(t *testing.T) {
	t.Parallel()

	if _, err := New(testConfig("test-nil-callback"), nil, nil, nil); err == nil {
		t.Fatal("New() error = nil, want error for nil callback")
	}
}

func TestDispatchIdentityCallbackPublishesOverlay(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig("test-dispatch-identity"), callback.Identity{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	q, err := queue.NewLocal("test-dispatch-qovl", 1, m.shape.OverlayItemSize())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	defer q.Close()
	m.qovlProducer = q.Producer

	image := []byte{1, 2, 3, 4, 5, 6}
	if err := m.dispatch(context.Background(), image); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}

	out, err := q.Consumer.Get(time.Second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// Identity's mask is all-zero, so the merged BGRA payload's mask
	// channel is 0 and the overlay channels equal the live image.
	want := []byte{1, 2, 3, 0, 4, 5, 6, 0}
	for i, b := range out {
		if b != want[i] {
			t.Fatalf("payload[%d] = %d, want %d", i, b, want[i])
		}
	}
	if m.index != 1 {
		t.Fatalf("index = %d, want 1", m.index)
	}
}

func TestDispatchCallbackErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	cb := &callback.ErrorAfter{N: 0}
	m, err := New(testConfig("test-dispatch-callback-error"), cb, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	q, err := queue.NewLocal("test-dispatch-error-qovl", 1, m.shape.OverlayItemSize())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	defer q.Close()
	m.qovlProducer = q.Producer

	if err := m.dispatch(context.Background(), []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("dispatch() error = %v, want nil (callback errors are logged, not fatal)", err)
	}
	if _, err := q.Consumer.GetNowait(); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("GetNowait() error = %v, want ErrEmpty (no overlay published)", err)
	}
}

func TestSplitOverlayAndMaskRejectsWrongOverlayLength(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig("test-split-bad-overlay"), callback.Identity{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	wrongShape := frame.Shape{Height: 1, Width: 1, Channels: 3}
	result := callback.Result{Overlay: make([]byte, wrongShape.ItemSize()), Mask: make([]byte, 1)}
	if _, _, err := m.splitOverlayAndMask(result, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("splitOverlayAndMask() error = %v, want ErrShapeMismatch", err)
	}
}

func TestSplitOverlayAndMaskRejectsWrongMaskLength(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig("test-split-bad-mask"), callback.Identity{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := callback.Result{
		Overlay: make([]byte, m.shape.ItemSize()),
		Mask:    make([]byte, m.shape.Height*m.shape.Width+1),
	}
	if _, _, err := m.splitOverlayAndMask(result, nil); !errors.Is(err, ErrDTypeMismatch) {
		t.Fatalf("splitOverlayAndMask() error = %v, want ErrDTypeMismatch", err)
	}
}

func TestSplitOverlayAndMaskSynthesizesMaskWhenNil(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig("test-split-synthesize"), callback.Identity{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	overlay := make([]byte, m.shape.ItemSize())
	result := callback.Result{Overlay: overlay}
	_, mask, err := m.splitOverlayAndMask(result, nil)
	if err != nil {
		t.Fatalf("splitOverlayAndMask() error = %v", err)
	}
	if len(mask) != m.shape.Height*m.shape.Width {
		t.Fatalf("synthesized mask length = %d, want %d", len(mask), m.shape.Height*m.shape.Width)
	}
	for i, b := range mask {
		if b != 0 {
			t.Fatalf("mask[%d] = %d, want 0 (all-black overlay matches default chroma)", i, b)
		}
	}
}

func TestDoneSetsAllFourFlags(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig("test-done"), callback.Identity{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.started = true
	m.managerDone = testFlag(t, "test-done-manager")
	m.receiverDone = testFlag(t, "test-done-receiver")
	m.routerDone = testFlag(t, "test-done-router")
	m.senderDone = testFlag(t, "test-done-sender")

	m.Done()
	for _, f := range []*term.Flag{m.managerDone, m.receiverDone, m.routerDone, m.senderDone} {
		if !f.IsSet() {
			t.Fatal("Done() left a flag unset")
		}
	}
}

func TestJoinSafeKillsUnresponsiveWorkers(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig("test-join-safe"), callback.Identity{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.started = true
	m.managerDone = testFlag(t, "test-join-safe-manager")
	m.receiverDone = testFlag(t, "test-join-safe-receiver")
	m.routerDone = testFlag(t, "test-join-safe-router")
	m.senderDone = testFlag(t, "test-join-safe-sender")

	// A worker that ignores the done flag and must be force-killed.
	stuck := exec.Command("sleep", "30")
	if err := stuck.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	m.receiver = watchWorker("receiver", stuck)

	// Two workers that exit immediately on their own.
	fast1 := exec.Command("true")
	if err := fast1.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	fast2 := exec.Command("true")
	if err := fast2.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	m.router = watchWorker("router", fast1)
	m.sender = watchWorker("sender", fast2)

	m.cfg.JoinTimeout = 50 * time.Millisecond
	if err := m.JoinSafe(); err != nil {
		t.Fatalf("JoinSafe() error = %v", err)
	}
	if m.receiver.alive() {
		t.Fatal("JoinSafe() did not reap the force-killed receiver")
	}
	if !m.managerDone.IsSet() {
		t.Fatal("JoinSafe() did not set managerDone")
	}
}

func TestCheckProcessAliveReportsDeadWorker(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig("test-check-alive"), callback.Identity{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	alive := exec.Command("sleep", "30")
	if err := alive.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	defer alive.Process.Kill()
	alive2 := exec.Command("sleep", "30")
	if err := alive2.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	defer alive2.Process.Kill()
	dead := exec.Command("true")
	if err := dead.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}

	m.sender = watchWorker("sender", alive)
	m.router = watchWorker("router", alive2)
	m.receiver = watchWorker("receiver", dead)

	// Give the dead process's Wait() goroutine a moment to observe exit.
	deadline := time.Now().Add(time.Second)
	for m.receiver.alive() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := m.checkProcessAlive(); !errors.Is(err, ErrProcessNotAlive) {
		t.Fatalf("checkProcessAlive() error = %v, want ErrProcessNotAlive", err)
	}
}
