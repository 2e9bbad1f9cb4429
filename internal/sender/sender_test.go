package sender

import (
	"errors"
	"testing"
	"time"

	"github.com/framepipe/framepipe/internal/queue"
	"github.com/framepipe/framepipe/internal/term"
)

type fakeEncoder struct {
	written [][]byte
	flushed bool
	closed  bool
	writeErr error
}

func (f *fakeEncoder) WriteFrame(data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeEncoder) Flush() error {
	f.flushed = true
	return nil
}

func (f *fakeEncoder) Close() error {
	f.closed = true
	return nil
}

func newTestFlag(t *testing.T, name string) *term.Flag {
	t.Helper()
	flag, err := term.New(name)
	if err != nil {
		t.Fatalf("term.New() error = %v", err)
	}
	t.Cleanup(func() { flag.Close() })
	return flag
}

func TestSenderEncodesAllFramesInOrder(t *testing.T) {
	t.Parallel()

	q, err := queue.NewLocal("test-sender-queue", 8, 4)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	defer q.Close()

	frames := [][]byte{{1, 1, 1, 1}, {2, 2, 2, 2}, {3, 3, 3, 3}}
	for _, f := range frames {
		if err := q.Producer.PutNowait(f, 0); err != nil {
			t.Fatalf("PutNowait() error = %v", err)
		}
	}

	done := newTestFlag(t, "test-sender-done")
	enc := &fakeEncoder{}
	s := NewWithEncoder(Config{Destination: "fake://dest", GetTimeout: 20 * time.Millisecond}, enc, q.Consumer, done, nil, nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		done.Set()
	}()
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(enc.written) != 3 {
		t.Fatalf("encoded %d frames, want 3", len(enc.written))
	}
	for i, want := range frames {
		got := enc.written[i]
		for j, b := range got {
			if b != want[j] {
				t.Fatalf("frame %d = %v, want %v", i, got, want)
			}
		}
	}
}

func TestSenderStopsWhenDoneIsSetAndQueueEmpty(t *testing.T) {
	t.Parallel()

	q, err := queue.NewLocal("test-sender-empty-queue", 1, 4)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	defer q.Close()

	done := newTestFlag(t, "test-sender-empty-done")
	done.Set()

	enc := &fakeEncoder{}
	s := NewWithEncoder(Config{Destination: "fake://dest", GetTimeout: 10 * time.Millisecond}, enc, q.Consumer, done, nil, nil)

	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(enc.written) != 0 {
		t.Fatalf("encoded %d frames, want 0", len(enc.written))
	}
}

func TestSenderPropagatesEncodeError(t *testing.T) {
	t.Parallel()

	q, err := queue.NewLocal("test-sender-encode-err-queue", 1, 4)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	defer q.Close()
	if err := q.Producer.PutNowait([]byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatalf("PutNowait() error = %v", err)
	}

	done := newTestFlag(t, "test-sender-encode-err-done")
	wantErr := errors.New("boom")
	enc := &fakeEncoder{writeErr: wantErr}
	s := NewWithEncoder(Config{Destination: "fake://dest"}, enc, q.Consumer, done, nil, nil)

	err = s.Run()
	if err == nil {
		t.Fatal("Run() error = nil, want encode error")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, wantErr)
	}
}

func TestSenderCloseFlushesThenClosesEncoderAndConsumer(t *testing.T) {
	t.Parallel()

	q, err := queue.NewLocal("test-sender-close-queue", 1, 4)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	defer q.Segment.Close()

	done := newTestFlag(t, "test-sender-close-done")
	enc := &fakeEncoder{}
	s := NewWithEncoder(Config{Destination: "fake://dest"}, enc, q.Consumer, done, nil, nil)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !enc.flushed {
		t.Fatal("Close() did not flush the encoder")
	}
	if !enc.closed {
		t.Fatal("Close() did not close the encoder")
	}
	if _, err := q.Consumer.GetNowait(); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("consumer.GetNowait() after Close() error = %v, want ErrClosed", err)
	}
}
