// Package queue implements the bounded, zero-copy single-producer/single-
// consumer shared-memory ring described in spec.md §4.1: a fixed-size pool
// of byte slots shared via internal/shm, with slot ownership handed between
// producer and consumer over a pair of internal/ctrlpipe duplex channels
// ("working" carries a filled slot from producer to consumer; "pending"
// returns an emptied slot from consumer to producer). At every moment each
// slot index is in exactly one of: the producer's free list, in flight on
// working, in flight on pending, or just-returned to the free list — never
// referenced by both peers concurrently.
package queue

import (
	"fmt"
	"time"

	"github.com/framepipe/framepipe/internal/ctrlpipe"
	"github.com/framepipe/framepipe/internal/shm"
)

// Forever, passed as a timeout, means block indefinitely (spec.md §4.1's
// "None means wait forever"). A timeout of 0 means "don't block at all".
const Forever time.Duration = -1

// fifo is a minimal ring-backed int FIFO, used for both the producer's
// free list and the consumer's locally-drained ready list. Both are
// bounded by the queue's capacity so a slice-backed ring never grows.
type fifo struct {
	buf        []int
	head, size int
}

func newFIFO(capacity int) *fifo {
	return &fifo{buf: make([]int, capacity)}
}

func (f *fifo) pushBack(v int) {
	if f.size == len(f.buf) {
		panic("queue: fifo overflow — more indices than capacity, invariant broken")
	}
	f.buf[(f.head+f.size)%len(f.buf)] = v
	f.size++
}

func (f *fifo) popFront() (int, bool) {
	if f.size == 0 {
		return 0, false
	}
	v := f.buf[f.head]
	f.head = (f.head + 1) % len(f.buf)
	f.size--
	return v, true
}

func (f *fifo) len() int { return f.size }

// Producer is the write side of an SPSC queue.
type Producer struct {
	seg       *shm.Segment
	capacity  int
	itemSize  int
	working   *ctrlpipe.Sender
	pending   *ctrlpipe.Receiver
	freeList  *fifo
	closed    bool
}

// NewProducer constructs the producer side with a free list holding
// 0..capacity-1 (spec.md §4.1 "At construction all indices start on the
// producer's free list").
func NewProducer(seg *shm.Segment, capacity, itemSize int, working *ctrlpipe.Sender, pending *ctrlpipe.Receiver) *Producer {
	fl := newFIFO(capacity)
	for i := 0; i < capacity; i++ {
		fl.pushBack(i)
	}
	return &Producer{
		seg:      seg,
		capacity: capacity,
		itemSize: itemSize,
		working:  working,
		pending:  pending,
		freeList: fl,
	}
}

// drainPending moves any indices waiting on pending into the free list,
// without blocking, per spec.md §4.1 step 1 of put().
func (p *Producer) drainPending() error {
	for {
		idx, ok, err := p.pending.Recv(0)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p.freeList.pushBack(idx)
	}
}

// Full reports whether the free list is empty after a non-blocking drain
// of pending, per spec.md §4.1.
func (p *Producer) Full() (bool, error) {
	if p.closed {
		return false, ErrClosed
	}
	if err := p.drainPending(); err != nil {
		return false, err
	}
	return p.freeList.len() == 0, nil
}

// Put writes bytes into a free slot at offset and sends the slot index on
// working, per spec.md §4.1. timeout is Forever to wait indefinitely, 0 to
// fail immediately with ErrFull, or a positive duration to wait that long.
func (p *Producer) Put(data []byte, offset int, timeout time.Duration) error {
	if p.closed {
		return ErrClosed
	}
	if offset+len(data) > p.itemSize {
		return ErrSizeExceeded
	}

	if err := p.drainPending(); err != nil {
		return err
	}

	index, ok := p.freeList.popFront()
	if !ok {
		idx, got, err := p.pending.Recv(timeout)
		if err != nil {
			return err
		}
		if !got {
			return ErrFull
		}
		index = idx
	}

	slot := p.seg.Slot(index, p.itemSize)
	copy(slot[offset:], data)
	if err := p.working.Send(index); err != nil {
		return err
	}
	return nil
}

// PutNowait is Put with an immediate ErrFull instead of blocking, per
// spec.md §4.1.
func (p *Producer) PutNowait(data []byte, offset int) error {
	return p.Put(data, offset, 0)
}

// Depth reports the number of slots currently occupied (put but not yet
// got), after a non-blocking drain of pending — the queue depth
// SPEC_FULL.md §4.7 calls for on the debug/metrics surface.
func (p *Producer) Depth() (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if err := p.drainPending(); err != nil {
		return 0, err
	}
	return p.capacity - p.freeList.len(), nil
}

// Close closes the producer's endpoints of both control pipes.
func (p *Producer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err1 := p.working.Close()
	err2 := p.pending.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Consumer is the read side of an SPSC queue.
type Consumer struct {
	seg      *shm.Segment
	capacity int
	itemSize int
	working  *ctrlpipe.Receiver
	pending  *ctrlpipe.Sender
	ready    *fifo
	closed   bool
}

// NewConsumer constructs the consumer side. Its ready list starts empty
// (spec.md §4.1): every index begins on the producer's free list instead.
func NewConsumer(seg *shm.Segment, capacity, itemSize int, working *ctrlpipe.Receiver, pending *ctrlpipe.Sender) *Consumer {
	return &Consumer{
		seg:      seg,
		capacity: capacity,
		itemSize: itemSize,
		working:  working,
		pending:  pending,
		ready:    newFIFO(capacity),
	}
}

// drainWorking moves any indices waiting on working into the ready list,
// without blocking, per spec.md §4.1 step 1 of get().
func (c *Consumer) drainWorking() error {
	for {
		idx, ok, err := c.working.Recv(0)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.ready.pushBack(idx)
	}
}

// Empty reports whether the ready list is empty after a non-blocking drain
// of working.
func (c *Consumer) Empty() (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if err := c.drainWorking(); err != nil {
		return false, err
	}
	return c.ready.len() == 0, nil
}

// Depth reports the number of slots currently ready to read, after a
// non-blocking drain of working — the consumer-side view of the same
// queue depth Producer.Depth reports from the other end.
func (c *Consumer) Depth() (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if err := c.drainWorking(); err != nil {
		return 0, err
	}
	return c.ready.len(), nil
}

// Get copies a slot's contents into a fresh buffer and returns the slot to
// the producer via pending, per spec.md §4.1. timeout follows the same
// convention as Put.
func (c *Consumer) Get(timeout time.Duration) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := c.drainWorking(); err != nil {
		return nil, err
	}

	index, ok := c.ready.popFront()
	if !ok {
		idx, got, err := c.working.Recv(timeout)
		if err != nil {
			return nil, err
		}
		if !got {
			return nil, ErrEmpty
		}
		index = idx
	}

	out := make([]byte, c.itemSize)
	copy(out, c.seg.Slot(index, c.itemSize))
	if err := c.pending.Send(index); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNowait is Get with an immediate ErrEmpty instead of blocking.
func (c *Consumer) GetNowait() ([]byte, error) {
	return c.Get(0)
}

// GetLatestNowait drains every currently-ready index, returns the slot
// contents of the last one, and immediately returns every other index
// (including the final one, after copying) to pending — the "drop older
// frames" primitive described in spec.md §4.1 and SPEC_FULL.md §4.1.
func (c *Consumer) GetLatestNowait() ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := c.drainWorking(); err != nil {
		return nil, err
	}

	var indices []int
	for {
		idx, ok := c.ready.popFront()
		if !ok {
			break
		}
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		return nil, ErrEmpty
	}

	last := indices[len(indices)-1]
	out := make([]byte, c.itemSize)
	copy(out, c.seg.Slot(last, c.itemSize))

	for _, idx := range indices {
		if err := c.pending.Send(idx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close closes the consumer's endpoints of both control pipes.
func (c *Consumer) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err1 := c.working.Close()
	err2 := c.pending.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Local is a queue whose producer and consumer both live in this process,
// convenient for tests and for the Manager's own in-process Qproc/Qovl
// endpoints. NewLocal allocates the shared memory segment and both control
// pipes itself; Wire (see internal/worker) is used instead when the two
// endpoints must be handed to different re-exec'd processes.
type Local struct {
	Segment  *shm.Segment
	Producer *Producer
	Consumer *Consumer
}

// NewLocal constructs a complete queue with both endpoints in this
// process.
func NewLocal(name string, capacity, itemSize int) (*Local, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue: capacity must be >= 1, got %d", capacity)
	}
	if itemSize < 1 {
		return nil, fmt.Errorf("queue: itemSize must be >= 1, got %d", itemSize)
	}

	seg, err := shm.Create(name, capacity*itemSize)
	if err != nil {
		return nil, err
	}

	workingPair, err := ctrlpipe.NewPair()
	if err != nil {
		seg.Close()
		return nil, err
	}
	pendingPair, err := ctrlpipe.NewPair()
	if err != nil {
		seg.Close()
		workingPair.Reader.Close()
		workingPair.Writer.Close()
		return nil, err
	}

	working := ctrlpipe.NewSender(workingPair.Writer)
	workingR := ctrlpipe.NewReceiver(workingPair.Reader)
	pending := ctrlpipe.NewSender(pendingPair.Writer)
	pendingR := ctrlpipe.NewReceiver(pendingPair.Reader)

	producer := NewProducer(seg, capacity, itemSize, working, pendingR)
	consumer := NewConsumer(seg, capacity, itemSize, workingR, pending)

	return &Local{Segment: seg, Producer: producer, Consumer: consumer}, nil
}

// Close closes both endpoints and the shared segment.
func (l *Local) Close() error {
	err1 := l.Producer.Close()
	err2 := l.Consumer.Close()
	err3 := l.Segment.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}
