package signal

import (
	"errors"
	"sync"

	"confab/internal/core/domain"
)

var (
	// ErrFrameDropped is returned when the queue was full and an ephemeral
	// frame was discarded: either the oldest queued one, in which case the
	// pushed frame was still accepted, or the pushed frame itself.
	ErrFrameDropped = errors.New("outbound frame dropped")

	// ErrSlowConsumer is returned once, when a frame that may not be
	// dropped would exceed the hard limit. The outbox is closed afterwards.
	ErrSlowConsumer = errors.New("slow consumer")
)

// Outbox is a bounded per-connection send queue. Push never blocks.
//
// Up to soft frames are queued freely. Beyond that, the oldest ephemeral
// frame is evicted to make room; if none is queued, a new ephemeral frame is
// rejected while a durable one is still accepted up to hard frames. Past
// hard the outbox closes itself and the connection must be dropped.
type Outbox struct {
	mu     sync.Mutex
	queue  []domain.Frame
	soft   int
	hard   int
	closed bool
	ready  chan struct{}
}

func NewOutbox(soft, hard int) *Outbox {
	if soft <= 0 {
		soft = 1
	}
	if hard < soft {
		hard = soft
	}
	return &Outbox{
		queue: make([]domain.Frame, 0, soft),
		soft:  soft,
		hard:  hard,
		ready: make(chan struct{}, 1),
	}
}

// Send implements domain.Channel.
func (o *Outbox) Send(frame domain.Frame) error {
	return o.Push(frame)
}

func (o *Outbox) Push(frame domain.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return domain.ErrChannelClosed
	}

	if len(o.queue) >= o.soft {
		if o.evictEphemeral() {
			o.enqueue(frame)
			return ErrFrameDropped
		}
		if frame.Ephemeral {
			return ErrFrameDropped
		}
		if len(o.queue) >= o.hard {
			o.closed = true
			o.queue = nil
			o.signal()
			return ErrSlowConsumer
		}
	}

	o.enqueue(frame)
	return nil
}

// evictEphemeral removes the oldest ephemeral frame, if any.
func (o *Outbox) evictEphemeral() bool {
	for i, f := range o.queue {
		if f.Ephemeral {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Outbox) enqueue(frame domain.Frame) {
	o.queue = append(o.queue, frame)
	o.signal()
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever frames are queued or the outbox closes.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Drain takes every queued frame in FIFO order. closed reports that the
// outbox was closed and no more frames will follow.
func (o *Outbox) Drain() (frames []domain.Frame, closed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	frames = o.queue
	o.queue = make([]domain.Frame, 0, o.soft)
	return frames, o.closed
}

// Close discards queued frames and rejects further pushes.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	o.signal()
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
