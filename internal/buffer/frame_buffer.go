package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"anpr-toll-service/internal/domain/anpr"
)

const DefaultCapacity = 10

var ErrClosed = errors.New("frame buffer closed")

// FrameBuffer is a bounded FIFO between frame acquisition and detection.
// A push into a full buffer drops the incoming frame instead of waiting.
type FrameBuffer struct {
	ch        chan anpr.Frame
	done      chan struct{}
	closeOnce sync.Once

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

type Stats struct {
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
}

func New(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &FrameBuffer{
		ch:   make(chan anpr.Frame, capacity),
		done: make(chan struct{}),
	}
}

// TryPush stores a private copy of frame. It never blocks.
func (b *FrameBuffer) TryPush(frame anpr.Frame) bool {
	select {
	case <-b.done:
		b.dropped.Add(1)
		return false
	default:
	}

	select {
	case b.ch <- frame.Clone():
		b.pushed.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// TryPop returns the oldest buffered frame, if any.
func (b *FrameBuffer) TryPop() (anpr.Frame, bool) {
	select {
	case f := <-b.ch:
		return f, true
	default:
		return anpr.Frame{}, false
	}
}

// Pop waits for a frame. It returns ErrClosed once the buffer is closed and
// drained, or the context error if ctx ends first.
func (b *FrameBuffer) Pop(ctx context.Context) (anpr.Frame, error) {
	select {
	case f := <-b.ch:
		return f, nil
	default:
	}

	select {
	case f := <-b.ch:
		return f, nil
	case <-b.done:
		if f, ok := b.TryPop(); ok {
			return f, nil
		}
		return anpr.Frame{}, ErrClosed
	case <-ctx.Done():
		return anpr.Frame{}, ctx.Err()
	}
}

// Close wakes every blocked Pop. Frames already buffered can still be popped.
func (b *FrameBuffer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *FrameBuffer) Len() int {
	return len(b.ch)
}

func (b *FrameBuffer) Cap() int {
	return cap(b.ch)
}

func (b *FrameBuffer) Stats() Stats {
	return Stats{
		Pushed:   b.pushed.Load(),
		Dropped:  b.dropped.Load(),
		Len:      len(b.ch),
		Capacity: cap(b.ch),
	}
}
