package orchestrator

import (
	"bytes"
	"sync"

	"github.com/openfang/openfang/types"
)

// subscriberBuf bounds the per-subscriber chunk channel. Slow stream readers
// drop chunks rather than stalling the workload.
const subscriberBuf = 64

// outputBuffer captures a run's combined stdout+stderr up to a byte cap.
// Writes never block and never fail; exceeding the cap closes the overflow
// channel exactly once so the supervisor can terminate the workload. Live
// subscribers receive appended chunks for streaming.
type outputBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	max        int
	overflowed bool
	overflow   chan struct{}
	subs       map[chan []byte]struct{}
	closed     bool
}

func newOutputBuffer(max int) *outputBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &outputBuffer{
		max:      max,
		overflow: make(chan struct{}),
		subs:     make(map[chan []byte]struct{}),
	}
}

// Write appends p, keeping at most max bytes. It always reports full success
// so the producing process never sees a write error from the capture side.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return len(p), nil
	}

	keep := p
	if remaining := b.max - b.buf.Len(); len(p) > remaining {
		if remaining < 0 {
			remaining = 0
		}
		keep = p[:remaining]
		if !b.overflowed {
			b.overflowed = true
			close(b.overflow)
		}
	}
	if len(keep) > 0 {
		b.buf.Write(keep)
		for ch := range b.subs {
			chunk := make([]byte, len(keep))
			copy(chunk, keep)
			select {
			case ch <- chunk:
			default:
			}
		}
	}
	return len(p), nil
}

// Overflow is closed when the cap has been exceeded.
func (b *outputBuffer) Overflow() <-chan struct{} { return b.overflow }

// Truncated reports whether writes were dropped at the cap.
func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

// String returns the captured output, trimmed to a clean UTF-8 boundary.
func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.TruncateUTF8(b.buf.String(), b.max)
}

// Subscribe returns a snapshot of the output so far and a channel of
// subsequent chunks. The channel is closed when the run finishes. The cancel
// function detaches the subscriber.
func (b *outputBuffer) Subscribe() (snapshot []byte, ch <-chan []byte, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot = make([]byte, b.buf.Len())
	copy(snapshot, b.buf.Bytes())

	c := make(chan []byte, subscriberBuf)
	if b.closed {
		close(c)
		return snapshot, c, func() {}
	}

	b.subs[c] = struct{}{}
	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[c]; ok {
			delete(b.subs, c)
			close(c)
		}
	}
	return snapshot, c, cancel
}

// Close stops accepting writes and closes all subscriber channels.
func (b *outputBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
