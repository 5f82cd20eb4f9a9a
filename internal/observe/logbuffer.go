// Package observe captures the output of supervised executables into bounded
// in-memory log channels keyed by pid.
package observe

import (
	"sync"
)

const defaultMaxBytes = 256 * 1024

// LogBuffer is a bounded ring of raw output bytes with live subscribers.
// Writes never block: the oldest bytes are dropped once the cap is reached,
// and slow subscribers lose chunks instead of stalling the writer.
type LogBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	subs     map[int]chan []byte
	nextSub  int
}

// NewLogBuffer creates a buffer bounded to maxBytes (a default cap applies
// when maxBytes is not positive).
func NewLogBuffer(maxBytes int) *LogBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &LogBuffer{
		maxBytes: maxBytes,
		subs:     make(map[int]chan []byte),
	}
}

// Write implements io.Writer for use as a process stdout/stderr sink.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if overflow := len(b.data) - b.maxBytes; overflow > 0 {
		b.data = b.data[overflow:]
	}

	for _, ch := range b.subs {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		select {
		case ch <- chunk:
		default:
		}
	}
	return len(p), nil
}

// Snapshot returns a copy of the retained bytes.
func (b *LogBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Subscribe registers a live chunk channel. The returned cancel func must be
// called to release the subscription.
func (b *LogBuffer) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan []byte, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
