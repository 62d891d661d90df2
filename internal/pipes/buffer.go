package pipes

import (
	"fmt"
	"sync"
)

// Buffer accumulates one pipe's in-band stream as Data frames arrive over
// the transport. Offsets are validated against the frame's end_offset so a
// dropped or reordered frame is caught instead of silently corrupting the
// gathered output.
type Buffer struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// Append adds one Data frame. endOffset is the stream offset after this
// chunk, as stamped by the producing backend.
func (b *Buffer) Append(p []byte, endOffset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("pipes: data after close at offset %d", endOffset)
	}
	want := uint64(len(b.data) + len(p))
	if endOffset != want {
		return fmt.Errorf("pipes: stream gap: frame ends at %d, expected %d", endOffset, want)
	}
	b.data = append(b.data, p...)
	return nil
}

// Close marks EOF. endOffset must equal the total bytes gathered.
func (b *Buffer) Close(endOffset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("pipes: pipe closed twice")
	}
	if endOffset != uint64(len(b.data)) {
		return fmt.Errorf("pipes: close at offset %d but gathered %d bytes", endOffset, len(b.data))
	}
	b.closed = true
	return nil
}

// Bytes returns a copy of the gathered stream.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Closed reports whether EOF has been seen.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
