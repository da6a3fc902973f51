// Package buffer provides a capacity-bounded, page-structured byte buffer used
// to capture a size-capped copy of a streamed body for inspection.
package buffer

import (
	"errors"
	"io"
	"sync/atomic"
)

// LimitedBuffer stores chunks of data read from a stream, never exceeding its
// capacity. Every write appends one immutable page.
//
// A LimitedBuffer has a single writer. Once a Reader is created over it the
// buffer is frozen and further writes copy nothing.
type LimitedBuffer struct {
	capacity   int
	pages      [][]byte
	contentLen int
	truncated  bool
	frozen     atomic.Bool
}

// New creates an empty buffer holding at most capacity bytes.
func New(capacity int) *LimitedBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &LimitedBuffer{capacity: capacity}
}

// Len returns the number of bytes stored across all pages.
func (b *LimitedBuffer) Len() int {
	return b.contentLen
}

// Cap returns the capacity of the buffer.
func (b *LimitedBuffer) Cap() int {
	return b.capacity
}

// Remaining returns the space left before the buffer is full.
func (b *LimitedBuffer) Remaining() int {
	return b.capacity - b.contentLen
}

// Pages returns the number of pages written.
func (b *LimitedBuffer) Pages() int {
	return len(b.pages)
}

// Truncated reports whether any written data was dropped because the buffer
// was full.
func (b *LimitedBuffer) Truncated() bool {
	return b.truncated
}

// Write copies up to Remaining() bytes of p into a new page and returns the
// number of bytes copied. It never returns an error; a short count means the
// rest of p did not fit and Truncated reports true from then on.
func (b *LimitedBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 || b.frozen.Load() {
		return 0, nil
	}

	n := min(b.Remaining(), len(p))
	if n < len(p) {
		b.truncated = true
	}
	if n == 0 {
		return 0, nil
	}

	page := make([]byte, n)
	copy(page, p)
	b.pages = append(b.pages, page)
	b.contentLen += n
	return n, nil
}

// chunkSize bounds a single page filled by ReadFrom.
const chunkSize = 32 * 1024

// ReadFrom fills the buffer from r until r is exhausted or the buffer is
// full. When the buffer fills before EOF, one extra byte is probed from r to
// decide whether the source was larger than the capacity.
func (b *LimitedBuffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for {
		if b.Remaining() == 0 {
			var probe [1]byte
			n, err := io.ReadFull(r, probe[:])
			if n > 0 {
				b.truncated = true
			}
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return total, err
			}
			return total, nil
		}

		chunk := make([]byte, min(chunkSize, b.Remaining()))
		n, err := r.Read(chunk)
		if n > 0 {
			written, _ := b.Write(chunk[:n])
			total += int64(written)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// freeze stops further writes. It is called when the first reader attaches.
func (b *LimitedBuffer) freeze() {
	b.frozen.Store(true)
}

// Capture reads at most capacity bytes of r into a new frozen-on-read buffer.
func Capture(r io.Reader, capacity int) (*LimitedBuffer, error) {
	b := New(capacity)
	if _, err := b.ReadFrom(r); err != nil {
		return b, err
	}
	return b, nil
}
