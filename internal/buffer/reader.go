package buffer

import (
	"errors"
	"io"
)

// Reader is an independent cursor over a LimitedBuffer. Any number of Readers
// may read the same buffer concurrently; none of them mutate it.
type Reader struct {
	buf *LimitedBuffer

	// pageIndex is the page the next read starts in.
	pageIndex int
	// pageOffset is the offset within that page.
	pageOffset int
	// offset is the logical byte position in the buffer.
	offset int
}

var errNegativeOffset = errors.New("buffer: negative position")

// NewReader returns a cursor positioned at the start of buf and freezes buf.
func NewReader(buf *LimitedBuffer) *Reader {
	buf.freeze()
	return &Reader{buf: buf}
}

// Pos returns the logical offset of the cursor.
func (r *Reader) Pos() int {
	return r.offset
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return r.buf.contentLen - r.offset
}

// Read copies bytes from the current page into p. It returns fewer bytes than
// len(p) when a page boundary is reached; callers that need p filled must
// loop (io.ReadFull does). At end of content it returns 0, io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pageIndex >= len(r.buf.pages) {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	page := r.buf.pages[r.pageIndex]
	n := copy(p, page[r.pageOffset:])
	r.pageOffset += n
	r.offset += n

	if r.pageOffset == len(page) {
		r.pageIndex++
		r.pageOffset = 0
	}
	return n, nil
}

// SeekTo moves the cursor to a logical offset, clamped to [0, Len()].
// Pages are walked from the start, so the cost is linear in the page count.
func (r *Reader) SeekTo(offset int) {
	r.pageIndex = 0
	r.pageOffset = 0
	r.offset = 0

	if offset <= 0 {
		return
	}
	if offset >= r.buf.contentLen {
		r.pageIndex = len(r.buf.pages)
		r.offset = r.buf.contentLen
		return
	}

	advance := offset
	for {
		pageLen := len(r.buf.pages[r.pageIndex])
		if advance < pageLen {
			r.pageOffset = advance
			r.offset = offset
			return
		}
		advance -= pageLen
		r.pageIndex++
	}
}

// Seek implements io.Seeker on top of SeekTo. Positions past the end clamp to
// the end; negative positions are an error.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(r.offset) + offset
	case io.SeekEnd:
		abs = int64(r.buf.contentLen) + offset
	default:
		return 0, errors.New("buffer: invalid whence")
	}
	if abs < 0 {
		return 0, errNegativeOffset
	}
	if abs > int64(r.buf.contentLen) {
		abs = int64(r.buf.contentLen)
	}
	r.SeekTo(int(abs))
	return int64(r.offset), nil
}

// WriteTo streams the unread content to w page by page.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for r.pageIndex < len(r.buf.pages) {
		page := r.buf.pages[r.pageIndex][r.pageOffset:]
		n, err := w.Write(page)
		total += int64(n)
		r.offset += n
		if n < len(page) {
			r.pageOffset += n
			if err == nil {
				err = io.ErrShortWrite
			}
			return total, err
		}
		r.pageIndex++
		r.pageOffset = 0
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close is a no-op so a Reader can serve as an http body.
func (r *Reader) Close() error {
	return nil
}
