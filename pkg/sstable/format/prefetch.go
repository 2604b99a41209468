package format

import "io"

// PrefetchBuffer is a best-effort cache of one contiguous file range, read
// ahead by the caller so that footer and block reads near it avoid extra
// I/O round trips. A miss is never an error; callers fall back to a
// positioned read. The buffer is immutable after creation and safe to share
// across concurrent readers.
type PrefetchBuffer struct {
	offset int64
	data   []byte
}

// NewPrefetchBuffer wraps an already-read file range starting at offset.
func NewPrefetchBuffer(offset int64, data []byte) *PrefetchBuffer {
	return &PrefetchBuffer{offset: offset, data: data}
}

// PrefetchTail reads the last n bytes of a file of the given size into a
// new buffer. Short files are prefetched whole.
func PrefetchTail(r io.ReaderAt, fileSize, n int64) (*PrefetchBuffer, error) {
	if n > fileSize {
		n = fileSize
	}
	off := fileSize - n
	data := make([]byte, n)
	m, err := r.ReadAt(data, off)
	if err != nil && !(err == io.EOF && int64(m) == n) {
		return nil, err
	}
	return NewPrefetchBuffer(off, data), nil
}

// TryReadAt returns a borrowed view of [offset, offset+n) if the buffer
// fully covers it. A nil buffer always misses.
func (p *PrefetchBuffer) TryReadAt(offset, n int64) ([]byte, bool) {
	if p == nil || offset < p.offset || offset+n > p.offset+int64(len(p.data)) {
		return nil, false
	}
	start := offset - p.offset
	return p.data[start : start+n], true
}
