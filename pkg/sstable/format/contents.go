package format

// Allocator provides the buffers that decompression writes into. The block
// cache above this layer typically supplies one that charges its budget.
type Allocator interface {
	Allocate(n int) []byte
}

type heapAllocator struct{}

func (heapAllocator) Allocate(n int) []byte { return make([]byte, n) }

// HeapAllocator allocates plain garbage-collected buffers.
var HeapAllocator Allocator = heapAllocator{}

// BlockContents holds the bytes of one block read from a table file. The
// buffer is either borrowed (a view into a longer-lived buffer such as a
// prefetch region) or owned (independently allocated). Raw contents still
// carry the 5-byte trailer; decompressed contents have it stripped.
//
// Ownership transfers to the caller on return and a BlockContents value
// must not be duplicated: two owners of one buffer would double-mutate.
// Callers needing shared access must add their own reference counting.
type BlockContents struct {
	data  []byte
	owned bool
	raw   bool
}

// BorrowedContents wraps a payload view without taking ownership.
func BorrowedContents(data []byte) BlockContents {
	return BlockContents{data: data}
}

// OwnedContents wraps an independently allocated payload buffer.
func OwnedContents(data []byte) BlockContents {
	return BlockContents{data: data, owned: true}
}

// RawContents wraps a full stored block, trailer included.
func RawContents(data []byte, owned bool) BlockContents {
	return BlockContents{data: data, owned: owned, raw: true}
}

// Data returns the held bytes: the payload, or payload plus trailer when
// the contents are raw.
func (c *BlockContents) Data() []byte { return c.data }

// Size returns the number of held bytes.
func (c *BlockContents) Size() int { return len(c.data) }

// OwnsBytes reports whether the buffer is independently allocated rather
// than a view into another buffer.
func (c *BlockContents) OwnsBytes() bool { return c.owned }

// IsRaw reports whether the trailer is still present.
func (c *BlockContents) IsRaw() bool { return c.raw }

// Payload returns the block payload without the trailer.
func (c *BlockContents) Payload() []byte {
	if !c.raw {
		return c.data
	}
	return c.data[:len(c.data)-BlockTrailerSize]
}

// CompressionTag extracts the compression-type byte from the trailer.
// Calling it on non-raw contents is a programmer error.
func (c *BlockContents) CompressionTag() byte {
	if !c.raw {
		panic("format: block contents have no trailer")
	}
	return c.data[len(c.data)-BlockTrailerSize]
}
