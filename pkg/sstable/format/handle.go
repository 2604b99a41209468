package format

import (
	"fmt"
	"math"
)

const (
	// MaxBlockHandleLength is the maximum encoded length of a BlockHandle:
	// two varints of up to ten bytes each.
	MaxBlockHandleLength = 2 * MaxVarintLen

	// BlockTrailerSize is the fixed trailer appended to every stored block:
	// one compression-type byte followed by a 32-bit checksum.
	BlockTrailerSize = 5
)

// BlockHandle locates a block inside a table file. It addresses the byte
// range [Offset, Offset+Size+BlockTrailerSize); Size counts only the stored
// payload, never the trailer.
//
// Two values are reserved. The null handle (0, 0) points nowhere and may be
// persisted. The uninitialized handle (all bits one in both fields) marks a
// handle that has not been computed yet and must never reach disk.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// NullBlockHandle returns the handle that deliberately points nowhere.
func NullBlockHandle() BlockHandle {
	return BlockHandle{}
}

// UninitializedBlockHandle returns the not-yet-computed sentinel. Use it for
// handle slots that will be filled in later; encoding it panics.
func UninitializedBlockHandle() BlockHandle {
	return BlockHandle{Offset: math.MaxUint64, Size: math.MaxUint64}
}

// IsNull reports whether the handle is the null sentinel (0, 0).
func (h BlockHandle) IsNull() bool {
	return h.Offset == 0 && h.Size == 0
}

// IsUninitialized reports whether the handle is the uninitialized sentinel.
func (h BlockHandle) IsUninitialized() bool {
	return h.Offset == math.MaxUint64 && h.Size == math.MaxUint64
}

// StoredSize returns the number of file bytes the block occupies, trailer
// included.
func (h BlockHandle) StoredSize() uint64 {
	return h.Size + BlockTrailerSize
}

// EncodeTo appends the varint encoding of the handle (offset then size) to
// dst and returns the extended slice. Panics if the handle is the
// uninitialized sentinel, which must never be persisted.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	if h.IsUninitialized() {
		panic("format: encoding uninitialized block handle")
	}
	dst = AppendUvarint(dst, h.Offset)
	return AppendUvarint(dst, h.Size)
}

// DecodeBlockHandle consumes exactly two varints (offset, size) from b and
// returns the handle with the remaining bytes. Varint errors propagate
// unchanged.
func DecodeBlockHandle(b []byte) (BlockHandle, []byte, error) {
	offset, rest, err := DecodeUvarint(b)
	if err != nil {
		return BlockHandle{}, b, err
	}
	size, rest, err := DecodeUvarint(rest)
	if err != nil {
		return BlockHandle{}, b, err
	}
	return BlockHandle{Offset: offset, Size: size}, rest, nil
}

// DecodeBlockHandleSize consumes one size varint from b and synthesizes a
// handle at the already-known offset. This is the delta-decoding path used
// by index entries whose offset is derivable from the preceding block.
func DecodeBlockHandleSize(offset uint64, b []byte) (BlockHandle, []byte, error) {
	size, rest, err := DecodeUvarint(b)
	if err != nil {
		return BlockHandle{}, b, err
	}
	return BlockHandle{Offset: offset, Size: size}, rest, nil
}

// String renders the handle for diagnostics.
func (h BlockHandle) String() string {
	switch {
	case h.IsNull():
		return "BlockHandle(null)"
	case h.IsUninitialized():
		return "BlockHandle(uninitialized)"
	}
	return fmt.Sprintf("BlockHandle(offset=%d, size=%d)", h.Offset, h.Size)
}
