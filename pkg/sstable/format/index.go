package format

import "fmt"

// IndexValue is the value half of a table index entry: the handle of a data
// block plus, optionally, that block's first key. FirstKey is a borrowed
// view into the decoded buffer, never an owned copy; an empty FirstKey
// means unknown.
type IndexValue struct {
	Handle   BlockHandle
	FirstKey []byte
}

// EncodeTo appends the encoding of v to dst.
//
// When prev is non-nil and non-null, delta encoding is used: only the size
// varint is written, because the offset is derivable from the preceding
// block. The two blocks must then be file-contiguous,
//
//	v.Handle.Offset == prev.Offset + prev.Size + BlockTrailerSize
//
// and violating that is a caller bug, enforced by panic. When haveFirstKey
// is set, the first key follows, length-prefixed.
//
// The encoding is not self-describing: decoders must be given the same
// haveFirstKey and prev context, which the enclosing table records in its
// metadata.
func (v IndexValue) EncodeTo(dst []byte, haveFirstKey bool, prev *BlockHandle) []byte {
	if prev != nil && !prev.IsNull() {
		if v.Handle.Offset != prev.Offset+prev.Size+BlockTrailerSize {
			panic("format: delta-encoded index entry not contiguous with previous block")
		}
		dst = AppendUvarint(dst, v.Handle.Size)
	} else {
		dst = v.Handle.EncodeTo(dst)
	}
	if haveFirstKey {
		dst = AppendUvarint(dst, uint64(len(v.FirstKey)))
		dst = append(dst, v.FirstKey...)
	}
	return dst
}

// DecodeIndexValue mirrors EncodeTo exactly: it must be called with the
// same haveFirstKey and prev context that was used at encode time. The
// returned FirstKey borrows from b.
func DecodeIndexValue(b []byte, haveFirstKey bool, prev *BlockHandle) (IndexValue, []byte, error) {
	var v IndexValue
	var err error
	rest := b

	if prev != nil && !prev.IsNull() {
		offset := prev.Offset + prev.Size + BlockTrailerSize
		v.Handle, rest, err = DecodeBlockHandleSize(offset, rest)
	} else {
		v.Handle, rest, err = DecodeBlockHandle(rest)
	}
	if err != nil {
		return IndexValue{}, b, fmt.Errorf("decoding index entry handle: %w", err)
	}

	if haveFirstKey {
		var keyLen uint64
		keyLen, rest, err = DecodeUvarint(rest)
		if err != nil {
			return IndexValue{}, b, fmt.Errorf("decoding index entry key length: %w", err)
		}
		if keyLen > uint64(len(rest)) {
			return IndexValue{}, b, fmt.Errorf("index entry key length %d exceeds remaining %d bytes: %w",
				keyLen, len(rest), ErrCorruption)
		}
		v.FirstKey = rest[:keyLen]
		rest = rest[keyLen:]
	}
	return v, rest, nil
}
