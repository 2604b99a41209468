package format

import "encoding/binary"

// MaxVarintLen is the maximum number of bytes a 64-bit value occupies when
// varint-encoded: 7 payload bits per byte, continuation flag in the high bit.
const MaxVarintLen = binary.MaxVarintLen64

// AppendUvarint appends the varint encoding of v to dst and returns the
// extended slice.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// DecodeUvarint consumes one varint from the front of b and returns the
// decoded value together with the remaining bytes. It returns ErrTruncated
// if b ends before a terminating byte and ErrMalformed if the encoding
// exceeds MaxVarintLen bytes.
func DecodeUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n == 0 {
		return 0, b, ErrTruncated
	}
	if n < 0 {
		return 0, b, ErrMalformed
	}
	return v, b[n:], nil
}
