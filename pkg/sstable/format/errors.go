package format

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruption indicates the bytes of a table file violate the format.
	// Every format-level failure in this package and its consumers wraps it.
	ErrCorruption = errors.New("table file corruption detected")

	// ErrTruncated is returned when a varint runs out of input bytes
	// before its terminating byte.
	ErrTruncated = fmt.Errorf("truncated varint: %w", ErrCorruption)

	// ErrMalformed is returned when a varint encoding exceeds the ten
	// bytes needed to represent 64 bits.
	ErrMalformed = fmt.Errorf("malformed varint: %w", ErrCorruption)

	// ErrChecksumMismatch indicates accidental corruption of a stored block.
	ErrChecksumMismatch = fmt.Errorf("checksum mismatch: %w", ErrCorruption)

	// ErrTamperDetected indicates a block whose checksum verifies but whose
	// keyed digest does not, which implies deliberate modification. It is
	// never conflated with ErrChecksumMismatch.
	ErrTamperDetected = fmt.Errorf("tamper detected: %w", ErrCorruption)
)
