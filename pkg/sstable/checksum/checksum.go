// Package checksum provides the registry of block checksum algorithms used
// by table files, keyed by the one-byte tag stored in the footer.
package checksum

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// Type identifies a checksum algorithm by its on-disk tag. Tags are part of
// the file format and must never be renumbered.
type Type byte

const (
	// TypeNone disables block checksum verification.
	TypeNone Type = 0
	// TypeCRC32c is CRC-32 with the Castagnoli polynomial.
	TypeCRC32c Type = 1
	// TypeXXHash64 is xxHash64 truncated to its low 32 bits, so that it
	// fits the 4-byte trailer slot.
	TypeXXHash64 Type = 3

	// LegacyType is the algorithm implied by version-0 footers, which
	// predate the explicit checksum tag.
	LegacyType = TypeCRC32c
)

// Algorithm computes a 32-bit checksum over a byte slice. Implementations
// must be stateless and safe for concurrent use.
type Algorithm interface {
	Name() string
	Checksum(data []byte) uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type crc32cAlgorithm struct{}

func (crc32cAlgorithm) Name() string { return "crc32c" }

func (crc32cAlgorithm) Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

type xxhash64Algorithm struct{}

func (xxhash64Algorithm) Name() string { return "xxhash64" }

func (xxhash64Algorithm) Checksum(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}

type noneAlgorithm struct{}

func (noneAlgorithm) Name() string { return "none" }

func (noneAlgorithm) Checksum(data []byte) uint32 { return 0 }

// algorithms maps on-disk tags to implementations. Dispatch is a table
// lookup, never a type switch.
var algorithms = map[Type]Algorithm{
	TypeNone:     noneAlgorithm{},
	TypeCRC32c:   crc32cAlgorithm{},
	TypeXXHash64: xxhash64Algorithm{},
}

// Lookup returns the algorithm registered for t.
func Lookup(t Type) (Algorithm, bool) {
	alg, ok := algorithms[t]
	return alg, ok
}

// Valid reports whether t names a registered algorithm.
func Valid(t Type) bool {
	_, ok := algorithms[t]
	return ok
}
