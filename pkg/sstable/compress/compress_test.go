package compress

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chertdb/chert/pkg/sstable/format"
)

// countingAllocator records how decompression output is allocated.
type countingAllocator struct {
	calls int
	bytes int
}

func (a *countingAllocator) Allocate(n int) []byte {
	a.calls++
	a.bytes += n
	return make([]byte, n)
}

func compressiblePayload(n int) []byte {
	return bytes.Repeat([]byte("chert table block payload "), n)
}

func TestFramingVersion(t *testing.T) {
	cases := []struct {
		formatVersion uint32
		framing       uint32
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{5, 2},
	}
	for _, tc := range cases {
		if got := FramingVersion(tc.formatVersion); got != tc.framing {
			t.Errorf("FramingVersion(%d): got %d, expected %d", tc.formatVersion, got, tc.framing)
		}
	}
}

func TestNoCompressionIdentity(t *testing.T) {
	payload := []byte("stored verbatim")
	alloc := &countingAllocator{}

	contents, err := DecompressPayload(payload, NoCompression, format.CurrentFormatVersion, alloc)
	if err != nil {
		t.Fatalf("DecompressPayload failed: %v", err)
	}
	got := contents.Data()
	if !bytes.Equal(got, payload) {
		t.Errorf("payload changed: got %q", got)
	}
	if &got[0] != &payload[0] {
		t.Error("no-compression output must be a view of the input, not a copy")
	}
	if contents.OwnsBytes() {
		t.Error("no-compression output must be borrowed")
	}
	if alloc.calls != 0 {
		t.Errorf("no-compression path allocated %d times", alloc.calls)
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	payload := compressiblePayload(100)

	for _, tag := range []Type{SnappyCompression, ZlibCompression, ZstdCompression} {
		for _, formatVersion := range []uint32{1, 2} {
			stored, actualTag, err := CompressPayload(payload, tag, formatVersion)
			if err != nil {
				t.Fatalf("%s v%d: compress failed: %v", tag, formatVersion, err)
			}
			if actualTag != tag {
				t.Fatalf("%s v%d: compressible payload fell back to tag %d", tag, formatVersion, actualTag)
			}
			if len(stored) >= len(payload) {
				t.Errorf("%s v%d: compression did not shrink: %d >= %d", tag, formatVersion, len(stored), len(payload))
			}

			alloc := &countingAllocator{}
			contents, err := DecompressPayload(stored, actualTag, formatVersion, alloc)
			if err != nil {
				t.Fatalf("%s v%d: decompress failed: %v", tag, formatVersion, err)
			}
			if !bytes.Equal(contents.Data(), payload) {
				t.Errorf("%s v%d: round trip mismatch", tag, formatVersion)
			}
			if !contents.OwnsBytes() {
				t.Errorf("%s v%d: decompressed output must be owned", tag, formatVersion)
			}
		}
	}
}

func TestIncompressibleFallsBackToVerbatim(t *testing.T) {
	// Too short and too random for any codec to shrink.
	payload := []byte{0x01, 0x9f, 0x3c, 0xd4, 0x55, 0xe6, 0x72, 0x88}

	stored, tag, err := CompressPayload(payload, SnappyCompression, format.CurrentFormatVersion)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if tag != NoCompression {
		t.Errorf("expected fallback to NoCompression, got tag %d", tag)
	}
	if !bytes.Equal(stored, payload) {
		t.Error("verbatim fallback must store the payload unchanged")
	}
}

func TestDecompressBlockReadsTrailerTag(t *testing.T) {
	payload := compressiblePayload(20)
	stored, tag, err := CompressPayload(payload, ZstdCompression, format.CurrentFormatVersion)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	raw := append([]byte{}, stored...)
	raw = append(raw, byte(tag), 0, 0, 0, 0) // trailer; checksum bytes unused here

	contents, err := DecompressBlock(raw, format.CurrentFormatVersion, nil)
	if err != nil {
		t.Fatalf("DecompressBlock failed: %v", err)
	}
	if !bytes.Equal(contents.Data(), payload) {
		t.Error("round trip through trailer tag mismatch")
	}
}

func TestDecompressBlockTooShort(t *testing.T) {
	_, err := DecompressBlock([]byte{1, 2, 3}, format.CurrentFormatVersion, nil)
	if !errors.Is(err, format.ErrCorruption) {
		t.Errorf("expected corruption for undersized raw block, got %v", err)
	}
}

func TestDecompressCorruptPayload(t *testing.T) {
	for _, tag := range []Type{SnappyCompression, ZlibCompression, ZstdCompression} {
		garbage := bytes.Repeat([]byte{0xff}, 32)
		_, err := DecompressPayload(garbage, tag, 1, nil)
		if !errors.Is(err, format.ErrCorruption) {
			t.Errorf("%s: expected corruption for garbage input, got %v", tag, err)
		}
		if err != nil && !strings.Contains(err.Error(), "decompression failed") {
			t.Errorf("%s: unexpected error message: %v", tag, err)
		}
	}
}

func TestDecompressLengthPrefixLies(t *testing.T) {
	payload := compressiblePayload(10)
	stored, _, err := CompressPayload(payload, ZstdCompression, 2)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	// Rewrite the framing prefix to claim a shorter decompressed length.
	_, body, err := format.DecodeUvarint(stored)
	if err != nil {
		t.Fatalf("reading framing prefix: %v", err)
	}
	lying := format.AppendUvarint(nil, uint64(len(payload)-1))
	lying = append(lying, body...)

	if _, err := DecompressPayload(lying, ZstdCompression, 2, nil); !errors.Is(err, format.ErrCorruption) {
		t.Errorf("expected corruption for lying length prefix, got %v", err)
	}
}

func TestDecompressUnknownTag(t *testing.T) {
	_, err := DecompressPayload([]byte("data"), Type(42), format.CurrentFormatVersion, nil)
	if !errors.Is(err, format.ErrCorruption) {
		t.Errorf("expected corruption for unknown tag, got %v", err)
	}
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		NoCompression:     "none",
		SnappyCompression: "snappy",
		ZlibCompression:   "zlib",
		ZstdCompression:   "zstd",
	}
	for tag, want := range cases {
		if got := tag.String(); got != want {
			t.Errorf("Type(%d).String(): got %q, expected %q", tag, got, want)
		}
	}
}
