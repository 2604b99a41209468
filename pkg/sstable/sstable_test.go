package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/chertdb/chert/pkg/common/log"
	"github.com/chertdb/chert/pkg/sstable/checksum"
	"github.com/chertdb/chert/pkg/sstable/compress"
	"github.com/chertdb/chert/pkg/sstable/format"
)

func testKey(i int) []byte   { return []byte(fmt.Sprintf("key-%05d", i)) }
func testValue(i int) []byte { return []byte(fmt.Sprintf("value-%05d-padding-padding", i)) }

// buildTable writes n ascending key-value pairs to path.
func buildTable(t *testing.T, path string, opts WriterOptions, n int) {
	t.Helper()
	w, err := NewWriter(path, opts)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := w.Add(testKey(i), testValue(i)); err != nil {
			t.Fatalf("Add(%d) failed: %v", i, err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
}

func quietReadOptions() ReadOptions {
	opts := DefaultReadOptions()
	opts.Logger = log.NewStandardLogger(log.WithOutput(io.Discard))
	return opts
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	compressions := map[string]compress.Type{
		"none":   compress.NoCompression,
		"snappy": compress.SnappyCompression,
		"zlib":   compress.ZlibCompression,
		"zstd":   compress.ZstdCompression,
	}

	for name, ct := range compressions {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "table.sst")
			opts := DefaultWriterOptions()
			opts.Compression = ct
			buildTable(t, path, opts, 200)

			r, err := Open(path, quietReadOptions())
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer r.Close()

			if r.NumEntries() != 200 {
				t.Errorf("NumEntries: got %d, expected 200", r.NumEntries())
			}
			for i := 0; i < 200; i++ {
				value, err := r.Get(testKey(i))
				if err != nil {
					t.Fatalf("Get(%d) failed: %v", i, err)
				}
				if !bytes.Equal(value, testValue(i)) {
					t.Errorf("Get(%d): got %q", i, value)
				}
			}
			if _, err := r.Get([]byte("missing-key")); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing): got %v, expected ErrNotFound", err)
			}
			if err := r.VerifyBlocks(); err != nil {
				t.Errorf("VerifyBlocks failed: %v", err)
			}
		})
	}
}

func TestMultipleDataBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.BlockSize = 128
	buildTable(t, path, opts, 100)

	r, err := Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if r.NumBlocks() < 2 {
		t.Fatalf("expected multiple data blocks, got %d", r.NumBlocks())
	}

	// Data blocks are written back-to-back, so the index entries must be
	// contiguous: each block starts where its predecessor's trailer ends.
	for i := 1; i < r.NumBlocks(); i++ {
		prev := r.IndexEntry(i - 1).Handle
		cur := r.IndexEntry(i).Handle
		if cur.Offset != prev.Offset+prev.Size+format.BlockTrailerSize {
			t.Errorf("block %d at offset %d, expected %d", i, cur.Offset,
				prev.Offset+prev.Size+format.BlockTrailerSize)
		}
	}

	// Keys at block boundaries still resolve.
	for i := 0; i < 100; i++ {
		if _, err := r.Get(testKey(i)); err != nil {
			t.Errorf("Get(%d) failed: %v", i, err)
		}
	}

	// A key lexically before the first block's first key misses cleanly.
	if _, err := r.Get([]byte("aaa")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get before first key: got %v, expected ErrNotFound", err)
	}
}

func TestXXHashChecksums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.Checksum = checksum.TypeXXHash64
	buildTable(t, path, opts, 50)

	r, err := Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if got := r.Footer().ChecksumType(); got != checksum.TypeXXHash64 {
		t.Errorf("footer checksum type: got %d", got)
	}
	if err := r.VerifyBlocks(); err != nil {
		t.Errorf("VerifyBlocks failed: %v", err)
	}
}

func TestLegacyFormatVersionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.FormatVersion = 0
	buildTable(t, path, opts, 50)

	r, err := Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if got := r.Footer().Version(); got != 0 {
		t.Errorf("format version: got %d, expected 0", got)
	}
	if got := r.Footer().ChecksumType(); got != checksum.LegacyType {
		t.Errorf("legacy checksum type: got %d", got)
	}
	for i := 0; i < 50; i++ {
		if _, err := r.Get(testKey(i)); err != nil {
			t.Errorf("Get(%d) failed: %v", i, err)
		}
	}
}

func TestWriterRejectsBadOptions(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultWriterOptions()
	opts.FormatVersion = 0
	opts.Checksum = checksum.TypeXXHash64
	if _, err := NewWriter(filepath.Join(dir, "a.sst"), opts); err == nil {
		t.Error("version-0 table with non-legacy checksum must be rejected")
	}

	opts = DefaultWriterOptions()
	opts.FormatVersion = format.MaxSupportedFormatVersion + 1
	if _, err := NewWriter(filepath.Join(dir, "b.sst"), opts); err == nil {
		t.Error("unsupported format version must be rejected")
	}

	opts = DefaultWriterOptions()
	opts.Checksum = checksum.Type(99)
	if _, err := NewWriter(filepath.Join(dir, "c.sst"), opts); err == nil {
		t.Error("unknown checksum type must be rejected")
	}
}

func TestWriterEnforcesAscendingKeys(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "table.sst"), DefaultWriterOptions())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Abort()

	if err := w.Add([]byte("banana"), []byte("1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Add([]byte("apple"), []byte("2")); err == nil {
		t.Error("out-of-order key must be rejected")
	}
	if err := w.Add([]byte("banana"), []byte("3")); err == nil {
		t.Error("duplicate key must be rejected")
	}
}

func TestWriterFinishedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	w, err := NewWriter(path, DefaultWriterOptions())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Add([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := w.Add([]byte("z"), []byte("v")); !errors.Is(err, ErrWriterFinished) {
		t.Errorf("Add after Finish: got %v", err)
	}
	if err := w.Finish(); !errors.Is(err, ErrWriterFinished) {
		t.Errorf("double Finish: got %v", err)
	}
}

func TestWriterAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.sst")
	w, err := NewWriter(path, DefaultWriterOptions())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Add([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("aborted write left files behind: %v", entries)
	}
}

func TestOpenRejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	buildTable(t, path, DefaultWriterOptions(), 10)

	opts := quietReadOptions()
	opts.ExpectedMagic = 0x1234567890abcdef
	_, err := Open(path, opts)
	if !errors.Is(err, format.ErrCorruption) {
		t.Errorf("expected corruption for wrong expected magic, got %v", err)
	}
}

func TestOpenRejectsGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.sst")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xab}, 200), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Open(path, quietReadOptions()); !errors.Is(err, format.ErrCorruption) {
		t.Errorf("expected corruption for garbage file, got %v", err)
	}
}

func TestChecksumCorruptionDetectedOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.Compression = compress.NoCompression
	buildTable(t, path, opts, 10)

	// Flip one payload byte of the first data block without fixing the
	// trailer checksum.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	raw[0] ^= 0x01
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if err := r.VerifyBlocks(); !errors.Is(err, format.ErrChecksumMismatch) {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
}

func TestTamperDetectionEndToEnd(t *testing.T) {
	key := []byte("table signing key")
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.Compression = compress.NoCompression
	opts.TamperKey = key
	buildTable(t, path, opts, 10)

	readOpts := quietReadOptions()
	readOpts.TamperKey = key

	// A clean table verifies under the key.
	r, err := Open(path, readOpts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h := r.IndexEntry(0).Handle
	if err := r.VerifyBlocks(); err != nil {
		t.Fatalf("VerifyBlocks on clean table failed: %v", err)
	}
	r.Close()

	// Tamper with the first data block and recompute its trailer checksum,
	// so only the keyed digest can reveal the modification.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	stored := raw[h.Offset : h.Offset+h.Size+format.BlockTrailerSize]
	stored[0] ^= 0x01
	alg, _ := checksum.Lookup(checksum.TypeCRC32c)
	binary.LittleEndian.PutUint32(stored[len(stored)-4:],
		alg.Checksum(stored[:len(stored)-4]))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Without the key the rewritten checksum hides the modification.
	r, err = Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open without key failed: %v", err)
	}
	if err := r.VerifyBlocks(); err != nil {
		t.Errorf("VerifyBlocks without key unexpectedly failed: %v", err)
	}
	r.Close()

	// With the key the digest mismatch surfaces as tamper detection.
	r, err = Open(path, readOpts)
	if err != nil {
		t.Fatalf("Open with key failed: %v", err)
	}
	defer r.Close()
	err = r.VerifyBlocks()
	if !errors.Is(err, format.ErrTamperDetected) {
		t.Fatalf("expected tamper detection, got %v", err)
	}
	if errors.Is(err, format.ErrChecksumMismatch) {
		t.Error("tampering must not report as a checksum mismatch")
	}
	if _, err := r.Get(testKey(0)); !errors.Is(err, format.ErrTamperDetected) {
		t.Errorf("Get on tampered block: got %v", err)
	}
}

func TestCorruptIndexCountIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.Compression = compress.NoCompression
	opts.Checksum = checksum.TypeNone
	buildTable(t, path, opts, 10)

	// Rewrite the index block's entry count to a value no block could hold.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	footer, err := format.DecodeFooter(raw[len(raw)-format.FooterLength:], 0)
	if err != nil {
		t.Fatalf("DecodeFooter failed: %v", err)
	}
	idx := footer.IndexHandle()
	copy(raw[idx.Offset:], format.AppendUvarint(nil, 1<<62))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Open(path, quietReadOptions()); !errors.Is(err, format.ErrCorruption) {
		t.Errorf("expected corruption for oversized index count, got %v", err)
	}
}

func TestCorruptDigestCountIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.Compression = compress.NoCompression
	opts.Checksum = checksum.TypeNone
	opts.TamperKey = []byte("table signing key")
	buildTable(t, path, opts, 10)

	// Rewrite the metaindex's digest count to exceed what the digest block
	// can hold.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	footer, err := format.DecodeFooter(raw[len(raw)-format.FooterLength:], 0)
	if err != nil {
		t.Fatalf("DecodeFooter failed: %v", err)
	}
	meta := footer.MetaindexHandle()
	metaBlock := raw[meta.Offset : meta.Offset+meta.Size]
	_, rest, err := format.DecodeUvarint(metaBlock[1:])
	if err != nil {
		t.Fatalf("decoding metaindex entry count: %v", err)
	}
	_, rest, err = format.DecodeBlockHandle(rest)
	if err != nil {
		t.Fatalf("decoding digest block handle: %v", err)
	}
	countOff := meta.Offset + meta.Size - uint64(len(rest))
	raw[countOff] = 100
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Open(path, quietReadOptions()); !errors.Is(err, format.ErrCorruption) {
		t.Errorf("expected corruption for oversized digest count, got %v", err)
	}
}

func TestCorruptBlockHandleSizeIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	buildTable(t, path, DefaultWriterOptions(), 10)

	r, err := Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	// A handle claiming more bytes than the file holds must fail cleanly,
	// whatever its size.
	for _, h := range []format.BlockHandle{
		{Offset: 0, Size: 1 << 63},
		{Offset: 0, Size: 1 << 40},
		{Offset: 1 << 50, Size: 16},
	} {
		if _, err := r.ReadBlock(h); !errors.Is(err, format.ErrCorruption) {
			t.Errorf("handle %s: expected corruption, got %v", h, err)
		}
	}
}

func TestTamperKeyOnTableWithoutDigests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	buildTable(t, path, DefaultWriterOptions(), 10)

	// Reading a digest-less table with a key configured still works; there
	// is nothing to verify against.
	opts := quietReadOptions()
	opts.TamperKey = []byte("some key")
	r, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	if err := r.VerifyBlocks(); err != nil {
		t.Errorf("VerifyBlocks failed: %v", err)
	}
}

func TestEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	buildTable(t, path, DefaultWriterOptions(), 0)

	r, err := Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if r.NumBlocks() != 0 {
		t.Errorf("NumBlocks: got %d, expected 0", r.NumBlocks())
	}
	if _, err := r.Get([]byte("anything")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on empty table: got %v", err)
	}
}

func TestReadBlockRawKeepsTrailer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	opts := DefaultWriterOptions()
	opts.Compression = compress.NoCompression
	buildTable(t, path, opts, 10)

	r, err := Open(path, quietReadOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	h := r.IndexEntry(0).Handle
	raw, err := r.ReadBlockRaw(h)
	if err != nil {
		t.Fatalf("ReadBlockRaw failed: %v", err)
	}
	if !raw.IsRaw() {
		t.Fatal("raw read must keep the trailer")
	}
	if raw.Size() != int(h.StoredSize()) {
		t.Errorf("raw size: got %d, expected %d", raw.Size(), h.StoredSize())
	}
	if raw.CompressionTag() != byte(compress.NoCompression) {
		t.Errorf("compression tag: got %d", raw.CompressionTag())
	}

	plain, err := r.ReadBlock(h)
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if !bytes.Equal(plain.Data(), raw.Payload()) {
		t.Error("raw payload and decompressed data disagree for an uncompressed block")
	}
}
