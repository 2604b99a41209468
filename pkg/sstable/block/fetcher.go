// Package block implements validated retrieval of table blocks: positioned
// reads with prefetch, checksum verification, tamper-detection digests, and
// decompression dispatch.
package block

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/chertdb/chert/pkg/common/log"
	"github.com/chertdb/chert/pkg/sstable/checksum"
	"github.com/chertdb/chert/pkg/sstable/compress"
	"github.com/chertdb/chert/pkg/sstable/digest"
	"github.com/chertdb/chert/pkg/sstable/format"
)

// ReadOptions controls how blocks are fetched and validated.
type ReadOptions struct {
	// VerifyChecksums recomputes each block's trailer checksum.
	VerifyChecksums bool
	// Decompress expands the payload; when false the raw stored bytes,
	// trailer included, are returned for callers that only validate.
	Decompress bool
	// TamperKey enables keyed-digest verification for blocks registered
	// in the footer's digest list.
	TamperKey []byte
	// Allocator supplies decompression output buffers; nil uses the heap.
	Allocator format.Allocator
	// Logger receives corruption diagnostics; nil uses the default logger.
	Logger log.Logger
}

// DefaultReadOptions verifies checksums and decompresses.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		VerifyChecksums: true,
		Decompress:      true,
	}
}

// Fetcher turns block handles into validated block contents for one open
// table file. It holds no mutable state and is safe for concurrent use;
// the underlying io.ReaderAt must support independent positioned reads.
type Fetcher struct {
	file     io.ReaderAt
	prefetch *format.PrefetchBuffer
	fileSize int64
	footer   *format.Footer
	opts     ReadOptions
	digester *digest.Keyed
}

// NewFetcher creates a fetcher over an open table file of the given size.
// prefetch may be nil.
func NewFetcher(file io.ReaderAt, prefetch *format.PrefetchBuffer, fileSize int64, footer *format.Footer, opts ReadOptions) *Fetcher {
	if opts.Allocator == nil {
		opts.Allocator = format.HeapAllocator
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	f := &Fetcher{
		file:     file,
		prefetch: prefetch,
		fileSize: fileSize,
		footer:   footer,
		opts:     opts,
	}
	if len(opts.TamperKey) > 0 {
		f.digester = digest.NewKeyed(opts.TamperKey)
	}
	return f
}

// ReadBlockContents reads, validates, and optionally decompresses the block
// at h. Format violations wrap format.ErrCorruption; I/O errors from the
// file pass through unmodified.
func (f *Fetcher) ReadBlockContents(h format.BlockHandle) (format.BlockContents, error) {
	raw, fromPrefetch, err := f.readRaw(h)
	if err != nil {
		return format.BlockContents{}, err
	}

	if f.opts.VerifyChecksums {
		if err := f.verifyChecksum(h, raw); err != nil {
			return format.BlockContents{}, err
		}
	}

	if f.digester != nil && f.footer.HasBlockDigests() {
		if want, ok := f.footer.DigestForBlock(h.Offset); ok {
			if !f.digester.Verify(raw, want) {
				f.opts.Logger.Error("block at offset %d failed tamper verification", h.Offset)
				return format.BlockContents{}, fmt.Errorf("block at offset %d: %w",
					h.Offset, format.ErrTamperDetected)
			}
		}
	}

	if !f.opts.Decompress {
		return format.RawContents(raw, !fromPrefetch), nil
	}

	tag := compress.Type(raw[len(raw)-format.BlockTrailerSize])
	contents, err := compress.DecompressBlock(raw, f.footer.Version(), f.opts.Allocator)
	if err != nil {
		f.opts.Logger.Error("block at offset %d: %v", h.Offset, err)
		return format.BlockContents{}, fmt.Errorf("block at offset %d: %w", h.Offset, err)
	}
	if tag == compress.NoCompression && !fromPrefetch {
		// The read buffer is uniquely referenced here, so the borrowed
		// view can be handed over as owned.
		contents = format.OwnedContents(contents.Data())
	}
	return contents, nil
}

// readRaw fetches the stored bytes [Offset, Offset+Size+BlockTrailerSize),
// serving from the prefetch buffer when it covers the range. The handle
// comes from the file's own index or footer, so its range is validated
// against the file size before anything is allocated.
func (f *Fetcher) readRaw(h format.BlockHandle) ([]byte, bool, error) {
	if h.Size > math.MaxUint64-format.BlockTrailerSize ||
		h.Offset > uint64(f.fileSize) ||
		h.StoredSize() > uint64(f.fileSize)-h.Offset {
		return nil, false, fmt.Errorf("truncated block at offset %d: size %d does not fit in %d byte file: %w",
			h.Offset, h.Size, f.fileSize, format.ErrCorruption)
	}

	n := int64(h.StoredSize())
	if raw, ok := f.prefetch.TryReadAt(int64(h.Offset), n); ok {
		return raw, true, nil
	}

	raw := make([]byte, n)
	m, err := f.file.ReadAt(raw, int64(h.Offset))
	if err != nil && !(err == io.EOF && int64(m) == n) {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, false, fmt.Errorf("truncated block at offset %d: read %d of %d bytes: %w",
				h.Offset, m, n, format.ErrCorruption)
		}
		return nil, false, err
	}
	if int64(m) < n {
		return nil, false, fmt.Errorf("truncated block at offset %d: read %d of %d bytes: %w",
			h.Offset, m, n, format.ErrCorruption)
	}
	return raw, false, nil
}

// verifyChecksum recomputes the trailer checksum over payload plus
// compression-type byte using the footer's algorithm.
func (f *Fetcher) verifyChecksum(h format.BlockHandle, raw []byte) error {
	ct := f.footer.ChecksumType()
	if ct == checksum.TypeNone {
		return nil
	}
	alg, ok := checksum.Lookup(ct)
	if !ok {
		return fmt.Errorf("unsupported checksum type %d: %w", ct, format.ErrCorruption)
	}
	stored := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	computed := alg.Checksum(raw[:len(raw)-4])
	if computed != stored {
		f.opts.Logger.Error("block at offset %d: %s checksum mismatch: computed %#08x, stored %#08x",
			h.Offset, alg.Name(), computed, stored)
		return fmt.Errorf("block at offset %d: computed %#08x, stored %#08x: %w",
			h.Offset, computed, stored, format.ErrChecksumMismatch)
	}
	return nil
}

// ReadBlockContents is the one-shot form of Fetcher.ReadBlockContents for
// callers without a long-lived fetcher.
func ReadBlockContents(file io.ReaderAt, prefetch *format.PrefetchBuffer, fileSize int64,
	footer *format.Footer, h format.BlockHandle, opts ReadOptions) (format.BlockContents, error) {
	return NewFetcher(file, prefetch, fileSize, footer, opts).ReadBlockContents(h)
}
