package sstable

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/chertdb/chert/pkg/common/log"
	"github.com/chertdb/chert/pkg/sstable/block"
	"github.com/chertdb/chert/pkg/sstable/digest"
	"github.com/chertdb/chert/pkg/sstable/format"
)

// ReadOptions configures table reading.
type ReadOptions struct {
	// VerifyChecksums recomputes block checksums on every read.
	VerifyChecksums bool
	// TamperKey enables keyed-digest verification of data blocks against
	// the table's digest list.
	TamperKey []byte
	// ExpectedMagic, when nonzero, must match the table's magic number.
	ExpectedMagic uint64
	// Allocator supplies decompression output buffers; nil uses the heap.
	Allocator format.Allocator
	// Logger receives diagnostics; nil uses the default logger.
	Logger log.Logger
}

// DefaultReadOptions verifies checksums.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{VerifyChecksums: true}
}

// Reader serves reads from one immutable table file. All state is fixed at
// open time, so a Reader is safe for concurrent use; block reads issue
// independent positioned reads.
type Reader struct {
	file    io.ReaderAt
	closer  io.Closer
	size    int64
	footer  *format.Footer
	fetcher *block.Fetcher
	raw     *block.Fetcher

	index        []format.IndexValue
	haveFirstKey bool
	numEntries   uint64
	logger       log.Logger
}

// Open opens the table file at path.
func Open(path string, opts ReadOptions) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	r, err := NewReader(file, stat.Size(), opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader opens a table over any positioned reader of the given size.
func NewReader(file io.ReaderAt, size int64, opts ReadOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}

	prefetch, err := format.PrefetchTail(file, size, footerPrefetchSize)
	if err != nil {
		return nil, err
	}

	footer, err := format.ReadFooterFromFile(file, prefetch, size, opts.ExpectedMagic)
	if err != nil {
		return nil, err
	}

	blockOpts := block.ReadOptions{
		VerifyChecksums: opts.VerifyChecksums,
		Decompress:      true,
		TamperKey:       opts.TamperKey,
		Allocator:       opts.Allocator,
		Logger:          opts.Logger,
	}
	rawOpts := blockOpts
	rawOpts.Decompress = false

	r := &Reader{
		file:    file,
		size:    size,
		footer:  footer,
		fetcher: block.NewFetcher(file, prefetch, size, footer, blockOpts),
		raw:     block.NewFetcher(file, prefetch, size, footer, rawOpts),
		logger:  opts.Logger,
	}

	if err := r.loadMetaindex(); err != nil {
		return nil, err
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}

	r.logger.Debug("opened table: %s, %d data blocks, %d entries",
		footer.String(), len(r.index), r.numEntries)
	return r, nil
}

// loadMetaindex parses the metaindex block and, when the table carries a
// digest list, loads it and attaches it to the footer.
func (r *Reader) loadMetaindex() error {
	contents, err := r.fetcher.ReadBlockContents(r.footer.MetaindexHandle())
	if err != nil {
		return fmt.Errorf("reading metaindex block: %w", err)
	}
	data := contents.Data()
	if len(data) < 1 {
		return fmt.Errorf("metaindex block empty: %w", format.ErrCorruption)
	}
	r.haveFirstKey = data[0]&metaindexFirstKeyFlag != 0

	r.numEntries, data, err = format.DecodeUvarint(data[1:])
	if err != nil {
		return fmt.Errorf("decoding metaindex entry count: %w", err)
	}
	digestHandle, data, err := format.DecodeBlockHandle(data)
	if err != nil {
		return fmt.Errorf("decoding digest block handle: %w", err)
	}
	numDigests, _, err := format.DecodeUvarint(data)
	if err != nil {
		return fmt.Errorf("decoding digest count: %w", err)
	}

	if digestHandle.IsNull() {
		return nil
	}
	return r.loadDigests(digestHandle, numDigests)
}

// loadDigests reads the digest block and attaches the per-block digest list
// to the footer. The count comes from the file, so it is bounded by what
// the digest block could possibly hold before it sizes any allocation.
func (r *Reader) loadDigests(h format.BlockHandle, count uint64) error {
	contents, err := r.fetcher.ReadBlockContents(h)
	if err != nil {
		return fmt.Errorf("reading digest block: %w", err)
	}
	data := contents.Data()

	// Each entry is at least a one-byte offset varint plus the digest.
	if max := uint64(len(data)) / (1 + digest.Size); count > max {
		return fmt.Errorf("digest count %d exceeds digest block capacity %d: %w",
			count, max, format.ErrCorruption)
	}
	n := int(count)

	offsets := make([]uint64, 0, n)
	digests := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var off uint64
		off, data, err = format.DecodeUvarint(data)
		if err != nil {
			return fmt.Errorf("decoding digest %d offset: %w", i, err)
		}
		if len(data) < digest.Size {
			return fmt.Errorf("digest block truncated at entry %d: %w", i, format.ErrCorruption)
		}
		offsets = append(offsets, off)
		digests = append(digests, data[:digest.Size])
		data = data[digest.Size:]
	}
	r.footer.SetBlockDigests(h.Offset, offsets, digests)
	return nil
}

// loadIndex decodes the index block into per-block entries, applying the
// delta-decoding context entry by entry.
func (r *Reader) loadIndex() error {
	contents, err := r.fetcher.ReadBlockContents(r.footer.IndexHandle())
	if err != nil {
		return fmt.Errorf("reading index block: %w", err)
	}
	data := contents.Data()

	count, data, err := format.DecodeUvarint(data)
	if err != nil {
		return fmt.Errorf("decoding index entry count: %w", err)
	}
	// A delta-encoded entry takes at least one byte, so the count can never
	// exceed the remaining block bytes.
	if count > uint64(len(data)) {
		return fmt.Errorf("index entry count %d exceeds block size %d: %w",
			count, len(data), format.ErrCorruption)
	}

	r.index = make([]format.IndexValue, 0, count)
	for i := uint64(0); i < count; i++ {
		var prev *format.BlockHandle
		if i > 0 {
			prev = &r.index[i-1].Handle
		}
		var v format.IndexValue
		v, data, err = format.DecodeIndexValue(data, r.haveFirstKey, prev)
		if err != nil {
			return fmt.Errorf("decoding index entry %d: %w", i, err)
		}
		r.index = append(r.index, v)
	}
	return nil
}

// Footer returns the decoded file footer.
func (r *Reader) Footer() *format.Footer { return r.footer }

// NumBlocks returns the number of data blocks.
func (r *Reader) NumBlocks() int { return len(r.index) }

// NumEntries returns the number of key-value pairs in the table.
func (r *Reader) NumEntries() uint64 { return r.numEntries }

// IndexEntry returns the index entry for data block i.
func (r *Reader) IndexEntry(i int) format.IndexValue { return r.index[i] }

// ReadBlock fetches, validates, and decompresses the block at h.
func (r *Reader) ReadBlock(h format.BlockHandle) (format.BlockContents, error) {
	return r.fetcher.ReadBlockContents(h)
}

// ReadBlockRaw fetches and validates the block at h, returning the stored
// bytes with the trailer still attached.
func (r *Reader) ReadBlockRaw(h format.BlockHandle) (format.BlockContents, error) {
	return r.raw.ReadBlockContents(h)
}

// Get retrieves the value stored for key. Returns ErrNotFound when the key
// is absent.
func (r *Reader) Get(key []byte) ([]byte, error) {
	if len(r.index) == 0 {
		return nil, ErrNotFound
	}

	// Find the last block whose first key is <= key.
	pos := 0
	if r.haveFirstKey {
		pos = sort.Search(len(r.index), func(i int) bool {
			return bytes.Compare(r.index[i].FirstKey, key) > 0
		}) - 1
		if pos < 0 {
			return nil, ErrNotFound
		}
	}

	for ; pos < len(r.index); pos++ {
		contents, err := r.ReadBlock(r.index[pos].Handle)
		if err != nil {
			return nil, err
		}
		value, found, err := scanBlock(contents.Data(), key)
		if err != nil {
			return nil, fmt.Errorf("block at offset %d: %w", r.index[pos].Handle.Offset, err)
		}
		if found {
			return value, nil
		}
		if r.haveFirstKey {
			break
		}
	}
	return nil, ErrNotFound
}

// scanBlock walks a decompressed data block's length-prefixed entries.
func scanBlock(data []byte, key []byte) ([]byte, bool, error) {
	for len(data) > 0 {
		klen, rest, err := format.DecodeUvarint(data)
		if err != nil {
			return nil, false, err
		}
		if klen > uint64(len(rest)) {
			return nil, false, fmt.Errorf("entry key length %d exceeds remaining %d bytes: %w",
				klen, len(rest), format.ErrCorruption)
		}
		k := rest[:klen]
		rest = rest[klen:]

		vlen, rest, err := format.DecodeUvarint(rest)
		if err != nil {
			return nil, false, err
		}
		if vlen > uint64(len(rest)) {
			return nil, false, fmt.Errorf("entry value length %d exceeds remaining %d bytes: %w",
				vlen, len(rest), format.ErrCorruption)
		}
		if bytes.Equal(k, key) {
			return rest[:vlen], true, nil
		}
		data = rest[vlen:]
	}
	return nil, false, nil
}

// VerifyBlocks reads every data block, exercising checksum and tamper
// verification, and returns the first failure.
func (r *Reader) VerifyBlocks() error {
	for i := range r.index {
		if _, err := r.raw.ReadBlockContents(r.index[i].Handle); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying file, if this reader opened it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
