package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chertdb/chert/pkg/sstable/checksum"
	"github.com/chertdb/chert/pkg/sstable/compress"
	"github.com/chertdb/chert/pkg/sstable/digest"
	"github.com/chertdb/chert/pkg/sstable/format"
)

// WriterOptions configures table writing.
type WriterOptions struct {
	// Compression is the tag applied to data and index blocks. Blocks that
	// do not shrink are stored verbatim regardless.
	Compression compress.Type
	// Checksum selects the trailer checksum algorithm, recorded in the
	// footer.
	Checksum checksum.Type
	// BlockSize is the target payload size of data blocks.
	BlockSize int
	// FormatVersion is the footer version to write. Version 0 produces a
	// legacy footer and requires the legacy checksum algorithm.
	FormatVersion uint32
	// TamperKey, when set, records a keyed digest per data block in a
	// digest block referenced from the metaindex.
	TamperKey []byte
}

// DefaultWriterOptions uses snappy compression, CRC32-C checksums, and the
// current format version.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Compression:   compress.SnappyCompression,
		Checksum:      checksum.TypeCRC32c,
		BlockSize:     DefaultBlockSize,
		FormatVersion: format.CurrentFormatVersion,
	}
}

// fileManager handles file operations for table writing: output goes to a
// temporary file that is renamed into place only on a successful Finish.
type fileManager struct {
	path    string
	tmpPath string
	file    *os.File
}

func newFileManager(path string) (*fileManager, error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	return &fileManager{path: path, tmpPath: tmpPath, file: file}, nil
}

func (fm *fileManager) write(data []byte) error {
	_, err := fm.file.Write(data)
	return err
}

func (fm *fileManager) close() error {
	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}

// finalize syncs, closes, and renames the temp file to the final path.
func (fm *fileManager) finalize() error {
	if err := fm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := fm.close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(fm.tmpPath, fm.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// cleanup removes the temporary file if writing is aborted.
func (fm *fileManager) cleanup() error {
	fm.close()
	return os.Remove(fm.tmpPath)
}

// blockBuilder accumulates length-prefixed key-value pairs for one block.
type blockBuilder struct {
	buf      []byte
	firstKey []byte
	entries  int
}

func (b *blockBuilder) add(key, value []byte) {
	if b.entries == 0 {
		b.firstKey = append(b.firstKey[:0], key...)
	}
	b.buf = format.AppendUvarint(b.buf, uint64(len(key)))
	b.buf = append(b.buf, key...)
	b.buf = format.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, value...)
	b.entries++
}

func (b *blockBuilder) estimatedSize() int { return len(b.buf) }

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.entries = 0
}

// Writer writes a table file. Keys must be added in ascending order.
type Writer struct {
	fm   *fileManager
	opts WriterOptions

	block  blockBuilder
	offset uint64

	index      []format.IndexValue
	digestOffs []uint64
	digests    [][]byte
	digester   *digest.Keyed

	lastKey    []byte
	numEntries uint64
	finished   bool
}

// NewWriter creates a table writer targeting path.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if !checksum.Valid(opts.Checksum) {
		return nil, fmt.Errorf("unknown checksum type %d", opts.Checksum)
	}
	if opts.FormatVersion > format.MaxSupportedFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", opts.FormatVersion)
	}
	if opts.FormatVersion == 0 && opts.Checksum != checksum.LegacyType {
		return nil, fmt.Errorf("legacy tables cannot record checksum type %d", opts.Checksum)
	}
	if opts.Compression != compress.NoCompression {
		if _, ok := compress.Lookup(opts.Compression); !ok {
			return nil, fmt.Errorf("unknown compression type %d", opts.Compression)
		}
	}

	fm, err := newFileManager(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{fm: fm, opts: opts}
	if len(opts.TamperKey) > 0 {
		w.digester = digest.NewKeyed(opts.TamperKey)
	}
	return w, nil
}

// Add appends a key-value pair. Keys must arrive in strictly ascending
// order.
func (w *Writer) Add(key, value []byte) error {
	if w.finished {
		return ErrWriterFinished
	}
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly ascending order: %q after %q",
			key, w.lastKey)
	}
	w.lastKey = append(w.lastKey[:0], key...)

	w.block.add(key, value)
	w.numEntries++

	if w.block.estimatedSize() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock writes the pending data block and records its index entry.
func (w *Writer) flushBlock() error {
	if w.block.entries == 0 {
		return nil
	}
	h, err := w.writeBlock(w.block.buf, w.opts.Compression, true)
	if err != nil {
		return err
	}
	firstKey := make([]byte, len(w.block.firstKey))
	copy(firstKey, w.block.firstKey)
	w.index = append(w.index, format.IndexValue{Handle: h, FirstKey: firstKey})
	w.block.reset()
	return nil
}

// writeBlock compresses payload, appends the 5-byte trailer (compression
// tag + checksum over payload and tag), writes the block, and returns its
// handle. Data blocks additionally get a keyed digest over the full stored
// bytes when tamper detection is enabled.
func (w *Writer) writeBlock(payload []byte, tag compress.Type, isData bool) (format.BlockHandle, error) {
	stored, actualTag, err := compress.CompressPayload(payload, tag, w.opts.FormatVersion)
	if err != nil {
		return format.BlockHandle{}, err
	}

	raw := make([]byte, 0, len(stored)+format.BlockTrailerSize)
	raw = append(raw, stored...)
	raw = append(raw, byte(actualTag))

	alg, _ := checksum.Lookup(w.opts.Checksum)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], alg.Checksum(raw))
	raw = append(raw, sum[:]...)

	if err := w.fm.write(raw); err != nil {
		return format.BlockHandle{}, fmt.Errorf("failed to write block: %w", err)
	}

	h := format.BlockHandle{Offset: w.offset, Size: uint64(len(stored))}
	if isData && w.digester != nil {
		w.digestOffs = append(w.digestOffs, w.offset)
		w.digests = append(w.digests, w.digester.Sum(raw))
	}
	w.offset += uint64(len(raw))
	return h, nil
}

// Finish flushes the last data block, writes the digest block (if any), the
// metaindex block, the index block, and the footer, then moves the file
// into place.
func (w *Writer) Finish() error {
	if w.finished {
		return ErrWriterFinished
	}
	w.finished = true

	if err := w.flushBlock(); err != nil {
		w.fm.cleanup()
		return err
	}

	// Digest block: (block offset, digest) per data block, uncompressed.
	digestHandle := format.NullBlockHandle()
	if len(w.digests) > 0 {
		var payload []byte
		for i, off := range w.digestOffs {
			payload = format.AppendUvarint(payload, off)
			payload = append(payload, w.digests[i]...)
		}
		var err error
		digestHandle, err = w.writeBlock(payload, compress.NoCompression, false)
		if err != nil {
			w.fm.cleanup()
			return err
		}
	}

	// Metaindex block: table properties plus the digest block handle.
	var meta []byte
	meta = append(meta, metaindexFirstKeyFlag)
	meta = format.AppendUvarint(meta, w.numEntries)
	meta = digestHandle.EncodeTo(meta)
	meta = format.AppendUvarint(meta, uint64(len(w.digests)))
	metaHandle, err := w.writeBlock(meta, compress.NoCompression, false)
	if err != nil {
		w.fm.cleanup()
		return err
	}

	// Index block: delta-encoded entries. Data blocks are written
	// back-to-back, so every entry after the first is contiguous with its
	// predecessor.
	var idx []byte
	idx = format.AppendUvarint(idx, uint64(len(w.index)))
	for i, e := range w.index {
		var prev *format.BlockHandle
		if i > 0 {
			prev = &w.index[i-1].Handle
		}
		idx = e.EncodeTo(idx, true, prev)
	}
	indexHandle, err := w.writeBlock(idx, w.opts.Compression, false)
	if err != nil {
		w.fm.cleanup()
		return err
	}

	footer, err := format.NewFooter(format.TableMagicNumber, w.opts.FormatVersion,
		w.opts.Checksum, metaHandle, indexHandle)
	if err != nil {
		w.fm.cleanup()
		return err
	}
	if err := w.fm.write(footer.Encode()); err != nil {
		w.fm.cleanup()
		return fmt.Errorf("failed to write footer: %w", err)
	}

	return w.fm.finalize()
}

// Abort discards the partially written table.
func (w *Writer) Abort() error {
	w.finished = true
	return w.fm.cleanup()
}

// NumEntries returns the number of key-value pairs added so far.
func (w *Writer) NumEntries() uint64 { return w.numEntries }
