package format

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chertdb/chert/pkg/sstable/checksum"
)

const (
	// TableMagicNumber identifies the current table format family. It is
	// stored little-endian in the last eight bytes of every table file.
	TableMagicNumber = uint64(0x8c3f7a19e4b652d0)
	// LegacyTableMagicNumber is the magic written by version-0 tables of
	// the same family. Files carrying it use the 48-byte legacy footer.
	LegacyTableMagicNumber = uint64(0xdb97c2a45f81e063)

	magicNumberLength = 8

	// FooterV0Length is the exact size of a legacy footer: two handle
	// fields padded to their maximum width plus the magic number.
	FooterV0Length = 2*MaxBlockHandleLength + magicNumberLength
	// FooterLength is the exact size of a version 1+ footer: a checksum
	// tag, two padded handle fields, an explicit version, and the magic.
	FooterLength = 1 + 2*MaxBlockHandleLength + 4 + magicNumberLength

	// MinFooterLength is the smallest tail a decodable table can have.
	MinFooterLength = FooterV0Length

	// MaxSupportedFormatVersion bounds the versions this reader accepts.
	MaxSupportedFormatVersion = uint32(5)

	// CurrentFormatVersion is what newly written tables use.
	CurrentFormatVersion = uint32(2)
)

// Footer is the fixed-position trailer of a table file. It is decoded once
// per file open and is immutable afterwards, except for the one-time
// attachment of the block digest list, so it is safe to share across
// concurrent readers.
type Footer struct {
	magic           uint64
	version         uint32
	checksumType    checksum.Type
	metaindexHandle BlockHandle
	indexHandle     BlockHandle

	// Out-of-band tamper-detection digest list, attached after decode.
	digestListOffset uint64
	digests          [][]byte
	digestByOffset   map[uint64]int
}

// NewFooter constructs a footer for encoding. The magic number must be
// supplied up front and is immutable; decode targets are never constructed
// directly, DecodeFooter returns complete footers only. Version-0 footers
// require the table family magic, since the legacy layout can only carry
// the family's legacy magic and remain decodable.
func NewFooter(magic uint64, version uint32, ct checksum.Type, metaindex, index BlockHandle) (*Footer, error) {
	if magic == 0 {
		return nil, fmt.Errorf("footer requires a nonzero table magic number")
	}
	if version > MaxSupportedFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", version)
	}
	if version == 0 && magic != TableMagicNumber {
		return nil, fmt.Errorf("version 0 footers require the table family magic, got %#016x", magic)
	}
	if !checksum.Valid(ct) {
		return nil, fmt.Errorf("unknown checksum type %d", ct)
	}
	return &Footer{
		magic:           magic,
		version:         version,
		checksumType:    ct,
		metaindexHandle: metaindex,
		indexHandle:     index,
	}, nil
}

// Version returns the table format version, 0 for legacy files.
func (f *Footer) Version() uint32 { return f.version }

// ChecksumType returns the algorithm tag used for block trailers. Legacy
// footers always report checksum.LegacyType.
func (f *Footer) ChecksumType() checksum.Type { return f.checksumType }

// MetaindexHandle locates the table's metaindex block.
func (f *Footer) MetaindexHandle() BlockHandle { return f.metaindexHandle }

// IndexHandle locates the table's primary index block.
func (f *Footer) IndexHandle() BlockHandle { return f.indexHandle }

// TableMagic returns the canonical magic number of the file's format family.
func (f *Footer) TableMagic() uint64 { return f.magic }

// Encode serializes the footer. Version-0 footers produce the 48-byte
// legacy layout with the legacy magic; everything else produces the
// 53-byte current layout. Unused handle bytes are zero padding.
func (f *Footer) Encode() []byte {
	if f.version == 0 {
		buf := make([]byte, FooterV0Length)
		rest := f.metaindexHandle.EncodeTo(buf[:0])
		f.indexHandle.EncodeTo(rest)
		binary.LittleEndian.PutUint64(buf[FooterV0Length-magicNumberLength:], LegacyTableMagicNumber)
		return buf
	}

	buf := make([]byte, FooterLength)
	buf[0] = byte(f.checksumType)
	rest := f.metaindexHandle.EncodeTo(buf[1:1])
	f.indexHandle.EncodeTo(rest)
	binary.LittleEndian.PutUint32(buf[1+2*MaxBlockHandleLength:], f.version)
	binary.LittleEndian.PutUint64(buf[FooterLength-magicNumberLength:], f.magic)
	return buf
}

// DecodeFooter parses the footer from the trailing bytes of a table file.
// tail must hold at least the last MinFooterLength bytes of the file,
// ending exactly at the file's end. The layout is selected by the trailing
// magic value alone: the legacy magic selects the 48-byte parser, the
// current magic the 53-byte parser. If expectedMagic is nonzero it must
// match the decoded (canonical) magic.
func DecodeFooter(tail []byte, expectedMagic uint64) (*Footer, error) {
	if len(tail) < MinFooterLength {
		return nil, fmt.Errorf("file too short to be a table (%d trailing bytes, need %d): %w",
			len(tail), MinFooterLength, ErrCorruption)
	}

	magic := binary.LittleEndian.Uint64(tail[len(tail)-magicNumberLength:])

	var f *Footer
	var err error
	switch magic {
	case LegacyTableMagicNumber:
		f, err = decodeFooterV0(tail[len(tail)-FooterV0Length:])
	case TableMagicNumber:
		if len(tail) < FooterLength {
			return nil, fmt.Errorf("file too short for a version %d+ footer (%d trailing bytes): %w",
				1, len(tail), ErrCorruption)
		}
		f, err = decodeFooterCurrent(tail[len(tail)-FooterLength:])
	default:
		return nil, fmt.Errorf("not a valid table file (bad magic number %#016x): %w",
			magic, ErrCorruption)
	}
	if err != nil {
		return nil, err
	}

	if expectedMagic != 0 && f.magic != expectedMagic {
		return nil, fmt.Errorf("magic number mismatch: file has %#016x, want %#016x: %w",
			f.magic, expectedMagic, ErrCorruption)
	}
	return f, nil
}

// decodeFooterV0 parses the legacy 48-byte window: two zero-padded handle
// fields followed by the magic. Legacy files have no checksum tag and use
// the fixed legacy default.
func decodeFooterV0(win []byte) (*Footer, error) {
	metaindex, rest, err := DecodeBlockHandle(win[:2*MaxBlockHandleLength])
	if err != nil {
		return nil, fmt.Errorf("decoding legacy footer metaindex handle: %w", err)
	}
	index, _, err := DecodeBlockHandle(rest)
	if err != nil {
		return nil, fmt.Errorf("decoding legacy footer index handle: %w", err)
	}
	return &Footer{
		magic:           TableMagicNumber,
		version:         0,
		checksumType:    checksum.LegacyType,
		metaindexHandle: metaindex,
		indexHandle:     index,
	}, nil
}

// decodeFooterCurrent parses the 53-byte window: checksum tag, two
// zero-padded handle fields, version, magic.
func decodeFooterCurrent(win []byte) (*Footer, error) {
	ct := checksum.Type(win[0])
	if !checksum.Valid(ct) {
		return nil, fmt.Errorf("unknown checksum type %d in footer: %w", ct, ErrCorruption)
	}

	version := binary.LittleEndian.Uint32(win[1+2*MaxBlockHandleLength:])
	if version == 0 || version > MaxSupportedFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d: %w", version, ErrCorruption)
	}

	metaindex, rest, err := DecodeBlockHandle(win[1 : 1+2*MaxBlockHandleLength])
	if err != nil {
		return nil, fmt.Errorf("decoding footer metaindex handle: %w", err)
	}
	index, _, err := DecodeBlockHandle(rest)
	if err != nil {
		return nil, fmt.Errorf("decoding footer index handle: %w", err)
	}

	return &Footer{
		magic:           binary.LittleEndian.Uint64(win[FooterLength-magicNumberLength:]),
		version:         version,
		checksumType:    ct,
		metaindexHandle: metaindex,
		indexHandle:     index,
	}, nil
}

// ReadFooterFromFile reads and decodes the footer at the tail of a file of
// the given size. The read is served from prefetch when the buffer covers
// the tail, avoiding a second I/O round trip; prefetch may be nil. I/O
// errors from r pass through unmodified.
func ReadFooterFromFile(r io.ReaderAt, prefetch *PrefetchBuffer, fileSize int64, expectedMagic uint64) (*Footer, error) {
	if fileSize < MinFooterLength {
		return nil, fmt.Errorf("file too short to be a table (%d bytes): %w",
			fileSize, ErrCorruption)
	}

	readLen := int64(FooterLength)
	if fileSize < readLen {
		readLen = fileSize
	}
	off := fileSize - readLen

	if tail, ok := prefetch.TryReadAt(off, readLen); ok {
		return DecodeFooter(tail, expectedMagic)
	}

	tail := make([]byte, readLen)
	n, err := r.ReadAt(tail, off)
	if err != nil && !(err == io.EOF && int64(n) == readLen) {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("file too short to be a table (read %d of %d tail bytes): %w",
				n, readLen, ErrCorruption)
		}
		return nil, err
	}
	return DecodeFooter(tail, expectedMagic)
}

// SetBlockDigests attaches the out-of-band tamper-detection digest list:
// one keyed digest per data block, keyed by each block's file offset, plus
// the file offset where the list itself is stored. It may be called at most
// once per footer; a second call is a programmer error.
func (f *Footer) SetBlockDigests(listOffset uint64, blockOffsets []uint64, digests [][]byte) {
	if f.digests != nil {
		panic("format: footer block digest list already set")
	}
	if len(blockOffsets) != len(digests) {
		panic("format: block offset and digest counts differ")
	}
	byOffset := make(map[uint64]int, len(blockOffsets))
	for i, off := range blockOffsets {
		byOffset[off] = i
	}
	f.digestListOffset = listOffset
	f.digests = digests
	f.digestByOffset = byOffset
}

// HasBlockDigests reports whether a digest list has been attached.
func (f *Footer) HasBlockDigests() bool { return f.digests != nil }

// DigestListOffset returns the file offset where the digest list begins.
func (f *Footer) DigestListOffset() uint64 { return f.digestListOffset }

// NumBlockDigests returns the number of registered digests.
func (f *Footer) NumBlockDigests() int { return len(f.digests) }

// BlockDigest returns the digest recorded for block position i. Callers
// must only query positions registered via SetBlockDigests; anything else
// is a contract violation and panics.
func (f *Footer) BlockDigest(i int) []byte { return f.digests[i] }

// DigestForBlock resolves the digest registered for the block starting at
// the given file offset, if any.
func (f *Footer) DigestForBlock(blockOffset uint64) ([]byte, bool) {
	i, ok := f.digestByOffset[blockOffset]
	if !ok {
		return nil, false
	}
	return f.digests[i], true
}

// String renders the footer for diagnostics.
func (f *Footer) String() string {
	return fmt.Sprintf("Footer(version=%d, checksum=%d, metaindex=%s, index=%s, magic=%#016x)",
		f.version, f.checksumType, f.metaindexHandle.String(), f.indexHandle.String(), f.magic)
}
