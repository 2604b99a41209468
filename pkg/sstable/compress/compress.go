// Package compress implements the compression-tag dispatch for table
// blocks: expanding stored payloads into caller-owned buffers and, on the
// write side, producing the framed compressed form.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/chertdb/chert/pkg/sstable/format"
)

// Type identifies a compression algorithm by the tag byte stored in each
// block trailer. Tags are part of the file format and must never be
// renumbered.
type Type byte

const (
	// NoCompression stores the payload verbatim.
	NoCompression Type = 0
	// SnappyCompression is snappy block format.
	SnappyCompression Type = 1
	// ZlibCompression is a zlib stream.
	ZlibCompression Type = 2
	// ZstdCompression is a zstandard frame.
	ZstdCompression Type = 7
)

// String returns the tag's algorithm name.
func (t Type) String() string {
	if t == NoCompression {
		return "none"
	}
	if c, ok := codecs[t]; ok {
		return c.Name()
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// FramingVersion maps a table format version to the compressed-payload
// framing it was written with. Tables of format version 2 and later prefix
// zlib and zstd payloads with a varint of the decompressed length; older
// tables store bare streams. Old files must keep decoding identically
// forever, so this mapping is frozen.
func FramingVersion(formatVersion uint32) uint32 {
	if formatVersion >= 2 {
		return 2
	}
	return 1
}

// Codec expands and produces payloads for one compression tag.
// Implementations must be safe for concurrent use.
type Codec interface {
	Name() string
	// Compress appends the framed compressed form of src to dst.
	Compress(dst, src []byte, framing uint32) ([]byte, error)
	// Decompress expands src into a buffer obtained from alloc.
	Decompress(src []byte, framing uint32, alloc format.Allocator) ([]byte, error)
}

// codecs maps trailer tags to implementations. NoCompression is handled
// before dispatch and never appears here.
var codecs = map[Type]Codec{
	SnappyCompression: snappyCodec{},
	ZlibCompression:   zlibCodec{},
	ZstdCompression:   zstdCodec{},
}

// Lookup returns the codec registered for t.
func Lookup(t Type) (Codec, bool) {
	c, ok := codecs[t]
	return c, ok
}

// DecompressBlock expands a raw stored block (payload followed by its
// 5-byte trailer), reading the compression tag from the trailer. The
// formatVersion comes from the file's footer.
func DecompressBlock(raw []byte, formatVersion uint32, alloc format.Allocator) (format.BlockContents, error) {
	if len(raw) < format.BlockTrailerSize {
		return format.BlockContents{}, fmt.Errorf("raw block shorter than its trailer (%d bytes): %w",
			len(raw), format.ErrCorruption)
	}
	payload := raw[:len(raw)-format.BlockTrailerSize]
	tag := Type(raw[len(raw)-format.BlockTrailerSize])
	return DecompressPayload(payload, tag, formatVersion, alloc)
}

// DecompressPayload expands a bare payload whose compression tag is known
// out of band, for blocks stored without an embedded tag byte. The
// NoCompression tag returns a borrowed view of payload with zero
// allocation; every other tag produces a newly allocated, owned buffer.
func DecompressPayload(payload []byte, tag Type, formatVersion uint32, alloc format.Allocator) (format.BlockContents, error) {
	if tag == NoCompression {
		return format.BorrowedContents(payload), nil
	}
	if alloc == nil {
		alloc = format.HeapAllocator
	}
	codec, ok := codecs[tag]
	if !ok {
		return format.BlockContents{}, fmt.Errorf("unknown compression type %d: %w",
			byte(tag), format.ErrCorruption)
	}
	out, err := codec.Decompress(payload, FramingVersion(formatVersion), alloc)
	if err != nil {
		return format.BlockContents{}, fmt.Errorf("decompression failed (%s): %v: %w",
			codec.Name(), err, format.ErrCorruption)
	}
	return format.OwnedContents(out), nil
}

// CompressPayload produces the framed compressed form of payload for the
// requested tag. When the compressed form would not be smaller, the payload
// is stored verbatim and the returned tag is NoCompression; the caller must
// record the returned tag in the block trailer.
func CompressPayload(payload []byte, tag Type, formatVersion uint32) ([]byte, Type, error) {
	if tag == NoCompression {
		return payload, NoCompression, nil
	}
	codec, ok := codecs[tag]
	if !ok {
		return nil, 0, fmt.Errorf("unknown compression type %d", byte(tag))
	}
	out, err := codec.Compress(nil, payload, FramingVersion(formatVersion))
	if err != nil {
		return nil, 0, fmt.Errorf("compression failed (%s): %w", codec.Name(), err)
	}
	if len(out) >= len(payload) {
		return payload, NoCompression, nil
	}
	return out, tag, nil
}

// splitFramed strips the decompressed-length prefix of framing version 2
// payloads. Framing version 1 payloads are bare; the size is unknown.
func splitFramed(src []byte, framing uint32) (size int, body []byte, known bool, err error) {
	if framing < 2 {
		return 0, src, false, nil
	}
	n, rest, err := format.DecodeUvarint(src)
	if err != nil {
		return 0, nil, false, fmt.Errorf("reading decompressed length: %w", err)
	}
	return int(n), rest, true, nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

// Snappy block format carries its own length header, so framing versions
// do not change its on-disk form.
func (snappyCodec) Compress(dst, src []byte, framing uint32) ([]byte, error) {
	return snappy.Encode(dst, src), nil
}

func (snappyCodec) Decompress(src []byte, framing uint32, alloc format.Allocator) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	out, err := snappy.Decode(alloc.Allocate(n), src)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type zlibCodec struct{}

func (zlibCodec) Name() string { return "zlib" }

func (zlibCodec) Compress(dst, src []byte, framing uint32) ([]byte, error) {
	if framing >= 2 {
		dst = format.AppendUvarint(dst, uint64(len(src)))
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return append(dst, buf.Bytes()...), nil
}

func (zlibCodec) Decompress(src []byte, framing uint32, alloc format.Allocator) ([]byte, error) {
	size, body, known, err := splitFramed(src, framing)
	if err != nil {
		return nil, err
	}
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if !known {
		return io.ReadAll(r)
	}
	out := alloc.Allocate(size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	// A trailing byte means the recorded length lied.
	if n, _ := r.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("decompressed length exceeds recorded %d bytes", size)
	}
	return out, nil
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

// The zstd encoder and decoder are stateless in EncodeAll/DecodeAll mode
// and shared process-wide.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil)
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
}

func (zstdCodec) Compress(dst, src []byte, framing uint32) ([]byte, error) {
	zstdInit()
	if zstdInitErr != nil {
		return nil, zstdInitErr
	}
	if framing >= 2 {
		dst = format.AppendUvarint(dst, uint64(len(src)))
	}
	return zstdEncoder.EncodeAll(src, dst), nil
}

func (zstdCodec) Decompress(src []byte, framing uint32, alloc format.Allocator) ([]byte, error) {
	zstdInit()
	if zstdInitErr != nil {
		return nil, zstdInitErr
	}
	size, body, known, err := splitFramed(src, framing)
	if err != nil {
		return nil, err
	}
	if !known {
		return zstdDecoder.DecodeAll(body, nil)
	}
	out, err := zstdDecoder.DecodeAll(body, alloc.Allocate(size)[:0])
	if err != nil {
		return nil, err
	}
	if len(out) != size {
		return nil, fmt.Errorf("decompressed %d bytes, recorded length is %d", len(out), size)
	}
	return out, nil
}
