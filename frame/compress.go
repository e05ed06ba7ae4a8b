package frame

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// SnappyCompressor implements the "snappy" STARTUP COMPRESSION option,
// the original CQL compression algorithm.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) Compress(p []byte) ([]byte, error) {
	return snappy.Encode(nil, p), nil
}

func (SnappyCompressor) Decompress(p []byte) ([]byte, error) {
	return snappy.Decode(nil, p)
}

// LZ4Compressor implements the "lz4" STARTUP COMPRESSION option. The CQL
// wire format prefixes the compressed body with the uncompressed length
// as a 4-byte big-endian int, ahead of the raw LZ4 block.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Compress(p []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(p)))
	buf[0] = byte(len(p) >> 24)
	buf[1] = byte(len(p) >> 16)
	buf[2] = byte(len(p) >> 8)
	buf[3] = byte(len(p))

	var c lz4.Compressor
	n, err := c.CompressBlock(p, buf[4:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input: LZ4 block compression signals this by
		// writing nothing; report it as an error so the caller sends the
		// body uncompressed.
		return nil, fmt.Errorf("lz4 compress: input is incompressible")
	}
	return buf[:4+n], nil
}

func (LZ4Compressor) Decompress(p []byte) ([]byte, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("lz4 decompress: body too short for length prefix")
	}
	uncompressedLen := int(p[0])<<24 | int(p[1])<<16 | int(p[2])<<8 | int(p[3])
	out := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(p[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}

// ZstdCompressor implements the "zstd" STARTUP COMPRESSION option
// (protocol v5 extension, supported by modern Scylla/Cassandra
// servers). Encoders/decoders are expensive to build and are reused
// across calls.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (z *ZstdCompressor) Name() string { return "zstd" }

func (z *ZstdCompressor) Compress(p []byte) ([]byte, error) {
	return z.enc.EncodeAll(p, nil), nil
}

func (z *ZstdCompressor) Decompress(p []byte) ([]byte, error) {
	return z.dec.DecodeAll(p, nil)
}

// CompressorByName returns the driver's builtin Compressor for a STARTUP
// COMPRESSION option name negotiated with the server, nil (identity) for
// the empty name, or an error if the name is unrecognized.
func CompressorByName(name string) (Compressor, error) {
	switch name {
	case "snappy":
		return SnappyCompressor{}, nil
	case "lz4":
		return LZ4Compressor{}, nil
	case "zstd":
		return NewZstdCompressor()
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", name)
	}
}
