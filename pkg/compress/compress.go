// Package compress stores canonical report bytes compactly.
//
// ZSTD is the default; gzip is kept for journals written by tools that only
// speak gzip. Seal prefixes the payload with a one-byte algorithm tag so Open
// can decode a row regardless of how the writer was configured.
//
//	c := compress.NewCompressor(compress.AlgorithmZSTD, compress.LevelDefault)
//	sealed, err := c.Seal(canonicalBytes)
//	...
//	original, err := compress.Open(sealed)
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// AlgorithmZSTD is the Zstandard compression algorithm.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmGzip is the gzip compression algorithm.
	AlgorithmGzip Algorithm = "gzip"

	// AlgorithmNone stores the payload as is.
	AlgorithmNone Algorithm = "none"
)

// ParseAlgorithm parses an algorithm name; empty means zstd.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AlgorithmZSTD, nil
	case AlgorithmZSTD, AlgorithmGzip, AlgorithmNone:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Level is a zstd-style compression level. Gzip maps it onto its own
// speed/size presets.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBetter  Level = 6
	LevelBest    Level = 9
)

// Seal tags. Stable on disk: never renumber.
const (
	tagNone byte = 0x00
	tagZSTD byte = 0x01
	tagGzip byte = 0x02
)

// Compressor compresses and decompresses with one algorithm. Safe for
// concurrent use.
type Compressor struct {
	algorithm Algorithm
	level     Level
	enc       *zstd.Encoder
}

// NewCompressor creates a compressor with the specified algorithm and level.
func NewCompressor(algorithm Algorithm, level Level) *Compressor {
	c := &Compressor{algorithm: algorithm, level: level}
	if algorithm == AlgorithmZSTD {
		// nil writer: the encoder is only used through EncodeAll.
		c.enc, _ = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))),
			zstd.WithEncoderConcurrency(1))
	}
	return c
}

// Algorithm returns the compression algorithm.
func (c *Compressor) Algorithm() Algorithm {
	return c.algorithm
}

// Compress compresses the input data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		return c.enc.EncodeAll(data, nil), nil
	case AlgorithmGzip:
		return c.compressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Decompress decompresses the input data.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		return decompressZSTD(data)
	case AlgorithmGzip:
		return decompressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Seal compresses data and prefixes the algorithm tag.
func (c *Compressor) Seal(data []byte) ([]byte, error) {
	var tag byte
	switch c.algorithm {
	case AlgorithmZSTD:
		tag = tagZSTD
	case AlgorithmGzip:
		tag = tagGzip
	case AlgorithmNone:
		tag = tagNone
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}

	body, err := c.Compress(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, tag)
	return append(out, body...), nil
}

// Open reverses Seal for any supported tag.
func Open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("empty sealed payload")
	}
	body := sealed[1:]
	switch sealed[0] {
	case tagNone:
		return body, nil
	case tagZSTD:
		return decompressZSTD(body)
	case tagGzip:
		return decompressGzip(body)
	default:
		return nil, fmt.Errorf("unknown payload tag 0x%02x", sealed[0])
	}
}

// decoder is shared; DecodeAll is safe for concurrent use.
var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

func decompressZSTD(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

func (c *Compressor) compressGzip(data []byte) ([]byte, error) {
	level := gzip.DefaultCompression
	switch {
	case c.level <= LevelDefault:
		level = gzip.BestSpeed
	case c.level >= LevelBest:
		level = gzip.BestCompression
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}

// defaultZSTD is used by NewAnalyzer when no compressor is given.
var defaultZSTD = NewCompressor(AlgorithmZSTD, LevelDefault)
