// Package compression provides the batch payload codec for Arrowport.
//
// Payloads are compressed under the algorithm and level recorded in the
// stream configuration. The codec carries no self-describing magic, so
// decoding must be given the same algorithm used at encode time.
//
// Supported algorithms:
//   - Zstd: best compression ratio, good speed (levels 1-9)
//   - LZ4: extremely fast, decent compression (levels 1-12)
//   - None: passthrough
//
// Levels outside an algorithm's valid range are clamped. An unknown
// algorithm name fails with an unsupported_codec error.
package compression

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/arrowport/arrowport/pkg/errors"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
)

// Level bounds per algorithm. Levels outside these ranges are clamped.
const (
	ZstdMinLevel = 1
	ZstdMaxLevel = 9
	LZ4MinLevel  = 1
	LZ4MaxLevel  = 12

	// DefaultLevel is used when a stream config does not specify one.
	DefaultLevel = 3
)

// Compressor provides compression and decompression functionality.
// All implementations are safe for concurrent use.
type Compressor interface {
	// Compress compresses data and returns the compressed bytes.
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data and returns the original bytes.
	Decompress(data []byte) ([]byte, error)

	// CompressStream compresses from reader to writer.
	CompressStream(dst io.Writer, src io.Reader) error

	// DecompressStream decompresses from reader to writer.
	DecompressStream(dst io.Writer, src io.Reader) error

	// Algorithm returns the compression algorithm used.
	Algorithm() Algorithm

	// Level returns the effective (clamped) compression level.
	Level() int
}

// Config represents compressor configuration.
type Config struct {
	Algorithm Algorithm
	Level     int
}

// ClampLevel clamps level into the valid range of the given algorithm.
func ClampLevel(algorithm Algorithm, level int) int {
	switch algorithm {
	case Zstd:
		if level < ZstdMinLevel {
			return ZstdMinLevel
		}
		if level > ZstdMaxLevel {
			return ZstdMaxLevel
		}
	case LZ4:
		if level < LZ4MinLevel {
			return LZ4MinLevel
		}
		if level > LZ4MaxLevel {
			return LZ4MaxLevel
		}
	}
	return level
}

// NewCompressor creates a new compressor based on the provided configuration.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = &Config{Algorithm: None}
	}

	switch config.Algorithm {
	case None, "":
		return &noneCompressor{}, nil
	case LZ4:
		return newLZ4Compressor(config), nil
	case Zstd:
		return newZstdCompressor(config), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeUnsupportedCodec,
			"unsupported compression algorithm: %s", config.Algorithm)
	}
}

// Encode compresses data under the named algorithm and level.
// The level is clamped to the algorithm's valid range.
func Encode(data []byte, algorithm Algorithm, level int) ([]byte, error) {
	c, err := pooled(algorithm, level)
	if err != nil {
		return nil, err
	}
	return c.Compress(data)
}

// Decode decompresses data encoded under the named algorithm. The caller
// must supply the same algorithm used to encode; there is no auto-detection.
func Decode(data []byte, algorithm Algorithm) ([]byte, error) {
	c, err := pooled(algorithm, DefaultLevel)
	if err != nil {
		return nil, err
	}
	return c.Decompress(data)
}

// pooled returns a shared compressor instance for the algorithm/level pair.
// Compressor construction is comparatively expensive for zstd, so instances
// are cached per (algorithm, clamped level).
func pooled(algorithm Algorithm, level int) (Compressor, error) {
	key := poolKey{algorithm: algorithm, level: ClampLevel(algorithm, level)}

	poolMu.RLock()
	c, ok := pools[key]
	poolMu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := NewCompressor(&Config{Algorithm: algorithm, Level: level})
	if err != nil {
		return nil, err
	}

	poolMu.Lock()
	if existing, ok := pools[key]; ok {
		c = existing
	} else {
		pools[key] = c
	}
	poolMu.Unlock()
	return c, nil
}

type poolKey struct {
	algorithm Algorithm
	level     int
}

var (
	poolMu sync.RWMutex
	pools  = make(map[poolKey]Compressor)
)

// Base compressor implementation
type baseCompressor struct {
	algorithm Algorithm
	level     int
}

// Algorithm returns the compression algorithm
func (bc *baseCompressor) Algorithm() Algorithm {
	return bc.algorithm
}

// Level returns the compression level
func (bc *baseCompressor) Level() int {
	return bc.level
}

// None compressor (no compression)
type noneCompressor struct {
	baseCompressor
}

func (nc *noneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (nc *noneCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (nc *noneCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

func (nc *noneCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

// LZ4 compressor
type lz4Compressor struct {
	baseCompressor
	compressionLevel lz4.CompressionLevel
}

func newLZ4Compressor(config *Config) *lz4Compressor {
	level := ClampLevel(LZ4, config.Level)

	return &lz4Compressor{
		baseCompressor: baseCompressor{
			algorithm: LZ4,
			level:     level,
		},
		compressionLevel: mapLZ4Level(level),
	}
}

func (lc *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lc.compressionLevel)); err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (lc *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (lc *lz4Compressor) CompressStream(dst io.Writer, src io.Reader) error {
	w := lz4.NewWriter(dst)
	if err := w.Apply(lz4.CompressionLevelOption(lc.compressionLevel)); err != nil {
		return err
	}

	if _, err := io.Copy(w, src); err != nil {
		return err
	}
	return w.Close()
}

func (lc *lz4Compressor) DecompressStream(dst io.Writer, src io.Reader) error {
	r := lz4.NewReader(src)
	_, err := io.Copy(dst, r)
	return err
}

// Zstd compressor
type zstdCompressor struct {
	baseCompressor
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newZstdCompressor(config *Config) *zstdCompressor {
	level := ClampLevel(Zstd, config.Level)

	zc := &zstdCompressor{
		baseCompressor: baseCompressor{
			algorithm: Zstd,
			level:     level,
		},
	}

	encoderLevel := zstd.EncoderLevelFromZstd(level)

	zc.encoderPool.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel))
		return enc
	}

	zc.decoderPool.New = func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	}

	return zc
}

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	enc := zc.encoderPool.Get().(*zstd.Encoder)
	defer zc.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec := zc.decoderPool.Get().(*zstd.Decoder)
	defer zc.decoderPool.Put(dec)

	return dec.DecodeAll(data, nil)
}

func (zc *zstdCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	enc := zc.encoderPool.Get().(*zstd.Encoder)
	defer zc.encoderPool.Put(enc)

	enc.Reset(dst)
	if _, err := io.Copy(enc, src); err != nil {
		return err
	}
	return enc.Close()
}

func (zc *zstdCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	dec := zc.decoderPool.Get().(*zstd.Decoder)
	defer zc.decoderPool.Put(dec)

	if err := dec.Reset(src); err != nil {
		return err
	}

	_, err := io.Copy(dst, dec)
	return err
}

func mapLZ4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 1:
		return lz4.Level1
	case level >= 9:
		return lz4.Level9
	default:
		return []lz4.CompressionLevel{
			lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
			lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
		}[level-1]
	}
}
