package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowport/arrowport/pkg/errors"
)

var sample = []byte("This is a test string that will be compressed and decompressed. " +
	"It contains some repetitive content content content to improve compression ratio.")

func TestZstdRoundTrip(t *testing.T) {
	compressed, err := Encode(sample, Zstd, 3)
	require.NoError(t, err)

	decompressed, err := Decode(compressed, Zstd)
	require.NoError(t, err)
	assert.Equal(t, sample, decompressed)
	assert.Less(t, len(compressed), len(sample))
}

func TestLZ4RoundTrip(t *testing.T) {
	compressed, err := Encode(sample, LZ4, 5)
	require.NoError(t, err)

	decompressed, err := Decode(compressed, LZ4)
	require.NoError(t, err)
	assert.Equal(t, sample, decompressed)
}

func TestNonePassthrough(t *testing.T) {
	out, err := Encode(sample, None, 0)
	require.NoError(t, err)
	assert.Equal(t, sample, out)

	back, err := Decode(out, None)
	require.NoError(t, err)
	assert.Equal(t, sample, back)
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := Encode(sample, Algorithm("brotli"), 3)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedCodec))

	_, err = Decode(sample, Algorithm("brotli"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedCodec))
}

func TestLevelClamping(t *testing.T) {
	assert.Equal(t, ZstdMaxLevel, ClampLevel(Zstd, 22))
	assert.Equal(t, ZstdMinLevel, ClampLevel(Zstd, -4))
	assert.Equal(t, LZ4MaxLevel, ClampLevel(LZ4, 100))
	assert.Equal(t, LZ4MinLevel, ClampLevel(LZ4, 0))
	assert.Equal(t, 7, ClampLevel(Zstd, 7))

	// An out-of-range level still produces a usable compressor.
	c, err := NewCompressor(&Config{Algorithm: Zstd, Level: 99})
	require.NoError(t, err)
	assert.Equal(t, ZstdMaxLevel, c.Level())

	compressed, err := c.Compress(sample)
	require.NoError(t, err)
	back, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, sample, back)
}

func TestStreamingRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{Zstd, LZ4, None} {
		c, err := NewCompressor(&Config{Algorithm: algo, Level: DefaultLevel})
		require.NoError(t, err)

		var compressed bytes.Buffer
		require.NoError(t, c.CompressStream(&compressed, bytes.NewReader(sample)))

		var decompressed bytes.Buffer
		require.NoError(t, c.DecompressStream(&decompressed, &compressed))
		assert.Equal(t, sample, decompressed.Bytes(), "algorithm %s", algo)
	}
}
