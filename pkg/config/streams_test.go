package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/compression"
	"github.com/arrowport/arrowport/pkg/errors"
)

const sampleStreams = `
streams:
  sensors:
    target_table: sensor_readings
    chunk_size: 50000
  events:
    backend: acid
    backend_options:
      partition_by: [event_type]
      schema_mode: strict
defaults:
  backend: embedded
  compression:
    algorithm: zstd
    level: 3
`

func writeStreams(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveConfigured(t *testing.T) {
	store, err := NewStore(writeStreams(t, sampleStreams), zap.NewNop())
	require.NoError(t, err)

	cfg := store.Resolve("sensors", nil)
	assert.Equal(t, "sensor_readings", cfg.TargetTable)
	assert.Equal(t, BackendEmbedded, cfg.Backend)
	assert.Equal(t, 50000, cfg.ChunkSize)
	require.NotNil(t, cfg.Compression)
	assert.Equal(t, compression.Zstd, cfg.Compression.Algorithm)
}

func TestResolveUnconfiguredFallsBackToStreamName(t *testing.T) {
	store, err := NewStore(writeStreams(t, sampleStreams), zap.NewNop())
	require.NoError(t, err)

	cfg := store.Resolve("unconfigured", nil)
	assert.Equal(t, "unconfigured", cfg.TargetTable)
	assert.Equal(t, BackendEmbedded, cfg.Backend)
}

func TestResolveOverrideWins(t *testing.T) {
	store, err := NewStore(writeStreams(t, sampleStreams), zap.NewNop())
	require.NoError(t, err)

	cfg := store.Resolve("sensors", &StreamConfig{
		Backend:     BackendACID,
		Compression: &CompressionConfig{Algorithm: compression.LZ4, Level: 4},
	})
	assert.Equal(t, BackendACID, cfg.Backend)
	assert.Equal(t, compression.LZ4, cfg.Compression.Algorithm)
	// Non-overridden fields keep the file-defined values.
	assert.Equal(t, "sensor_readings", cfg.TargetTable)

	// The stored snapshot is unchanged.
	again := store.Resolve("sensors", nil)
	assert.Equal(t, BackendEmbedded, again.Backend)
}

func TestBackendOptionsIgnoredForEmbedded(t *testing.T) {
	path := writeStreams(t, `
streams:
  metrics:
    backend: embedded
    backend_options:
      partition_by: [day]
`)
	store, err := NewStore(path, zap.NewNop())
	require.NoError(t, err)

	cfg := store.Resolve("metrics", nil)
	assert.Nil(t, cfg.BackendOptions)
	assert.Nil(t, cfg.Options())
}

func TestOptionsDefaultSchemaMode(t *testing.T) {
	store, err := NewStore(writeStreams(t, sampleStreams), zap.NewNop())
	require.NoError(t, err)

	cfg := store.Resolve("events", nil)
	opts := cfg.Options()
	require.NotNil(t, opts)
	assert.Equal(t, SchemaModeStrict, opts.SchemaMode)
	assert.Equal(t, []string{"event_type"}, opts.PartitionBy)

	acid := store.Resolve("other", &StreamConfig{Backend: BackendACID})
	opts = acid.Options()
	require.NotNil(t, opts)
	assert.Equal(t, SchemaModeMerge, opts.SchemaMode)
}

func TestReloadInvalidKeepsPreviousSnapshot(t *testing.T) {
	path := writeStreams(t, sampleStreams)

	var observedErr error
	store, err := NewStore(path, zap.NewNop(),
		WithReloadObserver(func(_ *Snapshot, err error) { observedErr = err }))
	require.NoError(t, err)

	before := store.Resolve("sensors", nil)

	require.NoError(t, os.WriteFile(path, []byte("streams: [not, a, mapping]"), 0o644))
	_, err = store.Reload()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeReload))
	assert.Error(t, observedErr)

	after := store.Resolve("sensors", nil)
	assert.Equal(t, before, after)
}

func TestReloadSwapsSnapshot(t *testing.T) {
	path := writeStreams(t, sampleStreams)
	store, err := NewStore(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
streams:
  sensors:
    target_table: renamed
`), 0o644))
	_, err = store.Reload()
	require.NoError(t, err)

	cfg := store.Resolve("sensors", nil)
	assert.Equal(t, "renamed", cfg.TargetTable)
}

func TestUnknownBackendRejected(t *testing.T) {
	path := writeStreams(t, `
streams:
  bad:
    backend: s3
`)
	_, err := NewStore(path, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeReload))
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	require.NoError(t, err)

	cfg := store.Resolve("anything", nil)
	assert.Equal(t, "anything", cfg.TargetTable)
	assert.Equal(t, BackendEmbedded, cfg.Backend)
}
