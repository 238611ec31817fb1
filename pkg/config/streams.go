// Package config provides Arrowport's configuration system: the stream
// routing registry with hot reload and the server settings loader.
//
// Stream configurations are read from a YAML definition mapping stream
// names to per-stream settings. The active set is held as an immutable
// snapshot behind an atomically swapped pointer, so concurrent resolves
// never block on a reload in progress and never observe a partially
// applied definition.
package config

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arrowport/arrowport/pkg/compression"
	"github.com/arrowport/arrowport/pkg/errors"
)

// BackendKind identifies which storage backend a stream is routed to.
type BackendKind string

const (
	// BackendEmbedded routes writes to the embedded DuckDB engine
	BackendEmbedded BackendKind = "embedded"
	// BackendACID routes writes to the delta table store
	BackendACID BackendKind = "acid"
)

// SchemaMode controls how the delta backend treats columns not present
// in the target table's logical schema.
type SchemaMode string

const (
	// SchemaModeMerge widens the table schema to include new columns
	SchemaModeMerge SchemaMode = "merge"
	// SchemaModeStrict rejects batches carrying unknown columns
	SchemaModeStrict SchemaMode = "strict"
)

// CompressionConfig names the payload codec for a stream.
type CompressionConfig struct {
	Algorithm compression.Algorithm `yaml:"algorithm" json:"algorithm"`
	Level     int                   `yaml:"level" json:"level"`
}

// BackendOptions carries delta-backend specific settings. They are
// ignored when the stream routes to the embedded backend.
type BackendOptions struct {
	PartitionBy    []string   `yaml:"partition_by" json:"partition_by,omitempty"`
	ZOrderBy       []string   `yaml:"z_order_by" json:"z_order_by,omitempty"`
	TargetFileSize int64      `yaml:"target_file_size" json:"target_file_size,omitempty"`
	SchemaMode     SchemaMode `yaml:"schema_mode" json:"schema_mode,omitempty"`
}

// StreamConfig is the routing configuration for one logical stream.
type StreamConfig struct {
	Name           string             `yaml:"-" json:"-"`
	TargetTable    string             `yaml:"target_table" json:"target_table,omitempty"`
	Backend        BackendKind        `yaml:"backend" json:"backend,omitempty"`
	ChunkSize      int                `yaml:"chunk_size" json:"chunk_size,omitempty"`
	Compression    *CompressionConfig `yaml:"compression" json:"compression,omitempty"`
	BackendOptions *BackendOptions    `yaml:"backend_options" json:"backend_options,omitempty"`
}

// Overlay returns a copy of c with the non-zero fields of o applied on
// top. Inline request overrides win over the file-defined config for a
// single call; the stored snapshot is never mutated.
func (c StreamConfig) Overlay(o *StreamConfig) StreamConfig {
	if o == nil {
		return c
	}
	if o.TargetTable != "" {
		c.TargetTable = o.TargetTable
	}
	if o.Backend != "" {
		c.Backend = o.Backend
	}
	if o.ChunkSize > 0 {
		c.ChunkSize = o.ChunkSize
	}
	if o.Compression != nil {
		c.Compression = o.Compression
	}
	if o.BackendOptions != nil {
		c.BackendOptions = o.BackendOptions
	}
	return c
}

// Options returns the backend options, defaulting missing fields. The
// embedded backend has no options; nil is returned for it.
func (c StreamConfig) Options() *BackendOptions {
	if c.Backend != BackendACID {
		return nil
	}
	opts := BackendOptions{SchemaMode: SchemaModeMerge}
	if c.BackendOptions != nil {
		opts = *c.BackendOptions
		if opts.SchemaMode == "" {
			opts.SchemaMode = SchemaModeMerge
		}
	}
	return &opts
}

// Snapshot is an immutable view of the stream routing table plus the
// fallback default applied to unconfigured streams. It is replaced
// wholesale on reload and never mutated in place.
type Snapshot struct {
	Streams map[string]StreamConfig
	Default StreamConfig
}

// streamsFile is the on-disk YAML layout of the definition source.
type streamsFile struct {
	Streams  map[string]StreamConfig `yaml:"streams"`
	Defaults *StreamConfig           `yaml:"defaults"`
}

// Store holds the current stream routing table and reloads it from the
// definition source. Safe for concurrent use; Resolve never blocks on a
// reload.
type Store struct {
	path     string
	snapshot atomic.Pointer[Snapshot]
	logger   *zap.Logger

	// onReload, when set, observes every reload outcome. Reload
	// failures are reported here and logged, never propagated to
	// in-flight requests.
	onReload func(*Snapshot, error)
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithReloadObserver registers a callback invoked after every reload
// attempt with the new snapshot (nil on failure) and the error, if any.
func WithReloadObserver(fn func(*Snapshot, error)) StoreOption {
	return func(s *Store) { s.onReload = fn }
}

// NewStore builds a Store from the YAML definition at path. A missing
// file yields an empty snapshot; a malformed one is an error at startup
// (there is no previous snapshot to keep).
func NewStore(path string, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(snap)
	return s, nil
}

// Snapshot returns the active configuration snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Resolve returns the effective configuration for a stream. It never
// fails: an unconfigured stream gets the default config with the target
// table set to the stream name itself. The override, if any, is applied
// last and wins over the file-defined config for this call only.
func (s *Store) Resolve(streamName string, override *StreamConfig) StreamConfig {
	snap := s.snapshot.Load()

	cfg, ok := snap.Streams[streamName]
	if !ok {
		cfg = snap.Default
		cfg.TargetTable = streamName
	}
	cfg.Name = streamName

	cfg = cfg.Overlay(override)
	if cfg.TargetTable == "" {
		cfg.TargetTable = streamName
	}
	return cfg
}

// Reload re-parses the definition source and atomically swaps in the
// new snapshot. On failure the previous snapshot remains active.
func (s *Store) Reload() (*Snapshot, error) {
	snap, err := s.load()
	if err != nil {
		s.logger.Error("stream config reload failed, keeping previous snapshot",
			zap.String("path", s.path), zap.Error(err))
		if s.onReload != nil {
			s.onReload(nil, err)
		}
		return nil, err
	}

	s.snapshot.Store(snap)
	s.logger.Info("stream config reloaded",
		zap.String("path", s.path), zap.Int("streams", len(snap.Streams)))
	if s.onReload != nil {
		s.onReload(snap, nil)
	}
	return snap, nil
}

// load parses the definition source into a fresh snapshot.
func (s *Store) load() (*Snapshot, error) {
	def := StreamConfig{
		Backend:     BackendEmbedded,
		ChunkSize:   100_000,
		Compression: &CompressionConfig{Algorithm: compression.Zstd, Level: compression.DefaultLevel},
	}

	snap := &Snapshot{Streams: map[string]StreamConfig{}, Default: def}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("stream config file not found, using defaults only",
				zap.String("path", s.path))
			return snap, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeReload, "read stream config")
	}

	var file streamsFile
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), &file); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeReload, "parse stream config")
	}

	if file.Defaults != nil {
		snap.Default = snap.Default.Overlay(file.Defaults)
	}

	for name, cfg := range file.Streams {
		cfg.Name = name
		if cfg.TargetTable == "" {
			cfg.TargetTable = name
		}
		if cfg.Backend == "" {
			cfg.Backend = snap.Default.Backend
		}
		if cfg.ChunkSize <= 0 {
			cfg.ChunkSize = snap.Default.ChunkSize
		}
		if cfg.Compression == nil {
			cfg.Compression = snap.Default.Compression
		}

		if err := validateStream(&cfg); err != nil {
			return nil, err
		}

		if cfg.Backend == BackendEmbedded && cfg.BackendOptions != nil {
			s.logger.Warn("backend_options ignored for embedded backend",
				zap.String("stream", name))
			cfg.BackendOptions = nil
		}

		snap.Streams[name] = cfg
	}

	return snap, nil
}

func validateStream(cfg *StreamConfig) error {
	switch cfg.Backend {
	case BackendEmbedded, BackendACID:
	default:
		return errors.Newf(errors.ErrorTypeReload,
			"stream %q: unknown backend %q", cfg.Name, cfg.Backend)
	}

	if cfg.Compression != nil {
		switch cfg.Compression.Algorithm {
		case compression.Zstd, compression.LZ4, compression.None, "":
		default:
			return errors.Newf(errors.ErrorTypeReload,
				"stream %q: unknown compression algorithm %q", cfg.Name, cfg.Compression.Algorithm)
		}
	}

	if cfg.BackendOptions != nil {
		switch cfg.BackendOptions.SchemaMode {
		case SchemaModeMerge, SchemaModeStrict, "":
		default:
			return errors.Newf(errors.ErrorTypeReload,
				"stream %q: unknown schema_mode %q", cfg.Name, cfg.BackendOptions.SchemaMode)
		}
	}

	return nil
}
