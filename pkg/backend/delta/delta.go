// Package delta implements the ACID table-format backend variant as a
// local Delta-style store: immutable parquet data files plus a JSON
// commit log per table. Every Write is one independently atomic commit
// advancing the table version by exactly one; concurrent writers race
// on version-file creation and the loser retries against fresh state,
// surfacing a write conflict only after the retries are exhausted.
package delta

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/backend"
	"github.com/arrowport/arrowport/pkg/batch"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/errors"
	"github.com/arrowport/arrowport/pkg/metrics"
)

// maxCommitRetries bounds the optimistic-concurrency retry loop.
const maxCommitRetries = 10

const (
	opWrite   = "WRITE"
	opRestore = "RESTORE"
)

// Store is the delta table store rooted at a directory, one
// subdirectory per table.
type Store struct {
	root   string
	logger *zap.Logger

	mu     sync.Mutex
	tables map[string]*sync.Mutex // serializes in-process commits per table
}

// noopHandle satisfies the shared contract: each delta Write is its own
// ACID commit, so the transaction wrapper has nothing to do.
type noopHandle struct{}

func (noopHandle) Backend() config.BackendKind { return config.BackendACID }

// New opens (or creates) a delta store rooted at dir.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "create delta root")
	}
	return &Store{
		root:   dir,
		logger: logger.With(zap.String("backend", "acid")),
		tables: map[string]*sync.Mutex{},
	}, nil
}

// Kind identifies the variant.
func (s *Store) Kind() config.BackendKind { return config.BackendACID }

// Close releases nothing; all state is on disk.
func (s *Store) Close() error { return nil }

// EnsureTable is a no-op: the store creates tables implicitly on first
// write.
func (s *Store) EnsureTable(context.Context, string, *arrow.Schema, *config.BackendOptions) error {
	return nil
}

// Begin returns a no-op handle; see the package comment for why.
func (s *Store) Begin(context.Context) (backend.Handle, error) {
	return noopHandle{}, nil
}

// Commit is a no-op on this variant.
func (s *Store) Commit(context.Context, backend.Handle) error { return nil }

// Rollback is a no-op on this variant.
func (s *Store) Rollback(context.Context, backend.Handle) error { return nil }

// Write appends the batch as one atomic commit, honoring partition_by
// and schema_mode. On success the table version advances by exactly one.
func (s *Store) Write(ctx context.Context, _ backend.Handle, table string, b *batch.Batch, opts *config.BackendOptions) (int64, error) {
	if err := validateTableName(table); err != nil {
		return 0, err
	}

	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	tableDir := filepath.Join(s.root, table)

	batchFields, err := fieldDefsFromArrow(b.Schema)
	if err != nil {
		return 0, err
	}

	adds, err := writeDataFiles(tableDir, table, b, opts)
	if err != nil {
		return 0, err
	}

	mode := config.SchemaModeMerge
	if opts != nil && opts.SchemaMode != "" {
		mode = opts.SchemaMode
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			s.discard(tableDir, adds)
			return 0, errors.Wrap(err, errors.ErrorTypeTimeout, "commit cancelled")
		}

		state, err := readState(tableDir)
		if err != nil {
			s.discard(tableDir, adds)
			return 0, err
		}

		schema, err := resolveSchema(state.schema, batchFields, mode, table)
		if err != nil {
			s.discard(tableDir, adds)
			metrics.SchemaMismatches.WithLabelValues(table, string(config.BackendACID)).Inc()
			return 0, err
		}

		rec := &commitRecord{
			Version:     state.version + 1,
			TimestampMs: nowMs(),
			Operation:   opWrite,
			Schema:      schema,
			Add:         adds,
		}

		err = writeCommit(tableDir, rec)
		if err == nil {
			rows := b.NumRows()
			metrics.DeltaTableVersion.WithLabelValues(table).Set(float64(rec.Version))
			metrics.DeltaFileCount.WithLabelValues(table).Set(float64(len(state.live) + len(adds)))
			s.logger.Info("commit",
				zap.String("table", table),
				zap.Int64("version", rec.Version),
				zap.Int64("rows", rows),
				zap.Int("files", len(adds)))
			return rows, nil
		}
		if !os.IsExist(err) {
			s.discard(tableDir, adds)
			return 0, err
		}
		// Lost the race for this version; retry against fresh state.
	}

	s.discard(tableDir, adds)
	return 0, errors.Newf(errors.ErrorTypeWriteConflict,
		"commit to %q lost %d version races", table, maxCommitRetries)
}

// resolveSchema reconciles the batch schema with the table's logical
// schema. Merge mode widens the table with new columns; strict mode
// rejects them. Type changes for existing columns are rejected in both
// modes.
func resolveSchema(existing, incoming []fieldDef, mode config.SchemaMode, table string) ([]fieldDef, error) {
	if len(existing) == 0 {
		return incoming, nil
	}

	byName := make(map[string]fieldDef, len(existing))
	for _, f := range existing {
		byName[f.Name] = f
	}

	merged := append([]fieldDef(nil), existing...)
	for _, f := range incoming {
		prev, ok := byName[f.Name]
		if !ok {
			if mode == config.SchemaModeStrict {
				return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
					"column %q not present in table %q (schema_mode strict)", f.Name, table)
			}
			merged = append(merged, f)
			continue
		}
		if prev.Type != f.Type {
			return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
				"column %q type %s does not match table %q type %s", f.Name, f.Type, table, prev.Type)
		}
	}
	return merged, nil
}

// discard removes data files written for a commit that will never land.
func (s *Store) discard(tableDir string, adds []addFile) {
	for _, add := range adds {
		if err := os.Remove(filepath.Join(tableDir, filepath.FromSlash(add.Path))); err != nil {
			s.logger.Warn("failed to remove orphaned data file",
				zap.String("path", add.Path), zap.Error(err))
		}
	}
}

func (s *Store) tableLock(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tables[table]
	if !ok {
		lock = &sync.Mutex{}
		s.tables[table] = lock
	}
	return lock
}

func validateTableName(table string) error {
	if table == "" || table == logDirName ||
		filepath.Base(table) != table || table == "." || table == ".." {
		return errors.Newf(errors.ErrorTypeBackend, "invalid table name %q", table)
	}
	return nil
}
