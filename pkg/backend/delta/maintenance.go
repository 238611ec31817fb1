package delta

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/errors"
	"github.com/arrowport/arrowport/pkg/metrics"
)

// CommitInfo is one entry of a table's version history.
type CommitInfo struct {
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	NumFiles  int       `json:"num_files"`
	NumRows   int64     `json:"num_rows"`
}

// TableInfo summarizes a table's current state.
type TableInfo struct {
	Table     string      `json:"table"`
	Version   int64       `json:"version"`
	Schema    []FieldInfo `json:"schema"`
	FileCount int         `json:"file_count"`
	NumRows   int64       `json:"num_rows"`
	SizeBytes int64       `json:"size_bytes"`
}

// FieldInfo is one column of a table's logical schema.
type FieldInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// History returns the table's commit history, newest first.
func (s *Store) History(ctx context.Context, table string) ([]CommitInfo, error) {
	state, err := s.loadTable(table)
	if err != nil {
		return nil, err
	}

	out := make([]CommitInfo, 0, len(state.commits))
	for i := len(state.commits) - 1; i >= 0; i-- {
		c := &state.commits[i]
		var rows int64
		for _, a := range c.Add {
			rows += a.NumRows
		}
		out = append(out, CommitInfo{
			Version:   c.Version,
			Timestamp: time.UnixMilli(c.TimestampMs),
			Operation: c.Operation,
			NumFiles:  len(c.Add),
			NumRows:   rows,
		})
	}
	return out, nil
}

// Info returns the table's current version, schema and file statistics.
func (s *Store) Info(ctx context.Context, table string) (*TableInfo, error) {
	state, err := s.loadTable(table)
	if err != nil {
		return nil, err
	}

	info := &TableInfo{Table: table, Version: state.version}
	for _, f := range state.schema {
		info.Schema = append(info.Schema, FieldInfo(f))
	}
	for _, a := range state.live {
		info.FileCount++
		info.NumRows += a.NumRows
		info.SizeBytes += a.SizeBytes
	}
	return info, nil
}

// Vacuum returns the data files eligible for removal: files no longer
// referenced by the current version, not referenced by any version
// committed within the retention window, and older on disk than the
// retention period. With dryRun the candidates are returned without
// deleting anything.
func (s *Store) Vacuum(ctx context.Context, table string, retentionHours float64, dryRun bool) ([]string, error) {
	if retentionHours < 0 {
		return nil, errors.New(errors.ErrorTypeBackend, "retention_hours must be non-negative")
	}

	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.loadTable(table)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(retentionHours * float64(time.Hour)))
	cutoffMs := cutoff.UnixMilli()

	// Protected: everything live now, plus everything referenced by a
	// version still within the retention window (time travel reads).
	protected := map[string]struct{}{}
	for p := range state.live {
		protected[p] = struct{}{}
	}
	for i := range state.commits {
		c := &state.commits[i]
		if c.TimestampMs >= cutoffMs {
			for _, a := range c.Add {
				protected[a.Path] = struct{}{}
			}
		}
	}

	tableDir := filepath.Join(s.root, table)
	var candidates []string
	err = filepath.Walk(tableDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == logDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(p) != ".parquet" {
			return nil
		}
		rel, err := filepath.Rel(tableDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := protected[rel]; ok {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		candidates = append(candidates, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "scan table files")
	}

	if dryRun {
		return candidates, nil
	}

	for _, rel := range candidates {
		if err := os.Remove(filepath.Join(tableDir, filepath.FromSlash(rel))); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBackend, "remove vacuumed file")
		}
	}
	s.logger.Info("vacuum",
		zap.String("table", table),
		zap.Float64("retention_hours", retentionHours),
		zap.Int("removed", len(candidates)))
	return candidates, nil
}

// Restore creates a new commit whose live file set matches the
// requested historical version. History is preserved: restore is itself
// a commit, not a rewrite.
func (s *Store) Restore(ctx context.Context, table string, version int64) error {
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.loadTable(table)
	if err != nil {
		return err
	}

	target, err := state.stateAt(version)
	if err != nil {
		return err
	}

	tableDir := filepath.Join(s.root, table)

	var adds []addFile
	for p, a := range target.live {
		if _, stillLive := state.live[p]; stillLive {
			continue
		}
		if _, err := os.Stat(filepath.Join(tableDir, filepath.FromSlash(p))); err != nil {
			return errors.Newf(errors.ErrorTypeBackend,
				"cannot restore to version %d: file %q was vacuumed", version, p)
		}
		adds = append(adds, a)
	}

	now := nowMs()
	var removes []removeFile
	for p := range state.live {
		if _, wanted := target.live[p]; !wanted {
			removes = append(removes, removeFile{Path: p, DeletionTimestamp: now})
		}
	}

	rec := &commitRecord{
		Version:     state.version + 1,
		TimestampMs: now,
		Operation:   opRestore,
		Schema:      target.schema,
		Add:         adds,
		Remove:      removes,
	}
	if err := writeCommit(tableDir, rec); err != nil {
		if os.IsExist(err) {
			return errors.Newf(errors.ErrorTypeWriteConflict,
				"restore of %q conflicted with a concurrent commit", table)
		}
		return err
	}

	metrics.DeltaTableVersion.WithLabelValues(table).Set(float64(rec.Version))
	metrics.DeltaFileCount.WithLabelValues(table).Set(float64(len(target.live)))
	s.logger.Info("restore",
		zap.String("table", table),
		zap.Int64("to_version", version),
		zap.Int64("new_version", rec.Version))
	return nil
}

// loadTable reads the state of an existing table.
func (s *Store) loadTable(table string) (*tableState, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	state, err := readState(filepath.Join(s.root, table))
	if err != nil {
		return nil, err
	}
	if !state.exists() {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %q does not exist", table)
	}
	return state, nil
}
