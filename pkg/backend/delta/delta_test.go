package delta

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/batch"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/errors"
)

func eventSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "event_type", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

func eventBatch(t *testing.T, types []string, values []int64) *batch.Batch {
	t.Helper()
	schema := eventSchema()
	bldr := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer bldr.Release()
	bldr.Field(0).(*array.StringBuilder).AppendValues(types, nil)
	bldr.Field(1).(*array.Int64Builder).AppendValues(values, nil)
	return &batch.Batch{Schema: schema, Records: []arrow.Record{bldr.NewRecord()}}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestWriteAdvancesVersionByOne(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	rows, err := s.Write(ctx, noopHandle{}, "events", b1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	hist, err := s.History(ctx, "events")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(0), hist[0].Version)

	b2 := eventBatch(t, []string{"view"}, []int64{2})
	defer b2.Release()
	_, err = s.Write(ctx, noopHandle{}, "events", b2, nil)
	require.NoError(t, err)

	hist, err = s.History(ctx, "events")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// Newest first, each successful write adds exactly one version.
	assert.Equal(t, int64(1), hist[0].Version)
	assert.Equal(t, int64(0), hist[1].Version)
}

func TestFailedWriteLeavesHistoryUnchanged(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	strict := &config.BackendOptions{SchemaMode: config.SchemaModeStrict}

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err := s.Write(ctx, noopHandle{}, "events", b1, strict)
	require.NoError(t, err)

	// A batch with an extra column is rejected under strict mode.
	widened := arrow.NewSchema([]arrow.Field{
		{Name: "event_type", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
		{Name: "source", Type: arrow.BinaryTypes.String},
	}, nil)
	bldr := array.NewRecordBuilder(memory.NewGoAllocator(), widened)
	bldr.Field(0).(*array.StringBuilder).Append("click")
	bldr.Field(1).(*array.Int64Builder).Append(3)
	bldr.Field(2).(*array.StringBuilder).Append("web")
	bad := &batch.Batch{Schema: widened, Records: []arrow.Record{bldr.NewRecord()}}
	bldr.Release()
	defer bad.Release()

	_, err = s.Write(ctx, noopHandle{}, "events", bad, strict)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))

	hist, err := s.History(ctx, "events")
	require.NoError(t, err)
	assert.Len(t, hist, 1, "failed writes must not advance the version")
}

func TestSchemaMergeWidens(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	merge := &config.BackendOptions{SchemaMode: config.SchemaModeMerge}

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err := s.Write(ctx, noopHandle{}, "events", b1, merge)
	require.NoError(t, err)

	widened := arrow.NewSchema([]arrow.Field{
		{Name: "event_type", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
		{Name: "source", Type: arrow.BinaryTypes.String},
	}, nil)
	bldr := array.NewRecordBuilder(memory.NewGoAllocator(), widened)
	bldr.Field(0).(*array.StringBuilder).Append("view")
	bldr.Field(1).(*array.Int64Builder).Append(2)
	bldr.Field(2).(*array.StringBuilder).Append("web")
	b2 := &batch.Batch{Schema: widened, Records: []arrow.Record{bldr.NewRecord()}}
	bldr.Release()
	defer b2.Release()

	_, err = s.Write(ctx, noopHandle{}, "events", b2, merge)
	require.NoError(t, err)

	info, err := s.Info(ctx, "events")
	require.NoError(t, err)
	require.Len(t, info.Schema, 3)
	assert.Equal(t, "source", info.Schema[2].Name)
}

func TestIncompatibleTypeRejectedInBothModes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err := s.Write(ctx, noopHandle{}, "events", b1, nil)
	require.NoError(t, err)

	retyped := arrow.NewSchema([]arrow.Field{
		{Name: "event_type", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	bldr := array.NewRecordBuilder(memory.NewGoAllocator(), retyped)
	bldr.Field(0).(*array.StringBuilder).Append("click")
	bldr.Field(1).(*array.Float64Builder).Append(1.5)
	bad := &batch.Batch{Schema: retyped, Records: []arrow.Record{bldr.NewRecord()}}
	bldr.Release()
	defer bad.Release()

	for _, mode := range []config.SchemaMode{config.SchemaModeMerge, config.SchemaModeStrict} {
		_, err = s.Write(ctx, noopHandle{}, "events", bad, &config.BackendOptions{SchemaMode: mode})
		require.Error(t, err, "mode %s", mode)
		assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
	}
}

func TestPartitionedWriteCreatesPartitionDirs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	opts := &config.BackendOptions{PartitionBy: []string{"event_type"}}

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err = s.Write(ctx, noopHandle{}, "events", b1, opts)
	require.NoError(t, err)

	b2 := eventBatch(t, []string{"view"}, []int64{2})
	defer b2.Release()
	_, err = s.Write(ctx, noopHandle{}, "events", b2, opts)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(dir, "events", "event_type=click"))
	assert.DirExists(t, filepath.Join(dir, "events", "event_type=view"))

	hist, err := s.History(ctx, "events")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestRestoreCreatesNewVersion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err := s.Write(ctx, noopHandle{}, "events", b1, nil)
	require.NoError(t, err)

	b2 := eventBatch(t, []string{"view", "view"}, []int64{2, 3})
	defer b2.Release()
	_, err = s.Write(ctx, noopHandle{}, "events", b2, nil)
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, "events", 0))

	info, err := s.Info(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version, "restore is a new commit, not a rewrite")
	assert.Equal(t, int64(1), info.NumRows, "data matches the restored version")

	hist, err := s.History(ctx, "events")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, opRestore, hist[0].Operation)
}

func TestRestoreUnknownVersion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err := s.Write(ctx, noopHandle{}, "events", b1, nil)
	require.NoError(t, err)

	err = s.Restore(ctx, "events", 7)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestVacuumDryRunThenDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err = s.Write(ctx, noopHandle{}, "events", b1, nil)
	require.NoError(t, err)

	b2 := eventBatch(t, []string{"view"}, []int64{2})
	defer b2.Release()
	_, err = s.Write(ctx, noopHandle{}, "events", b2, nil)
	require.NoError(t, err)

	// Drop version 1's file from the live set.
	require.NoError(t, s.Restore(ctx, "events", 0))

	// Age every data file past the retention cutoff.
	old := time.Now().Add(-2 * time.Hour)
	tableDir := filepath.Join(dir, "events")
	require.NoError(t, filepath.Walk(tableDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		return os.Chtimes(p, old, old)
	}))

	// Let the commit timestamps fall behind the zero-retention cutoff.
	time.Sleep(10 * time.Millisecond)

	candidates, err := s.Vacuum(ctx, "events", 0, true)
	require.NoError(t, err)
	require.NotEmpty(t, candidates, "dry run must list removable files")

	// Dry run removed nothing.
	for _, rel := range candidates {
		assert.FileExists(t, filepath.Join(tableDir, filepath.FromSlash(rel)))
	}

	removed, err := s.Vacuum(ctx, "events", 0, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, candidates, removed)
	for _, rel := range removed {
		assert.NoFileExists(t, filepath.Join(tableDir, filepath.FromSlash(rel)))
	}

	// The live file survived and the table still reads.
	info, err := s.Info(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 1, info.FileCount)
}

func TestVacuumProtectsRetentionWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b1 := eventBatch(t, []string{"click"}, []int64{1})
	defer b1.Release()
	_, err := s.Write(ctx, noopHandle{}, "events", b1, nil)
	require.NoError(t, err)

	b2 := eventBatch(t, []string{"view"}, []int64{2})
	defer b2.Release()
	_, err = s.Write(ctx, noopHandle{}, "events", b2, nil)
	require.NoError(t, err)
	require.NoError(t, s.Restore(ctx, "events", 0))

	// All versions are recent, so a 168h retention protects everything.
	candidates, err := s.Vacuum(ctx, "events", 168, true)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestTransactionWrapperIsNoOp(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// The delta variant commits per write; the shared contract's
	// begin/commit/rollback must be safe no-ops.
	h, err := s.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.BackendACID, h.Backend())
	require.NoError(t, s.Commit(ctx, h))
	require.NoError(t, s.Rollback(ctx, h))
}
