// Package duckdb implements the embedded-analytical backend variant on
// top of DuckDB. Batches are exposed to the engine through zero-copy
// Arrow view registration and appended with a plain INSERT ... SELECT
// inside the caller's transaction, so a failed write leaves the target
// untouched.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/backend"
	"github.com/arrowport/arrowport/pkg/batch"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/errors"
)

// Backend is the embedded DuckDB variant. Connections come from a
// bounded pool; writers to the shared database file are serialized by a
// single-writer token so a second Begin suspends until the first
// transaction finishes.
type Backend struct {
	db     *sql.DB
	logger *zap.Logger

	// writeToken enforces the single-writer transaction discipline.
	writeToken chan struct{}

	viewSeq atomic.Uint64
}

// handle is one pooled connection pinned for the duration of a
// transaction.
type handle struct {
	conn *sql.Conn
	tx   *sql.Tx
	done bool
}

// Backend implements backend.Handle.
func (h *handle) Backend() config.BackendKind { return config.BackendEmbedded }

// New opens (or creates) the DuckDB database at path. An empty path
// opens an in-memory database. poolSize bounds the connection pool.
func New(path string, poolSize int, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poolSize <= 0 {
		poolSize = 4
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "open duckdb")
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "connect duckdb")
	}

	token := make(chan struct{}, 1)
	token <- struct{}{}

	return &Backend{
		db:         db,
		logger:     logger.With(zap.String("backend", "embedded")),
		writeToken: token,
	}, nil
}

// Kind identifies the variant.
func (b *Backend) Kind() config.BackendKind { return config.BackendEmbedded }

// DB exposes the underlying pool for read-side queries.
func (b *Backend) DB() *sql.DB { return b.db }

// Close closes the database.
func (b *Backend) Close() error { return b.db.Close() }

// EnsureTable creates the target if absent. The definition is derived
// structurally from the batch schema: an empty Arrow view is registered
// and the table is created as a zero-row projection of it, so column
// types come from the batch, not a hand-written DDL.
func (b *Backend) EnsureTable(ctx context.Context, table string, schema *arrow.Schema, _ *config.BackendOptions) error {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "acquire connection")
	}
	defer conn.Close()

	empty := emptyRecord(schema)
	defer empty.Release()
	rdr, err := array.NewRecordReader(schema, []arrow.Record{empty})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "create empty record reader")
	}
	defer rdr.Release()

	view := b.nextViewName()
	return b.withArrowView(ctx, conn, rdr, view, func() error {
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s LIMIT 0",
			quoteIdent(table), quoteIdent(view))
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, errors.ErrorTypeBackend, "create table")
		}
		return nil
	})
}

// Begin acquires the write token and opens a transaction on a pinned
// connection. It suspends while another writer's transaction is open.
func (b *Backend) Begin(ctx context.Context) (backend.Handle, error) {
	select {
	case <-b.writeToken:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "waiting for write transaction")
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		b.writeToken <- struct{}{}
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "acquire connection")
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		b.writeToken <- struct{}{}
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "begin transaction")
	}

	return &handle{conn: conn, tx: tx}, nil
}

// Write registers the batch as an Arrow view on the handle's connection
// and appends it to the target inside the open transaction. Columns not
// present in the target (or incompatible types) fail the whole batch
// with a schema mismatch; the caller's rollback keeps the target
// unchanged.
func (b *Backend) Write(ctx context.Context, h backend.Handle, table string, bt *batch.Batch, _ *config.BackendOptions) (int64, error) {
	hd, err := b.own(h)
	if err != nil {
		return 0, err
	}

	if err := b.checkColumns(ctx, hd, table, bt.Schema); err != nil {
		return 0, err
	}

	rdr, err := bt.Reader()
	if err != nil {
		return 0, err
	}
	defer rdr.Release()

	cols := make([]string, bt.Schema.NumFields())
	for i := range cols {
		cols[i] = quoteIdent(bt.Schema.Field(i).Name)
	}
	colList := strings.Join(cols, ", ")

	var rows int64
	view := b.nextViewName()
	err = b.withArrowView(ctx, hd.conn, rdr, view, func() error {
		stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			quoteIdent(table), colList, colList, quoteIdent(view))
		res, err := hd.tx.ExecContext(ctx, stmt)
		if err != nil {
			return classifyWriteError(err, table)
		}
		rows, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.logger.Debug("batch appended",
		zap.String("table", table), zap.Int64("rows", rows))
	return rows, nil
}

// Commit commits the handle's transaction and releases it.
func (b *Backend) Commit(ctx context.Context, h backend.Handle) error {
	hd, err := b.own(h)
	if err != nil {
		return err
	}
	defer b.release(hd)

	if err := hd.tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "commit")
	}
	return nil
}

// Rollback aborts the handle's transaction and releases it.
func (b *Backend) Rollback(ctx context.Context, h backend.Handle) error {
	hd, err := b.own(h)
	if err != nil {
		return err
	}
	defer b.release(hd)

	if err := hd.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, errors.ErrorTypeBackend, "rollback")
	}
	return nil
}

func (b *Backend) own(h backend.Handle) (*handle, error) {
	hd, ok := h.(*handle)
	if !ok || hd.done {
		return nil, errors.New(errors.ErrorTypeInternal, "handle does not belong to an open embedded transaction")
	}
	return hd, nil
}

func (b *Backend) release(hd *handle) {
	hd.done = true
	_ = hd.conn.Close()
	b.writeToken <- struct{}{}
}

// withArrowView registers rdr as a named view on the pinned connection,
// runs fn, and drops the view again. Raw holds the driver connection
// lock for the duration of its callback, so only the registration may
// happen inside it; fn and the cleanup statement run after it returns.
func (b *Backend) withArrowView(ctx context.Context, conn *sql.Conn, rdr array.RecordReader, view string, fn func() error) error {
	var release func()
	err := conn.Raw(func(driverConn interface{}) error {
		dc, ok := driverConn.(driver.Conn)
		if !ok {
			return errors.New(errors.ErrorTypeBackend, "unexpected driver connection type")
		}
		ar, err := duckdb.NewArrowFromConn(dc)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeBackend, "arrow interface")
		}
		release, err = ar.RegisterView(rdr, view)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeBackend, "register arrow view")
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer release()

	fnErr := fn()

	// Best effort; the view is temporary and scoped to the connection.
	_, _ = conn.ExecContext(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(view)))
	return fnErr
}

// checkColumns rejects batches carrying columns the target does not
// have. Missing batch columns are allowed; the engine fills defaults.
func (b *Backend) checkColumns(ctx context.Context, hd *handle, table string, schema *arrow.Schema) error {
	rows, err := hd.tx.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = ?", table)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "describe table")
	}
	defer rows.Close()

	existing := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.Wrap(err, errors.ErrorTypeBackend, "describe table")
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "describe table")
	}
	if len(existing) == 0 {
		// Table missing entirely; let the insert surface the engine error.
		return nil
	}

	for i := 0; i < schema.NumFields(); i++ {
		name := schema.Field(i).Name
		if _, ok := existing[name]; !ok {
			return errors.Newf(errors.ErrorTypeSchemaMismatch,
				"column %q not present in target table %q", name, table)
		}
	}
	return nil
}

// classifyWriteError maps engine binder/conversion failures to schema
// mismatches; everything else stays a backend error.
func classifyWriteError(err error, table string) error {
	msg := err.Error()
	if strings.Contains(msg, "Binder Error") || strings.Contains(msg, "Conversion Error") {
		return errors.Wrap(err, errors.ErrorTypeSchemaMismatch,
			fmt.Sprintf("batch incompatible with table %q", table))
	}
	return errors.Wrap(err, errors.ErrorTypeBackend, "insert batch")
}

func (b *Backend) nextViewName() string {
	return fmt.Sprintf("arrow_batch_%d", b.viewSeq.Add(1))
}

func emptyRecord(schema *arrow.Schema) arrow.Record {
	bldr := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer bldr.Release()
	return bldr.NewRecord()
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
