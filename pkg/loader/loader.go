// Package loader drives the transactional load path shared by both
// intake surfaces. A load moves through decoding, routing, and writing,
// and terminates either committed or rolled back; a failure after the
// write stage never leaves partial rows in the target.
package loader

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/backend"
	"github.com/arrowport/arrowport/pkg/batch"
	"github.com/arrowport/arrowport/pkg/compression"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/errors"
	"github.com/arrowport/arrowport/pkg/logger"
	"github.com/arrowport/arrowport/pkg/metrics"
)

// Load statuses reported to intake clients.
const (
	StatusSuccess    = "success"
	StatusRolledBack = "rolled_back"
)

// Result is the outcome of one load invocation.
type Result struct {
	Stream        string             `json:"stream"`
	Table         string             `json:"table"`
	Backend       config.BackendKind `json:"backend"`
	RowsProcessed int64              `json:"rows_processed"`
	Status        string             `json:"status"`
	Message       string             `json:"message,omitempty"`
}

// Loader routes decoded batches to the configured backend inside a
// transaction. It holds no per-stream state; routing is resolved from
// the config store snapshot on every call.
type Loader struct {
	cfg      *config.Store
	backends map[config.BackendKind]backend.Backend
	logger   *zap.Logger
}

// New builds a loader over the given backends.
func New(cfg *config.Store, backends map[config.BackendKind]backend.Backend, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, backends: backends, logger: logger}
}

// Load runs one request/response ingest: decompress the payload per the
// stream's config, decode it, and append it to the target table inside
// a single transaction. Records larger than the stream's chunk size are
// sliced before the write. An empty batch is acknowledged as a
// successful load of zero rows without touching the backend.
func (l *Loader) Load(ctx context.Context, streamName string, override *config.StreamConfig, schemaBytes, payload []byte) (*Result, error) {
	cfg := l.cfg.Resolve(streamName, override)
	timer := metrics.NewTimer()
	log := l.logger.With(logger.ContextFields(ctx)...)

	res := &Result{Stream: streamName, Table: cfg.TargetTable, Backend: cfg.Backend}

	be, ok := l.backends[cfg.Backend]
	if !ok {
		return l.fail(log, res, errors.Newf(errors.ErrorTypeConfig, "backend %q not available", cfg.Backend))
	}

	raw, err := l.decompress(cfg, payload)
	if err != nil {
		return l.fail(log, res, err)
	}

	bt, err := batch.Decode(schemaBytes, raw)
	if err != nil {
		if errors.Is(err, batch.ErrEmptyBatch) {
			res.Status = StatusSuccess
			res.Message = "empty batch"
			return res, nil
		}
		if errors.IsType(err, errors.ErrorTypeSchemaMismatch) {
			metrics.SchemaMismatches.WithLabelValues(cfg.TargetTable, string(cfg.Backend)).Inc()
		}
		return l.fail(log, res, err)
	}
	defer bt.Release()

	if cfg.ChunkSize > 0 {
		chunked := bt.Chunk(cfg.ChunkSize)
		defer chunked.Release()
		bt = chunked
	}

	opts := cfg.Options()
	if err := be.EnsureTable(ctx, cfg.TargetTable, bt.Schema, opts); err != nil {
		return l.fail(log, res, err)
	}

	h, err := be.Begin(ctx)
	if err != nil {
		return l.fail(log, res, err)
	}

	rows, err := be.Write(ctx, h, cfg.TargetTable, bt, opts)
	if err != nil {
		if rbErr := be.Rollback(ctx, h); rbErr != nil {
			log.Error("rollback failed",
				zap.String("stream", streamName), zap.Error(rbErr))
		}
		res.Status = StatusRolledBack
		return l.fail(log, res, err)
	}

	if err := be.Commit(ctx, h); err != nil {
		res.Status = StatusRolledBack
		return l.fail(log, res, err)
	}

	res.RowsProcessed = rows
	res.Status = StatusSuccess
	metrics.RowsProcessed.WithLabelValues(streamName, string(cfg.Backend), "success").Add(float64(rows))
	elapsed := timer.ObserveLoad(streamName, string(cfg.Backend))

	log.Info("batch loaded",
		zap.String("stream", streamName),
		zap.String("table", cfg.TargetTable),
		zap.String("backend", string(cfg.Backend)),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// decompress reverses the stream's transport codec. Streams without a
// compression block pass payloads through untouched.
func (l *Loader) decompress(cfg config.StreamConfig, payload []byte) ([]byte, error) {
	if cfg.Compression == nil || cfg.Compression.Algorithm == compression.None {
		return payload, nil
	}
	raw, err := compression.Decode(payload, cfg.Compression.Algorithm)
	if err != nil {
		return nil, err
	}
	metrics.ObserveCompression(string(cfg.Compression.Algorithm), len(payload), len(raw))
	return raw, nil
}

// fail finalizes a result for an error outcome. The error is returned
// alongside the result so intake surfaces can map it to a status code.
func (l *Loader) fail(log *zap.Logger, res *Result, err error) (*Result, error) {
	if res.Status == "" {
		res.Status = "error"
	}
	res.Message = err.Error()
	metrics.RowsProcessed.WithLabelValues(res.Stream, string(res.Backend), "failure").Add(0)
	if errors.IsType(err, errors.ErrorTypeSchemaMismatch) {
		metrics.SchemaMismatches.WithLabelValues(res.Table, string(res.Backend)).Inc()
	}
	log.Warn("load failed",
		zap.String("stream", res.Stream),
		zap.String("table", res.Table),
		zap.Error(err))
	return res, err
}

// Session is a long-lived ingest bound to one stream. Embedded-backed
// sessions run inside a single transaction committed at Close, so a
// dropped session leaves no rows behind. ACID-backed sessions commit
// per batch; each append is its own table version.
type Session struct {
	log    *zap.Logger
	cfg    config.StreamConfig
	be     backend.Backend
	stream string

	handle  backend.Handle // embedded only, opened at first append
	ensured bool
	rows    int64
	closed  bool
	timer   *metrics.Timer
}

// BeginSession resolves the stream's routing and opens a session on it.
// No backend resources are held until the first append.
func (l *Loader) BeginSession(ctx context.Context, streamName string, override *config.StreamConfig) (*Session, error) {
	cfg := l.cfg.Resolve(streamName, override)
	be, ok := l.backends[cfg.Backend]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "backend %q not available", cfg.Backend)
	}
	metrics.ActiveSessions.Inc()
	return &Session{
		log:    l.logger.With(logger.ContextFields(ctx)...),
		cfg:    cfg,
		be:     be,
		stream: streamName,
		timer:  metrics.NewTimer(),
	}, nil
}

// Rows reports the rows appended so far.
func (s *Session) Rows() int64 { return s.rows }

// Table reports the resolved target table.
func (s *Session) Table() string { return s.cfg.TargetTable }

// Backend reports the resolved backend kind.
func (s *Session) Backend() config.BackendKind { return s.cfg.Backend }

// Append writes one record into the session's target. For the embedded
// backend the write joins the session transaction; for the ACID backend
// it commits immediately.
func (s *Session) Append(ctx context.Context, rec arrow.Record) (int64, error) {
	if s.closed {
		return 0, errors.New(errors.ErrorTypeInternal, "append on closed session")
	}
	if rec.NumRows() == 0 {
		return 0, nil
	}

	bt := &batch.Batch{Schema: rec.Schema(), Records: []arrow.Record{rec}}
	if s.cfg.ChunkSize > 0 {
		bt = bt.Chunk(s.cfg.ChunkSize)
		defer bt.Release()
	}
	opts := s.cfg.Options()

	if !s.ensured {
		if err := s.be.EnsureTable(ctx, s.cfg.TargetTable, bt.Schema, opts); err != nil {
			return 0, s.failAppend(err)
		}
		s.ensured = true
	}

	if s.cfg.Backend == config.BackendEmbedded {
		if s.handle == nil {
			h, err := s.be.Begin(ctx)
			if err != nil {
				return 0, s.failAppend(err)
			}
			s.handle = h
		}
		rows, err := s.be.Write(ctx, s.handle, s.cfg.TargetTable, bt, opts)
		if err != nil {
			return 0, s.failAppend(err)
		}
		s.rows += rows
		return rows, nil
	}

	// Per-batch commit path.
	h, err := s.be.Begin(ctx)
	if err != nil {
		return 0, s.failAppend(err)
	}
	rows, err := s.be.Write(ctx, h, s.cfg.TargetTable, bt, opts)
	if err != nil {
		_ = s.be.Rollback(ctx, h)
		return 0, s.failAppend(err)
	}
	if err := s.be.Commit(ctx, h); err != nil {
		return 0, s.failAppend(err)
	}
	s.rows += rows
	metrics.RowsProcessed.WithLabelValues(s.stream, string(s.cfg.Backend), "success").Add(float64(rows))
	return rows, nil
}

func (s *Session) failAppend(err error) error {
	metrics.RowsProcessed.WithLabelValues(s.stream, string(s.cfg.Backend), "failure").Add(0)
	if errors.IsType(err, errors.ErrorTypeSchemaMismatch) {
		metrics.SchemaMismatches.WithLabelValues(s.cfg.TargetTable, string(s.cfg.Backend)).Inc()
	}
	return err
}

// Close ends the session cleanly, committing the open embedded
// transaction if one exists. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	metrics.ActiveSessions.Dec()

	if s.handle != nil {
		if err := s.be.Commit(ctx, s.handle); err != nil {
			return err
		}
	}
	if s.cfg.Backend == config.BackendEmbedded && s.rows > 0 {
		metrics.RowsProcessed.WithLabelValues(s.stream, string(s.cfg.Backend), "success").Add(float64(s.rows))
	}
	s.timer.ObserveLoad(s.stream, string(s.cfg.Backend))

	s.log.Info("session closed",
		zap.String("stream", s.stream),
		zap.String("table", s.cfg.TargetTable),
		zap.Int64("rows", s.rows))
	return nil
}

// Abort ends the session discarding the open embedded transaction.
// Batches already committed by an ACID-backed session stay committed.
// Idempotent.
func (s *Session) Abort(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	metrics.ActiveSessions.Dec()

	s.log.Warn("session aborted",
		zap.String("stream", s.stream),
		zap.String("table", s.cfg.TargetTable),
		zap.Int64("rows", s.rows))

	if s.handle != nil {
		return s.be.Rollback(ctx, s.handle)
	}
	return nil
}
