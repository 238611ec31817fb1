package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/backend"
	"github.com/arrowport/arrowport/pkg/backend/delta"
	"github.com/arrowport/arrowport/pkg/batch"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/loader"
)

type httpFixture struct {
	e     *echo.Echo
	delta *delta.Store
	store *config.Store
}

func newHTTPFixture(t *testing.T, streamsYAML string) *httpFixture {
	t.Helper()

	dir := t.TempDir()
	streamsPath := filepath.Join(dir, "streams.yaml")
	require.NoError(t, os.WriteFile(streamsPath, []byte(streamsYAML), 0o644))

	store, err := config.NewStore(streamsPath, zap.NewNop())
	require.NoError(t, err)

	ds, err := delta.New(filepath.Join(dir, "delta"), zap.NewNop())
	require.NoError(t, err)

	ld := loader.New(store, map[config.BackendKind]backend.Backend{
		config.BackendACID: ds,
	}, zap.NewNop())

	e := newEcho(zap.NewNop())
	h := &httpHandler{loader: ld, cfg: store, delta: ds, logger: zap.NewNop()}
	h.register(e)

	return &httpFixture{e: e, delta: ds, store: store}
}

func eventSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "event_type", Type: arrow.BinaryTypes.String},
	}, nil)
}

func encodeBatchJSON(t *testing.T, n int) batchPayload {
	t.Helper()
	bldr := array.NewRecordBuilder(memory.NewGoAllocator(), eventSchema())
	defer bldr.Release()
	for i := 0; i < n; i++ {
		bldr.Field(0).(*array.Int64Builder).Append(int64(i))
		bldr.Field(1).(*array.StringBuilder).Append("click")
	}
	rec := bldr.NewRecord()
	defer rec.Release()

	bt := &batch.Batch{Schema: rec.Schema(), Records: []arrow.Record{rec}}
	payload, err := batch.Encode(bt)
	require.NoError(t, err)

	return batchPayload{
		Schema: base64.StdEncoding.EncodeToString(batch.SerializeSchema(rec.Schema())),
		Data:   base64.StdEncoding.EncodeToString(payload),
	}
}

func (f *httpFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

const acidStreams = `
streams:
  events:
    backend: acid
    compression:
      algorithm: none
`

func TestIngestSucceeds(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{Batch: encodeBatchJSON(t, 3)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res loader.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, loader.StatusSuccess, res.Status)
	assert.Equal(t, int64(3), res.RowsProcessed)
	assert.Equal(t, "events", res.Table)

	info, err := f.delta.Info(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Version)
	assert.Equal(t, int64(3), info.NumRows)
}

func TestIngestEmptyBatch(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{Batch: encodeBatchJSON(t, 0)})
	require.Equal(t, http.StatusOK, rec.Code)

	var res loader.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, loader.StatusSuccess, res.Status)
	assert.Zero(t, res.RowsProcessed)
}

func TestIngestRejectsBadBase64(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{
		Batch: batchPayload{Schema: "%%not-base64%%", Data: ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestStrictSchemaMismatchIsConflict(t *testing.T) {
	f := newHTTPFixture(t, `
streams:
  events:
    backend: acid
    compression:
      algorithm: none
    backend_options:
      schema_mode: strict
`)

	rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{Batch: encodeBatchJSON(t, 1)})
	require.Equal(t, http.StatusOK, rec.Code)

	// A widened batch violates strict mode against the committed schema.
	widened := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "event_type", Type: arrow.BinaryTypes.String},
		{Name: "extra", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	bldr := array.NewRecordBuilder(memory.NewGoAllocator(), widened)
	bldr.Field(0).(*array.Int64Builder).Append(1)
	bldr.Field(1).(*array.StringBuilder).Append("x")
	bldr.Field(2).(*array.Float64Builder).Append(2.5)
	wrec := bldr.NewRecord()
	bldr.Release()
	bt := &batch.Batch{Schema: widened, Records: []arrow.Record{wrec}}
	payload, err := batch.Encode(bt)
	require.NoError(t, err)
	bt.Release()

	rec = f.do(t, http.MethodPost, "/stream/events", streamRequest{
		Batch: batchPayload{
			Schema: base64.StdEncoding.EncodeToString(batch.SerializeSchema(widened)),
			Data:   base64.StdEncoding.EncodeToString(payload),
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestDeltaIngestForcesACIDBackend(t *testing.T) {
	// No explicit stream config; the default routes to embedded, which
	// this fixture does not carry. The delta intake must still succeed.
	f := newHTTPFixture(t, `
defaults:
  compression:
    algorithm: none
streams: {}
`)

	rec := f.do(t, http.MethodPost, "/delta/stream/events", streamRequest{Batch: encodeBatchJSON(t, 2)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res loader.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, config.BackendACID, res.Backend)

	info, err := f.delta.Info(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.NumRows)
}

func TestListStreams(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	rec := f.do(t, http.MethodGet, "/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Streams map[string]config.StreamConfig `json:"streams"`
		Default config.StreamConfig            `json:"default"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Streams, "events")
	assert.Equal(t, config.BackendEmbedded, body.Default.Backend)
}

func TestTableHistoryAndInfo(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{Batch: encodeBatchJSON(t, 1)})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/delta/tables/events/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Commits []delta.CommitInfo `json:"commits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Commits, 2)
	assert.Equal(t, int64(1), hist.Commits[0].Version)

	rec = f.do(t, http.MethodGet, "/delta/tables/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info delta.TableInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, int64(2), info.NumRows)
}

func TestTableInfoUnknownTable(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	rec := f.do(t, http.MethodGet, "/delta/tables/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestoreEndpoint(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	for i := 1; i <= 2; i++ {
		rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{Batch: encodeBatchJSON(t, i)})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/delta/tables/events/restore", restoreRequest{Version: 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var info delta.TableInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(2), info.Version, "restore lands as a new commit")
	assert.Equal(t, int64(1), info.NumRows)
}

func TestVacuumEndpointDryRun(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{Batch: encodeBatchJSON(t, 1)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/delta/tables/events/vacuum", vacuumRequest{RetentionHours: 168, DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Files  []string `json:"files"`
		DryRun bool     `json:"dry_run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.DryRun)
	assert.Empty(t, body.Files, "live files are never vacuum candidates")
}

func TestHealth(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigOverridePerRequest(t *testing.T) {
	f := newHTTPFixture(t, acidStreams)

	rec := f.do(t, http.MethodPost, "/stream/events", streamRequest{
		Config: &config.StreamConfig{TargetTable: "renamed"},
		Batch:  encodeBatchJSON(t, 1),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res loader.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "renamed", res.Table)

	_, err := f.delta.Info(context.Background(), "renamed")
	require.NoError(t, err)
}
