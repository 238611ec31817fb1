// Package arrowport provides an Arrow-native stream ingestion service.
//
// Arrowport accepts Arrow record batches over two intake surfaces, a
// request/response HTTP API and a long-lived Arrow Flight stream, and
// loads them transactionally into one of two storage backends: an
// embedded DuckDB database or a Delta-style table store with an
// append-only commit log.
//
// # Architecture
//
// Both intakes share one load path:
//
//  1. Routing: the stream name resolves to a target table, backend and
//     transport codec through a YAML-defined routing table that reloads
//     on change without a restart. A request may carry an inline config
//     override that wins for that call only.
//
//  2. Decoding: payloads are decompressed per the stream's codec (zstd
//     or lz4), decoded from Arrow IPC and validated against the
//     declared schema.
//
//  3. Writing: the batch is appended inside a transaction. The embedded
//     backend registers batches as zero-copy Arrow views and inserts
//     them under a single-writer discipline; the delta backend writes
//     parquet data files and commits them with optimistic concurrency.
//
// A failed load rolls back and leaves the target table untouched.
//
// # Layout
//
//   - cmd/arrowport: the CLI entry point
//   - internal/server: HTTP and Flight intakes
//   - pkg/loader: the shared transactional load path
//   - pkg/backend: the backend contract plus the duckdb and delta variants
//   - pkg/batch: Arrow IPC decode and validation
//   - pkg/config: stream routing, hot reload, server settings
//   - pkg/compression: transport codecs
package arrowport
