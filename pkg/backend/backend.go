// Package backend defines the uniform write contract shared by the two
// storage variants: the embedded DuckDB engine and the delta table
// store. The backend kind is a closed set selected by the stream
// config's backend tag.
//
// The transaction primitive differs structurally between the variants.
// The embedded engine wraps each load in a real multi-statement
// transaction; the delta store makes every Write its own ACID commit,
// so its Begin/Commit/Rollback are no-ops that satisfy the contract.
package backend

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/arrowport/arrowport/pkg/batch"
	"github.com/arrowport/arrowport/pkg/config"
)

// Handle is an open session with a storage engine, owned exclusively by
// one transaction. It is released back to the engine's pool on commit
// or rollback, on every exit path.
type Handle interface {
	// Backend returns the kind of backend that issued the handle.
	Backend() config.BackendKind
}

// Backend is the uniform write contract implemented by both variants.
type Backend interface {
	// Kind identifies the variant.
	Kind() config.BackendKind

	// EnsureTable creates the target if absent, deriving its definition
	// from the batch schema. It no-ops when the target already exists
	// and the incoming schema is compatible.
	EnsureTable(ctx context.Context, table string, schema *arrow.Schema, opts *config.BackendOptions) error

	// Begin opens a transaction and returns its handle. On the embedded
	// variant a second writer's Begin suspends until the first commits
	// or rolls back.
	Begin(ctx context.Context) (Handle, error)

	// Write appends the batch to the target table and returns the
	// number of rows written.
	Write(ctx context.Context, h Handle, table string, b *batch.Batch, opts *config.BackendOptions) (int64, error)

	// Commit commits the handle's transaction and releases the handle.
	Commit(ctx context.Context, h Handle) error

	// Rollback aborts the handle's transaction and releases the handle.
	Rollback(ctx context.Context, h Handle) error

	// Close releases the engine's resources.
	Close() error
}
