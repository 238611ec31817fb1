// Package batch turns transport-level schema+payload pairs into
// in-memory Arrow tables and back. The wire format is the Arrow IPC
// stream format; the schema side-channel uses the Flight schema
// serialization so intakes can validate the payload against what the
// caller declared.
package batch

import (
	"bytes"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/arrowport/arrowport/pkg/errors"
)

// ErrEmptyBatch marks a structurally valid batch with zero rows. The
// loader treats it as a no-op success and never contacts a backend.
var ErrEmptyBatch = errors.New(errors.ErrorTypeDecode, "batch contains no rows")

// Batch is a decoded columnar batch: one schema and one or more Arrow
// records read off the wire. Release must be called when done.
type Batch struct {
	Schema  *arrow.Schema
	Records []arrow.Record
}

// NumRows returns the total row count across all records.
func (b *Batch) NumRows() int64 {
	var n int64
	for _, rec := range b.Records {
		n += rec.NumRows()
	}
	return n
}

// Release releases the retained records.
func (b *Batch) Release() {
	for _, rec := range b.Records {
		rec.Release()
	}
	b.Records = nil
}

// Chunk returns a new batch whose records each hold at most maxRows
// rows. Oversized records are sliced without copying column data;
// records already within the limit are retained as-is. A maxRows of
// zero or less returns a retained copy. The returned batch has its own
// references and must be released independently of the receiver.
func (b *Batch) Chunk(maxRows int) *Batch {
	out := &Batch{Schema: b.Schema}
	if maxRows <= 0 {
		for _, rec := range b.Records {
			rec.Retain()
			out.Records = append(out.Records, rec)
		}
		return out
	}
	limit := int64(maxRows)
	for _, rec := range b.Records {
		if rec.NumRows() <= limit {
			rec.Retain()
			out.Records = append(out.Records, rec)
			continue
		}
		for off := int64(0); off < rec.NumRows(); off += limit {
			end := off + limit
			if end > rec.NumRows() {
				end = rec.NumRows()
			}
			out.Records = append(out.Records, rec.NewSlice(off, end))
		}
	}
	return out
}

// Reader returns a RecordReader over the batch, suitable for zero-copy
// registration with the embedded engine. The reader retains the records;
// the batch stays valid until its own Release.
func (b *Batch) Reader() (array.RecordReader, error) {
	rdr, err := array.NewRecordReader(b.Schema, b.Records)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "create record reader")
	}
	return rdr, nil
}

// Decode parses an Arrow IPC stream payload, optionally validating it
// against a Flight-serialized schema. It fails with a decode error for
// malformed payloads, a schema_mismatch error when the payload schema
// differs from the declared one, and ErrEmptyBatch for zero rows.
func Decode(schemaBytes, payload []byte) (*Batch, error) {
	mem := memory.NewGoAllocator()

	var declared *arrow.Schema
	if len(schemaBytes) > 0 {
		var err error
		declared, err = flight.DeserializeSchema(schemaBytes, mem)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDecode, "deserialize declared schema")
		}
	}

	rdr, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "open IPC stream")
	}
	defer rdr.Release()

	schema := rdr.Schema()
	if schema == nil || schema.NumFields() == 0 {
		return nil, errors.New(errors.ErrorTypeDecode, "schema contains no columns")
	}

	if declared != nil && !declared.Equal(schema) {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
			"payload schema %s does not match declared schema %s", schema, declared)
	}

	b := &Batch{Schema: schema}
	for rdr.Next() {
		rec := rdr.Record()
		if err := validateRecord(rec); err != nil {
			b.Release()
			return nil, err
		}
		rec.Retain()
		b.Records = append(b.Records, rec)
	}
	if err := rdr.Err(); err != nil {
		b.Release()
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "read IPC stream")
	}

	if b.NumRows() == 0 {
		b.Release()
		return nil, ErrEmptyBatch
	}
	return b, nil
}

// Encode serializes the batch back to the Arrow IPC stream format.
// Decoding and re-encoding a payload reproduces it byte for byte.
func Encode(b *Batch) ([]byte, error) {
	var buf bytes.Buffer

	w := ipc.NewWriter(&buf, ipc.WithSchema(b.Schema))
	for _, rec := range b.Records {
		if err := w.Write(rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "write IPC stream")
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "close IPC stream")
	}

	return buf.Bytes(), nil
}

// SerializeSchema encodes a schema for the transport side-channel.
func SerializeSchema(schema *arrow.Schema) []byte {
	return flight.SerializeSchema(schema, memory.NewGoAllocator())
}

// validateRecord checks the structural invariant that every column
// buffer's length equals the record's declared row count.
func validateRecord(rec arrow.Record) error {
	rows := rec.NumRows()
	if int64(len(rec.Columns())) != int64(rec.NumCols()) || rec.NumCols() != int64(rec.Schema().NumFields()) {
		return errors.Newf(errors.ErrorTypeDecode,
			"column count %d does not match schema field count %d",
			rec.NumCols(), rec.Schema().NumFields())
	}
	for i, col := range rec.Columns() {
		if int64(col.Len()) != rows {
			return errors.Newf(errors.ErrorTypeDecode,
				"column %q length %d does not match row count %d",
				rec.Schema().Field(i).Name, col.Len(), rows)
		}
	}
	return nil
}
