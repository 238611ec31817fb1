package delta

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/arrowport/arrowport/pkg/batch"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/errors"
)

// hiveNullPartition is the directory value used for null partition keys.
const hiveNullPartition = "__HIVE_DEFAULT_PARTITION__"

// estimated bytes per value used to turn target_file_size into a row
// count hint.
const (
	estNumericWidth = 8
	estStringWidth  = 32
)

// fieldDefsFromArrow converts an Arrow schema into the logical schema
// recorded in the commit log.
func fieldDefsFromArrow(schema *arrow.Schema) ([]fieldDef, error) {
	defs := make([]fieldDef, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		t, err := logicalType(f.Type)
		if err != nil {
			return nil, err
		}
		defs[i] = fieldDef{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return defs, nil
}

func logicalType(dt arrow.DataType) (string, error) {
	switch dt.ID() {
	case arrow.INT8:
		return "int8", nil
	case arrow.INT16:
		return "int16", nil
	case arrow.INT32:
		return "int32", nil
	case arrow.INT64:
		return "int64", nil
	case arrow.UINT8:
		return "uint8", nil
	case arrow.UINT16:
		return "uint16", nil
	case arrow.UINT32:
		return "uint32", nil
	case arrow.UINT64:
		return "uint64", nil
	case arrow.FLOAT32:
		return "float32", nil
	case arrow.FLOAT64:
		return "float64", nil
	case arrow.STRING, arrow.LARGE_STRING:
		return "utf8", nil
	case arrow.BOOL:
		return "bool", nil
	case arrow.TIMESTAMP:
		return "timestamp[ms]", nil
	case arrow.DATE32:
		return "date32", nil
	default:
		return "", errors.Newf(errors.ErrorTypeBackend, "unsupported column type %s", dt)
	}
}

// parquetSchema builds a parquet schema for a set of logical fields.
func parquetSchema(table string, defs []fieldDef) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, d := range defs {
		node, err := parquetNode(d.Type)
		if err != nil {
			return nil, err
		}
		if d.Nullable {
			node = parquet.Optional(node)
		}
		group[d.Name] = node
	}
	return parquet.NewSchema(table, group), nil
}

func parquetNode(logical string) (parquet.Node, error) {
	switch logical {
	case "int8":
		return parquet.Int(8), nil
	case "int16":
		return parquet.Int(16), nil
	case "int32":
		return parquet.Int(32), nil
	case "int64":
		return parquet.Int(64), nil
	case "uint8":
		return parquet.Uint(8), nil
	case "uint16":
		return parquet.Uint(16), nil
	case "uint32":
		return parquet.Uint(32), nil
	case "uint64":
		return parquet.Uint(64), nil
	case "float32":
		return parquet.Leaf(parquet.FloatType), nil
	case "float64":
		return parquet.Leaf(parquet.DoubleType), nil
	case "utf8":
		return parquet.String(), nil
	case "bool":
		return parquet.Leaf(parquet.BooleanType), nil
	case "timestamp[ms]":
		return parquet.Timestamp(parquet.Millisecond), nil
	case "date32":
		return parquet.Date(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeBackend, "unsupported logical type %s", logical)
	}
}

// rowsFromBatch materializes the batch into row maps for the parquet
// writer. Null values are omitted so optional columns stay null.
func rowsFromBatch(b *batch.Batch) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, b.NumRows())
	for _, rec := range b.Records {
		for i := int64(0); i < rec.NumRows(); i++ {
			row := make(map[string]any, rec.NumCols())
			for c := int64(0); c < rec.NumCols(); c++ {
				col := rec.Column(int(c))
				if col.IsNull(int(i)) {
					continue
				}
				v, err := columnValue(col, int(i))
				if err != nil {
					return nil, err
				}
				row[rec.Schema().Field(int(c)).Name] = v
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func columnValue(col arrow.Array, i int) (any, error) {
	switch a := col.(type) {
	case *array.Int8:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return a.Value(i), nil
	case *array.Uint16:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UnixMilli(), nil
	case *array.Date32:
		return int32(a.Value(i)), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeBackend, "unsupported column type %s", col.DataType())
	}
}

// writeDataFiles writes the batch as parquet files under the table
// directory, partitioned hive-style by the configured columns, and
// returns the commit log entries for the new files.
func writeDataFiles(tableDir, table string, b *batch.Batch, opts *config.BackendOptions) ([]addFile, error) {
	defs, err := fieldDefsFromArrow(b.Schema)
	if err != nil {
		return nil, err
	}
	schema, err := parquetSchema(table, defs)
	if err != nil {
		return nil, err
	}

	rows, err := rowsFromBatch(b)
	if err != nil {
		return nil, err
	}

	var partitionBy, zOrderBy []string
	var targetFileSize int64
	if opts != nil {
		partitionBy = opts.PartitionBy
		zOrderBy = opts.ZOrderBy
		targetFileSize = opts.TargetFileSize
	}

	// Z-order approximation: cluster rows with similar values in the
	// named columns by sorting on them before splitting into files.
	if len(zOrderBy) > 0 {
		sortRows(rows, zOrderBy)
	}

	groups := partitionRows(rows, partitionBy)
	maxRows := maxRowsPerFile(defs, targetFileSize)

	var adds []addFile
	for _, g := range groups {
		for start := 0; start < len(g.rows); start += maxRows {
			end := start + maxRows
			if end > len(g.rows) {
				end = len(g.rows)
			}
			add, err := writeParquetFile(tableDir, g.dir, schema, g.rows[start:end], g.values)
			if err != nil {
				return nil, err
			}
			adds = append(adds, *add)
		}
	}
	return adds, nil
}

type partitionGroup struct {
	dir    string // relative directory, "" for unpartitioned
	values map[string]string
	rows   []map[string]any
}

func partitionRows(rows []map[string]any, partitionBy []string) []partitionGroup {
	if len(partitionBy) == 0 {
		return []partitionGroup{{rows: rows}}
	}

	index := map[string]int{}
	var groups []partitionGroup
	for _, row := range rows {
		values := make(map[string]string, len(partitionBy))
		segs := make([]string, len(partitionBy))
		for i, col := range partitionBy {
			v := hiveNullPartition
			if raw, ok := row[col]; ok {
				v = fmt.Sprintf("%v", raw)
			}
			values[col] = v
			segs[i] = fmt.Sprintf("%s=%s", col, v)
		}
		dir := path.Join(segs...)

		gi, ok := index[dir]
		if !ok {
			gi = len(groups)
			index[dir] = gi
			groups = append(groups, partitionGroup{dir: dir, values: values})
		}
		groups[gi].rows = append(groups[gi].rows, row)
	}
	return groups
}

func sortRows(rows []map[string]any, by []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range by {
			a := fmt.Sprintf("%v", rows[i][col])
			b := fmt.Sprintf("%v", rows[j][col])
			if a != b {
				return a < b
			}
		}
		return false
	})
}

// maxRowsPerFile turns the target_file_size hint into a row count using
// a rough per-row width estimate. It is a hint, not a hard cap.
func maxRowsPerFile(defs []fieldDef, targetFileSize int64) int {
	if targetFileSize <= 0 {
		return 1 << 30
	}
	width := 0
	for _, d := range defs {
		if d.Type == "utf8" {
			width += estStringWidth
		} else {
			width += estNumericWidth
		}
	}
	if width == 0 {
		width = estNumericWidth
	}
	n := int(targetFileSize) / width
	if n < 1 {
		n = 1
	}
	return n
}

func writeParquetFile(tableDir, relDir string, schema *parquet.Schema, rows []map[string]any, values map[string]string) (*addFile, error) {
	dir := filepath.Join(tableDir, filepath.FromSlash(relDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "create partition dir")
	}

	name := fmt.Sprintf("part-%s.parquet", strings.ReplaceAll(uuid.NewString(), "-", ""))
	fullPath := filepath.Join(dir, name)

	f, err := os.Create(fullPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "create data file")
	}

	w := parquet.NewGenericWriter[map[string]any](f, schema, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "write parquet rows")
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "close parquet writer")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "close data file")
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "stat data file")
	}

	return &addFile{
		Path:             path.Join(relDir, name),
		PartitionValues:  values,
		SizeBytes:        info.Size(),
		ModificationTime: info.ModTime().UnixMilli(),
		NumRows:          int64(len(rows)),
	}, nil
}
