package client

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// StringColumn is a named column of utf8 values.
type StringColumn struct {
	Name   string
	Values []string
}

// RecordBatchBuilder turns plain Go tables into Arrow record batches.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &RecordBatchBuilder{mem: mem}
}

// Strings builds a record batch with one utf8 column per entry. All columns
// must have the same length. It returns nil for an empty table.
func (b *RecordBatchBuilder) Strings(cols []StringColumn) (arrow.RecordBatch, error) {
	if len(cols) == 0 || len(cols[0].Values) == 0 {
		return nil, nil
	}
	rows := len(cols[0].Values)
	fields := make([]arrow.Field, len(cols))
	arrays := make([]arrow.Array, len(cols))
	defer func() {
		for _, a := range arrays {
			if a != nil {
				a.Release()
			}
		}
	}()

	for i, c := range cols {
		if len(c.Values) != rows {
			return nil, fmt.Errorf("column %s has %d rows, want %d", c.Name, len(c.Values), rows)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: arrow.BinaryTypes.String}
		sb := array.NewStringBuilder(b.mem)
		sb.AppendValues(c.Values, nil)
		arrays[i] = sb.NewArray()
		sb.Release()
	}
	return array.NewRecordBatch(arrow.NewSchema(fields, nil), arrays, int64(rows)), nil
}

// Floats builds a single-row record batch with one float64 column per key,
// columns ordered by name.
func (b *RecordBatchBuilder) Floats(values map[string]float64) (arrow.RecordBatch, error) {
	if len(values) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]arrow.Field, len(names))
	arrays := make([]arrow.Array, len(names))
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64}
		fb := array.NewFloat64Builder(b.mem)
		fb.Append(values[name])
		arrays[i] = fb.NewArray()
		fb.Release()
	}
	return array.NewRecordBatch(arrow.NewSchema(fields, nil), arrays, 1), nil
}
