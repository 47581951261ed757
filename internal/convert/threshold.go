package convert

import (
	"bytes"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ComputeMaxRows measures the fixed per-message overhead of the IPC
// stream format for schema (the schema message plus one empty record
// batch's framing) by actually serializing a zero-row mock batch, then
// derives a conservative max_rows so that rowBytes*max_rows plus that
// overhead stays under maxIPCSize. Measuring the empty batch avoids
// hand-computing the schema-dependent flatbuffer header size.
func ComputeMaxRows(schema *arrow.Schema, rowBytes int64, maxIPCSize int64) (int64, error) {
	overhead, err := emptyBatchIPCSize(schema)
	if err != nil {
		return 0, err
	}
	budget := maxIPCSize - overhead
	if budget <= 0 || rowBytes <= 0 {
		return 1, nil
	}
	maxRows := budget / rowBytes
	if maxRows < 1 {
		maxRows = 1
	}
	return maxRows, nil
}

// emptyBatchIPCSize returns the serialized byte size of a zero-row
// record batch of schema, i.e. the fixed overhead every IPC message for
// that schema pays regardless of row count.
func emptyBatchIPCSize(schema *arrow.Schema) (int64, error) {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, len(schema.Fields()))
	for i, f := range schema.Fields() {
		b := array.NewBuilder(mem, f.Type)
		cols[i] = b.NewArray()
		b.Release()
	}
	rec := array.NewRecord(schema, cols, 0)
	defer rec.Release()
	for _, c := range cols {
		c.Release()
	}

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(rec); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}
