package convert

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/vectorfeed/vectorfeed/internal/parse"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "v", Type: arrow.PrimitiveTypes.Uint64},
}, nil)

// makeBatch builds an n-row single-column batch whose row i holds
// seqFirst+i, so slices can be checked value-for-value against their
// claimed sequence ranges.
func makeBatch(t *testing.T, n int64, seqFirst uint64) parse.ParsedBatch {
	t.Helper()
	b := array.NewUint64Builder(memory.NewGoAllocator())
	defer b.Release()
	b.Reserve(int(n))
	for i := int64(0); i < n; i++ {
		b.Append(seqFirst + uint64(i))
	}
	arr := b.NewUint64Array()
	defer arr.Release()
	rec := array.NewRecord(testSchema, []arrow.Array{arr}, n)
	return parse.ParsedBatch{Batch: rec, SeqFirst: seqFirst, SeqLast: seqFirst + uint64(n) - 1}
}

func TestResizerPassesThroughSmallBatch(t *testing.T) {
	t.Parallel()

	in := makeBatch(t, 10, 0)
	defer in.Release()

	pieces := NewResizer(1024).Resize(in)
	if len(pieces) != 1 {
		t.Fatalf("expected 1 piece, got %d", len(pieces))
	}
	p := pieces[0]
	defer p.rec.Release()
	if p.rec.NumRows() != 10 || p.seqFirst != 0 || p.seqLast != 9 {
		t.Fatalf("unexpected piece: rows=%d seq=[%d,%d]", p.rec.NumRows(), p.seqFirst, p.seqLast)
	}
}

func TestResizerSplitsAtRowCap(t *testing.T) {
	t.Parallel()

	in := makeBatch(t, 2048, 0)
	defer in.Release()

	pieces := NewResizer(1000).Resize(in)
	defer func() {
		for _, p := range pieces {
			p.rec.Release()
		}
	}()

	wantRows := []int64{1000, 1000, 48}
	wantSeq := [][2]uint64{{0, 999}, {1000, 1999}, {2000, 2047}}
	if len(pieces) != len(wantRows) {
		t.Fatalf("expected %d pieces, got %d", len(wantRows), len(pieces))
	}
	for i, p := range pieces {
		if p.rec.NumRows() != wantRows[i] {
			t.Errorf("piece %d: rows=%d, want %d", i, p.rec.NumRows(), wantRows[i])
		}
		if p.seqFirst != wantSeq[i][0] || p.seqLast != wantSeq[i][1] {
			t.Errorf("piece %d: seq=[%d,%d], want [%d,%d]", i, p.seqFirst, p.seqLast, wantSeq[i][0], wantSeq[i][1])
		}
	}

	// Concatenation must be row-equal to the input: row j of piece i is
	// the value seqFirst+offset, which the fixture stores in the column.
	for i, p := range pieces {
		col := p.rec.Column(0).(*array.Uint64)
		if got := col.Value(0); got != wantSeq[i][0] {
			t.Errorf("piece %d: first value %d, want %d", i, got, wantSeq[i][0])
		}
		if got := col.Value(col.Len() - 1); got != wantSeq[i][1] {
			t.Errorf("piece %d: last value %d, want %d", i, got, wantSeq[i][1])
		}
	}
}

func TestResizerHalveFloorsAtOne(t *testing.T) {
	t.Parallel()

	r := NewResizer(3)
	if got := r.Halve(); got != 1 {
		t.Fatalf("Halve: got %d, want 1", got)
	}
	if got := r.Halve(); got != 1 {
		t.Fatalf("Halve below 1: got %d, want 1", got)
	}
}
