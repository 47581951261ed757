package convert

import (
	"sync/atomic"

	"github.com/vectorfeed/vectorfeed/internal/parse"
)

// Resizer splits a ParsedBatch into an ordered list of batches no larger
// than MaxRows rows each, by zero-copy slicing of the underlying
// columnar buffers. When the input already fits, it is passed through
// unchanged (not copied).
//
// MaxRows is held in an atomic so a converter Worker can halve it in place
// (the IpcTooLarge recovery) while other converter goroutines are
// concurrently calling Resize on a shared *Resizer.
type Resizer struct {
	maxRows atomic.Int64
}

func NewResizer(maxRows int64) *Resizer {
	r := &Resizer{}
	r.maxRows.Store(maxRows)
	return r
}

// MaxRows returns the current row cap.
func (r *Resizer) MaxRows() int64 { return r.maxRows.Load() }

// Halve divides the current row cap by two (floor, minimum 1) and
// returns the new value, used by the converter Worker's one-shot
// IpcTooLarge retry.
func (r *Resizer) Halve() int64 {
	for {
		cur := r.maxRows.Load()
		next := cur / 2
		if next < 1 {
			next = 1
		}
		if r.maxRows.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Resize splits in.Batch into ⌈n/MaxRows⌉ pieces, preserving order, each
// with a contiguous, disjoint SeqFirst/SeqLast range derived from the
// parent's (the parser guarantees batch.NumRows() == last-first+1, so
// row offsets translate directly to sequence offsets).
// Resize's returned pieces each hold their own reference (via Retain, or
// NewSlice's implicit retain of the underlying buffers): callers must
// Release every returned piece independently of the input ParsedBatch's
// own lifetime.
func (r *Resizer) Resize(in parse.ParsedBatch) []recordSeqRange {
	maxRows := r.maxRows.Load()
	n := in.Batch.NumRows()
	if n <= maxRows {
		in.Batch.Retain()
		return []recordSeqRange{{rec: in.Batch, seqFirst: in.SeqFirst, seqLast: in.SeqLast}}
	}

	out := make([]recordSeqRange, 0, (n+maxRows-1)/maxRows)
	var offset int64
	remaining := n
	for remaining > 0 {
		take := maxRows
		if remaining < take {
			take = remaining
		}
		slice := in.Batch.NewSlice(offset, offset+take)
		out = append(out, recordSeqRange{
			rec:      slice,
			seqFirst: in.SeqFirst + uint64(offset),
			seqLast:  in.SeqFirst + uint64(offset) + uint64(take) - 1,
		})
		offset += take
		remaining -= take
	}
	return out
}
