// Package parse defines the pluggable Parser contract that turns filled
// JsonBuffers into Arrow record batches, plus the software Arrow-native
// backend. FPGA backends live in the parse/fpga subpackage; both satisfy
// the same Parser interface so the converter workers never know which
// backend they were handed.
package parse

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
)

// ParsedBatch pairs one Arrow record batch with the sequence range of the
// JSON documents that produced it.
type ParsedBatch struct {
	Batch    arrow.Record
	SeqFirst uint64
	SeqLast  uint64
}

// NumRows returns the row count implied by the sequence range, which must
// equal Batch.NumRows() per the Parser postcondition.
func (b ParsedBatch) NumRows() int64 {
	return int64(b.SeqLast-b.SeqFirst) + 1
}

// Release drops the batch's reference, returning its buffers to the
// allocator once every other holder has also released it.
func (b ParsedBatch) Release() {
	if b.Batch != nil {
		b.Batch.Release()
	}
}

// Parser converts the bytes of one or more filled JsonBuffers into one or
// more ParsedBatches. Implementations must satisfy: every input has
// Size > 0; the union of returned batches' seq ranges covers exactly the
// union of the inputs' seq ranges, each contiguous and drawn from exactly
// one input.
type Parser interface {
	Parse(ctx context.Context, inputs []*buffer.JsonBuffer) ([]ParsedBatch, error)
	OutputSchema() *arrow.Schema

	// PreferredThreadCount and PreferredBufferCount are advisory sizing
	// hints the orchestrator uses to clamp the converter pool and the
	// BufferPool size; a backend with no opinion returns 0.
	PreferredThreadCount() int
	PreferredBufferCount() int
}
