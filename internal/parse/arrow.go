package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/errs"
)

// seqFieldName is the column ArrowParser prepends when WithSeqField is
// set, matching the original source's bolson_seq convention.
const seqFieldName = "bolson_seq"

// ArrowOptions configures the software Arrow backend.
type ArrowOptions struct {
	// Schema is the caller-supplied input/output schema, read from the
	// --input schema file. Required.
	Schema *arrow.Schema
	// Strict rejects any JSON object carrying a field absent from Schema,
	// instead of silently ignoring it.
	Strict bool
	// WithSeqField prepends a bolson_seq uint64 column populated
	// [first..last] to every output batch.
	WithSeqField bool
	// Allocator backs every array built by this parser; defaults to
	// memory.NewGoAllocator() when nil.
	Allocator memory.Allocator
}

// ArrowParser is the software parser backend: it delegates JSON-to-
// columnar conversion to arrow-go's JSON table reader, then optionally
// prepends the sequence column the rest of the pipeline uses to verify
// coverage.
type ArrowParser struct {
	opts   ArrowOptions
	schema *arrow.Schema // input schema, unmodified
	out    *arrow.Schema // output schema, with bolson_seq if configured
	mem    memory.Allocator
}

// NewArrowParser builds the software backend. The caller-supplied schema
// is used verbatim for reading; NewArrowParser only changes the output
// schema when WithSeqField is set.
func NewArrowParser(opts ArrowOptions) (*ArrowParser, error) {
	if opts.Schema == nil {
		return nil, errs.New(errs.SchemaError, "parse.NewArrowParser", fmt.Errorf("schema is required"))
	}
	mem := opts.Allocator
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	out := opts.Schema
	if opts.WithSeqField {
		fields := make([]arrow.Field, 0, len(opts.Schema.Fields())+1)
		fields = append(fields, arrow.Field{Name: seqFieldName, Type: arrow.PrimitiveTypes.Uint64})
		fields = append(fields, opts.Schema.Fields()...)
		out = arrow.NewSchema(fields, nil)
	}
	return &ArrowParser{opts: opts, schema: opts.Schema, out: out, mem: mem}, nil
}

func (p *ArrowParser) OutputSchema() *arrow.Schema { return p.out }

// PreferredThreadCount and PreferredBufferCount report no opinion; the
// software backend scales with however many converter goroutines and
// buffers the orchestrator configures.
func (p *ArrowParser) PreferredThreadCount() int { return 0 }
func (p *ArrowParser) PreferredBufferCount() int { return 0 }

// Parse converts each input buffer independently into exactly one
// ParsedBatch, satisfying the postcondition that each output batch is
// drawn from exactly one input.
func (p *ArrowParser) Parse(ctx context.Context, inputs []*buffer.JsonBuffer) ([]ParsedBatch, error) {
	out := make([]ParsedBatch, 0, len(inputs))
	for _, in := range inputs {
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Timeout, "parse.ArrowParser.Parse", ctx.Err())
		default:
		}
		if in.Size == 0 {
			continue
		}
		batch, err := p.parseOne(in)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, nil
}

func (p *ArrowParser) parseOne(in *buffer.JsonBuffer) (ParsedBatch, error) {
	data := in.Bytes()
	if p.opts.Strict {
		if err := checkStrictFields(data, p.schema); err != nil {
			return ParsedBatch{}, errs.New(errs.ParseError, "parse.ArrowParser.Parse",
				fmt.Errorf("%w; buffer contents: %s", err, truncate(data, 512)))
		}
	}

	reader := array.NewJSONReader(bytes.NewReader(data), p.schema, array.WithAllocator(p.mem))
	defer reader.Release()

	var chunks []arrow.Record
	defer func() {
		for _, c := range chunks {
			c.Release()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		chunks = append(chunks, rec)
	}
	if err := reader.Err(); err != nil {
		return ParsedBatch{}, errs.New(errs.ParseError, "parse.ArrowParser.Parse",
			fmt.Errorf("%w; buffer contents: %s", err, truncate(data, 512)))
	}

	combined, err := combineChunks(p.mem, p.schema, chunks)
	if err != nil {
		return ParsedBatch{}, errs.New(errs.ParseError, "parse.ArrowParser.Parse", err)
	}
	defer combined.Release()

	if int64(in.NumJSONs) != combined.NumRows() {
		combined.Release()
		return ParsedBatch{}, errs.New(errs.ParseError, "parse.ArrowParser.Parse",
			fmt.Errorf("expected %d rows, reader produced %d", in.NumJSONs, combined.NumRows()))
	}

	final := combined
	if p.opts.WithSeqField {
		final, err = prependSeqColumn(p.mem, combined, in.SeqFirst)
		if err != nil {
			return ParsedBatch{}, errs.New(errs.ParseError, "parse.ArrowParser.Parse", err)
		}
	} else {
		final.Retain()
	}

	return ParsedBatch{Batch: final, SeqFirst: in.SeqFirst, SeqLast: in.SeqLast}, nil
}

// checkStrictFields rejects any object in data carrying a key absent from
// schema, line by line, before the bytes ever reach the JSON reader.
func checkStrictFields(data []byte, schema *arrow.Schema) error {
	known := make(map[string]struct{}, len(schema.Fields()))
	for _, f := range schema.Fields() {
		known[f.Name] = struct{}{}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var raw map[string]json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		for k := range raw {
			if _, ok := known[k]; !ok {
				return fmt.Errorf("unexpected field %q not present in schema", k)
			}
		}
	}
	return nil
}

// combineChunks concatenates the per-column arrays of every chunk the
// JSON reader produced into a single record.
func combineChunks(mem memory.Allocator, schema *arrow.Schema, chunks []arrow.Record) (arrow.Record, error) {
	if len(chunks) == 0 {
		cols := make([]arrow.Array, schema.NumFields())
		for i, f := range schema.Fields() {
			b := array.NewBuilder(mem, f.Type)
			cols[i] = b.NewArray()
			b.Release()
		}
		rec := array.NewRecord(schema, cols, 0)
		for _, c := range cols {
			c.Release()
		}
		return rec, nil
	}
	if len(chunks) == 1 {
		chunks[0].Retain()
		return chunks[0], nil
	}

	nfields := int(schema.NumFields())
	cols := make([]arrow.Array, nfields)
	var nrows int64
	for i := 0; i < nfields; i++ {
		parts := make([]arrow.Array, len(chunks))
		for j, c := range chunks {
			parts[j] = c.Column(i)
		}
		arr, err := array.Concatenate(parts, mem)
		if err != nil {
			for _, c := range cols[:i] {
				c.Release()
			}
			return nil, fmt.Errorf("combine chunks: %w", err)
		}
		cols[i] = arr
		if i == 0 {
			nrows = int64(arr.Len())
		}
	}
	rec := array.NewRecord(schema, cols, nrows)
	for _, c := range cols {
		c.Release()
	}
	return rec, nil
}

// prependSeqColumn builds a new record with a bolson_seq uint64 column
// populated [first..first+n-1] inserted before rec's existing columns.
func prependSeqColumn(mem memory.Allocator, rec arrow.Record, first uint64) (arrow.Record, error) {
	n := int(rec.NumRows())
	b := array.NewUint64Builder(mem)
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		b.Append(first + uint64(i))
	}
	seqArr := b.NewUint64Array()
	defer seqArr.Release()

	fields := make([]arrow.Field, 0, rec.NumCols()+1)
	cols := make([]arrow.Array, 0, rec.NumCols()+1)
	fields = append(fields, arrow.Field{Name: seqFieldName, Type: arrow.PrimitiveTypes.Uint64})
	cols = append(cols, seqArr)
	for i := 0; i < int(rec.NumCols()); i++ {
		fields = append(fields, rec.Schema().Field(i))
		cols = append(cols, rec.Column(i))
	}
	schema := arrow.NewSchema(fields, nil)
	return array.NewRecord(schema, cols, rec.NumRows()), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
