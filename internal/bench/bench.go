// Package bench implements the `vfeed bench` microbenchmarks: synthetic
// JSON generation feeding the real convert/queue/publish stages, timed
// in separate generate/init/run phases and reported as CSV or a
// human-readable summary.
package bench

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/convert"
	"github.com/vectorfeed/vectorfeed/internal/latency"
	"github.com/vectorfeed/vectorfeed/internal/parse"
	"github.com/vectorfeed/vectorfeed/internal/publish"
	"github.com/vectorfeed/vectorfeed/internal/queue"
)

// Options configures every bench subcommand; fields not relevant to a
// given subcommand are ignored.
type Options struct {
	NumJSONs   int
	NumThreads int
	NumBuffers int
	MaxRows    int64
	MaxIPCSize int64
	BufferCap  int

	PublishURL   string
	PublishTopic string
}

func DefaultOptions() Options {
	return Options{
		NumJSONs:   100000,
		NumThreads: 4,
		NumBuffers: 8,
		MaxRows:    4096,
		MaxIPCSize: (5 << 20) - (10 << 10),
		BufferCap:  4 << 20,
	}
}

// Result is the timing report every subcommand produces.
type Result struct {
	Name         string        `json:"name"`
	NumJSONs     int           `json:"num_jsons"`
	GenerateTime time.Duration `json:"generate_time"`
	InitTime     time.Duration `json:"init_time"`
	RunTime      time.Duration `json:"run_time"`
	NumRows      int64         `json:"num_rows"`
	NumMessages  int64         `json:"num_messages"`
	BytesOut     int64         `json:"bytes_out"`
}

// RowsPerSecond reports the run-phase throughput.
func (r Result) RowsPerSecond() float64 {
	if r.RunTime <= 0 {
		return 0
	}
	return float64(r.NumRows) / r.RunTime.Seconds()
}

var benchSchema = arrow.NewSchema([]arrow.Field{
	{Name: "voltage", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint64)},
}, nil)

// generateLines produces n newline-delimited {"voltage":[...]} JSON
// documents against benchSchema, mirroring GenerateJSONs's role of
// producing synthetic input before any timing of the stage under test
// begins.
func generateLines(n int, rng *rand.Rand) [][]byte {
	lines := make([][]byte, n)
	for i := range lines {
		var buf bytes.Buffer
		buf.WriteString(`{"voltage":[`)
		width := 1 + rng.Intn(4)
		for j := 0; j < width; j++ {
			if j > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "%d", rng.Intn(1000))
		}
		buf.WriteString("]}\n")
		lines[i] = buf.Bytes()
	}
	return lines
}

// fillBuffers distributes lines evenly across buffers with contiguous
// sequence numbers, any remainder going to the first buffer.
func fillBuffers(bufs []*buffer.JsonBuffer, lines [][]byte) {
	perBuf := len(lines) / len(bufs)
	extra := len(lines) % len(bufs)
	item := 0
	for b, buf := range bufs {
		n := perBuf
		if b == 0 {
			n += extra
		}
		first := uint64(item)
		for j := 0; j < n; j++ {
			buf.Append(first+uint64(j), lines[item])
			item++
		}
	}
}

// RunConvert times synthetic JSON generation, converter pool setup, and
// the conversion of opt.NumJSONs documents through the real
// convert.Worker pipeline into a discard sink.
func RunConvert(opt Options) (Result, error) {
	rng := rand.New(rand.NewSource(1))

	tGen := time.Now()
	lines := generateLines(opt.NumJSONs, rng)
	generateTime := time.Since(tGen)

	tInit := time.Now()
	alloc := buffer.NewSystemAllocator()
	pool, err := buffer.New(alloc, opt.NumBuffers, opt.BufferCap)
	if err != nil {
		return Result{}, err
	}
	bufs := make([]*buffer.JsonBuffer, opt.NumBuffers)
	for i := range bufs {
		_, b, _ := pool.AcquireWritable(context.Background())
		bufs[i] = b
	}
	fillBuffers(bufs, lines)
	for i := range bufs {
		pool.MarkFilled(i)
		pool.Release(i)
	}

	parser, err := parse.NewArrowParser(parse.ArrowOptions{Schema: benchSchema, Allocator: memory.NewGoAllocator()})
	if err != nil {
		return Result{}, err
	}
	resizer := convert.NewResizer(opt.MaxRows)
	serial := convert.NewSerializer(opt.MaxIPCSize)
	retried := &atomic.Bool{}
	sink := &discardSink{}

	workers := make([]*convert.Worker, opt.NumThreads)
	step := opt.NumBuffers / opt.NumThreads
	if step == 0 {
		step = 1
	}
	for i := range workers {
		workers[i] = convert.NewWorker(pool, parser, resizer, serial, sink, nil, retried, i*step, convert.DefaultWorkerOptions())
	}
	initTime := time.Since(tInit)

	tRun := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, opt.NumThreads)
	for _, w := range workers {
		w := w
		go func() {
			w.Run(ctx)
			done <- struct{}{}
		}()
	}
	for sink.rows() < int64(opt.NumJSONs) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	for range workers {
		<-done
	}
	runTime := time.Since(tRun)

	return Result{
		Name:         "convert",
		NumJSONs:     opt.NumJSONs,
		GenerateTime: generateTime,
		InitTime:     initTime,
		RunTime:      runTime,
		NumRows:      sink.rows(),
		NumMessages:  sink.count(),
		BytesOut:     sink.bytes(),
	}, nil
}

// RunQueue times how fast the IpcQueue can be filled with pre-serialized
// messages and drained again, isolating the handoff stage from
// conversion and network I/O.
func RunQueue(opt Options) (Result, error) {
	msg, err := mockMessage(opt.MaxRows)
	if err != nil {
		return Result{}, err
	}

	tRun := time.Now()
	q := queue.New(opt.NumBuffers * 4)
	ctx := context.Background()

	done := make(chan struct{})
	var drained int64
	go func() {
		for drained < int64(opt.NumJSONs) {
			if _, ok := q.DequeueTimed(time.Second); ok {
				drained++
			}
		}
		close(done)
	}()

	for i := 0; i < opt.NumJSONs; i++ {
		if err := q.Enqueue(ctx, msg); err != nil {
			return Result{}, err
		}
	}
	<-done
	runTime := time.Since(tRun)

	return Result{
		Name:        "queue",
		NumJSONs:    opt.NumJSONs,
		RunTime:     runTime,
		NumMessages: drained,
		NumRows:     drained * msg.NumRows,
		BytesOut:    drained * int64(len(msg.Payload)),
	}, nil
}

// RunPublish times how fast Publisher can drain a pre-filled queue
// against a live Pulsar broker at opt.PublishURL; unlike convert/queue,
// this subcommand needs real network I/O so it's only meaningful when
// pointed at a running broker.
func RunPublish(opt Options) (Result, error) {
	msg, err := mockMessage(opt.MaxRows)
	if err != nil {
		return Result{}, err
	}

	q := queue.New(opt.NumJSONs)
	ctx := context.Background()
	for i := 0; i < opt.NumJSONs; i++ {
		if err := q.Enqueue(ctx, msg); err != nil {
			return Result{}, err
		}
	}

	lat := latency.NewTracker(latency.DefaultOptions())
	pub, err := publish.New(publish.Options{
		URL:          opt.PublishURL,
		Topic:        opt.PublishTopic,
		NumProducers: opt.NumThreads,
	}, q, lat)
	if err != nil {
		return Result{}, err
	}
	defer pub.Close()

	tRun := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	launched := make(chan func() error, opt.NumThreads)
	pub.Run(runCtx, func(fn func() error) { launched <- fn })
	close(launched)

	errs := make(chan error, opt.NumThreads)
	for fn := range launched {
		fn := fn
		go func() { errs <- fn() }()
	}

	for pub.PublishedCount() < int64(opt.NumJSONs)*msg.NumRows {
		time.Sleep(time.Millisecond)
	}
	cancel()
	for i := 0; i < opt.NumThreads; i++ {
		<-errs
	}
	runTime := time.Since(tRun)

	return Result{
		Name:        "publish",
		NumJSONs:    opt.NumJSONs,
		RunTime:     runTime,
		NumMessages: int64(opt.NumJSONs),
		NumRows:     pub.PublishedCount(),
	}, nil
}

func mockMessage(rows int64) (convert.IpcMessage, error) {
	mem := memory.NewGoAllocator()
	b := array.NewUint64Builder(mem)
	defer b.Release()
	for i := int64(0); i < rows; i++ {
		b.Append(uint64(i))
	}
	arr := b.NewUint64Array()
	defer arr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: "v", Type: arrow.PrimitiveTypes.Uint64}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{arr}, rows)
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(rec); err != nil {
		return convert.IpcMessage{}, err
	}
	if err := w.Close(); err != nil {
		return convert.IpcMessage{}, err
	}
	return convert.IpcMessage{Payload: buf.Bytes(), SeqFirst: 0, SeqLast: uint64(rows) - 1, NumRows: rows}, nil
}

// discardSink is a convert.Sink that only counts what it would have
// enqueued, for benchmarking the parse/resize/serialize stages in
// isolation from the queue and publisher.
type discardSink struct {
	n         atomic.Int64
	r         atomic.Int64
	byteTotal atomic.Int64
}

func (s *discardSink) Enqueue(_ context.Context, msg convert.IpcMessage) error {
	s.n.Add(1)
	s.r.Add(msg.NumRows)
	s.byteTotal.Add(int64(len(msg.Payload)))
	return nil
}

func (s *discardSink) rows() int64  { return s.r.Load() }
func (s *discardSink) count() int64 { return s.n.Load() }
func (s *discardSink) bytes() int64 { return s.byteTotal.Load() }
