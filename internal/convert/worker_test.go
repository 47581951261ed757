package convert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/errs"
	"github.com/vectorfeed/vectorfeed/internal/latency"
	"github.com/vectorfeed/vectorfeed/internal/parse"
)

// rangeParser is a parse.Parser stub that ignores the buffer's bytes and
// fabricates a batch of NumJSONs rows from its sequence range, so worker
// tests exercise the resize/serialize/enqueue path without a real JSON
// backend.
type rangeParser struct{ t *testing.T }

func (p *rangeParser) Parse(_ context.Context, inputs []*buffer.JsonBuffer) ([]parse.ParsedBatch, error) {
	out := make([]parse.ParsedBatch, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, makeBatch(p.t, int64(in.NumJSONs), in.SeqFirst))
	}
	return out, nil
}

func (p *rangeParser) OutputSchema() *arrow.Schema { return testSchema }
func (p *rangeParser) PreferredThreadCount() int   { return 0 }
func (p *rangeParser) PreferredBufferCount() int   { return 0 }

// collectSink records every enqueued message.
type collectSink struct {
	mu   sync.Mutex
	msgs []IpcMessage
}

func (s *collectSink) Enqueue(_ context.Context, msg IpcMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *collectSink) snapshot() []IpcMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IpcMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *collectSink) rows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.msgs {
		n += m.NumRows
	}
	return n
}

// failSink rejects the first enqueue with a permanent error.
type failSink struct{}

var errBrokerDown = errors.New("broker unavailable")

func (failSink) Enqueue(context.Context, IpcMessage) error { return errBrokerDown }

// fillPool appends n empty documents, seq 0..n-1, into one pool slot and
// marks it filled.
func fillPool(t *testing.T, pool *buffer.Pool, n int) {
	t.Helper()
	idx, buf, err := pool.AcquireWritable(context.Background())
	if err != nil {
		t.Fatalf("AcquireWritable: %v", err)
	}
	for seq := 0; seq < n; seq++ {
		if !buf.Append(uint64(seq), []byte(`{}`)) {
			t.Fatalf("Append %d failed", seq)
		}
	}
	pool.MarkFilled(idx)
	pool.Release(idx)
}

func TestWorkerRecoversFromIpcTooLargeOnce(t *testing.T) {
	t.Parallel()

	pool, err := buffer.New(buffer.NewSystemAllocator(), 2, 8192)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	fillPool(t, pool, 1000)

	// 1000 uint64 rows serialize past 8000 bytes; a 5000-byte cap forces
	// one IpcTooLarge, and a single halving of the row cap (1024 -> 512)
	// brings every piece back under it.
	resizer := NewResizer(1024)
	serial := NewSerializer(5000)
	retried := &atomic.Bool{}
	sink := &collectSink{}
	w := NewWorker(pool, &rangeParser{t: t}, resizer, serial, sink, nil, retried, 0, DefaultWorkerOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for sink.rows() < 1000 {
		select {
		case <-deadline:
			t.Fatalf("timed out: %d rows converted", sink.rows())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !retried.Load() {
		t.Fatalf("expected the one-shot IpcTooLarge retry to have fired")
	}
	if got := resizer.MaxRows(); got != 512 {
		t.Fatalf("row cap after halving: %d, want 512", got)
	}

	msgs := sink.snapshot()
	var next uint64
	for _, m := range msgs {
		if int64(len(m.Payload)) > 5000 {
			t.Errorf("message [%d,%d] is %d bytes, over the 5000 cap", m.SeqFirst, m.SeqLast, len(m.Payload))
		}
		if m.SeqFirst != next {
			t.Errorf("coverage gap: message starts at %d, want %d", m.SeqFirst, next)
		}
		next = m.SeqLast + 1
	}
	if next != 1000 {
		t.Fatalf("coverage ends at %d, want 1000", next)
	}
}

func TestWorkerMarksSampledTimepoints(t *testing.T) {
	t.Parallel()

	pool, err := buffer.New(buffer.NewSystemAllocator(), 1, 1024)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	fillPool(t, pool, 10)

	lat := latency.NewTracker(latency.Options{Interval: 1, MaxSamples: 16})
	sink := &collectSink{}
	w := NewWorker(pool, &rangeParser{t: t}, NewResizer(1024), NewSerializer(1<<20), sink, lat, nil, 0, DefaultWorkerOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	deadline := time.After(5 * time.Second)
	for sink.rows() < 10 {
		select {
		case <-deadline:
			t.Fatalf("timed out")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := sink.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	p := msgs[0].TimePoints
	if !p.Sampled() {
		t.Fatalf("expected message with SeqFirst=0 to be sampled")
	}
	for _, s := range []latency.Stage{latency.Parsed, latency.Batched, latency.Combined, latency.Serialized} {
		if p[s].IsZero() {
			t.Errorf("stage %d not stamped", s)
		}
	}
	if lat.Len() != 1 {
		t.Fatalf("tracker recorded %d samples, want 1", lat.Len())
	}
}

func TestWorkerPropagatesSinkError(t *testing.T) {
	t.Parallel()

	pool, err := buffer.New(buffer.NewSystemAllocator(), 1, 1024)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	fillPool(t, pool, 5)

	w := NewWorker(pool, &rangeParser{t: t}, NewResizer(1024), NewSerializer(1<<20), failSink{}, nil, nil, 0, DefaultWorkerOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = w.Run(ctx)
	if err == nil {
		t.Fatalf("expected Run to return the sink error")
	}
	if errs.KindOf(err) != errs.PublishError {
		t.Fatalf("expected PublishError kind, got %v", errs.KindOf(err))
	}
	if !errors.Is(err, errBrokerDown) {
		t.Fatalf("expected the underlying sink error to be wrapped, got %v", err)
	}
}
