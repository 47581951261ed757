package convert

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/errs"
	"github.com/vectorfeed/vectorfeed/internal/latency"
	"github.com/vectorfeed/vectorfeed/internal/parse"
)

// Sink is the minimal IpcQueue surface a converter worker needs;
// internal/queue.IpcQueue satisfies it. Declared here, rather than
// imported, to keep internal/convert free of a dependency on
// internal/queue (queue already depends on convert for IpcMessage).
type Sink interface {
	Enqueue(ctx context.Context, msg IpcMessage) error
}

// WorkerOptions configures one converter goroutine.
type WorkerOptions struct {
	// QueueWaitInterval is how long a worker sleeps after finding no
	// filled buffer before rescanning the pool.
	QueueWaitInterval time.Duration
}

func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{QueueWaitInterval: time.Millisecond}
}

// Worker runs the parse/resize/serialize loop against one BufferPool,
// starting its round-robin scan for filled buffers at startIdx (callers
// give each of the T workers a distinct, evenly-spaced start so they
// don't all contend for buffer 0 first).
type Worker struct {
	Pool    *buffer.Pool
	Parser  parse.Parser
	Resizer *Resizer
	Serial  *Serializer
	Sink    Sink
	Latency *latency.Tracker
	Opts    WorkerOptions

	// Retried gates the one-shot IpcTooLarge recovery: the first worker
	// (of any) to observe IpcTooLarge flips
	// this from false to true and halves Resizer's row cap; every worker
	// shares the same flag so the halving happens at most once pipeline-
	// wide, not once per worker.
	Retried *atomic.Bool

	startIdx int
}

func NewWorker(pool *buffer.Pool, parser parse.Parser, resizer *Resizer, serial *Serializer, sink Sink, lat *latency.Tracker, retried *atomic.Bool, startIdx int, opts WorkerOptions) *Worker {
	if retried == nil {
		retried = &atomic.Bool{}
	}
	return &Worker{Pool: pool, Parser: parser, Resizer: resizer, Serial: serial, Sink: sink, Latency: lat, Retried: retried, Opts: opts, startIdx: startIdx}
}

// Run loops until ctx is canceled or shutdown is flagged by the caller
// closing ctx, returning the first error encountered (if any) so the
// orchestrator's errgroup can aggregate it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		idx, buf, ok := w.Pool.TryAcquireFilled(w.startIdx)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.Opts.QueueWaitInterval):
			}
			continue
		}
		w.startIdx = idx + 1

		err := w.convertOne(ctx, buf)
		w.Pool.Reset(idx)
		w.Pool.Release(idx)
		if err != nil {
			return err
		}
	}
}

func (w *Worker) convertOne(ctx context.Context, buf *buffer.JsonBuffer) error {
	batches, err := w.Parser.Parse(ctx, []*buffer.JsonBuffer{buf})
	if err != nil {
		return err
	}
	for _, batch := range batches {
		defer batch.Release()

		msgs, err := w.resizeAndSerialize(batch)
		if err != nil {
			return err
		}

		for _, msg := range msgs {
			seq := msg.SeqFirst
			sampled := w.Latency != nil && w.Latency.ShouldSample(seq)
			if sampled {
				p := w.Latency.Start(seq)
				p.Mark(latency.Parsed)
				p.Mark(latency.Batched)
				p.Mark(latency.Combined)
				p.Mark(latency.Serialized)
				msg.TimePoints = p
			}

			if err := w.Sink.Enqueue(ctx, msg); err != nil {
				return errs.New(errs.PublishError, "convert.Worker.convertOne", err)
			}
			if sampled {
				w.Latency.Record(seq, msg.TimePoints)
			}
		}
	}
	return nil
}

// resizeAndSerialize resizes and serializes batch into IpcMessages,
// applying the one-shot IpcTooLarge recovery: on the first
// IpcTooLarge observed pipeline-wide, it halves the shared Resizer's row
// cap and retries batch once from scratch. A second IpcTooLarge (either
// because this worker already consumed the one retry, or because
// another worker's halving wasn't enough) is fatal.
func (w *Worker) resizeAndSerialize(batch parse.ParsedBatch) ([]IpcMessage, error) {
	for {
		pieces := w.Resizer.Resize(batch)
		msgs := make([]IpcMessage, 0, len(pieces))
		var serializeErr error
		for i, piece := range pieces {
			msg, err := w.Serial.Serialize(piece)
			piece.rec.Release()
			if err != nil {
				serializeErr = err
				for _, p := range pieces[i+1:] {
					p.rec.Release()
				}
				break
			}
			msgs = append(msgs, msg)
		}
		if serializeErr == nil {
			return msgs, nil
		}
		if errs.KindOf(serializeErr) == errs.IpcTooLarge && w.Retried.CompareAndSwap(false, true) {
			w.Resizer.Halve()
			continue
		}
		return nil, serializeErr
	}
}
