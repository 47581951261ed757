// Package publish owns the producer goroutines that drain the converter
// stage's IpcQueue and hand each serialized IPC message to a Pulsar
// producer.
package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/vectorfeed/vectorfeed/internal/convert"
	"github.com/vectorfeed/vectorfeed/internal/errs"
	"github.com/vectorfeed/vectorfeed/internal/latency"
)

// BatchingOptions maps 1:1 to pulsar.ProducerOptions' batching fields.
type BatchingOptions struct {
	Enable          bool
	MaxMessages     uint
	MaxBytes        uint
	MaxPublishDelay time.Duration
}

// Options configures the publisher's Pulsar client, one producer per
// NumProducers goroutine, and the dequeue poll interval.
type Options struct {
	URL            string
	Topic          string
	NumProducers   int
	Batching       BatchingOptions
	DequeueTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{NumProducers: 1, DequeueTimeout: 100 * time.Millisecond}
}

// Dequeuer is the minimal IpcQueue surface a Publisher needs;
// internal/queue.IpcQueue satisfies it.
type Dequeuer interface {
	DequeueTimed(timeout time.Duration) (convert.IpcMessage, bool)
}

// Metrics holds one producer goroutine's counters: message/row counts
// and cumulative time spent inside Producer.Send.
type Metrics struct {
	IPCCount    int64
	RowCount    int64
	PublishTime time.Duration
}

// Publisher owns NumProducers pulsar.Producer handles, each drained by
// its own goroutine.
type Publisher struct {
	opts    Options
	client  pulsar.Client
	queue   Dequeuer
	latency *latency.Tracker

	published atomic.Int64

	mu      sync.Mutex
	metrics []Metrics
}

// New creates the shared Pulsar client; producers are created lazily by
// the goroutines Run launches, one per goroutine, mirroring
// ConcurrentPublisher::Make.
func New(opts Options, queue Dequeuer, lat *latency.Tracker) (*Publisher, error) {
	if opts.NumProducers <= 0 {
		opts.NumProducers = 1
	}
	client, err := pulsar.NewClient(pulsar.ClientOptions{URL: opts.URL})
	if err != nil {
		return nil, errs.New(errs.PublishError, "publish.New", err)
	}
	return &Publisher{opts: opts, client: client, queue: queue, latency: lat}, nil
}

// PublishedCount returns the running total of rows published across all
// producer goroutines, for /stats and admin RPC reporting.
func (p *Publisher) PublishedCount() int64 { return p.published.Load() }

// Run launches p.opts.NumProducers goroutines via launch, each draining
// the queue until ctx is done. A producer send error is recorded and
// propagated (the caller's errgroup then cancels ctx for every worker).
func (p *Publisher) Run(ctx context.Context, launch func(func() error)) {
	for i := 0; i < p.opts.NumProducers; i++ {
		launch(func() error { return p.runOne(ctx) })
	}
}

func (p *Publisher) runOne(ctx context.Context) error {
	producer, err := p.client.CreateProducer(p.producerOptions())
	if err != nil {
		return errs.New(errs.PublishError, "publish.Publisher.runOne", err)
	}
	defer producer.Close()

	var m Metrics
	defer func() {
		p.mu.Lock()
		p.metrics = append(p.metrics, m)
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, ok := p.queue.DequeueTimed(p.opts.DequeueTimeout)
		if !ok {
			continue
		}

		sampled := msg.TimePoints.Sampled()
		if sampled {
			msg.TimePoints.Mark(latency.Dequeued)
			msg.TimePoints.Mark(latency.PrePublish)
		}

		start := time.Now()
		_, err := producer.Send(ctx, &pulsar.ProducerMessage{Payload: msg.Payload})
		m.PublishTime += time.Since(start)
		if err != nil {
			return errs.New(errs.PublishError, "publish.Publisher.runOne", err)
		}

		if sampled {
			msg.TimePoints.Mark(latency.Published)
			p.latency.Record(msg.SeqFirst, msg.TimePoints)
		}

		m.IPCCount++
		m.RowCount += msg.NumRows
		p.published.Add(msg.NumRows)
	}
}

func (p *Publisher) producerOptions() pulsar.ProducerOptions {
	opts := pulsar.ProducerOptions{Topic: p.opts.Topic}
	if p.opts.Batching.Enable {
		opts.DisableBatching = false
		opts.BatchingMaxMessages = p.opts.Batching.MaxMessages
		opts.BatchingMaxSize = p.opts.Batching.MaxBytes
		opts.BatchingMaxPublishDelay = p.opts.Batching.MaxPublishDelay
	} else {
		opts.DisableBatching = true
	}
	return opts
}

// Metrics returns a snapshot of every producer goroutine's metrics,
// populated once each has returned.
func (p *Publisher) Metrics() []Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Metrics, len(p.metrics))
	copy(out, p.metrics)
	return out
}

// Close shuts down the shared Pulsar client. Call after all producer
// goroutines have returned.
func (p *Publisher) Close() {
	p.client.Close()
}
