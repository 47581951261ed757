package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/latency"
)

// Options configures the listen address and idle-flush interval.
// Latency, when non-nil, receives the ingest-side timepoints (received,
// unwrapped, buffered, buffer-flushed) for sampled sequence numbers.
type Options struct {
	Addr              string
	IdleFlushInterval time.Duration
	Latency           *latency.Tracker
}

func DefaultOptions() Options {
	return Options{Addr: "127.0.0.1:4050", IdleFlushInterval: 50 * time.Millisecond}
}

// Ingest accepts exactly one TCP connection (the upstream JSON
// generator is a single source) and runs the acquire/append/release
// loop against pool.
type Ingest struct {
	pool *buffer.Pool
	opts Options

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	done chan struct{}
	err  error
}

func New(pool *buffer.Pool, opts Options) *Ingest {
	if opts.IdleFlushInterval <= 0 {
		opts.IdleFlushInterval = 50 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingest{pool: pool, opts: opts, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Start begins listening and accepting; it returns once the listener is
// up, with accept/serve running in the background.
func (in *Ingest) Start() error {
	l, err := net.Listen("tcp", in.opts.Addr)
	if err != nil {
		return err
	}
	in.listener = l

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-in.ctx.Done():
			default:
				in.err = err
			}
			close(in.done)
			return
		}
		in.serve(conn)
		close(in.done)
	}()
	return nil
}

// Addr returns the active listen address.
func (in *Ingest) Addr() string {
	if in.listener != nil {
		return in.listener.Addr().String()
	}
	return in.opts.Addr
}

// Done signals when the ingest connection has finished (orderly close,
// short read, or Stop) so the pipeline orchestrator can join it.
func (in *Ingest) Done() <-chan struct{} { return in.done }

// Err returns the error (if any) that ended the ingest loop.
func (in *Ingest) Err() error { return in.err }

// Stop cancels the accept loop and closes the listener.
func (in *Ingest) Stop() {
	in.cancel()
	if in.listener != nil {
		in.listener.Close()
	}
	in.wg.Wait()
}

type frameResult struct {
	seq     uint64
	payload []byte
	err     error
}

// serve runs the read loop against a single accepted connection:
// append until overflow, roll to a fresh buffer, flush when idle.
func (in *Ingest) serve(conn net.Conn) {
	defer conn.Close()

	idx, buf, err := in.pool.AcquireWritable(in.ctx)
	if err != nil {
		in.err = err
		return
	}
	have := true

	frames := make(chan frameResult)
	go func() {
		for {
			seq, payload, err := ReadFrame(conn)
			if err == nil && in.opts.Latency != nil {
				in.opts.Latency.MarkSeq(seq, latency.Received)
			}
			select {
			case frames <- frameResult{seq: seq, payload: payload, err: err}:
			case <-in.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(in.opts.IdleFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if !have {
			return
		}
		if in.opts.Latency != nil && !buf.Empty() {
			in.opts.Latency.MarkRange(buf.SeqFirst, buf.SeqLast, latency.BufferFlushed)
		}
		in.pool.MarkFilled(idx)
		in.pool.Release(idx)
		have = false
	}

	for {
		select {
		case <-in.ctx.Done():
			flush()
			return

		case fr := <-frames:
			if fr.err != nil {
				if !errors.Is(fr.err, io.EOF) {
					log.Printf("ingest: connection %s ended: %v", conn.RemoteAddr(), fr.err)
				}
				flush()
				return
			}
			if in.opts.Latency != nil {
				in.opts.Latency.MarkSeq(fr.seq, latency.Unwrapped)
			}

			if !buf.Append(fr.seq, fr.payload) {
				flush()
				var aerr error
				idx, buf, aerr = in.pool.AcquireWritable(in.ctx)
				if aerr != nil {
					in.err = aerr
					return
				}
				have = true
				if !buf.Append(fr.seq, fr.payload) {
					log.Printf("ingest: payload of %d bytes exceeds buffer capacity %d; dropping", len(fr.payload), buf.Capacity)
				}
			}
			if in.opts.Latency != nil {
				in.opts.Latency.MarkSeq(fr.seq, latency.Buffered)
			}
			ticker.Reset(in.opts.IdleFlushInterval)

		case <-ticker.C:
			if have && !buf.Empty() {
				flush()
				var aerr error
				idx, buf, aerr = in.pool.AcquireWritable(in.ctx)
				if aerr != nil {
					in.err = aerr
					return
				}
				have = true
			}
		}
	}
}
