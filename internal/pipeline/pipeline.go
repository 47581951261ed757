package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vectorfeed/vectorfeed/internal/adminrpc"
	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/convert"
	"github.com/vectorfeed/vectorfeed/internal/errs"
	"github.com/vectorfeed/vectorfeed/internal/httpserver"
	"github.com/vectorfeed/vectorfeed/internal/ingest"
	"github.com/vectorfeed/vectorfeed/internal/latency"
	"github.com/vectorfeed/vectorfeed/internal/parse"
	"github.com/vectorfeed/vectorfeed/internal/parse/fpga"
	"github.com/vectorfeed/vectorfeed/internal/publish"
	"github.com/vectorfeed/vectorfeed/internal/queue"
)

// Pipeline owns every stage of the JSON-to-Arrow-to-Pulsar pipeline and
// wires them with explicit constructor injection: one errgroup for every
// worker goroutine, one shared atomic.Bool shutdown flag, admin RPC and
// HTTP servers started alongside the data plane rather than owning it.
type Pipeline struct {
	cfg   Config
	runID string

	pool      *buffer.Pool
	resizer   *convert.Resizer
	serial    *convert.Serializer
	retried   *atomic.Bool
	ipcQueue  *queue.IpcQueue
	publisher *publish.Publisher
	lat       *latency.Tracker
	s3        *latency.S3Uploader

	in *ingest.Ingest

	workers []*convert.Worker

	adminSrv *adminrpc.Server
	httpSrv  *httpserver.Server

	shutdown atomic.Bool
	cancel   context.CancelFunc
}

// New builds every pipeline stage from cfg but starts nothing; call Run
// to bring the pipeline up.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	alloc, bufCapacity := buildAllocator(cfg)

	outputSchema, parserFor, enable, threads, buffers, err := buildParsers(cfg)
	if err != nil {
		return nil, err
	}

	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows, err = convert.ComputeMaxRows(outputSchema, cfg.AvgRowBytes, cfg.MaxIPCSize)
		if err != nil {
			return nil, errs.New(errs.ConfigError, "pipeline.New", err)
		}
	}

	pool, err := buffer.New(alloc, buffers, bufCapacity)
	if err != nil {
		return nil, err
	}
	if enable != nil {
		enable(pool)
	}

	resizer := convert.NewResizer(maxRows)
	serial := convert.NewSerializer(cfg.MaxIPCSize)
	retried := &atomic.Bool{}

	ipcQueue := queue.New(cfg.QueueCapacity)

	lat := latency.NewTracker(latency.Options{Interval: cfg.LatencyInterval, MaxSamples: cfg.LatencyMaxSamples})

	var s3 *latency.S3Uploader
	if cfg.LatencyS3Bucket != "" {
		s3, err = latency.NewS3Uploader(cfg.latencyS3Config())
		if err != nil {
			return nil, errs.New(errs.ConfigError, "pipeline.New", err)
		}
	}

	publisher, err := publish.New(publish.Options{
		URL:            cfg.PublishURL,
		Topic:          cfg.PublishTopic,
		NumProducers:   cfg.NumProducers,
		Batching:       cfg.batchingOptions(),
		DequeueTimeout: cfg.DequeueTimeout,
	}, ipcQueue, lat)
	if err != nil {
		return nil, err
	}

	in := ingest.New(pool, ingest.Options{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		IdleFlushInterval: cfg.IdleFlushInterval,
		Latency:           lat,
	})

	workerOpts := convert.WorkerOptions{QueueWaitInterval: cfg.QueueWaitInterval}
	workers := make([]*convert.Worker, threads)
	step := pool.Len() / threads
	if step == 0 {
		step = 1
	}
	for i := 0; i < threads; i++ {
		workers[i] = convert.NewWorker(pool, parserFor(i), resizer, serial, ipcQueue, lat, retried, i*step, workerOpts)
	}

	p := &Pipeline{
		cfg:       cfg,
		runID:     uuid.NewString(),
		pool:      pool,
		resizer:   resizer,
		serial:    serial,
		retried:   retried,
		ipcQueue:  ipcQueue,
		publisher: publisher,
		lat:       lat,
		s3:        s3,
		in:        in,
		workers:   workers,
	}
	p.adminSrv = adminrpc.NewServer(cfg.SocketPath, p)
	p.httpSrv = httpserver.NewServer(cfg.MetricsAddr, p)
	return p, nil
}

// buildAllocator picks the input-buffer allocator for the configured
// backend: page-granular system memory for the software parser, and for
// FPGA backends either the fixed-capacity device allocator (when
// FPGAFixedCapacity is set, which also pins the buffer capacity) or
// huge-page-aligned regions suitable for DMA staging.
func buildAllocator(cfg Config) (buffer.Allocator, int) {
	switch cfg.Parser {
	case ParserFPGABattery, ParserFPGATrip:
		if cfg.FPGAFixedCapacity > 0 {
			return buffer.NewFpgaFixedAllocator(cfg.FPGAFixedCapacity), cfg.FPGAFixedCapacity
		}
		return buffer.NewHugePageAllocator(), cfg.BufferCapacity
	default:
		return buffer.NewSystemAllocator(), cfg.BufferCapacity
	}
}

// buildParsers constructs either one shared ArrowParser (the software
// backend needs no per-worker state) or one fpga.Kernel per thread (each
// kernel instance is itself a Parser), returning the thread and buffer
// counts clamped to the backend's preference when it has one, matching
// Kernel.PreferredThreadCount/PreferredBufferCount's "one converter per
// kernel" rule. For FPGA backends, enable maps every pool buffer into
// the device address space once the pool exists; the AddressMap is
// read-only after that.
func buildParsers(cfg Config) (schema *arrow.Schema, parserFor func(i int) parse.Parser, enable func(*buffer.Pool), threads, buffers int, err error) {
	switch cfg.Parser {
	case ParserArrow:
		s, lerr := LoadSchema(cfg.SchemaPath)
		if lerr != nil {
			return nil, nil, nil, 0, 0, lerr
		}
		ap, aerr := parse.NewArrowParser(parse.ArrowOptions{
			Schema:       s,
			Strict:       cfg.ArrowStrict,
			WithSeqField: cfg.ArrowSeqColumn,
		})
		if aerr != nil {
			return nil, nil, nil, 0, 0, aerr
		}
		threads = clampPositive(cfg.Threads, 4)
		buffers = clampPositive(cfg.Buffers, 8)
		return ap.OutputSchema(), func(int) parse.Parser { return ap }, nil, threads, buffers, nil

	case ParserFPGABattery:
		kernels, fctx, berr := fpga.NewBatteryParsers(fpga.BatteryOptions{
			NumParsers: cfg.FPGANumParsers,
			SeqColumn:  cfg.ArrowSeqColumn,
			AFUBase:    cfg.FPGAAFUBase,
			Kernel:     fpga.KernelOptions{PollInterval: cfg.FPGAPollInterval, MaxPollTime: cfg.FPGAMaxPollTime},
		})
		if berr != nil {
			return nil, nil, nil, 0, 0, berr
		}
		return kernelParser(kernels, fctx)

	case ParserFPGATrip:
		// readRows reads a single global return register shared by every
		// kernel instance, so concurrent trip kernels would race each
		// other; until that shared register is split per-kernel, trip
		// always runs a single kernel regardless of FPGANumParsers.
		kernels, fctx, terr := fpga.NewTripParsers(fpga.TripOptions{
			NumParsers: 1,
			AFUBase:    cfg.FPGAAFUBase,
			Kernel:     fpga.KernelOptions{PollInterval: cfg.FPGAPollInterval, MaxPollTime: cfg.FPGAMaxPollTime},
		})
		if terr != nil {
			return nil, nil, nil, 0, 0, terr
		}
		return kernelParser(kernels, fctx)

	default:
		return nil, nil, nil, 0, 0, errs.New(errs.ConfigError, "pipeline.buildParsers", fmt.Errorf("unknown parser %q", cfg.Parser))
	}
}

func kernelParser(kernels []*fpga.Kernel, fctx *fpga.Context) (*arrow.Schema, func(i int) parse.Parser, func(*buffer.Pool), int, int, error) {
	n := len(kernels)
	enable := func(pool *buffer.Pool) {
		for _, b := range pool.Buffers() {
			fctx.RegisterBuffer(b.Data)
		}
	}
	return kernels[0].OutputSchema(),
		func(i int) parse.Parser { return kernels[i%n] },
		enable, n, 2 * n, nil
}

func clampPositive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Run brings every stage up, blocks until shutdown, and tears everything
// back down, returning the first worker error (if any).
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.in.Start(); err != nil {
		return errs.New(errs.IoError, "pipeline.Pipeline.Run", err)
	}

	if err := p.adminSrv.Start(); err != nil {
		log.Printf("pipeline: admin rpc server did not start: %v", err)
	}
	if err := p.httpSrv.Start(); err != nil {
		log.Printf("pipeline: metrics http server did not start: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	log.Printf("pipeline: run %s starting", p.runID)
	printStartupBanner(p.cfg, p.runID, p.in.Addr())

	g, gctx := errgroup.WithContext(runCtx)

	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	p.publisher.Run(gctx, func(fn func() error) { g.Go(fn) })

	g.Go(func() error {
		select {
		case <-p.in.Done():
			if err := p.in.Err(); err != nil {
				return errs.New(errs.IoError, "pipeline.Pipeline.Run", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	p.teardown()
	return err
}

// teardown stops every subsystem in the order that makes the shutdown
// quiescence property hold: data-plane stages first (so nothing new is
// enqueued), then the queue and publisher, then latency export, then the
// control-plane servers.
func (p *Pipeline) teardown() {
	p.shutdown.Store(true)
	p.in.Stop()
	p.ipcQueue.Close()
	p.publisher.Close()

	if p.cfg.LatencyFile != "" {
		if err := p.writeLatencyCSV(); err != nil {
			log.Printf("pipeline: latency csv export failed: %v", err)
		}
	}

	p.adminSrv.Stop()
	if err := p.httpSrv.Stop(); err != nil {
		log.Printf("pipeline: metrics http server shutdown: %v", err)
	}
}

func (p *Pipeline) writeLatencyCSV() error {
	f, err := os.Create(p.cfg.LatencyFile)
	if err != nil {
		return err
	}
	if err := p.lat.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if p.s3 != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.s3.UploadFile(ctx, p.cfg.LatencyFile); err != nil {
			return err
		}
	}
	return nil
}

// Stats satisfies adminrpc.Backend and is also served as JSON by
// internal/httpserver's /stats route, so both control surfaces agree.
func (p *Pipeline) Stats() adminrpc.Stats {
	return adminrpc.Stats{
		RowsPublished: p.publisher.PublishedCount(),
		IPCPublished:  sumIPCCount(p.publisher.Metrics()),
		QueueDepth:    p.ipcQueue.Len(),
		MaxRows:       p.resizer.MaxRows(),
	}
}

func sumIPCCount(ms []publish.Metrics) int64 {
	var n int64
	for _, m := range ms {
		n += m.IPCCount
	}
	return n
}

// Shutdown satisfies adminrpc.Backend, flipping the shared shutdown flag
// the same way an IpcTooLarge-unrecoverable error or a SIGINT would:
// workers observe it through context cancellation and exit within one
// queue-wait or poll-interval period.
func (p *Pipeline) Shutdown() {
	if p.shutdown.CompareAndSwap(false, true) && p.cancel != nil {
		p.cancel()
	}
}

func printStartupBanner(cfg Config, runID, ingestAddr string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦  ╦╔═╗╔═╗╔═╗╔═╗╔═╗╔╦╗
    ╚╗╔╝╠╣ ║╣ ║╣ ║  ║╣  ║║
     ╚╝ ╚  ╚═╝╚═╝╚═╝╚═╝═╩╝`)

	var lines []string
	lines = append(lines, "", logo, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Run"))
	lines = append(lines, fmt.Sprintf("    %s  ID             %s", check, dim.Render(runID)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Ingest"))
	lines = append(lines, fmt.Sprintf("    %s  TCP Source     %s", check, cyan.Render(ingestAddr)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Parser"))
	lines = append(lines, fmt.Sprintf("    %s  Backend        %s", check, dim.Render(string(cfg.Parser))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Publish"))
	lines = append(lines, fmt.Sprintf("    %s  Pulsar         %s / %s", check, cyan.Render(cfg.PublishURL), cfg.PublishTopic))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Control Plane"))
	lines = append(lines, fmt.Sprintf("    %s  Admin Socket   %s", check, dim.Render(cfg.SocketPath)))
	lines = append(lines, fmt.Sprintf("    %s  Metrics HTTP   %s", check, cyan.Render(cfg.MetricsAddr)))
	lines = append(lines, "")
	lines = append(lines, separator, "")

	fmt.Println(strings.Join(lines, "\n"))
}
