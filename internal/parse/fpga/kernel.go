package fpga

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/errs"
	"github.com/vectorfeed/vectorfeed/internal/parse"
)

// KernelOptions tunes the per-kernel poll loop.
type KernelOptions struct {
	// PollInterval is the sleep between status reads while waiting for
	// StatusDone; the MMIO mutex is released for the whole sleep.
	PollInterval time.Duration
	// MaxPollTime bounds how long Parse waits for StatusDone before
	// returning a Timeout error.
	MaxPollTime time.Duration
}

func DefaultKernelOptions() KernelOptions {
	return KernelOptions{PollInterval: 50 * time.Microsecond, MaxPollTime: 5 * time.Second}
}

// outputView wraps a kernel's raw output regions into the software-
// visible Arrow record once the hardware reports a row count. Battery
// and Trip each supply their own; writeInput stands in for the hardware
// kernel itself, since there is no physical device to drive: it parses
// the buffer's JSON into the pre-registered output regions and flips the
// status register to Done, which the generic poll loop then observes.
type outputView interface {
	schema() *arrow.Schema
	registerOutputBuffers(k *Kernel)
	writeInput(k *Kernel, in *buffer.JsonBuffer) error
	readRows(k *Kernel) int64
	wrap(rows int64) (arrow.Record, error)
}

// Kernel is a software-side handle to one hardware parser instance
// inside a shared Context. Multiple Kernel values (one per idx in
// [0, N)) may call Parse concurrently: each blocks only on its own
// StatusDone bit, serializing with siblings solely through the brief
// register-access critical sections in Context.
type Kernel struct {
	ctx  *Context
	idx  int
	opts KernelOptions
	view outputView
}

func newKernel(ctx *Context, idx int, opts KernelOptions, view outputView) *Kernel {
	k := &Kernel{ctx: ctx, idx: idx, opts: opts, view: view}
	view.registerOutputBuffers(k)
	return k
}

// OutputSchema, PreferredThreadCount and PreferredBufferCount satisfy
// parse.Parser: a kernel's schema is hard-coded by its backend (any
// caller-supplied schema is ignored for FPGA backends), and the
// preferred thread/buffer counts mirror the shared Context's
// kernel count, one converter per kernel being the natural match.
func (k *Kernel) OutputSchema() *arrow.Schema { return k.view.schema() }
func (k *Kernel) PreferredThreadCount() int   { return k.ctx.N }
func (k *Kernel) PreferredBufferCount() int   { return 2 * k.ctx.N }

// Parse runs the reset/configure/start/poll/read register protocol for
// each input buffer in turn against this kernel instance.
func (k *Kernel) Parse(ctx context.Context, inputs []*buffer.JsonBuffer) ([]parse.ParsedBatch, error) {
	out := make([]parse.ParsedBatch, 0, len(inputs))
	for _, in := range inputs {
		if in.Size == 0 {
			continue
		}
		batch, err := k.parseOne(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, nil
}

func (k *Kernel) parseOne(ctx context.Context, in *buffer.JsonBuffer) (parse.ParsedBatch, error) {
	l := k.ctx.layout()
	ctrlOff, statusOff := ctrlStatusOffsets(k.ctx.Backend, l, k.idx)

	// 1. Acquire MMIO mutex (each writeReg/readReg call below does so
	// internally, held only across the single access) + 2. reset kernel.
	k.ctx.writeReg(ctrlOff, CtrlReset)
	k.ctx.writeReg(ctrlOff, 0)

	// 3. Write input_lastidx = buffer.Size (bytes).
	k.ctx.writeReg(l.inputRangeOffset(k.idx)+1, uint32(in.Size))

	// 4. Translate buffer.Data via AddressMap -> (lo, hi); write input
	// address registers.
	lo, hi, err := k.ctx.addr.Translate(in.Data)
	if err != nil {
		return parse.ParsedBatch{}, errs.New(errs.DeviceError, "fpga.Kernel.Parse", err)
	}
	addrOff := l.inputValuesAddrOffset(k.idx)
	k.ctx.writeReg(addrOff, lo)
	k.ctx.writeReg(addrOff+1, hi)

	// 5. Write ctrl=START, then ctrl=0. The "hardware" work itself
	// happens here, synchronously, standing in for what a real kernel
	// would do between START and flipping its own status register.
	k.ctx.writeReg(ctrlOff, CtrlStart)
	if err := k.view.writeInput(k, in); err != nil {
		return parse.ParsedBatch{}, errs.New(errs.DeviceError, "fpga.Kernel.Parse", err)
	}
	k.ctx.writeReg(ctrlOff, 0)

	// 6. Release mutex between polls; poll status until StatusDone,
	// bounded by MaxPollTime.
	deadline := time.Now().Add(k.opts.MaxPollTime)
	for {
		select {
		case <-ctx.Done():
			return parse.ParsedBatch{}, errs.New(errs.Timeout, "fpga.Kernel.Parse", ctx.Err())
		default:
		}
		status := k.ctx.readReg(statusOff)
		if status&StatusDone != 0 {
			break
		}
		if time.Now().After(deadline) {
			return parse.ParsedBatch{}, errs.New(errs.Timeout, "fpga.Kernel.Parse", errPollTimeout)
		}
		time.Sleep(k.opts.PollInterval)
	}

	// 7. Read result rows (battery custom regs, or trip's global return
	// register, both exposed via view.readRows).
	rows := k.view.readRows(k)

	// 8. Release mutex (already released between steps); wrap output.
	rec, err := k.view.wrap(rows)
	if err != nil {
		return parse.ParsedBatch{}, errs.New(errs.ParseError, "fpga.Kernel.Parse", err)
	}

	return parse.ParsedBatch{Batch: rec, SeqFirst: in.SeqFirst, SeqLast: in.SeqLast}, nil
}

// ctrlStatusOffsets returns the word offsets of kernel idx's control and
// status registers: battery carries them in its custom-register block,
// trip in the shadow block past the formal register map (see
// regLayout.shadowCtrlStatusOffset), since trip's custom regs are only
// {tag, bytes_consumed} and name no ctrl/status field of their own.
func ctrlStatusOffsets(backend Backend, l regLayout, idx int) (ctrl, status int) {
	switch backend {
	case Battery:
		base := l.customRegOffset(idx)
		return base + batteryCtrlField, base + batteryStatusField
	default:
		base := l.shadowCtrlStatusOffset(idx)
		return base, base + 1
	}
}

type errPollTimeoutT struct{}

func (errPollTimeoutT) Error() string { return "fpga: status DONE not observed within poll budget" }

var errPollTimeout = errPollTimeoutT{}
