package fpga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/errs"
	"github.com/vectorfeed/vectorfeed/internal/parse"
)

func fillBuffer(t *testing.T, seqFirst uint64, docs ...string) *buffer.JsonBuffer {
	t.Helper()
	buf := &buffer.JsonBuffer{Data: make([]byte, 1<<16), Capacity: 1 << 16}
	for i, d := range docs {
		if !buf.Append(seqFirst+uint64(i), []byte(d)) {
			t.Fatalf("Append %d failed", i)
		}
	}
	return buf
}

func registerInput(kernels []*Kernel, bufs ...*buffer.JsonBuffer) {
	for _, b := range bufs {
		kernels[0].ctx.RegisterBuffer(b.Data)
	}
}

func TestBatterySingleBuffer(t *testing.T) {
	t.Parallel()

	kernels, _, err := NewBatteryParsers(BatteryOptions{
		NumParsers:           1,
		OutOffsetBufCapacity: 1 << 16,
		OutValuesBufCapacity: 1 << 16,
	})
	if err != nil {
		t.Fatalf("NewBatteryParsers: %v", err)
	}

	docs := make([]string, 10)
	for i := range docs {
		docs[i] = `{"voltage":[1,2,3]}`
	}
	buf := fillBuffer(t, 0, docs...)
	registerInput(kernels, buf)

	batches, err := kernels[0].Parse(context.Background(), []*buffer.JsonBuffer{buf})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	defer b.Release()

	if b.Batch.NumRows() != 10 {
		t.Fatalf("rows=%d, want 10", b.Batch.NumRows())
	}
	if b.SeqFirst != 0 || b.SeqLast != 9 {
		t.Fatalf("seq range [%d,%d], want [0,9]", b.SeqFirst, b.SeqLast)
	}
	if !b.Batch.Schema().Equal(BatteryOutputSchema(false)) {
		t.Fatalf("schema mismatch: %v", b.Batch.Schema())
	}

	list := b.Batch.Column(0).(*array.List)
	vals := list.ListValues().(*array.Uint64)
	for row := 0; row < 10; row++ {
		start, end := list.ValueOffsets(row)
		if end-start != 3 {
			t.Fatalf("row %d has %d values, want 3", row, end-start)
		}
		for j := int64(0); j < 3; j++ {
			if got := vals.Value(int(start + j)); got != uint64(j)+1 {
				t.Fatalf("row %d value %d = %d, want %d", row, j, got, j+1)
			}
		}
	}
}

func TestBatteryParityWithArrowBackend(t *testing.T) {
	t.Parallel()

	kernels, _, err := NewBatteryParsers(BatteryOptions{
		NumParsers:           1,
		OutOffsetBufCapacity: 1 << 16,
		OutValuesBufCapacity: 1 << 16,
	})
	if err != nil {
		t.Fatalf("NewBatteryParsers: %v", err)
	}
	sw, err := parse.NewArrowParser(parse.ArrowOptions{Schema: BatteryOutputSchema(false)})
	if err != nil {
		t.Fatalf("NewArrowParser: %v", err)
	}

	docs := []string{
		`{"voltage":[1]}`,
		`{"voltage":[2,3]}`,
		`{"voltage":[4,5,6,7]}`,
		`{"voltage":[]}`,
	}
	hwBuf := fillBuffer(t, 0, docs...)
	swBuf := fillBuffer(t, 0, docs...)
	registerInput(kernels, hwBuf)

	hw, err := kernels[0].Parse(context.Background(), []*buffer.JsonBuffer{hwBuf})
	if err != nil {
		t.Fatalf("fpga Parse: %v", err)
	}
	defer hw[0].Release()
	swb, err := sw.Parse(context.Background(), []*buffer.JsonBuffer{swBuf})
	if err != nil {
		t.Fatalf("arrow Parse: %v", err)
	}
	defer swb[0].Release()

	if !array.RecordEqual(hw[0].Batch, swb[0].Batch) {
		t.Fatalf("backends disagree:\nfpga:  %v\narrow: %v", hw[0].Batch, swb[0].Batch)
	}
}

func TestKernelsParseConcurrently(t *testing.T) {
	t.Parallel()

	const n = 4
	kernels, _, err := NewBatteryParsers(BatteryOptions{
		NumParsers:           n,
		OutOffsetBufCapacity: 1 << 16,
		OutValuesBufCapacity: 1 << 16,
	})
	if err != nil {
		t.Fatalf("NewBatteryParsers: %v", err)
	}

	bufs := make([]*buffer.JsonBuffer, n)
	for i := range bufs {
		bufs[i] = fillBuffer(t, uint64(i*100), `{"voltage":[10]}`, `{"voltage":[20]}`)
		registerInput(kernels, bufs[i])
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batches, err := kernels[i].Parse(context.Background(), []*buffer.JsonBuffer{bufs[i]})
			if err != nil {
				results[i] = err
				return
			}
			if batches[0].Batch.NumRows() != 2 || batches[0].SeqFirst != uint64(i*100) {
				t.Errorf("kernel %d: rows=%d seqFirst=%d", i, batches[0].Batch.NumRows(), batches[0].SeqFirst)
			}
			batches[0].Release()
		}(i)
	}
	wg.Wait()
	for i, err := range results {
		if err != nil {
			t.Errorf("kernel %d: %v", i, err)
		}
	}
}

func TestParseFailsOnUnregisteredBuffer(t *testing.T) {
	t.Parallel()

	kernels, _, err := NewBatteryParsers(BatteryOptions{
		NumParsers:           1,
		OutOffsetBufCapacity: 1 << 16,
		OutValuesBufCapacity: 1 << 16,
		Kernel:               KernelOptions{PollInterval: time.Microsecond, MaxPollTime: time.Second},
	})
	if err != nil {
		t.Fatalf("NewBatteryParsers: %v", err)
	}

	buf := fillBuffer(t, 0, `{"voltage":[1]}`)
	_, err = kernels[0].Parse(context.Background(), []*buffer.JsonBuffer{buf})
	if err == nil {
		t.Fatalf("expected an unregistered input buffer to fail address translation")
	}
	if errs.KindOf(err) != errs.DeviceError {
		t.Fatalf("expected DeviceError kind, got %v", errs.KindOf(err))
	}
}
