package fpga

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
)

// BatteryOptions configures the battery-status FPGA backend.
type BatteryOptions struct {
	NumParsers           int
	OutOffsetBufCapacity int // defaults to 1 GiB
	OutValuesBufCapacity int // defaults to 1 GiB
	SeqColumn            bool
	AFUBase              string
	Allocator            memory.Allocator
	Kernel               KernelOptions
}

var batterySchema = arrow.NewSchema([]arrow.Field{
	{Name: "voltage", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint64)},
}, nil)

var batterySchemaWithSeq = arrow.NewSchema([]arrow.Field{
	{Name: "bolson_seq", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "voltage", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint64)},
}, nil)

// BatteryOutputSchema returns the schema the battery backend always
// produces, regardless of any caller-supplied schema.
func BatteryOutputSchema(seqColumn bool) *arrow.Schema {
	if seqColumn {
		return batterySchemaWithSeq
	}
	return batterySchema
}

// NewBatteryParsers builds one Context shared by opts.NumParsers Kernel
// instances, each wired to the battery output view.
func NewBatteryParsers(opts BatteryOptions) ([]*Kernel, *Context, error) {
	if opts.NumParsers <= 0 {
		opts.NumParsers = 1
	}
	if opts.OutOffsetBufCapacity <= 0 {
		opts.OutOffsetBufCapacity = 1024 * 1024 * 1024
	}
	if opts.OutValuesBufCapacity <= 0 {
		opts.OutValuesBufCapacity = 1024 * 1024 * 1024
	}
	mem := opts.Allocator
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	kopts := opts.Kernel
	if kopts.MaxPollTime == 0 {
		kopts = DefaultKernelOptions()
	}

	ctx, err := NewContext(Battery, opts.NumParsers, opts.AFUBase)
	if err != nil {
		return nil, nil, err
	}

	kernels := make([]*Kernel, opts.NumParsers)
	for i := 0; i < opts.NumParsers; i++ {
		view := &batteryView{
			mem:        mem,
			offsetsCap: opts.OutOffsetBufCapacity,
			valuesCap:  opts.OutValuesBufCapacity,
			seqColumn:  opts.SeqColumn,
			offsetsBuf: make([]byte, opts.OutOffsetBufCapacity),
			valuesBuf:  make([]byte, opts.OutValuesBufCapacity),
		}
		kernels[i] = newKernel(ctx, i, kopts, view)
	}
	return kernels, ctx, nil
}

// batteryView implements outputView for the battery backend: a single
// list<uint64> "voltage" column, built from an offsets buffer (length
// rows+1) and a values buffer (length offsets[rows]).
type batteryView struct {
	mem        memory.Allocator
	offsetsCap int
	valuesCap  int
	seqColumn  bool

	offsetsBuf []byte
	valuesBuf  []byte

	seqFirst uint64
	rows     int64
}

func (v *batteryView) schema() *arrow.Schema { return BatteryOutputSchema(v.seqColumn) }

func (v *batteryView) registerOutputBuffers(k *Kernel) {
	devOff := k.ctx.RegisterBuffer(v.offsetsBuf)
	devVal := k.ctx.RegisterBuffer(v.valuesBuf)
	l := k.ctx.layout()
	off := l.outputAddrOffset(k.idx)
	k.ctx.writeReg(off+0, uint32(devOff))
	k.ctx.writeReg(off+1, uint32(devOff>>32))
	k.ctx.writeReg(off+2, uint32(devVal))
	k.ctx.writeReg(off+3, uint32(devVal>>32))
}

// writeInput stands in for the hardware kernel: it parses each
// newline-delimited {"voltage":[...]} document in in.Bytes() and fills
// the offsets/values output regions the way the real battery kernel
// would, then records the row count in the custom result_rows register.
func (v *batteryView) writeInput(k *Kernel, in *buffer.JsonBuffer) error {
	v.seqFirst = in.SeqFirst
	dec := json.NewDecoder(bytes.NewReader(in.Bytes()))
	var valOff int
	rows := 0
	binary.LittleEndian.PutUint64(v.offsetsBuf[0:8], 0)
	for {
		var doc struct {
			Voltage []uint64 `json:"voltage"`
		}
		if err := dec.Decode(&doc); err != nil {
			break
		}
		for _, val := range doc.Voltage {
			if valOff+8 > len(v.valuesBuf) {
				return fmt.Errorf("fpga: battery output values buffer exhausted")
			}
			binary.LittleEndian.PutUint64(v.valuesBuf[valOff:valOff+8], val)
			valOff += 8
		}
		rows++
		if (rows+1)*8 > len(v.offsetsBuf) {
			return fmt.Errorf("fpga: battery output offsets buffer exhausted")
		}
		binary.LittleEndian.PutUint64(v.offsetsBuf[rows*8:rows*8+8], uint64(valOff))
	}
	v.rows = int64(rows)

	l := k.ctx.layout()
	resultOff := l.customRegOffset(k.idx)
	k.ctx.writeReg(resultOff+batteryResultRowsLoField, uint32(rows))
	k.ctx.writeReg(resultOff+batteryResultRowsHiField, uint32(rows>>32))
	_, statusOff := ctrlStatusOffsets(Battery, l, k.idx)
	k.ctx.writeReg(statusOff, StatusDone)
	return nil
}

func (v *batteryView) readRows(k *Kernel) int64 {
	l := k.ctx.layout()
	resultOff := l.customRegOffset(k.idx)
	lo := k.ctx.readReg(resultOff + batteryResultRowsLoField)
	hi := k.ctx.readReg(resultOff + batteryResultRowsHiField)
	return int64(uint64(hi)<<32 | uint64(lo))
}

func (v *batteryView) wrap(rows int64) (arrow.Record, error) {
	offsets := make([]uint64, rows+1)
	for i := int64(0); i <= rows; i++ {
		offsets[i] = binary.LittleEndian.Uint64(v.offsetsBuf[i*8 : i*8+8])
	}

	listB := array.NewListBuilder(v.mem, arrow.PrimitiveTypes.Uint64)
	defer listB.Release()
	valB := listB.ValueBuilder().(*array.Uint64Builder)
	for row := int64(0); row < rows; row++ {
		listB.Append(true)
		start, end := offsets[row], offsets[row+1]
		for off := start; off < end; off += 8 {
			valB.Append(binary.LittleEndian.Uint64(v.valuesBuf[off : off+8]))
		}
	}
	listArr := listB.NewListArray()
	defer listArr.Release()

	if !v.seqColumn {
		return array.NewRecord(batterySchema, []arrow.Array{listArr}, rows), nil
	}

	seqB := array.NewUint64Builder(v.mem)
	defer seqB.Release()
	seqB.Reserve(int(rows))
	for i := int64(0); i < rows; i++ {
		seqB.Append(v.seqFirst + uint64(i))
	}
	seqArr := seqB.NewUint64Array()
	defer seqArr.Release()
	return array.NewRecord(batterySchemaWithSeq, []arrow.Array{seqArr, listArr}, rows), nil
}
