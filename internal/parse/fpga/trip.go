package fpga

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
)

// tripFieldCount is the number of columns in the trip-report schema;
// registers.go derives the output-address register count from it.
const tripFieldCount = 19

// tripListFields gives the fixed width of each fixed_size_list<uint64>
// column, in schema order, verbatim from schema_trip().
var tripListFields = []struct {
	name  string
	width int
}{
	{"sec_in_band", 12},
	{"miles_in_time_range", 24},
	{"const_speed_miles_in_band", 12},
	{"vary_speed_miles_in_band", 12},
	{"sec_decel", 10},
	{"sec_accel", 10},
	{"braking", 6},
	{"accel", 6},
	{"small_speed_var", 13},
	{"large_speed_var", 13},
}

// TripOptions configures the trip-report FPGA backend.
type TripOptions struct {
	NumParsers int
	AFUBase    string
	Allocator  memory.Allocator
	Kernel     KernelOptions
}

// TripOutputSchema returns the 19-field schema the trip backend always
// produces, with its 10 list columns as fixed_size_list<uint64>. The
// driver has no separate flat-array hardware view of these columns.
func TripOutputSchema() *arrow.Schema {
	fields := make([]arrow.Field, 0, tripFieldCount)
	fields = append(fields,
		arrow.Field{Name: "timestamp", Type: arrow.BinaryTypes.String},
		arrow.Field{Name: "timezone", Type: arrow.PrimitiveTypes.Uint64},
		arrow.Field{Name: "vin", Type: arrow.PrimitiveTypes.Uint64},
		arrow.Field{Name: "odometer", Type: arrow.PrimitiveTypes.Uint64},
		arrow.Field{Name: "hypermiling", Type: arrow.FixedWidthTypes.Boolean},
		arrow.Field{Name: "avgspeed", Type: arrow.PrimitiveTypes.Uint64},
	)
	for _, lf := range tripListFields[:4] {
		fields = append(fields, arrow.Field{Name: lf.name, Type: fixedList(lf.width)})
	}
	fields = append(fields,
		arrow.Field{Name: tripListFields[4].name, Type: fixedList(tripListFields[4].width)},
		arrow.Field{Name: tripListFields[5].name, Type: fixedList(tripListFields[5].width)},
		arrow.Field{Name: tripListFields[6].name, Type: fixedList(tripListFields[6].width)},
		arrow.Field{Name: tripListFields[7].name, Type: fixedList(tripListFields[7].width)},
		arrow.Field{Name: "orientation", Type: arrow.FixedWidthTypes.Boolean},
		arrow.Field{Name: tripListFields[8].name, Type: fixedList(tripListFields[8].width)},
		arrow.Field{Name: tripListFields[9].name, Type: fixedList(tripListFields[9].width)},
		arrow.Field{Name: "accel_decel", Type: arrow.PrimitiveTypes.Uint64},
		arrow.Field{Name: "speed_changes", Type: arrow.PrimitiveTypes.Uint64},
	)
	return arrow.NewSchema(fields, nil)
}

func fixedList(width int) arrow.DataType {
	return arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Uint64)
}

var tripSchema = TripOutputSchema()

// tripDoc is the JSON shape a trip-report document is decoded into.
type tripDoc struct {
	Timestamp             string   `json:"timestamp"`
	Timezone              uint64   `json:"timezone"`
	VIN                   uint64   `json:"vin"`
	Odometer              uint64   `json:"odometer"`
	Hypermiling           bool     `json:"hypermiling"`
	Avgspeed              uint64   `json:"avgspeed"`
	SecInBand             []uint64 `json:"sec_in_band"`
	MilesInTimeRange      []uint64 `json:"miles_in_time_range"`
	ConstSpeedMilesInBand []uint64 `json:"const_speed_miles_in_band"`
	VarySpeedMilesInBand  []uint64 `json:"vary_speed_miles_in_band"`
	SecDecel              []uint64 `json:"sec_decel"`
	SecAccel              []uint64 `json:"sec_accel"`
	Braking               []uint64 `json:"braking"`
	Accel                 []uint64 `json:"accel"`
	Orientation           bool     `json:"orientation"`
	SmallSpeedVar         []uint64 `json:"small_speed_var"`
	LargeSpeedVar         []uint64 `json:"large_speed_var"`
	AccelDecel            uint64   `json:"accel_decel"`
	SpeedChanges          uint64   `json:"speed_changes"`
}

// NewTripParsers builds one Context shared by opts.NumParsers Kernel
// instances, each wired to the trip output view.
func NewTripParsers(opts TripOptions) ([]*Kernel, *Context, error) {
	if opts.NumParsers <= 0 {
		opts.NumParsers = 1
	}
	mem := opts.Allocator
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	kopts := opts.Kernel
	if kopts.MaxPollTime == 0 {
		kopts = DefaultKernelOptions()
	}

	ctx, err := NewContext(Trip, opts.NumParsers, opts.AFUBase)
	if err != nil {
		return nil, nil, err
	}

	kernels := make([]*Kernel, opts.NumParsers)
	for i := 0; i < opts.NumParsers; i++ {
		view := newTripView(mem)
		kernels[i] = newKernel(ctx, i, kopts, view)
	}
	return kernels, ctx, nil
}

// tripView implements outputView for the trip backend. It keeps the
// decoded documents in a Go slice rather than emulating the raw
// fixed-capacity output regions byte-for-byte; the FixedSizeList columns
// are built from those documents at wrap time, so the backing store
// doesn't need to match hardware memory layout bit-for-bit.
type tripView struct {
	mem  memory.Allocator
	docs []tripDoc
	tag  uint32
}

func newTripView(mem memory.Allocator) *tripView {
	return &tripView{mem: mem}
}

func (v *tripView) schema() *arrow.Schema { return tripSchema }

// registerOutputBuffers writes placeholder device addresses for trip's
// 19 output regions; since this driver keeps decoded rows in v.docs
// rather than raw mapped memory, every address register pair points at
// one shared one-byte sentinel region, which still exercises the same
// address-register wiring path battery uses.
func (v *tripView) registerOutputBuffers(k *Kernel) {
	l := k.ctx.layout()
	base := l.outputAddrOffset(k.idx)
	sentinel := make([]byte, 1)
	dev := k.ctx.RegisterBuffer(sentinel)
	for i := 0; i < tripFieldCount; i++ {
		k.ctx.writeReg(base+2*i, uint32(dev))
		k.ctx.writeReg(base+2*i+1, uint32(dev>>32))
	}
}

func (v *tripView) writeInput(k *Kernel, in *buffer.JsonBuffer) error {
	v.docs = v.docs[:0]
	dec := json.NewDecoder(bytes.NewReader(in.Bytes()))
	for {
		var d tripDoc
		if err := dec.Decode(&d); err != nil {
			break
		}
		for _, lf := range tripListFields {
			n := fieldLen(&d, lf.name)
			if n != lf.width {
				return fmt.Errorf("fpga: trip field %q has %d elements, want %d", lf.name, n, lf.width)
			}
		}
		v.docs = append(v.docs, d)
	}

	l := k.ctx.layout()
	v.tag++
	customOff := l.customRegOffset(k.idx)
	k.ctx.writeReg(customOff+tripTagField, v.tag)
	k.ctx.writeReg(customOff+tripBytesConsumedField, uint32(in.Size))
	// Row count for trip comes back via the global kernel return
	// register, not a per-kernel custom reg.
	k.ctx.writeReg(2, uint32(len(v.docs)))
	k.ctx.writeReg(3, 0)
	_, statusOff := ctrlStatusOffsets(Trip, l, k.idx)
	k.ctx.writeReg(statusOff, StatusDone)
	return nil
}

// readRows reads the shared global return register rather than a
// per-kernel one; with NumParsers>1 this means trip
// kernels must not have concurrent writeInput/readRows calls in flight,
// which NewTripParsers callers should honor by running trip with a
// single kernel instance until the device-level arbitration protocol
// this stands in for is modeled.
func (v *tripView) readRows(k *Kernel) int64 {
	lo := k.ctx.readReg(2)
	hi := k.ctx.readReg(3)
	return int64(uint64(hi)<<32 | uint64(lo))
}

func fieldLen(d *tripDoc, name string) int {
	switch name {
	case "sec_in_band":
		return len(d.SecInBand)
	case "miles_in_time_range":
		return len(d.MilesInTimeRange)
	case "const_speed_miles_in_band":
		return len(d.ConstSpeedMilesInBand)
	case "vary_speed_miles_in_band":
		return len(d.VarySpeedMilesInBand)
	case "sec_decel":
		return len(d.SecDecel)
	case "sec_accel":
		return len(d.SecAccel)
	case "braking":
		return len(d.Braking)
	case "accel":
		return len(d.Accel)
	case "small_speed_var":
		return len(d.SmallSpeedVar)
	case "large_speed_var":
		return len(d.LargeSpeedVar)
	default:
		return -1
	}
}

func (v *tripView) wrap(rows int64) (arrow.Record, error) {
	docs := v.docs[:rows]
	mem := v.mem

	tsB := array.NewStringBuilder(mem)
	defer tsB.Release()
	tzB := array.NewUint64Builder(mem)
	defer tzB.Release()
	vinB := array.NewUint64Builder(mem)
	defer vinB.Release()
	odoB := array.NewUint64Builder(mem)
	defer odoB.Release()
	hmB := array.NewBooleanBuilder(mem)
	defer hmB.Release()
	avgB := array.NewUint64Builder(mem)
	defer avgB.Release()
	orientB := array.NewBooleanBuilder(mem)
	defer orientB.Release()
	adB := array.NewUint64Builder(mem)
	defer adB.Release()
	scB := array.NewUint64Builder(mem)
	defer scB.Release()

	lists := make([]*array.FixedSizeListBuilder, len(tripListFields))
	listVals := make([]*array.Uint64Builder, len(tripListFields))
	for i, lf := range tripListFields {
		lists[i] = array.NewFixedSizeListBuilder(mem, int32(lf.width), arrow.PrimitiveTypes.Uint64)
		listVals[i] = lists[i].ValueBuilder().(*array.Uint64Builder)
		defer lists[i].Release()
	}

	for _, d := range docs {
		tsB.Append(d.Timestamp)
		tzB.Append(d.Timezone)
		vinB.Append(d.VIN)
		odoB.Append(d.Odometer)
		hmB.Append(d.Hypermiling)
		avgB.Append(d.Avgspeed)
		orientB.Append(d.Orientation)
		adB.Append(d.AccelDecel)
		scB.Append(d.SpeedChanges)
		for i, lf := range tripListFields {
			lists[i].Append(true)
			for _, val := range fieldSlice(&d, lf.name) {
				listVals[i].Append(val)
			}
		}
	}

	cols := []arrow.Array{}

	tsArr := tsB.NewStringArray()
	defer tsArr.Release()
	tzArr := tzB.NewUint64Array()
	defer tzArr.Release()
	vinArr := vinB.NewUint64Array()
	defer vinArr.Release()
	odoArr := odoB.NewUint64Array()
	defer odoArr.Release()
	hmArr := hmB.NewBooleanArray()
	defer hmArr.Release()
	avgArr := avgB.NewUint64Array()
	defer avgArr.Release()
	orientArr := orientB.NewBooleanArray()
	defer orientArr.Release()
	adArr := adB.NewUint64Array()
	defer adArr.Release()
	scArr := scB.NewUint64Array()
	defer scArr.Release()

	listArrs := make([]arrow.Array, len(lists))
	for i, lb := range lists {
		listArrs[i] = lb.NewListArray()
		defer listArrs[i].Release()
	}

	cols = append(cols, tsArr, tzArr, vinArr, odoArr, hmArr, avgArr)
	cols = append(cols, listArrs[0], listArrs[1], listArrs[2], listArrs[3])
	cols = append(cols, listArrs[4], listArrs[5], listArrs[6], listArrs[7])
	cols = append(cols, orientArr)
	cols = append(cols, listArrs[8], listArrs[9])
	cols = append(cols, adArr, scArr)

	return array.NewRecord(tripSchema, cols, rows), nil
}

func fieldSlice(d *tripDoc, name string) []uint64 {
	switch name {
	case "sec_in_band":
		return d.SecInBand
	case "miles_in_time_range":
		return d.MilesInTimeRange
	case "const_speed_miles_in_band":
		return d.ConstSpeedMilesInBand
	case "vary_speed_miles_in_band":
		return d.VarySpeedMilesInBand
	case "sec_decel":
		return d.SecDecel
	case "sec_accel":
		return d.SecAccel
	case "braking":
		return d.Braking
	case "accel":
		return d.Accel
	case "small_speed_var":
		return d.SmallSpeedVar
	case "large_speed_var":
		return d.LargeSpeedVar
	default:
		return nil
	}
}
