// Package fpga drives an emulated on-device N-parser array: an MMIO
// register file, an AddressMap translating host buffer pointers to
// device addresses, and per-kernel polling loops. Register offsets are
// derived by functions parameterized over the backend and kernel count
// instead of scattering magic constants through the driver.
package fpga

// Control/status bits shared by the global and per-kernel control and
// status registers.
const (
	CtrlStart uint32 = 1 << 0
	CtrlStop  uint32 = 1 << 1
	CtrlReset uint32 = 1 << 2

	StatusIdle uint32 = 1 << 0
	StatusBusy uint32 = 1 << 1
	StatusDone uint32 = 1 << 2
)

// Backend distinguishes the two hard-coded FPGA schemas; each carries its
// own custom-register count and output-range-register count.
type Backend int

const (
	Battery Backend = iota
	Trip
)

// customRegsPerInst returns the per-kernel custom register count:
// 4 for battery, 2 for trip.
func (b Backend) customRegsPerInst() int {
	switch b {
	case Battery:
		return 4
	case Trip:
		return 2
	default:
		return 0
	}
}

// outputRangeRegs returns R, the backend-specific output-range register
// count: battery has a first/last pair (one list output), trip has none
// (its row count comes back via the global return register).
func (b Backend) outputRangeRegs() int {
	switch b {
	case Battery:
		return 2
	case Trip:
		return 0
	default:
		return 0
	}
}

// outputAddrRegs returns O, the backend-specific output-buffer device-
// address register count: battery has offsets+values (2 regs x 2 for
// lo/hi = 4), trip has one region per of its 19 fields (lo/hi each).
func (b Backend) outputAddrRegs() int {
	switch b {
	case Battery:
		return 4
	case Trip:
		return tripFieldCount * 2
	default:
		return 0
	}
}

// regLayout carries the derived offsets for one backend with N kernels,
// replacing inline arithmetic with named, testable fields.
type regLayout struct {
	n       int
	backend Backend
}

func newRegLayout(backend Backend, n int) regLayout {
	return regLayout{n: n, backend: backend}
}

const globalRegs = 4 // reserved ctrl, status, return lo, return hi

// inputRangeOffset returns the word offset of kernel idx's (first_idx,
// last_idx) input-range register pair.
func (l regLayout) inputRangeOffset(idx int) int {
	return globalRegs + 2*idx
}

func (l regLayout) inputRangeRegsEnd() int {
	return globalRegs + 2*l.n
}

// outputRangeOffset returns the word offset of kernel idx's output-range
// registers (only meaningful when backend.outputRangeRegs() > 0).
func (l regLayout) outputRangeOffset(idx int) int {
	r := l.backend.outputRangeRegs()
	return l.inputRangeRegsEnd() + r*idx
}

func (l regLayout) outputRangeRegsEnd() int {
	return l.inputRangeRegsEnd() + l.backend.outputRangeRegs()*l.n
}

// inputValuesAddrOffset returns the word offset of kernel idx's
// input-values device-address register pair (lo, hi).
func (l regLayout) inputValuesAddrOffset(idx int) int {
	return l.outputRangeRegsEnd() + 2*idx
}

func (l regLayout) inputAddrRegsEnd() int {
	return l.outputRangeRegsEnd() + 2*l.n
}

// outputAddrOffset returns the word offset of kernel idx's output-buffer
// device-address registers.
func (l regLayout) outputAddrOffset(idx int) int {
	o := l.backend.outputAddrRegs()
	return l.inputAddrRegsEnd() + o*idx
}

func (l regLayout) outputAddrRegsEnd() int {
	return l.inputAddrRegsEnd() + l.backend.outputAddrRegs()*l.n
}

// customRegOffset returns the word offset of kernel idx's first custom
// register; callers index further by the backend-specific field (e.g.
// battery's control/status/result_rows_lo/result_rows_hi).
func (l regLayout) customRegOffset(idx int) int {
	c := l.backend.customRegsPerInst()
	return l.outputAddrRegsEnd() + c*idx
}

func (l regLayout) customRegsEnd() int {
	return l.outputAddrRegsEnd() + l.backend.customRegsPerInst()*l.n
}

// shadowCtrlStatusOffset returns the word offset of kernel idx's
// control/status pair for backends whose custom-register block doesn't
// itself name a per-kernel ctrl/status field; trip's
// custom regs are only {tag, bytes_consumed}. Those two extra words per
// kernel live just past the formal register map; battery doesn't use
// this (its custom regs already carry control/status at fields 0/1).
func (l regLayout) shadowCtrlStatusOffset(idx int) int {
	return l.customRegsEnd() + 2*idx
}

func (l regLayout) totalRegs() int {
	n := l.customRegsEnd()
	if l.backend == Trip {
		n += 2 * l.n
	}
	return n
}

// Battery custom-register field offsets, relative to customRegOffset(idx).
const (
	batteryCtrlField         = 0
	batteryStatusField       = 1
	batteryResultRowsLoField = 2
	batteryResultRowsHiField = 3
)

// Trip custom-register field offsets, relative to customRegOffset(idx).
const (
	tripTagField           = 0
	tripBytesConsumedField = 1
)
