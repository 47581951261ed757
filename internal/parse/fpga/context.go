package fpga

import (
	"sync"
	"unsafe"

	"github.com/vectorfeed/vectorfeed/internal/errs"
)

// AddressMap translates a host buffer pointer to the device physical
// address the FPGA driver wrote into its input/output address registers.
// It is populated while kernels are constructed and when the pipeline's
// enable hook maps the pool buffers, and is read-only thereafter (§5 of
// the pipeline's concurrency model): the map itself is never mutated
// once that registration is done, so concurrent Translate calls need no
// lock.
type AddressMap struct {
	m map[uintptr]uint64
}

func newAddressMap() *AddressMap {
	return &AddressMap{m: make(map[uintptr]uint64)}
}

// register records the device address a host region was mapped to.
func (a *AddressMap) register(host []byte, device uint64) {
	if len(host) == 0 {
		return
	}
	a.m[hostAddr(host)] = device
}

// Translate returns the device address for a host buffer's backing
// region, split into (lo, hi) 32-bit halves the way the driver writes
// them into a kernel's address registers.
func (a *AddressMap) Translate(host []byte) (lo, hi uint32, err error) {
	addr, ok := a.m[hostAddr(host)]
	if !ok {
		return 0, 0, errs.New(errs.DeviceError, "fpga.AddressMap.Translate",
			errAddrNotMapped)
	}
	return uint32(addr & 0xffffffff), uint32(addr >> 32), nil
}

func hostAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

var errAddrNotMapped = errNotMapped{}

type errNotMapped struct{}

func (errNotMapped) Error() string { return "host buffer not registered in device address map" }

// Context owns the shared, single-instance device resources: the
// register file (an emulated MMIO window), the AddressMap, and the
// mutex serializing all register access, since the device MMIO
// interface is not concurrent-safe. Multiple Kernel values share one
// Context, one per kernel index.
type Context struct {
	Backend Backend
	N       int
	AFUID   string

	mu   sync.Mutex
	regs []uint32
	addr *AddressMap

	// deviceAddrCounter hands out fake device addresses on Register, as
	// if a real OPAE mmap/DMA-map call had returned them.
	deviceAddrCounter uint64
}

// NewContext allocates the register file sized for backend/n and derives
// the AFU identifier, enabling the device context.
func NewContext(backend Backend, n int, afuBase string) (*Context, error) {
	if n <= 0 {
		return nil, errs.New(errs.ConfigError, "fpga.NewContext", errInvalidKernelCount)
	}
	afuid, err := DeriveAFUID(afuBase, n)
	if err != nil {
		return nil, errs.New(errs.ConfigError, "fpga.NewContext", err)
	}
	layout := newRegLayout(backend, n)
	return &Context{
		Backend:           backend,
		N:                 n,
		AFUID:             afuid,
		regs:              make([]uint32, layout.totalRegs()),
		addr:              newAddressMap(),
		deviceAddrCounter: 0x1000,
	}, nil
}

type errInvalidKernelCountT struct{}

func (errInvalidKernelCountT) Error() string { return "fpga: kernel count must be positive" }

var errInvalidKernelCount = errInvalidKernelCountT{}

// RegisterBuffer maps a host-owned region into the device address space,
// populating AddressMap. All registration happens at context enable,
// before any kernel runs.
func (c *Context) RegisterBuffer(host []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.deviceAddrCounter
	c.deviceAddrCounter += uint64(len(host))
	if c.deviceAddrCounter == dev {
		c.deviceAddrCounter++
	}
	c.addr.register(host, dev)
	return dev
}

// readReg and writeReg perform one register access while holding the
// shared MMIO mutex; callers hold the lock only across a single
// read/write, never across a blocking sleep.
func (c *Context) readReg(off int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[off]
}

func (c *Context) writeReg(off int, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[off] = v
}

func (c *Context) layout() regLayout {
	return newRegLayout(c.Backend, c.N)
}
