package buffer

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/vectorfeed/vectorfeed/internal/errs"
)

// Allocator provides zeroed, fixed-capacity byte regions for JsonBuffers.
// Free is advisory for some variants: FpgaFixedAllocator only actually
// releases host memory at pipeline teardown (see DESIGN.md, the FPGA
// free-at-exit-only decision), matching how device-mapped regions can't
// be safely unmapped while a kernel might still reference them.
type Allocator interface {
	Allocate(size int) ([]byte, error)
	Free([]byte)
}

// pageSize is the granularity SystemAllocator rounds to. Requests that
// are not an exact multiple are rounded up with a warning rather than
// rejected; only FpgaFixedAllocator hard-fails on a size mismatch.
const pageSize = 4096

// SystemAllocator hands out zeroed, page-granular slices. It exists as a
// distinct type (rather than calling make([]byte, n) inline everywhere)
// so callers depend on the Allocator interface uniformly.
type SystemAllocator struct{}

func NewSystemAllocator() *SystemAllocator { return &SystemAllocator{} }

func (a *SystemAllocator) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errs.New(errs.AllocError, "buffer.SystemAllocator.Allocate", fmt.Errorf("size must be positive, got %d", size))
	}
	size = roundUpWithWarning("system", size, pageSize)
	return make([]byte, size), nil
}

func (a *SystemAllocator) Free([]byte) {}

// roundUpWithWarning rounds size up to the next multiple of granule,
// logging when the caller's request didn't match.
func roundUpWithWarning(variant string, size, granule int) int {
	if size%granule == 0 {
		return size
	}
	rounded := (size/granule + 1) * granule
	log.Printf("buffer: %s allocation of %d bytes rounded up to %d (granule %d)", variant, size, rounded, granule)
	return rounded
}

// hugePageSize is the alignment target requested from the OS. Go has no
// portable madvise(MADV_HUGEPAGE) call; this allocator rounds allocations
// up to hugePageSize and over-allocates by one page so the returned slice
// can be trimmed to a hugePageSize-aligned offset, which is the closest
// portable approximation of the huge-page contract available without
// cgo. See DESIGN.md for the fallback-to-regular-pages decision.
const hugePageSize = 2 * 1024 * 1024

// HugePageAllocator requests huge-page-aligned regions: every allocation is
// rounded up to hugePageSize and trimmed to a hugePageSize-aligned offset.
// There is no fallback to plain page alignment, and Go's runtime gives no
// guarantee that the region is backed by huge pages.
type HugePageAllocator struct{}

func NewHugePageAllocator() *HugePageAllocator { return &HugePageAllocator{} }

func (a *HugePageAllocator) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errs.New(errs.AllocError, "buffer.HugePageAllocator.Allocate", fmt.Errorf("size must be positive, got %d", size))
	}
	size = roundUpWithWarning("huge-page", size, hugePageSize)
	raw := make([]byte, size+hugePageSize)
	addr := uintptr(0)
	if len(raw) > 0 {
		addr = sliceAddr(raw)
	}
	offset := (hugePageSize - int(addr%hugePageSize)) % hugePageSize
	return raw[offset : offset+size], nil
}

func (a *HugePageAllocator) Free([]byte) {}

// FpgaFixedAllocator only ever hands out regions of exactly Capacity,
// matching the fixed DMA-able buffer contract FPGA kernels require.
// Outstanding allocations are tracked in a bookkeeping map guarded by
// their own mutex so shutdown-time leak checks can see what is live.
type FpgaFixedAllocator struct {
	Capacity int

	mu          sync.Mutex
	allocations map[*byte]int
}

func NewFpgaFixedAllocator(capacity int) *FpgaFixedAllocator {
	return &FpgaFixedAllocator{
		Capacity:    capacity,
		allocations: make(map[*byte]int),
	}
}

func (a *FpgaFixedAllocator) Allocate(size int) ([]byte, error) {
	if size != a.Capacity {
		return nil, errs.New(errs.AllocError, "buffer.FpgaFixedAllocator.Allocate",
			fmt.Errorf("wrong size: requested %d, fixed capacity is %d", size, a.Capacity))
	}
	buf := make([]byte, size)
	a.mu.Lock()
	a.allocations[&buf[0]] = size
	a.mu.Unlock()
	return buf, nil
}

// Free marks the region as released in the bookkeeping map only; the
// backing memory is not returned to the OS until the pipeline tears down,
// since an in-flight FPGA descriptor may still reference the physical
// address mapped for it.
func (a *FpgaFixedAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	a.mu.Lock()
	delete(a.allocations, &buf[0])
	a.mu.Unlock()
}

// Outstanding reports the number of allocations not yet Freed, useful for
// shutdown-time leak assertions in tests.
func (a *FpgaFixedAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocations)
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
