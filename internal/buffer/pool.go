package buffer

import (
	"context"
	"sync"

	"github.com/vectorfeed/vectorfeed/internal/errs"
)

// slot pairs a JsonBuffer with its own lock and fill state, so converter
// threads scanning for filled buffers never block behind Ingest writing
// into an unrelated slot.
type slot struct {
	mu       sync.Mutex
	buf      *JsonBuffer
	nonEmpty bool
}

// Pool is a fixed array of JsonBuffers shared between one Ingest writer
// and many converter readers. Readers scan round-robin starting from
// wherever they last left off, matching the non-blocking scan-for-filled
// behavior the pipeline requires of converter threads.
type Pool struct {
	slots []slot
	cond  *sync.Cond
	condL sync.Mutex
}

// New builds a Pool of n buffers, each of the given capacity, allocated
// through alloc.
func New(alloc Allocator, n, capacity int) (*Pool, error) {
	p := &Pool{slots: make([]slot, n)}
	p.cond = sync.NewCond(&p.condL)
	for i := range p.slots {
		data, err := alloc.Allocate(capacity)
		if err != nil {
			return nil, err
		}
		p.slots[i].buf = &JsonBuffer{Data: data, Capacity: capacity}
	}
	return p, nil
}

func (p *Pool) Len() int { return len(p.slots) }

// Buffers exposes the pool's backing JsonBuffers for one-time startup
// registration, e.g. mapping each region into an FPGA device address
// space before any worker runs. It must not be used to bypass the
// acquire/release protocol once the pipeline is live.
func (p *Pool) Buffers() []*JsonBuffer {
	out := make([]*JsonBuffer, len(p.slots))
	for i := range p.slots {
		out[i] = p.slots[i].buf
	}
	return out
}

// AcquireWritable blocks until some empty buffer can be locked for
// writing, returning its index and a reference to it already locked. The
// caller must call Release(idx) when done. Slots already marked filled
// are skipped even when lockable: handing one back to the writer before
// a converter has consumed it would let a fresh, non-adjacent sequence
// range be appended onto the old one.
func (p *Pool) AcquireWritable(ctx context.Context) (int, *JsonBuffer, error) {
	for {
		for i := range p.slots {
			if !p.slots[i].mu.TryLock() {
				continue
			}
			if p.slots[i].nonEmpty {
				p.slots[i].mu.Unlock()
				continue
			}
			return i, p.slots[i].buf, nil
		}
		select {
		case <-ctx.Done():
			return -1, nil, errs.New(errs.Timeout, "buffer.Pool.AcquireWritable", ctx.Err())
		default:
		}
		if !p.waitOrCtx(ctx) {
			return -1, nil, errs.New(errs.Timeout, "buffer.Pool.AcquireWritable", ctx.Err())
		}
	}
}

func (p *Pool) waitOrCtx(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.condL.Lock()
		p.cond.Wait()
		p.condL.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		p.condL.Lock()
		p.cond.Broadcast()
		p.condL.Unlock()
		<-done
		return false
	}
}

// TryAcquireFilled performs one non-blocking round-robin scan starting at
// start, returning the first slot that is both lockable and non-empty.
// After a hit the converter worker passes the returned index plus one as
// its next start, keeping the scan rotating fairly across converter
// threads; after a miss it scans again from the same start.
func (p *Pool) TryAcquireFilled(start int) (int, *JsonBuffer, bool) {
	n := len(p.slots)
	if n == 0 {
		return -1, nil, false
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &p.slots[idx]
		if !s.mu.TryLock() {
			continue
		}
		if s.nonEmpty && !s.buf.Empty() {
			return idx, s.buf, true
		}
		s.mu.Unlock()
	}
	return -1, nil, false
}

// MarkFilled flags the locked slot idx as ready for converter pickup.
// The caller must already hold the slot's lock (e.g. via AcquireWritable).
func (p *Pool) MarkFilled(idx int) {
	p.slots[idx].nonEmpty = true
}

// Release unlocks slot idx, waking any goroutine blocked in
// AcquireWritable.
func (p *Pool) Release(idx int) {
	p.slots[idx].mu.Unlock()
	p.condL.Lock()
	p.cond.Broadcast()
	p.condL.Unlock()
}

// Reset clears slot idx's buffer and its fill flag. The caller must hold
// the slot's lock.
func (p *Pool) Reset(idx int) {
	p.slots[idx].buf.Reset()
	p.slots[idx].nonEmpty = false
}
