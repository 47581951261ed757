package buffer

import (
	"context"
	"testing"
	"time"
)

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	pool, err := New(NewSystemAllocator(), 4, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	idx, buf, err := pool.AcquireWritable(ctx)
	if err != nil {
		t.Fatalf("AcquireWritable: %v", err)
	}
	if !buf.Append(1, []byte(`{"a":1}`)) {
		t.Fatalf("Append failed unexpectedly")
	}
	pool.MarkFilled(idx)
	pool.Release(idx)

	gotIdx, filled, ok := pool.TryAcquireFilled(0)
	if !ok {
		t.Fatalf("expected a filled buffer")
	}
	if gotIdx != idx {
		t.Fatalf("expected idx %d, got %d", idx, gotIdx)
	}
	if filled.NumJSONs != 1 || filled.SeqFirst != 1 || filled.SeqLast != 1 {
		t.Fatalf("unexpected buffer state: %+v", filled)
	}
	pool.Reset(gotIdx)
	pool.Release(gotIdx)
}

func TestPoolTryAcquireFilledScansRoundRobin(t *testing.T) {
	t.Parallel()

	pool, err := New(NewSystemAllocator(), 3, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	idx, buf, err := pool.AcquireWritable(ctx)
	if err != nil {
		t.Fatalf("AcquireWritable: %v", err)
	}
	buf.Append(7, []byte(`{}`))
	pool.MarkFilled(idx)
	pool.Release(idx)

	start := (idx + 1) % pool.Len()
	gotIdx, _, ok := pool.TryAcquireFilled(start)
	if !ok || gotIdx != idx {
		t.Fatalf("expected to wrap around to idx %d, got %d ok=%v", idx, gotIdx, ok)
	}
	pool.Reset(gotIdx)
	pool.Release(gotIdx)
}

func TestAcquireWritableSkipsFilledBuffers(t *testing.T) {
	t.Parallel()

	pool, err := New(NewSystemAllocator(), 2, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	idx, buf, err := pool.AcquireWritable(ctx)
	if err != nil {
		t.Fatalf("AcquireWritable: %v", err)
	}
	buf.Append(0, []byte(`{}`))
	pool.MarkFilled(idx)
	pool.Release(idx)

	// The filled slot must not be handed back to a writer before a
	// converter has reset it.
	idx2, buf2, err := pool.AcquireWritable(ctx)
	if err != nil {
		t.Fatalf("AcquireWritable: %v", err)
	}
	if idx2 == idx {
		t.Fatalf("writer reacquired the filled slot %d", idx)
	}
	if !buf2.Empty() {
		t.Fatalf("writable slot is not empty: %+v", buf2)
	}
	pool.Release(idx2)
}

func TestJsonBufferAppendRejectsOverflow(t *testing.T) {
	t.Parallel()

	b := &JsonBuffer{Data: make([]byte, 8), Capacity: 8}
	if !b.Append(1, []byte("abc")) {
		t.Fatalf("expected first append to fit")
	}
	if b.Append(2, []byte("abcdef")) {
		t.Fatalf("expected second append to overflow and fail")
	}
}

func TestSystemAllocatorRoundsUpToPageSize(t *testing.T) {
	t.Parallel()

	a := NewSystemAllocator()
	buf, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != pageSize {
		t.Fatalf("len=%d, want %d (rounded up)", len(buf), pageSize)
	}
	buf, err = a.Allocate(2 * pageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != 2*pageSize {
		t.Fatalf("len=%d, want exact multiple %d untouched", len(buf), 2*pageSize)
	}
}

func TestHugePageAllocatorAlignsAndRoundsUp(t *testing.T) {
	t.Parallel()

	a := NewHugePageAllocator()
	buf, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != hugePageSize {
		t.Fatalf("len=%d, want %d (rounded up)", len(buf), hugePageSize)
	}
	if sliceAddr(buf)%hugePageSize != 0 {
		t.Fatalf("region not %d-aligned", hugePageSize)
	}
}

func TestFpgaFixedAllocatorRejectsWrongSize(t *testing.T) {
	t.Parallel()

	a := NewFpgaFixedAllocator(128)
	if _, err := a.Allocate(64); err == nil {
		t.Fatalf("expected wrong-size allocation to fail")
	}
	buf, err := a.Allocate(128)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding allocation, got %d", a.Outstanding())
	}
	a.Free(buf)
	if a.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding allocations after Free, got %d", a.Outstanding())
	}
}
