package slab

import (
	"sync"
	"testing"
)

func newTestAllocator(t *testing.T, objSize int, increase int64, ceiling int64) *Allocator {
	t.Helper()
	a, err := New(Config{
		Name:         "test",
		ObjSize:      objSize,
		IncreaseSize: increase,
		Ceiling:      ceiling,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return a
}

// TestAlloc_RoundTrip verifies that alloc(n) followed by free(n) of the
// same pointers puts every object back on the freelist: the first Alloc
// carves one 640-byte chunk into 10 objects, hands out 5, and after Free
// all 10 are free again.
func TestAlloc_RoundTrip(t *testing.T) {
	a := newTestAllocator(t, 64, 640, 0)

	before := len(a.popFreelist(1 << 20))
	a.Free(a.Alloc(0)) // no-op, objSize*0 path exercised via guard below

	objs := a.Alloc(5)
	if len(objs) != 5 {
		t.Fatalf("expected 5 objects, got %d", len(objs))
	}
	a.Free(objs)

	after := len(a.popFreelist(1 << 20))
	if after != before+10 {
		t.Fatalf("freelist size mismatch: before=%d after=%d", before, after)
	}
}

// TestAlloc_Boundary verifies allocating exactly max_size/obj_size objects
// succeeds and the next allocation fails.
func TestAlloc_Boundary(t *testing.T) {
	const objSize = 64
	const ceiling = 640 // 10 objects
	a := newTestAllocator(t, objSize, ceiling, ceiling)

	objs := a.Alloc(10)
	if len(objs) != 10 {
		t.Fatalf("expected 10 objects at ceiling, got %d", len(objs))
	}

	if more := a.Alloc(1); more != nil {
		t.Fatalf("expected allocation past ceiling to fail, got %d objects", len(more))
	}

	if got := a.CurrSize(); got != ceiling {
		t.Fatalf("curr_size should equal ceiling after exhaustion, got %d want %d", got, ceiling)
	}
}

// TestAlloc_AllOrNothingRollsBackPartial verifies that a failed batch
// allocation returns any objects it had already popped from the freelist.
func TestAlloc_AllOrNothingRollsBackPartial(t *testing.T) {
	const objSize = 64
	const ceiling = 640 // 10 objects total capacity
	a := newTestAllocator(t, objSize, ceiling, ceiling)

	// Drain the slab to exactly 2 objects remaining.
	first := a.Alloc(8)
	if len(first) != 8 {
		t.Fatalf("setup: expected 8 objects, got %d", len(first))
	}

	// Now only 2 more objects can ever exist (ceiling reached). Ask for 5:
	// this must fail entirely, not return a partial 2.
	if got := a.Alloc(5); got != nil {
		t.Fatalf("expected all-or-nothing failure, got %d objects", len(got))
	}

	// The freelist must still have exactly the 2 that existed before this
	// failed call (nothing was leaked into limbo).
	remaining := a.popFreelist(1 << 20)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 objects still free after rollback, got %d", len(remaining))
	}
}

// TestAlloc_ConcurrentRoundTrip exercises the spin-lock freelist under
// concurrent alloc/free pairs from many goroutines; the sum of allocated
// plus freelisted objects must stay constant.
func TestAlloc_ConcurrentRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 64, 64*100, 0)

	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				objs := a.Alloc(3)
				if objs == nil {
					t.Error("unexpected allocation failure under unbounded ceiling")
					return
				}
				a.Free(objs)
			}
		}()
	}
	wg.Wait()

	if free := int64(len(a.popFreelist(1<<20))) * 64; free != a.CurrSize() {
		t.Fatalf("freelist holds %d bytes after all frees, want every reserved byte %d", free, a.CurrSize())
	}
}

// TestLocalHandle_RoundTrip verifies the per-goroutine front-end drains
// back to the shared freelist on Close.
func TestLocalHandle_RoundTrip(t *testing.T) {
	a, err := New(Config{
		Name:         "test-local",
		ObjSize:      64,
		IncreaseSize: 640,
		LocalBufSize: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	h := a.NewLocalHandle()
	obj, ok := h.AllocOne()
	if !ok {
		t.Fatal("expected AllocOne to succeed")
	}
	h.FreeOne(obj)

	before := a.CurrSize()
	h.Close()
	after := a.CurrSize()
	if before != after {
		t.Fatalf("Close should not change reserved bytes, before=%d after=%d", before, after)
	}
}

// TestLocalHandle_DisabledRoutesThrough verifies that LocalBufSize=0 routes
// every call straight to the shared freelist.
func TestLocalHandle_DisabledRoutesThrough(t *testing.T) {
	a := newTestAllocator(t, 64, 640, 0)
	h := a.NewLocalHandle()

	obj, ok := h.AllocOne()
	if !ok {
		t.Fatal("expected AllocOne to succeed")
	}
	h.FreeOne(obj)

	// AllocOne grew one 10-object chunk and took 1; FreeOne must put it
	// straight back, leaving all 10 on the shared freelist.
	remaining := a.popFreelist(1 << 20)
	if len(remaining) != 10 {
		t.Fatalf("expected object to land directly on shared freelist (10 free), got %d", len(remaining))
	}
}
