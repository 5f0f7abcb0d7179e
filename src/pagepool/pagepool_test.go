package pagepool

import "testing"

func newTestPool(t *testing.T, pages int32) *Pool {
	t.Helper()
	backing := make([]byte, int(pages)*PageSize)
	return NewSourcePool(FileSource{Bias: 0, Offset: 0}, backing)
}

func TestAllocateExactSlot(t *testing.T) {
	p := newTestPool(t, 4)
	a, err := p.NewAllocator("nvme0")
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	h, err := a.Allocate(4, "admin-queue")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if h.BasePFN() != 0 || h.Pages != 4 {
		t.Fatalf("got base=%d pages=%d", h.BasePFN(), h.Pages)
	}
	if _, err := a.Allocate(1, "overflow"); err == nil {
		t.Fatalf("expected pool to be exhausted")
	}
}

func TestAllocateSplitsSlot(t *testing.T) {
	p := newTestPool(t, 8)
	a, _ := p.NewAllocator("nvme0")
	h1, err := a.Allocate(2, "sq")
	if err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	h2, err := a.Allocate(3, "cq")
	if err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}
	if h1.BasePFN() != 0 || h2.BasePFN() != 2 {
		t.Fatalf("got h1.base=%d h2.base=%d, want 0 and 2", h1.BasePFN(), h2.BasePFN())
	}
	h3, err := a.Allocate(3, "rest")
	if err != nil {
		t.Fatalf("Allocate 3: %v", err)
	}
	if h3.BasePFN() != 5 {
		t.Fatalf("got h3.base=%d, want 5", h3.BasePFN())
	}
}

func TestFreeAndCoalesce(t *testing.T) {
	p := newTestPool(t, 8)
	a, _ := p.NewAllocator("nvme0")
	h1, _ := a.Allocate(2, "x")
	h2, _ := a.Allocate(2, "y")
	_, _ = a.Allocate(2, "z")

	if err := p.Free(h1); err != nil {
		t.Fatalf("Free h1: %v", err)
	}
	if err := p.Free(h2); err != nil {
		t.Fatalf("Free h2: %v", err)
	}
	// h1 and h2 are adjacent; the next allocation should coalesce them
	// into one 4-page free run and satisfy a 4-page request at base 0.
	h4, err := a.Allocate(4, "w")
	if err != nil {
		t.Fatalf("Allocate after coalesce: %v", err)
	}
	if h4.BasePFN() != 0 {
		t.Fatalf("got base=%d, want 0 (coalesced run)", h4.BasePFN())
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	p := newTestPool(t, 4)
	a, _ := p.NewAllocator("nvme0")
	h, _ := a.Allocate(4, "x")
	if err := p.Free(h); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := p.Free(h); err == nil {
		t.Fatalf("expected second Free to fail")
	}
}

func TestDeviceNameClaimIsExclusive(t *testing.T) {
	p := newTestPool(t, 4)
	a, err := p.NewAllocator("nvme0")
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	if _, err := p.NewAllocator("nvme0"); err == nil {
		t.Fatalf("expected duplicate device name to be rejected")
	}
	a.Release()
	if _, err := p.NewAllocator("nvme0"); err != nil {
		t.Fatalf("expected name to be reusable after Release: %v", err)
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	p := newTestPool(t, 8)
	a, _ := p.NewAllocator("nvme0")
	h1, _ := a.Allocate(3, "sq")
	h2, _ := a.Allocate(5, "cq")

	data := p.Save()

	p2 := newTestPool(t, 0)
	p2.backing = p.backing
	if err := p2.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	a2, _ := p2.NewAllocator("nvme0")
	rh1, err := a2.RestoreAlloc(h1.BasePFN(), h1.Pages)
	if err != nil {
		t.Fatalf("RestoreAlloc h1: %v", err)
	}
	if rh1.BasePFN() != h1.BasePFN() {
		t.Fatalf("restored base mismatch")
	}
	if err := p2.ValidateRestore(false); err == nil {
		t.Fatalf("expected ValidateRestore to fail with h2 still unrestored")
	}

	rh2, err := a2.RestoreAlloc(h2.BasePFN(), h2.Pages)
	if err != nil {
		t.Fatalf("RestoreAlloc h2: %v", err)
	}
	if err := p2.ValidateRestore(false); err != nil {
		t.Fatalf("ValidateRestore: %v", err)
	}
	_ = rh2
}

func TestSaveRestorePreservesFreeGap(t *testing.T) {
	p := newTestPool(t, 8)
	a, _ := p.NewAllocator("nvme0")
	h1, _ := a.Allocate(3, "sq")
	h2, _ := a.Allocate(3, "cq")
	if err := a.pool.Free(h1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	data := p.Save()

	p2 := newTestPool(t, 0)
	p2.backing = p.backing
	if err := p2.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Pool layout at save time: free[0,3) (h1, just freed), alloc[3,6)
	// (h2), free[6,8) (never allocated). h1's gap sits between the
	// start of the pool and h2's allocated slot, so it cannot coalesce
	// with the tail free slot; both free slots must survive restore.
	var freeSlots, allocSlots int
	var freePages int32
	sawH1Gap := false
	for s := p2.addrHead; s != nil; s = s.addrNext {
		switch s.state {
		case slotFree:
			freeSlots++
			freePages += s.pages
			if s.base == h1.BasePFN() && s.pages == h1.Pages {
				sawH1Gap = true
			}
		case slotAllocatedPendingRestore:
			allocSlots++
		default:
			t.Fatalf("unexpected slot state %v after restore", s.state)
		}
	}
	if freeSlots != 2 || allocSlots != 1 {
		t.Fatalf("got %d free / %d pending-restore slots, want 2/1", freeSlots, allocSlots)
	}
	if freePages != 5 {
		t.Fatalf("got %d total free pages, want 5", freePages)
	}
	if !sawH1Gap {
		t.Fatalf("h1's freed gap [%d,+%d) did not survive restore", h1.BasePFN(), h1.Pages)
	}

	a2, _ := p2.NewAllocator("nvme0")
	if _, err := a2.Allocate(h1.Pages, "reused"); err != nil {
		t.Fatalf("Allocate from restored free gap: %v", err)
	}
	if _, err := a2.RestoreAlloc(h2.BasePFN(), h2.Pages); err != nil {
		t.Fatalf("RestoreAlloc h2: %v", err)
	}
	if err := p2.ValidateRestore(false); err != nil {
		t.Fatalf("ValidateRestore: %v", err)
	}
}

func TestValidateRestoreLeaksWhenRequested(t *testing.T) {
	p := newTestPool(t, 4)
	a, _ := p.NewAllocator("nvme0")
	a.Allocate(4, "x")
	data := p.Save()

	p2 := newTestPool(t, 0)
	p2.backing = p.backing
	if err := p2.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := p2.ValidateRestore(true); err != nil {
		t.Fatalf("ValidateRestore(leak=true): %v", err)
	}
}

func TestDumpProfileReportsAllocatedSlots(t *testing.T) {
	p := newTestPool(t, 4)
	a, _ := p.NewAllocator("nvme0")
	a.Allocate(4, "x")
	prof := p.DumpProfile()
	if len(prof.Sample) != 1 {
		t.Fatalf("got %d samples, want 1", len(prof.Sample))
	}
	if prof.Sample[0].Value[0] != 4 {
		t.Fatalf("got value %v, want [4]", prof.Sample[0].Value)
	}
}
