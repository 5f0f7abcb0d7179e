package nvme

import (
	"context"
	"testing"
	"time"

	"pagepool"
)

func TestCommandSlabDepthOnePermitsNoConcurrentCommands(t *testing.T) {
	slab := newCommandSlab(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := slab.acquire(ctx); err == nil {
		t.Fatalf("expected a depth-1 queue to offer zero usable command ids")
	}
}

func TestCommandSlabAcquireReleaseRoundTrip(t *testing.T) {
	slab := newCommandSlab(4)
	ctx := context.Background()
	cid, ch, err := slab.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if slab.outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", slab.outstanding())
	}
	slab.complete(Completion{Cid: cid, Status: 0})
	select {
	case c := <-ch:
		if c.Cid != cid {
			t.Fatalf("routed completion cid = %d, want %d", c.Cid, cid)
		}
	default:
		t.Fatalf("expected completion to be routed to the waiting channel")
	}
	slab.release(cid)
	if slab.outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0 after release", slab.outstanding())
	}
}

func TestCommandSlabDropsCompletionForUnknownCid(t *testing.T) {
	slab := newCommandSlab(4)
	// No acquire happened; routing an unmatched completion must not panic.
	slab.complete(Completion{Cid: 99})
}

func TestBuildPRPSinglePage(t *testing.T) {
	backing := make([]byte, 8*pagepool.PageSize)
	pool := pagepool.NewSourcePool(pagepool.FileSource{}, backing)
	alloc, err := pool.NewAllocator("nvme-test")
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	iss := &Issuer{qp: &QueuePair{dataAllocator: alloc, dataPool: pool}}

	data, err := alloc.Allocate(1, "buf")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	prp1, prp2, list, err := iss.buildPRP(data, 1)
	if err != nil {
		t.Fatalf("buildPRP: %v", err)
	}
	if prp2 != 0 || list != nil {
		t.Fatalf("single-page transfer should not need PRP2 or a PRP list")
	}
	if prp1 != uint64(data.BasePFNWithBias())*pagepool.PageSize {
		t.Fatalf("prp1 = %#x, want %#x", prp1, uint64(data.BasePFNWithBias())*pagepool.PageSize)
	}
}

func TestBuildPRPMultiPageUsesListPage(t *testing.T) {
	backing := make([]byte, 8*pagepool.PageSize)
	pool := pagepool.NewSourcePool(pagepool.FileSource{}, backing)
	alloc, err := pool.NewAllocator("nvme-test")
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	iss := &Issuer{qp: &QueuePair{dataAllocator: alloc, dataPool: pool}}

	data, err := alloc.Allocate(3, "buf")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	prp1, prp2, list, err := iss.buildPRP(data, 3)
	if err != nil {
		t.Fatalf("buildPRP: %v", err)
	}
	if list == nil {
		t.Fatalf("expected a PRP list page for a 3-page transfer")
	}
	pool.Free(list)
	if prp1 == 0 || prp2 == 0 {
		t.Fatalf("prp1/prp2 = %#x/%#x, want both non-zero", prp1, prp2)
	}
}
