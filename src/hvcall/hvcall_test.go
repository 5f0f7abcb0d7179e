package hvcall

import (
	"sync/atomic"
	"testing"
)

func withFakeHypercallPage(t *testing.T) *HvCall {
	t.Helper()
	hypercallPage = make([]byte, pageSize)
	t.Cleanup(func() { hypercallPage = nil })
	return &HvCall{input: make([]byte, pageSize), output: make([]byte, pageSize), refs: new(int32)}
}

func withInvoker(t *testing.T, inv func(uintptr, uint64, uint64, uint64) uint64) {
	t.Helper()
	prev := hypercallInvoker
	hypercallInvoker = inv
	t.Cleanup(func() { hypercallInvoker = prev })
}

func TestAcceptVtl2PagesChunksLargeRanges(t *testing.T) {
	h := withFakeHypercallPage(t)
	var calls int
	withInvoker(t, func(page uintptr, control, in, out uint64) uint64 {
		calls++
		repCount := uint16((control >> 32) & 0xfff)
		return uint64(HvStatusSuccess) | uint64(repCount)<<32
	})
	ranges := []MemoryRange{{BasePfn: 0, PageCount: uint64(maxInputElements)*2 + 5}}
	if err := h.AcceptVtl2Pages(ranges); err != nil {
		t.Fatalf("AcceptVtl2Pages: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d dispatches, want 3", calls)
	}
}

func TestAcceptVtl2PagesPropagatesFailure(t *testing.T) {
	h := withFakeHypercallPage(t)
	withInvoker(t, func(uintptr, uint64, uint64, uint64) uint64 {
		return uint64(HvStatusInsufficientMemory)
	})
	if err := h.AcceptVtl2Pages([]MemoryRange{{BasePfn: 0, PageCount: 1}}); err == nil {
		t.Fatalf("expected failure to propagate")
	}
}

func TestEnablePartitionVtlAbsorbsAlreadyEnabled(t *testing.T) {
	h := withFakeHypercallPage(t)
	withInvoker(t, func(uintptr, uint64, uint64, uint64) uint64 {
		return uint64(HvStatusVtlAlreadyEnabled)
	})
	if err := h.EnablePartitionVtl(2); err != nil {
		t.Fatalf("expected VtlAlreadyEnabled to be absorbed, got %v", err)
	}
}

func TestEnablePartitionVtlPropagatesOtherFailures(t *testing.T) {
	h := withFakeHypercallPage(t)
	withInvoker(t, func(uintptr, uint64, uint64, uint64) uint64 {
		return uint64(HvStatusAccessDenied)
	})
	if err := h.EnablePartitionVtl(2); err == nil {
		t.Fatalf("expected access-denied to propagate")
	}
}

func TestGetSetRegisterRoundTrip(t *testing.T) {
	h := withFakeHypercallPage(t)
	var stored uint64
	withInvoker(t, func(page uintptr, control, in, out uint64) uint64 {
		// Model one register: a set stores the value SetRegister wrote
		// at input[16:24], and a get returns it at output[0:8], as if the
		// store-then-load round tripped through the hypervisor.
		if HypercallCode(control&0xffff) == codeSetVpRegisters {
			stored = getU64(h.input, 16)
		} else {
			putU64(h.output, 0, stored)
		}
		return uint64(HvStatusSuccess)
	})
	if err := h.SetRegister(2, RegRip, 0xdeadbeef); err != nil {
		t.Fatalf("SetRegister: %v", err)
	}
	got, err := h.GetRegister(2, RegRip)
	if err != nil {
		t.Fatalf("GetRegister: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("got 0x%x, want 0xdeadbeef", got)
	}
}

func TestGetVpIndexFromHwIdChunksAt512(t *testing.T) {
	h := withFakeHypercallPage(t)
	var calls int
	withInvoker(t, func(page uintptr, control, in, out uint64) uint64 {
		calls++
		repCount := uint16((control >> 32) & 0xfff)
		for i := 0; i < int(repCount); i++ {
			putU64(h.output, i*8, uint64(i))
		}
		return uint64(HvStatusSuccess) | uint64(repCount)<<32
	})
	ids := make([]uint64, 1025)
	out, err := h.GetVpIndexFromHwId(ids)
	if err != nil {
		t.Fatalf("GetVpIndexFromHwId: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d dispatches, want 3", calls)
	}
	if len(out) != len(ids) {
		t.Fatalf("got %d indices, want %d", len(out), len(ids))
	}
}

func TestCloseRefsIsIdempotent(t *testing.T) {
	refs := int32(1)
	if !closeRefs(&refs) {
		t.Fatalf("expected first close to report a transition")
	}
	if closeRefs(&refs) {
		t.Fatalf("expected second close to be a no-op")
	}
}

func TestCloseUnmapsSharedPageOnlyAtLastRef(t *testing.T) {
	if err := Init(make([]byte, pageSize)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { hypercallPage = nil })

	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if atomic.LoadInt32(&processRefs) != 2 {
		t.Fatalf("got processRefs %d, want 2", processRefs)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if atomic.LoadInt32(&processRefs) != 1 {
		t.Fatalf("got processRefs %d, want 1", processRefs)
	}
	if hypercallPage == nil {
		t.Fatalf("shared hypercall page unmapped before last reference closed")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if atomic.LoadInt32(&processRefs) != 0 {
		t.Fatalf("got processRefs %d, want 0", processRefs)
	}
	if hypercallPage != nil {
		t.Fatalf("shared hypercall page still mapped after last reference closed")
	}
}
