// Package hvcall is the hypercall facade: it owns the process-wide
// hypercall input/output page pair, the VtlCall/VtlReturn assembly
// trampoline, and one Go method per hypercall the rest of the
// paravisor needs. Every exported method here corresponds 1:1 to an
// entry in the operation table spec §4.4 gives; none of it is
// grounded on the teacher (biscuit has no hypervisor underneath it to
// call into) -- the operation shapes, field layouts, and refcounted
// page lifetime come from original_source/opentmk/opentmk/src/hypercall.rs,
// translated from the Rust HvCall context object into an idiomatic Go
// type with Close() replacing deterministic Drop.
package hvcall

import (
	"runtime"
	"sync/atomic"

	"perrs"
	"plog"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// HvStatus is an alias of perrs' TLFS status-code type, so hvcall's
// operation table and perrs' error mapping share one enumeration
// instead of each defining their own (§7).
type HvStatus = perrs.HvStatus

const (
	HvStatusSuccess           = perrs.HvStatusSuccess
	HvStatusVtlAlreadyEnabled = perrs.HvStatusVtlAlreadyEnabled
)

// HvCall owns one mlocked hypercall input/output page pair. Every call
// to New increments a process-wide counter and Close decrements it:
// each Close frees its own page pair, and the Close that brings the
// counter to zero also unmaps the shared hypercall page -- the Rust
// original's Drop-releases-the-page behavior (§9), implemented with
// Go's nearest equivalents since Go has no deterministic destructors.
type HvCall struct {
	input  []byte
	output []byte
	refs   *int32
}

var processRefs int32

var hypercallPage []byte // shared executable page containing the vmcall-class instruction; mapped once per process

var errPageNotInitialised = perrs.New(perrs.KindHypervisor, "hvcall.New", "hypercall page not initialised; call Init first")

// Init maps and executable-protects the shared hypercall instruction
// page. It must be called once before the first HvCall is created;
// pageBytes is the architecture-specific hypercall instruction
// sequence the host hypervisor published at enlightenment setup.
func Init(pageBytes []byte) error {
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return perrs.Wrap(perrs.KindHypervisor, "hvcall.Init", "mmap/mprotect failed", err)
	}
	copy(mem, pageBytes)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return perrs.Wrap(perrs.KindHypervisor, "hvcall.Init", "mmap/mprotect failed", err)
	}
	hypercallPage = mem
	debugDisassemble(mem)
	return nil
}

// New allocates and mlocks a fresh input/output page pair and
// registers it against the process-wide refcount.
func New() (*HvCall, error) {
	if hypercallPage == nil {
		return nil, errPageNotInitialised
	}
	input, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, perrs.Wrap(perrs.KindHypervisor, "hvcall.New", "page setup failed", err)
	}
	output, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		unix.Munmap(input)
		return nil, perrs.Wrap(perrs.KindHypervisor, "hvcall.New", "page setup failed", err)
	}
	if err := unix.Mlock(input); err != nil {
		unix.Munmap(input)
		unix.Munmap(output)
		return nil, perrs.Wrap(perrs.KindHypervisor, "hvcall.New", "page setup failed", err)
	}
	if err := unix.Mlock(output); err != nil {
		unix.Munlock(input)
		unix.Munmap(input)
		unix.Munmap(output)
		return nil, perrs.Wrap(perrs.KindHypervisor, "hvcall.New", "page setup failed", err)
	}

	atomic.AddInt32(&processRefs, 1)
	refs := int32(1)
	h := &HvCall{input: input, output: output, refs: &refs}
	runtime.AddCleanup(h, func(leaked *int32) {
		if atomic.LoadInt32(leaked) != 0 {
			plog.For("hvcall").Warn("HvCall garbage-collected without Close; hypercall pages leaked")
		}
	}, h.refs)
	return h, nil
}

// closeRefs performs the swap-to-zero that makes Close idempotent; it
// reports whether this call was the one that actually transitioned
// the refcount (as opposed to finding it already zero).
func closeRefs(refs *int32) bool {
	return atomic.SwapInt32(refs, 0) != 0
}

// Close unmlocks and unmaps this HvCall's page pair. Calling Close
// more than once is a no-op. When this is the last outstanding HvCall
// in the process, it also unmaps the shared hypercall instruction page
// Init installed (§9) and clears it so a later Init can install a
// fresh one.
func (h *HvCall) Close() error {
	if !closeRefs(h.refs) {
		return nil
	}
	err := unmapPagePair(h.input, h.output)
	if atomic.AddInt32(&processRefs, -1) == 0 && hypercallPage != nil {
		if unmapErr := unix.Munmap(hypercallPage); unmapErr != nil && err == nil {
			err = perrs.Wrap(perrs.KindHypervisor, "hvcall.Close", "page setup failed", unmapErr)
		}
		hypercallPage = nil
	}
	return err
}

func unmapPagePair(input, output []byte) error {
	unix.Munlock(input)
	unix.Munlock(output)
	if err := unix.Munmap(input); err != nil {
		unix.Munmap(output)
		return perrs.Wrap(perrs.KindHypervisor, "hvcall.Close", "page setup failed", err)
	}
	if err := unix.Munmap(output); err != nil {
		return perrs.Wrap(perrs.KindHypervisor, "hvcall.Close", "page setup failed", err)
	}
	return nil
}

func debugDisassemble(page []byte) {
	dis, ok := disassembleHypercallPage(page)
	if !ok {
		return
	}
	plog.For("hvcall").WithField("bytes", len(page)).Info(dis)
}
