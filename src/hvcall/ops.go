package hvcall

import (
	"unsafe"

	"perrs"
)

// HypercallCode enumerates the operations this facade issues. These
// encodings are process-local placeholders, not the real TLFS
// numbering -- the host hypervisor ABI is explicitly out of scope
// (spec's Non-goals); all that matters here is that each code is
// stable and distinct within one build.
type HypercallCode uint16

const (
	codeAcceptGpaPages          HypercallCode = 1
	codeModifyVtlProtectionMask HypercallCode = 2
	codeEnablePartitionVtl      HypercallCode = 3
	codeEnableVpVtl             HypercallCode = 4
	codeGetVpRegisters          HypercallCode = 5
	codeSetVpRegisters          HypercallCode = 6
	codeStartVirtualProcessor   HypercallCode = 7
	codeGetVpIndexFromApicId    HypercallCode = 8
	codeVtlCall                 HypercallCode = 9
	codeVtlReturn               HypercallCode = 10
)

const headerSizeAcceptPages = 16 // BasePfn + flags, one-time header ahead of the repeating u64 PFN list
const headerSizeModifyProt = 16  // BasePfn + mask
const maxInputElements = (pageSize - headerSizeAcceptPages) / 8
const maxModifyProtElements = (pageSize - headerSizeModifyProt) / 8
const maxHwIDsPerCall = 512

func controlWord(code HypercallCode, repCount, repStart uint16) uint64 {
	return uint64(code) | uint64(repCount)<<32 | uint64(repStart)<<48
}

// hypercallInvoker is swapped out in tests so dispatch's chunking and
// status-mapping logic can be exercised without executing the real
// asm trampoline against an unmapped/fake hypercall page.
var hypercallInvoker = callHypercallPage

// dispatch issues one hypercall and decodes the status/reps-complete
// fields from the result word.
func (h *HvCall) dispatch(code HypercallCode, repCount, repStart uint16) (HvStatus, uint16) {
	control := controlWord(code, repCount, repStart)
	result := hypercallInvoker(
		uintptr(unsafe.Pointer(&hypercallPage[0])),
		control,
		uint64(uintptr(unsafe.Pointer(&h.input[0]))),
		uint64(uintptr(unsafe.Pointer(&h.output[0]))),
	)
	status := HvStatus(result & 0xffff)
	reps := uint16((result >> 32) & 0xfff)
	return status, reps
}

func putU64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	return v
}

// AcceptVtl2Pages accepts every page in ranges, issuing one rep
// hypercall per chunk of maxInputElements PFNs (§4.4/§8's boundary
// case for lists exceeding u16::MAX entries).
func (h *HvCall) AcceptVtl2Pages(ranges []MemoryRange) error {
	var pfns []uint64
	for _, r := range ranges {
		for i := uint64(0); i < r.PageCount; i++ {
			pfns = append(pfns, uint64(r.BasePfn)+i)
		}
	}
	for start := 0; start < len(pfns); start += maxInputElements {
		end := start + maxInputElements
		if end > len(pfns) {
			end = len(pfns)
		}
		chunk := pfns[start:end]
		putU64(h.input, 0, uint64(chunk[0]))
		putU64(h.input, 8, 0) // flags
		for i, pfn := range chunk {
			putU64(h.input, headerSizeAcceptPages+i*8, pfn)
		}
		status, reps := h.dispatch(codeAcceptGpaPages, uint16(len(chunk)), 0)
		if err := status.AsError("hvcall.AcceptVtl2Pages"); err != nil {
			return err
		}
		if int(reps) != len(chunk) {
			return perrs.New(perrs.KindHypervisor, "hvcall.AcceptVtl2Pages", "partial rep completion")
		}
	}
	return nil
}

// ApplyVtlProtections sets the VTL protection mask over range,
// chunked the same way as AcceptVtl2Pages.
func (h *HvCall) ApplyVtlProtections(r MemoryRange, mask uint32) error {
	for start := uint64(0); start < r.PageCount; start += uint64(maxModifyProtElements) {
		count := uint64(maxModifyProtElements)
		if start+count > r.PageCount {
			count = r.PageCount - start
		}
		putU64(h.input, 0, uint64(r.BasePfn)+start)
		putU64(h.input, 8, uint64(mask))
		status, reps := h.dispatch(codeModifyVtlProtectionMask, uint16(count), 0)
		if err := status.AsError("hvcall.ApplyVtlProtections"); err != nil {
			return err
		}
		if uint64(reps) != count {
			return perrs.New(perrs.KindHypervisor, "hvcall.ApplyVtlProtections", "partial rep completion")
		}
	}
	return nil
}

// EnablePartitionVtl enables vtl for the current partition.
// HvStatusVtlAlreadyEnabled is absorbed to success, making this safe
// to call more than once (§7).
func (h *HvCall) EnablePartitionVtl(vtl uint8) error {
	h.input[0] = vtl
	status, _ := h.dispatch(codeEnablePartitionVtl, 0, 0)
	if status == HvStatusVtlAlreadyEnabled {
		return nil
	}
	return status.AsError("hvcall.EnablePartitionVtl")
}

// EnableVpVtl enables vtl on vpIndex with the given initial register
// context. Also idempotent against VtlAlreadyEnabled.
func (h *HvCall) EnableVpVtl(vpIndex uint32, vtl uint8, ctx VpContext) error {
	putU64(h.input, 0, uint64(vpIndex))
	h.input[8] = vtl
	encodeVpContext(h.input[16:], ctx)
	status, _ := h.dispatch(codeEnableVpVtl, 0, 0)
	if status == HvStatusVtlAlreadyEnabled {
		return nil
	}
	return status.AsError("hvcall.EnableVpVtl")
}

// EnableVtlProtection enables memory-access VTL protection with the
// default mask 0xF (§4.4).
func (h *HvCall) EnableVtlProtection(vtl uint8) error {
	const defaultMask = 0xF
	h.input[0] = vtl
	putU64(h.input, 8, defaultMask)
	status, _ := h.dispatch(codeModifyVtlProtectionMask, 0, 0)
	return status.AsError("hvcall.EnableVtlProtection")
}

// GetRegister reads one virtual processor register.
func (h *HvCall) GetRegister(vtl uint8, name RegisterName) (uint64, error) {
	h.input[0] = vtl
	putU64(h.input, 8, uint64(name))
	status, _ := h.dispatch(codeGetVpRegisters, 1, 0)
	if err := status.AsError("hvcall.GetRegister"); err != nil {
		return 0, err
	}
	return getU64(h.output, 0), nil
}

// SetRegister writes one virtual processor register.
func (h *HvCall) SetRegister(vtl uint8, name RegisterName, value uint64) error {
	h.input[0] = vtl
	putU64(h.input, 8, uint64(name))
	putU64(h.input, 16, value)
	status, _ := h.dispatch(codeSetVpRegisters, 1, 0)
	return status.AsError("hvcall.SetRegister")
}

// SetVpRegisters atomically writes every field of ctx in one
// hypercall (§4.4's "atomic multi-field write").
func (h *HvCall) SetVpRegisters(vpIndex uint32, vtl uint8, ctx VpContext) error {
	putU64(h.input, 0, uint64(vpIndex))
	h.input[8] = vtl
	encodeVpContext(h.input[16:], ctx)
	status, _ := h.dispatch(codeSetVpRegisters, 1, 0)
	return status.AsError("hvcall.SetVpRegisters")
}

// StartVirtualProcessor brings vpIndex up with the given initial
// context. A hypercall failure here panics rather than returning an
// error: §4.4 requires the caller never race VP bring-up, so a
// failure at this point indicates a programming error, not a
// recoverable runtime condition.
func (h *HvCall) StartVirtualProcessor(vpIndex uint32, ctx VpContext) {
	putU64(h.input, 0, uint64(vpIndex))
	encodeVpContext(h.input[8:], ctx)
	status, _ := h.dispatch(codeStartVirtualProcessor, 0, 0)
	if err := status.AsError("hvcall.StartVirtualProcessor"); err != nil {
		panic(err)
	}
}

// GetVpIndexFromHwId resolves hwIDs to VP indices, always against
// VTL0, chunked by maxHwIDsPerCall (§4.4).
func (h *HvCall) GetVpIndexFromHwId(hwIDs []uint64) ([]uint32, error) {
	var out []uint32
	for start := 0; start < len(hwIDs); start += maxHwIDsPerCall {
		end := start + maxHwIDsPerCall
		if end > len(hwIDs) {
			end = len(hwIDs)
		}
		chunk := hwIDs[start:end]
		for i, id := range chunk {
			putU64(h.input, i*8, id)
		}
		status, reps := h.dispatch(codeGetVpIndexFromApicId, uint16(len(chunk)), 0)
		if err := status.AsError("hvcall.GetVpIndexFromHwId"); err != nil {
			return nil, err
		}
		for i := 0; i < int(reps); i++ {
			out = append(out, uint32(getU64(h.output, i*8)))
		}
	}
	return out, nil
}

func encodeVpContext(b []byte, ctx VpContext) {
	putU64(b, 0, ctx.Rip)
	putU64(b, 8, ctx.Rsp)
	putU64(b, 16, ctx.Rflags)
	putU64(b, 24, ctx.Cr0)
	putU64(b, 32, ctx.Cr3)
	putU64(b, 40, ctx.Cr4)
	putU64(b, 48, ctx.Efer)
	off := 56
	for _, seg := range []SegmentRegister{ctx.CS, ctx.DS, ctx.ES, ctx.FS, ctx.GS, ctx.SS, ctx.LDTR, ctx.TR} {
		putU64(b, off, seg.Base)
		putU64(b, off+8, uint64(seg.Limit)|uint64(seg.Selector)<<32|uint64(seg.Attributes)<<48)
		off += 16
	}
	for _, tbl := range []TableRegister{ctx.GDTR, ctx.IDTR} {
		putU64(b, off, tbl.Base)
		putU64(b, off+8, uint64(tbl.Limit))
		off += 16
	}
}

// VtlCall traps from VTL0 into VTL2 via the shared hypercall page.
func VtlCall() { vtlCallAsm() }

// VtlReturn traps from VTL2 back into VTL0.
func VtlReturn() { vtlReturnAsm() }
