package hvcall

// Pa is a guest physical address, kept as its own type per package
// rather than shared with pgtbl/pagepool/aspace -- each subsystem's Pa
// is a trivial uint64 wrapper and sharing one across module
// boundaries would require a dependency edge none of them otherwise
// need (§5's narrow-interface preference).
type Pa uint64

// MemoryRange is a [BasePfn, BasePfn+PageCount) run of guest physical
// pages, the unit AcceptVtl2Pages/ApplyVtlProtections operate on.
type MemoryRange struct {
	BasePfn   Pa
	PageCount uint64
}

// SegmentRegister mirrors the x86-64 segment descriptor cache fields
// the hypervisor needs for VpContext (original_source's
// InitialVpContextX64).
type SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// TableRegister is a GDTR/IDTR-shaped (base, limit) pair.
type TableRegister struct {
	Base  uint64
	Limit uint16
}

// VpContext carries the full register set StartVirtualProcessor and
// SetVpRegisters program atomically (§4.4).
type VpContext struct {
	Rip, Rsp, Rflags   uint64
	Cr0, Cr3, Cr4, Efer uint64
	CS, DS, ES, FS, GS, SS SegmentRegister
	LDTR, TR               SegmentRegister
	GDTR, IDTR             TableRegister
}

// RegisterName identifies a virtual processor register for
// GetRegister/SetRegister. The values are process-local and not
// required to match the host hypervisor's real enumeration, since the
// host ABI itself is explicitly out of scope.
type RegisterName uint32

const (
	RegCr0 RegisterName = iota
	RegCr3
	RegCr4
	RegRip
	RegRsp
	RegRflags
	RegEfer
)
