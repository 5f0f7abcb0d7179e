//go:build amd64

package hvcall

// callHypercallPage issues a standard (rep-capable) hypercall: it
// loads control/input/output into the ABI registers the host
// hypervisor expects and calls into the mapped hypercall page. Every
// caller-saved GPR is saved/restored around the call in
// vtlcall_amd64.s, since the hypervisor may clobber them (§4.4/§9:
// "inline assembly is a hard requirement here -- no high-level
// construct replaces it").
//
//go:noescape
func callHypercallPage(page uintptr, control uint64, inputAddr uint64, outputAddr uint64) uint64

// vtlTrap issues the VTL-call/VTL-return trap: no input/output page
// addresses, just a control word identifying which of the two it is.
//
//go:noescape
func vtlTrap(page uintptr, control uint64) uint64

func vtlCallAsm() {
	vtlTrap(uintptr(hypercallPageAddr()), controlWord(codeVtlCall, 0, 0))
}

func vtlReturnAsm() {
	vtlTrap(uintptr(hypercallPageAddr()), controlWord(codeVtlReturn, 0, 0))
}
