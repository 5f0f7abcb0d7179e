//go:build arm64

package hvcall

// callHypercallPage and vtlTrap have the same signatures as the amd64
// variants, so the calling convention at the Go boundary is identical;
// the arm64 trampoline in vtlcall_arm64.s saves R19-R27 around the call
// instead of the x86 GPR set. VpContext itself is x86-64 only.
//
//go:noescape
func callHypercallPage(page uintptr, control uint64, inputAddr uint64, outputAddr uint64) uint64

//go:noescape
func vtlTrap(page uintptr, control uint64) uint64

func vtlCallAsm() {
	vtlTrap(uintptr(hypercallPageAddr()), controlWord(codeVtlCall, 0, 0))
}

func vtlReturnAsm() {
	vtlTrap(uintptr(hypercallPageAddr()), controlWord(codeVtlReturn, 0, 0))
}
