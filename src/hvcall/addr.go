package hvcall

import "unsafe"

// hypercallPageAddr returns the mapped hypercall page's address for
// the asm trampolines. Separated from asm_amd64.go/asm_arm64.go so
// both architecture variants share one implementation.
func hypercallPageAddr() unsafe.Pointer {
	return unsafe.Pointer(&hypercallPage[0])
}
