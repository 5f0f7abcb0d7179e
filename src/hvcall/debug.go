package hvcall

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// disassembleHypercallPage decodes the leading instructions in page
// (at most eight) and renders them as a one-line summary, purely as a startup sanity
// check that whatever bytes Init received actually look like a
// hypercall instruction sequence and not garbage. Init runs it on every
// call, with no build-mode gate.
func disassembleHypercallPage(page []byte) (string, bool) {
	var lines []string
	off := 0
	for off < len(page) && len(lines) < 8 {
		inst, err := x86asm.Decode(page[off:], 64)
		if err != nil || inst.Len == 0 {
			break
		}
		lines = append(lines, x86asm.GNUSyntax(inst, uint64(off), nil))
		off += inst.Len
	}
	if len(lines) == 0 {
		return "", false
	}
	return fmt.Sprintf("hypercall page decode: %s", strings.Join(lines, "; ")), true
}
