package vcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/rmaxwell/tinyhv/internal/kvmapi"
	"github.com/rmaxwell/tinyhv/internal/memmap"
)

// maxX86InstLen is the longest possible x86 instruction encoding; reads for
// diagnostic decode are capped here and shrunk on a short guest-memory range.
const maxX86InstLen = 15

// DecodeFaultingInstruction disassembles the instruction at the current RIP
// for diagnostic logging on FailEntry/InternalError exits (spec §9's MMIO
// Open Question discussion calls out these two kinds as needing more than a
// bare exit-reason log line to debug). Long mode guarantees CS.Base==0, so
// RIP is already a linear guest-physical address here.
func (h *Handle) DecodeFaultingInstruction(mem *memmap.GuestMemoryMap) (string, error) {
	regs, err := kvmapi.GetRegs(h.fd)
	if err != nil {
		return "", fmt.Errorf("vcpu: decode: GetRegs: %w", err)
	}

	buf := make([]byte, maxX86InstLen)

	n := maxX86InstLen
	for n > 0 {
		if err := mem.ReadSlice(buf[:n], regs.RIP); err == nil {
			break
		}

		n--
	}

	if n == 0 {
		return "", fmt.Errorf("vcpu: decode: no readable guest memory at rip %#x", regs.RIP)
	}

	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return "", fmt.Errorf("vcpu: decode: %w", err)
	}

	return x86asm.GNUSyntax(inst, regs.RIP, nil), nil
}
