// Package elfload loads an ELF kernel image into guest memory. It is a thin
// wrapper around the standard library's debug/elf — see DESIGN.md for why
// no third-party ELF loader from the example pack is wired here instead.
package elfload

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/rmaxwell/tinyhv/internal/memmap"
)

// MinHighMemStart is the lowest guest-physical address the loader will
// place a loadable segment at, mirroring the x86_64 boot protocol's
// HIMEM_START (spec §4.6: "respecting a minimum high-memory start").
const MinHighMemStart = 0x100000

// Load reads the ELF image from r, writes each PT_LOAD segment's file
// contents into mem at its physical address, and returns the kernel's entry
// address. A segment whose physical address is below MinHighMemStart is
// rejected with an error rather than relocated.
func Load(r io.ReaderAt, mem *memmap.GuestMemoryMap) (entry uint64, err error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("elfload: parse: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return 0, fmt.Errorf("elfload: unsupported ELF class/machine: %v/%v", f.Class, f.Machine)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}

		addr := prog.Paddr
		if addr < MinHighMemStart {
			return 0, fmt.Errorf("elfload: segment at %#x below minimum high-memory start %#x", addr, uint64(MinHighMemStart))
		}

		buf := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), buf); err != nil {
			return 0, fmt.Errorf("elfload: read segment at %#x: %w", addr, err)
		}

		if err := mem.WriteSlice(buf, addr); err != nil {
			return 0, fmt.Errorf("elfload: write segment at %#x: %w", addr, err)
		}
	}

	return f.Entry, nil
}
