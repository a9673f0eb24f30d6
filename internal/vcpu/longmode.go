package vcpu

import (
	"encoding/binary"
	"fmt"

	"github.com/rmaxwell/tinyhv/internal/kvmapi"
	"github.com/rmaxwell/tinyhv/internal/memmap"
)

// Guest-physical scratch addresses for the boot GDT and the minimal
// identity-mapping page table the monitor writes before the first vCPU run.
// These addresses sit in low, otherwise-unused memory above the real-mode
// IVT and below the EBDA, and are conventional across small x86_64 VMMs (kvmtool,
// firecracker) that boot straight into 64-bit long mode without firmware.
const (
	bootGDTAddr  = 0x500
	pml4Addr     = 0x9000
	pdptAddr     = 0xa000
	pdAddr       = 0xb000
	identityGiB  = 1 // identity-map this many GiB with 2MiB pages
)

const (
	pageSize  = 4096
	pdeShift  = 21 // 2MiB pages
	pdeCount  = 512
	pdptCount = 512
	pml4Count = 512

	pteRW   = 1 << 1
	ptePS   = 1 << 7
	ptePresent = 1 << 0
)

// identityPageTables builds a PML4 -> PDPT -> PD chain of 2MiB pages
// identity-mapping the first identityGiB gigabytes of guest memory, the
// minimum long-mode paging setup KVM requires before entering 64-bit code.
func identityPageTables(mem *memmap.GuestMemoryMap) error {
	pml4 := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(pml4[0:8], uint64(pdptAddr)|ptePresent|pteRW)
	if err := mem.WriteSlice(pml4, pml4Addr); err != nil {
		return fmt.Errorf("vcpu: write pml4: %w", err)
	}

	pdpt := make([]byte, pageSize)
	for i := 0; i < identityGiB; i++ {
		binary.LittleEndian.PutUint64(pdpt[i*8:i*8+8], uint64(pdAddr+i*pageSize)|ptePresent|pteRW)
	}
	if err := mem.WriteSlice(pdpt, pdptAddr); err != nil {
		return fmt.Errorf("vcpu: write pdpt: %w", err)
	}

	for i := 0; i < identityGiB; i++ {
		pd := make([]byte, pageSize)
		for j := 0; j < pdeCount; j++ {
			addr := uint64(i)<<30 | uint64(j)<<pdeShift
			binary.LittleEndian.PutUint64(pd[j*8:j*8+8], addr|ptePresent|pteRW|ptePS)
		}
		if err := mem.WriteSlice(pd, uint64(pdAddr+i*pageSize)); err != nil {
			return fmt.Errorf("vcpu: write pd[%d]: %w", i, err)
		}
	}

	return nil
}

// bootGDT writes a minimal flat GDT (null, 64-bit code, 64-bit data) at
// bootGDTAddr and returns the selector values for code and data.
func bootGDT(mem *memmap.GuestMemoryMap) (codeSel, dataSel uint16, err error) {
	const (
		nullEntry = 0x0000000000000000
		codeEntry = 0x00af9a000000ffff // L=1, present, DPL0, execute/read
		dataEntry = 0x00cf92000000ffff // present, DPL0, read/write
	)

	gdt := make([]byte, 3*8)
	binary.LittleEndian.PutUint64(gdt[0:8], nullEntry)
	binary.LittleEndian.PutUint64(gdt[8:16], codeEntry)
	binary.LittleEndian.PutUint64(gdt[16:24], dataEntry)

	if err := mem.WriteSlice(gdt, bootGDTAddr); err != nil {
		return 0, 0, fmt.Errorf("vcpu: write gdt: %w", err)
	}

	return 1 << 3, 2 << 3, nil
}

func flatSegment(selector uint16, isCode bool) kvmapi.Segment {
	typ := uint8(0x3) // data: read/write, accessed
	if isCode {
		typ = 0xb // code: execute/read, accessed
	}

	return kvmapi.Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: selector,
		Typ:      typ,
		Present:  1,
		DPL:      0,
		DB:       0,
		S:        1,
		L:        1,
		G:        1,
		AVL:      0,
	}
}

// longModeSregs writes the identity page tables and boot GDT into guest
// memory and returns the special-register set that puts the vCPU directly
// into 64-bit long mode with paging enabled, matching the state a 64-bit
// Linux bzImage entered via the boot protocol expects from its loader.
func longModeSregs(mem *memmap.GuestMemoryMap) (*kvmapi.Sregs, error) {
	if err := identityPageTables(mem); err != nil {
		return nil, err
	}

	codeSel, dataSel, err := bootGDT(mem)
	if err != nil {
		return nil, err
	}

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)

	sregs := &kvmapi.Sregs{
		CS: flatSegment(codeSel, true),
		DS: flatSegment(dataSel, false),
		ES: flatSegment(dataSel, false),
		FS: flatSegment(dataSel, false),
		GS: flatSegment(dataSel, false),
		SS: flatSegment(dataSel, false),
		GDT: kvmapi.DTable{Base: bootGDTAddr, Limit: 3*8 - 1},
		CR0: cr0PE | cr0PG,
		CR3: pml4Addr,
		CR4: cr4PAE,
		EFER: eferLME | eferLMA,
	}

	return sregs, nil
}

// configureLapic wires LVT0 for ExtINT delivery, the conventional LAPIC
// setup for VMMs that pair an in-kernel LAPIC with an in-kernel PIC/IOAPIC
// (the full in-kernel irqchip model KVM_CREATE_IRQCHIP installs).
func configureLapic(l *kvmapi.Lapic) {
	const lvt0Offset = 0x350
	const extINTUnmasked = 0x700

	binary.LittleEndian.PutUint32(l.Regs[lvt0Offset:lvt0Offset+4], extINTUnmasked)
}
