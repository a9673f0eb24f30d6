package vm

import (
	"fmt"

	"github.com/rmaxwell/tinyhv/internal/bootparam"
	"github.com/rmaxwell/tinyhv/internal/elfload"
)

// zeroPageAddr is where the boot_params/"zero page" structure is placed;
// vcpu.ZeroPageStart must match this address since it is what RSI points to
// on kernel entry.
const zeroPageAddr = 0x10000

// LoadKernel loads the ELF kernel image into guest memory, writes the
// command line, and builds the zero page (E820 map + setup header) the
// Linux boot protocol expects at zeroPageAddr. Returns the kernel entry
// guest address.
func (v *VM) LoadKernel() (uint64, error) {
	entry, err := elfload.Load(v.kernelFile, v.mem)
	if err != nil {
		return 0, fmt.Errorf("vm: load kernel: %w", err)
	}

	cmdline := append([]byte(v.cfg.Cmdline), 0)
	if err := v.mem.WriteSlice(cmdline, v.cfg.CmdlineAddr); err != nil {
		return 0, fmt.Errorf("vm: write cmdline: %w", err)
	}

	// bootparam.New scans a bzImage-style real-mode setup header. A direct
	// ELF kernel (what elfload.Load above just parsed) carries no such
	// header, so a missing boot-flag magic is expected here, not an error:
	// fall back to the minimal header the direct-kernel-boot leg of the
	// Linux boot protocol expects (grounded on original_source's
	// cloud-hypervisor direct-kernel path, which likewise skips real-mode
	// setup-header parsing for ELF-format kernels).
	params, err := bootparam.New(v.kernelFile)
	if err != nil {
		params = &bootparam.Params{}
		params.Hdr.SetupSects = 4
	}

	params.Hdr.TypeOfLoader = 0xff // "unknown" boot loader, per boot protocol
	params.Hdr.LoadFlags = bootparam.CanUseHeap
	params.Hdr.HeapEndPtr = 0xfe00
	params.Hdr.CmdlinePtr = uint32(v.cfg.CmdlineAddr)
	params.Hdr.CmdlineSize = uint32(len(cmdline))

	v.populateE820(params)

	zeroPage, err := params.Bytes()
	if err != nil {
		return 0, fmt.Errorf("vm: encode zero page: %w", err)
	}

	if err := v.mem.WriteSlice(zeroPage, zeroPageAddr); err != nil {
		return 0, fmt.Errorf("vm: write zero page: %w", err)
	}

	v.entry = entry

	v.log.Info().Uint64("entry", entry).Msg("kernel loaded")

	return entry, nil
}

// populateE820 mirrors the low/high split computed in regionLayout: the
// guest sees RAM below bootparam.EBDAStart, a reserved gap for the legacy
// BIOS/EBDA/VGA region, then usable RAM from bootparam.HimemStart up to
// the end of the low region, and (if configured) a second RAM entry for
// the high region above HighMemBase.
func (v *VM) populateE820(params *bootparam.Params) {
	params.AddE820Entry(bootparam.RealModeIvtBegin, bootparam.EBDAStart, bootparam.E820Ram)

	for _, r := range v.mem.Regions() {
		if r.GuestPhysBase == 0 {
			if r.Length > bootparam.HimemStart {
				params.AddE820Entry(bootparam.HimemStart, r.Length-bootparam.HimemStart, bootparam.E820Ram)
			}

			continue
		}

		params.AddE820Entry(r.GuestPhysBase, r.Length, bootparam.E820Ram)
	}
}
