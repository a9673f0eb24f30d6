// Package cpuid applies the monitor's guest-visible CPUID edits: setting the
// hypervisor-present bit on leaf 1 (PatchHypervisorPresent) and, through
// Apply, also the edits of PatchHypervisorSignature (leaf 0xA EAX zeroed,
// leaf 0x40000000 rewritten with the KVM vendor signature). Ported from
// machine.go's initCPUID,
// generalized to operate on a fetched image once at VM construction rather
// than per-vCPU, per spec §3 (CpuidImage is "mutated once at VM construction
// time ... applied per-vCPU before first run").
package cpuid

import (
	"fmt"

	"github.com/rmaxwell/tinyhv/internal/kvmapi"
)

// Fetch queries the backend for the full set of CPUID leaves it and the
// host can support.
func Fetch(kvmFd uintptr) (*kvmapi.CPUID, error) {
	image := &kvmapi.CPUID{Nent: kvmapi.MaxCPUIDEntries}

	if err := kvmapi.GetSupportedCPUID(kvmFd, image); err != nil {
		return nil, fmt.Errorf("cpuid: GetSupportedCPUID: %w", err)
	}

	return image, nil
}

// PatchHypervisorPresent sets bit 31 of ECX on the function==1, index==0
// leaf, advertising "running under a hypervisor" to the guest. All other
// leaves are left exactly as reported. Applying the patch twice is
// idempotent: the bit, once set, stays set.
func PatchHypervisorPresent(image *kvmapi.CPUID) {
	for i := 0; i < int(image.Nent); i++ {
		e := &image.Entries[i]
		if e.Function == 1 && e.Index == 0 {
			e.Ecx |= kvmapi.HypervisorPresentBit
		}
	}
}

// PatchHypervisorSignature additionally advertises a KVM-compatible
// hypervisor vendor string at the standard hypervisor CPUID leaves
// (0x40000000/0x40000001), matching the teacher's initCPUID behavior. It
// also zeroes EAX of the performance-monitoring leaf (0xA), which hides the
// performance counters from the guest. It is applied in addition to
// PatchHypervisorPresent, not in place of it.
func PatchHypervisorSignature(image *kvmapi.CPUID) {
	for i := 0; i < int(image.Nent); i++ {
		e := &image.Entries[i]

		switch e.Function {
		case kvmapi.CPUIDFuncPerMon:
			e.Eax = 0 // disable performance monitoring counters
		case kvmapi.CPUIDSignature:
			e.Eax = kvmapi.CPUIDFeatures
			e.Ebx = 0x4b4d564b // "KVMK"
			e.Ecx = 0x564b4d56 // "VMKV"
			e.Edx = 0x4d       // "M"
		}
	}
}

// Apply fetches the backend's supported CPUID image and applies both
// patches, ready to be installed on each vCPU via kvmapi.SetCPUID2.
func Apply(kvmFd uintptr) (*kvmapi.CPUID, error) {
	image, err := Fetch(kvmFd)
	if err != nil {
		return nil, err
	}

	PatchHypervisorPresent(image)
	PatchHypervisorSignature(image)

	return image, nil
}
