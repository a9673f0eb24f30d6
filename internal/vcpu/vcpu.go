// Package vcpu wraps a single backend vCPU handle: its KVM file descriptor,
// its mmap'd kvm_run shared page, and the typed exit reason decoded from a
// run. Ported from the teacher's per-vCPU fields in machine.Machine
// (vcpuFds[i], runs[i]) and its RunOnce exit switch, generalized into a
// standalone per-vCPU type since spec.md moves vCPU execution onto one
// dedicated goroutine per vCPU rather than the teacher's shared-slice
// indexing style.
package vcpu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rmaxwell/tinyhv/internal/kvmapi"
	"github.com/rmaxwell/tinyhv/internal/memmap"
)

// Handle is a thin wrapper over a backend vCPU file descriptor.
type Handle struct {
	ID  int
	fd  uintptr
	run *kvmapi.RunData
	raw []byte
}

// New creates vCPU number id within the VM identified by vmFd and mmaps its
// kvm_run page. New itself may run on any thread; Configure and Run must
// then both be issued from one and the same OS thread.
func New(id int, vmFd uintptr, mmapSize uintptr) (*Handle, error) {
	fd, err := kvmapi.CreateVCPU(vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: CreateVCPU: %w", id, err)
	}

	raw, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: mmap kvm_run: %w", id, err)
	}

	return &Handle{
		ID:  id,
		fd:  fd,
		run: (*kvmapi.RunData)(unsafe.Pointer(&raw[0])),
		raw: raw,
	}, nil
}

// ConfigStepKind distinguishes which register-configuration sub-step
// failed, per spec §4.5/§7's requirement that MSR/REG/FPU/SREG/LAPIC
// failures be distinguishable.
type ConfigStepKind int

const (
	StepCPUID ConfigStepKind = iota
	StepMSR
	StepRegs
	StepFPU
	StepSregs
	StepLapic
)

func (k ConfigStepKind) String() string {
	switch k {
	case StepCPUID:
		return "cpuid"
	case StepMSR:
		return "msr"
	case StepRegs:
		return "regs"
	case StepFPU:
		return "fpu"
	case StepSregs:
		return "sregs"
	case StepLapic:
		return "lapic"
	default:
		return "unknown"
	}
}

// ConfigError identifies which configuration sub-step failed.
type ConfigError struct {
	Step ConfigStepKind
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vcpu: configure step %s: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Boot-protocol register values for a 64-bit Linux kernel entered directly
// past real mode (spec §4.5: rip=entry, rsp=BOOT_STACK_POINTER,
// rsi=ZERO_PAGE_START).
const (
	BootStackPointer uint64 = 0x8ff0
	ZeroPageStart    uint64 = 0x10000
)

// Configure applies, in order, CPUID, MSRs, general registers, FPU state,
// segment/special registers, and LAPIC configuration. Must be called from
// the thread that will later call Run.
func (h *Handle) Configure(entryAddr uint64, image *kvmapi.CPUID, mem *memmap.GuestMemoryMap) error {
	if err := kvmapi.SetCPUID2(h.fd, image); err != nil {
		return &ConfigError{StepCPUID, err}
	}

	if err := kvmapi.SetMSRs(h.fd, bootMSRs()); err != nil {
		return &ConfigError{StepMSR, err}
	}

	regs := kvmapi.Regs{
		RFLAGS: 0x2,
		RIP:    entryAddr,
		RSP:    BootStackPointer,
		RSI:    ZeroPageStart,
	}
	if err := kvmapi.SetRegs(h.fd, &regs); err != nil {
		return &ConfigError{StepRegs, err}
	}

	fpu := kvmapi.FPU{FCW: 0x37f, MXCSR: 0x1f80}
	if err := kvmapi.SetFPURegs(h.fd, &fpu); err != nil {
		return &ConfigError{StepFPU, err}
	}

	sregs, err := longModeSregs(mem)
	if err != nil {
		return &ConfigError{StepSregs, err}
	}

	if err := kvmapi.SetSregs(h.fd, sregs); err != nil {
		return &ConfigError{StepSregs, err}
	}

	lapic, err := kvmapi.GetLapic(h.fd)
	if err != nil {
		return &ConfigError{StepLapic, err}
	}

	configureLapic(&lapic)

	if err := kvmapi.SetLapic(h.fd, &lapic); err != nil {
		return &ConfigError{StepLapic, err}
	}

	return nil
}

// ExitKind is the monitor's tagged vCPU exit reason.
type ExitKind int

const (
	Unknown ExitKind = iota
	IoIn
	IoOut
	MmioRead
	MmioWrite
	Hlt
	Shutdown
	FailEntry
	InternalError
	Intr
)

// Exit is a decoded vCPU run result. For IoIn/IoOut, Data holds IOCount
// consecutive IOSize-byte transfers back to back (a REP-prefixed string I/O
// instruction packs more than one transfer into a single exit); callers must
// walk Data in IOSize-byte strides rather than treating it as one transfer.
type Exit struct {
	Kind    ExitKind
	Port    uint64
	Addr    uint64
	Data    []byte
	IOCount uint64
	IOSize  uint64
}

// Run invokes the backend execute primitive once and decodes the result.
// Transient host errors (EAGAIN/EINTR) have already been folded away by
// kvmapi.Run; a non-nil error here is a genuine run failure the caller
// should treat as fatal to this vCPU.
func (h *Handle) Run() (Exit, error) {
	if err := kvmapi.Run(h.fd); err != nil {
		return Exit{}, err
	}

	switch kvmapi.ExitKind(h.run.ExitReason) {
	case kvmapi.ExitIO:
		direction, size, port, count, offset := h.run.IO()
		if count == 0 {
			count = 1
		}

		data := h.run.IOData(offset, size*count)

		kind := IoIn
		if direction == kvmapi.ExitIOOut {
			kind = IoOut
		}

		return Exit{Kind: kind, Port: port, Data: data, IOCount: count, IOSize: size}, nil
	case kvmapi.ExitMmio:
		addr, data, _, isWrite := h.run.MMIO()

		kind := MmioRead
		if isWrite {
			kind = MmioWrite
		}

		return Exit{Kind: kind, Addr: addr, Data: data}, nil
	case kvmapi.ExitHlt:
		return Exit{Kind: Hlt}, nil
	case kvmapi.ExitShutdown:
		return Exit{Kind: Shutdown}, nil
	case kvmapi.ExitFailEntry:
		return Exit{Kind: FailEntry}, nil
	case kvmapi.ExitInternalError:
		return Exit{Kind: InternalError}, nil
	case kvmapi.ExitIntr:
		return Exit{Kind: Intr}, nil
	default:
		return Exit{Kind: Unknown}, nil
	}
}

// Close releases the kvm_run mapping. The vCPU fd itself is closed by the
// kernel when the owning process/thread exits; KVM has no explicit
// "destroy vcpu" ioctl.
func (h *Handle) Close() error {
	return unix.Munmap(h.raw)
}

func bootMSRs() []kvmapi.MSREntry {
	const (
		msrIA32Sysenter0 = 0x174
		msrEFER          = 0xc0000080
	)

	return []kvmapi.MSREntry{
		{Index: msrEFER, Data: 0}, // longModeSregs enables LME/LMA via Sregs.EFER instead
	}
}
