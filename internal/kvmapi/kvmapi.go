// Package kvmapi wraps the raw /dev/kvm ioctl surface used by the monitor:
// VM/vCPU creation, memory-slot registration, register access, CPUID, and
// the in-kernel interrupt controller and timer.
package kvmapi

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request codes, as defined by linux/kvm.h. These are architecture
// and KVM-ABI constants, not computed, so they stay as raw magic numbers
// the way upstream KVM wrappers define them.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmGetFPURegs          = 0x81A0AE8C
	kvmSetFPURegs          = 0x41A0AE8D
	kvmSetMSRs             = 0x4008AE89
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLine             = 0x4008AE61
	kvmCreatePIT2          = 0x4040AE77
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90
	kvmGetLapic            = 0x8400AE8E
	kvmSetLapic            = 0x4400AE8F
	kvmIRQFD               = 0x4020AE76
)

// ExitKind mirrors the kvm_run.exit_reason values the monitor must decode.
type ExitKind uint32

const (
	ExitUnknown       ExitKind = 0
	ExitException     ExitKind = 1
	ExitIO            ExitKind = 2
	ExitHypercall     ExitKind = 3
	ExitDebug         ExitKind = 4
	ExitHlt           ExitKind = 5
	ExitMmio          ExitKind = 6
	ExitIRQWindowOpen ExitKind = 7
	ExitShutdown      ExitKind = 8
	ExitFailEntry     ExitKind = 9
	ExitIntr          ExitKind = 10
	ExitSetTPR        ExitKind = 11
	ExitTPRAccess     ExitKind = 12
	ExitInternalError ExitKind = 17
)

// IO exit directions, per kvm_run.io.direction.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

var ErrUnexpectedExitReason = errors.New("kvmapi: unexpected kvm exit reason")

// Regs is the KVM general purpose register set (struct kvm_regs).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment is a KVM segment descriptor (struct kvm_segment).
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable is a descriptor table register (GDT/IDT).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs is the KVM special register set (struct kvm_sregs).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// FPU is the KVM floating point / SSE state (struct kvm_fpu).
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

// MSREntry is one model-specific-register value (struct kvm_msr_entry).
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// msrsHeader is the fixed header of the variable-length KVM_SET_MSRS
// payload; SetMSRs lays out the trailing entries after it itself.
type msrsHeader struct {
	NMSRs uint32
	Pad   uint32
}

// RunData mirrors the mmap'd struct kvm_run shared page.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union for an EXIT_IO exit: direction, operand
// size, port, repeat count, and the byte offset of the data within the
// kvm_run page.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the kvm_run.mmio union for an EXIT_MMIO exit.
func (r *RunData) MMIO() (addr uint64, data []byte, length uint32, isWrite bool) {
	addr = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xFF != 0
	buf := (*(*[8]byte)(unsafe.Pointer(&r.Data[1])))
	data = buf[:length]

	return addr, data, length, isWrite
}

// maxIODataLen bounds the slice IOData can return. r is backed by the whole
// mmap'd kvm_run page (always at least one host page per KVM_GET_VCPU_MMAP_SIZE),
// not just the RunData struct's nominal size, so this only needs to be large
// enough to cover every repeated transfer of a REP-prefixed string I/O exit.
const maxIODataLen = 4096

// IOData returns a view over the IO data payload anchored at offset within
// the kvm_run page, length bytes long — size*count for a REP-prefixed
// string I/O exit, covering every repeated transfer contiguously.
func (r *RunData) IOData(offset uint64, length uint64) []byte {
	if length > maxIODataLen {
		length = maxIODataLen
	}

	base := uintptr(unsafe.Pointer(r)) + uintptr(offset)

	return (*(*[maxIODataLen]byte)(unsafe.Pointer(base)))[:length]
}

// UserspaceMemoryRegion is a KVM_SET_USER_MEMORY_REGION slot descriptor.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= 1 << 0 }
func (r *UserspaceMemoryRegion) SetMemReadonly()      { r.Flags |= 1 << 1 }

// IRQLevel is a KVM_IRQ_LINE payload.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig is a KVM_CREATE_PIT2 payload. Flags carries the dummy-speaker
// bit (KVM_PIT_SPEAKER_DUMMY), which has the in-kernel PIT handle port 0x61
// speaker accesses itself instead of exiting to user space.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// PitSpeakerDummy instructs the in-kernel PIT to emulate port 0x61 speaker
// writes without exiting to user space.
const PitSpeakerDummy uint32 = 1

// CPUIDEntry2 is one leaf of the KVM CPUID table (struct kvm_cpuid_entry2).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

const MaxCPUIDEntries = 100

// CPUID is the fixed-capacity KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2
// payload (struct kvm_cpuid2 with an inline entries array).
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// Well-known CPUID leaves used for the hypervisor-presence patch.
const (
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	CPUIDFuncPerMon = 0x0A
)

// HypervisorPresentBit is bit 31 of CPUID leaf 1 ECX — the guest-visible
// "running under a hypervisor" flag.
const HypervisorPresentBit = uint32(1) << 31

func ioctl(fd uintptr, req uint, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// GetAPIVersion returns the KVM ABI version reported by the /dev/kvm handle.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a new backend VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates vCPU number id within the given VM.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, uintptr(id))
}

// GetVCPUMMapSize returns the size to mmap from a vCPU fd to obtain its
// kvm_run shared page.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// Run executes the vCPU until the next exit. Transient host errors
// (EAGAIN, EINTR — the latter raised by the monitor's cancellation signal)
// are folded into a nil error; RunData.ExitReason still reflects whatever
// partial state KVM left behind, and callers should prefer inspecting
// ExitIntr for the signal-interrupted case.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
	}

	return err
}

func GetRegs(vcpuFd uintptr) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}

func GetFPURegs(vcpuFd uintptr) (FPU, error) {
	var fpu FPU
	_, err := ioctl(vcpuFd, kvmGetFPURegs, uintptr(unsafe.Pointer(&fpu)))

	return fpu, err
}

func SetFPURegs(vcpuFd uintptr, fpu *FPU) error {
	_, err := ioctl(vcpuFd, kvmSetFPURegs, uintptr(unsafe.Pointer(fpu)))

	return err
}

// SetMSRs installs the given MSR values. KVM_SET_MSRS takes a variable
// length struct (header + entries); we lay it out manually since Go has no
// flexible-array-member equivalent.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	type payload struct {
		msrsHeader
		entries [64]MSREntry
	}

	if len(entries) > len(payload{}.entries) {
		return errors.New("kvmapi: too many MSR entries")
	}

	var p payload
	p.NMSRs = uint32(len(entries))
	copy(p.entries[:], entries)

	_, err := ioctl(vcpuFd, kvmSetMSRs, uintptr(unsafe.Pointer(&p)))

	return err
}

func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr configures the 3-page guest-physical region KVM's Intel VMX
// backend uses for the task state segment. Must not overlap any memory slot.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr configures the single guest-physical page KVM's Intel
// VMX backend uses for its EPT identity map.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	a := uint64(addr)
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&a)))

	return err
}

// CreateIRQChip installs the in-kernel IOAPIC + LAPIC + PIC model.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// CreatePIT2 installs the in-kernel i8254 PIT. Requires CreateIRQChip first.
func CreatePIT2(vmFd uintptr, flags uint32) error {
	pit := PitConfig{Flags: flags}
	_, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQLine raises (level=1) or lowers (level=0) a GSI line on the in-kernel
// interrupt controller. Edge-triggered interrupts need a 1 then a 0.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l)))

	return err
}

// GetSupportedCPUID fills cpuid with the CPUID leaves this host/KVM pair can
// offer a guest. Callers must set Nent to the capacity of Entries first.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs a (possibly patched) CPUID table on a vCPU.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// Lapic is the local APIC register page (struct kvm_lapic_state), opaque to
// the monitor beyond needing to round-trip it unchanged.
type Lapic struct {
	Regs [1024]uint8
}

func GetLapic(vcpuFd uintptr) (Lapic, error) {
	var l Lapic
	_, err := ioctl(vcpuFd, kvmGetLapic, uintptr(unsafe.Pointer(&l)))

	return l, err
}

func SetLapic(vcpuFd uintptr, l *Lapic) error {
	_, err := ioctl(vcpuFd, kvmSetLapic, uintptr(unsafe.Pointer(l)))

	return err
}

// IRQFD is a KVM_IRQFD payload: it wires an eventfd directly to a GSI line,
// so a device raising that eventfd asserts the interrupt without any
// user-space mediation on the hot path.
type IRQFD struct {
	Fd         uint32
	GSI        uint32
	Flags      uint32
	ResampleFd uint32
	_          [16]uint8
}

// RegisterIRQFD wires eventFd to gsi so that writes to eventFd raise the
// interrupt line directly in the backend.
func RegisterIRQFD(vmFd uintptr, eventFd int, gsi uint32) error {
	irqfd := IRQFD{Fd: uint32(eventFd), GSI: gsi}
	_, err := ioctl(vmFd, kvmIRQFD, uintptr(unsafe.Pointer(&irqfd)))

	return err
}
