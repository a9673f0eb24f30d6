// Package vm is the top-level orchestrator: it constructs guest memory, the
// backend VM and interrupt controller, the emulated device set, the event
// poller, loads a kernel, and runs the vCPU and monitor event loops.
// Ported and expanded from the teacher's machine/machine.go, generalized
// from its hardcoded single-region 1 GiB layout to a configurable memory
// size and region split.
package vm

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rmaxwell/tinyhv/internal/cpuid"
	"github.com/rmaxwell/tinyhv/internal/devices"
	"github.com/rmaxwell/tinyhv/internal/eventpoll"
	"github.com/rmaxwell/tinyhv/internal/iobus"
	"github.com/rmaxwell/tinyhv/internal/kvmapi"
	"github.com/rmaxwell/tinyhv/internal/memmap"
)

// DefaultCmdline matches spec §6: a boot string disabling legacy input
// auto-probes so the i8042 emulation never needs richer semantics.
const DefaultCmdline = "console=ttyS0 reboot=k panic=1 nomodules i8042.noaux i8042.nomux i8042.nopnp i8042.dumbkbd"

const (
	DefaultCmdlineAddr uint64 = 0x20000
	DefaultMemoryMiB   uint64 = 512
	DefaultVCPUCount   int    = 1

	// MMIOHoleStart is the conventional 3 GiB boundary below which the
	// low memory region sits; configured sizes above this split into a
	// low region and a high region starting at HighMemBase, the standard
	// architectural E820 split named in spec §6.
	MMIOHoleStart uint64 = 0xc0000000
	HighMemBase   uint64 = 1 << 32
)

// VmConfig is the monitor's immutable construction input (spec §3). No
// field is read from flags, environment, or a config file — both are
// explicit spec Non-goals; the embedding program populates this struct
// directly.
type VmConfig struct {
	KernelPath  string
	Cmdline     string
	CmdlineAddr uint64
	MemoryMiB   uint64
	VCPUCount   int
}

func (c VmConfig) withDefaults() VmConfig {
	if c.Cmdline == "" {
		c.Cmdline = DefaultCmdline
	}

	if c.CmdlineAddr == 0 {
		c.CmdlineAddr = DefaultCmdlineAddr
	}

	if c.MemoryMiB == 0 {
		c.MemoryMiB = DefaultMemoryMiB
	}

	if c.VCPUCount == 0 {
		c.VCPUCount = DefaultVCPUCount
	}

	return c
}

// VM owns every long-lived resource: guest memory, the backend VM handle,
// the kernel file, the device set, and the event poller.
type VM struct {
	cfg VmConfig
	log zerolog.Logger

	kvmFile *os.File
	vmFd    uintptr

	mem        *memmap.GuestMemoryMap
	mmapSize   uintptr
	cpuidImage *kvmapi.CPUID

	kernelFile *os.File

	bus       *iobus.IoBus
	serial    *devices.Serial
	kbd       *devices.I8042
	pciRoot   *devices.PCIRoot
	serialEvt *devices.EventChannel
	exitEvt   *devices.EventChannel

	poller     *eventpoll.Poller
	stdinToken int
	exitToken  int

	entry uint64
}

// New performs VM construction exactly per spec §4.6: open the kernel file,
// create the backend VM, compute and allocate guest memory, register memory
// slots, set the TSS/identity-map addresses, create the in-kernel interrupt
// controller and PIT (dummy-speaker flag set), patch CPUID, construct the
// device manager, wire the serial IRQ, and create the event poller
// subscribed to stdin and exit_evt.
func New(cfg VmConfig) (*VM, error) {
	cfg = cfg.withDefaults()

	kernelFile, err := os.Open(cfg.KernelPath)
	if err != nil {
		return nil, fmt.Errorf("vm: open kernel: %w", err)
	}

	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		kernelFile.Close()

		return nil, fmt.Errorf("vm: open /dev/kvm: %w", err)
	}

	v := &VM{
		cfg:        cfg,
		log:        log.With().Str("component", "vm").Logger(),
		kvmFile:    kvmFile,
		kernelFile: kernelFile,
	}

	if err := v.construct(); err != nil {
		v.Close()

		return nil, err
	}

	return v, nil
}

func (v *VM) construct() error {
	kvmFd := v.kvmFile.Fd()

	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		return fmt.Errorf("vm: CreateVM: %w", err)
	}
	v.vmFd = vmFd

	mem, err := memmap.New(v.regionLayout())
	if err != nil {
		return fmt.Errorf("vm: allocate guest memory: %w", err)
	}
	v.mem = mem

	if err := mem.WithRegions(func(idx int, r *memmap.Region) error {
		region := kvmapi.UserspaceMemoryRegion{
			Slot:          uint32(idx),
			GuestPhysAddr: r.GuestPhysBase,
			MemorySize:    r.Length,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&r.HostVirtBase[0]))),
		}

		return kvmapi.SetUserMemoryRegion(vmFd, &region)
	}); err != nil {
		return fmt.Errorf("vm: register memory slot: %w", err)
	}

	if err := kvmapi.SetTSSAddr(vmFd, uint32(memmap.TSSAddr)); err != nil {
		return fmt.Errorf("vm: SetTSSAddr: %w", err)
	}

	if err := kvmapi.SetIdentityMapAddr(vmFd, uint32(memmap.IdentityMapAddr)); err != nil {
		return fmt.Errorf("vm: SetIdentityMapAddr: %w", err)
	}

	if err := kvmapi.CreateIRQChip(vmFd); err != nil {
		return fmt.Errorf("vm: CreateIRQChip: %w", err)
	}

	// Dummy-speaker flag: port 0x61 speaker writes are emulated in-kernel
	// rather than exiting to user space before the i8042 device exists.
	if err := kvmapi.CreatePIT2(vmFd, kvmapi.PitSpeakerDummy); err != nil {
		return fmt.Errorf("vm: CreatePIT2: %w", err)
	}

	cpuidImage, err := cpuid.Apply(kvmFd)
	if err != nil {
		return fmt.Errorf("vm: cpuid.Apply: %w", err)
	}
	v.cpuidImage = cpuidImage

	mmapSize, err := kvmapi.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return fmt.Errorf("vm: GetVCPUMMapSize: %w", err)
	}
	v.mmapSize = mmapSize

	if err := v.constructDevices(); err != nil {
		return err
	}

	poller, err := eventpoll.New()
	if err != nil {
		return fmt.Errorf("vm: eventpoll.New: %w", err)
	}
	v.poller = poller

	// eventpoll.New already reserved slot 0; stdin is registered first so
	// it gets the first real token, per SPEC_FULL §3.4.
	stdinToken, err := poller.AddStdin()
	if err != nil {
		return fmt.Errorf("vm: AddStdin: %w", err)
	}
	v.stdinToken = stdinToken

	exitToken, err := poller.AddEvent(v.exitEvt.Fd(), eventpoll.Exit)
	if err != nil {
		return fmt.Errorf("vm: AddEvent(exitEvt): %w", err)
	}
	v.exitToken = exitToken

	return nil
}

func (v *VM) constructDevices() error {
	serialEvt, err := devices.NewEventChannel()
	if err != nil {
		return fmt.Errorf("vm: serialEvt: %w", err)
	}
	v.serialEvt = serialEvt

	exitEvt, err := devices.NewEventChannel()
	if err != nil {
		return fmt.Errorf("vm: exitEvt: %w", err)
	}
	v.exitEvt = exitEvt

	v.serial = devices.NewSerial(os.Stdout, serialEvt)
	v.kbd = devices.NewI8042(exitEvt)
	v.pciRoot = devices.NewPCIRoot()

	// Wire serialEvt directly to IRQ4 via IRQFD: a write to the eventfd
	// asserts the interrupt without user-space mediation.
	if err := kvmapi.RegisterIRQFD(v.vmFd, serialEvt.Fd(), devices.COM1IRQ); err != nil {
		return fmt.Errorf("vm: RegisterIRQFD(serial): %w", err)
	}

	return nil
}

// regionLayout computes the architectural memory regions for the
// configured MiB size: a single low region when it fits below the 3 GiB
// MMIO hole, or a low region plus a high region starting at 4 GiB
// otherwise (SPEC_FULL §4's "supplemented" multi-region E820 split).
func (v *VM) regionLayout() []memmap.RegionConfig {
	total := v.cfg.MemoryMiB << 20

	if total <= MMIOHoleStart {
		return []memmap.RegionConfig{{GuestPhysBase: 0, Length: total}}
	}

	return []memmap.RegionConfig{
		{GuestPhysBase: 0, Length: MMIOHoleStart},
		{GuestPhysBase: HighMemBase, Length: total - MMIOHoleStart},
	}
}

// CPUID returns the patched CPUID image every vCPU is configured with.
// Exposed for testing invariant 3 (spec §8).
func (v *VM) CPUID() *kvmapi.CPUID {
	return v.cpuidImage
}

// MemoryMap exposes the guest memory map for testing and diagnostics.
func (v *VM) MemoryMap() *memmap.GuestMemoryMap {
	return v.mem
}

// Close releases the event poller, the event channels, the kernel file and
// the /dev/kvm handle. The backend VM descriptor and the guest memory
// mappings are not released; they remain until the process exits. Safe to
// call on a partially constructed VM.
func (v *VM) Close() error {
	if v.poller != nil {
		v.poller.Close()
	}

	if v.serialEvt != nil {
		v.serialEvt.Close()
	}

	if v.exitEvt != nil {
		v.exitEvt.Close()
	}

	if v.kernelFile != nil {
		v.kernelFile.Close()
	}

	if v.kvmFile != nil {
		v.kvmFile.Close()
	}

	return nil
}
