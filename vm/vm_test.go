package vm_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rmaxwell/tinyhv/internal/elfload"
	"github.com/rmaxwell/tinyhv/internal/kvmapi"
	"github.com/rmaxwell/tinyhv/internal/memmap"
	"github.com/rmaxwell/tinyhv/vm"
)

// requireKVM skips the test unless /dev/kvm is usable, matching the
// teacher's machine_test.go root-privilege-skip idiom.
func requireKVM(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root to access /dev/kvm")
	}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}
	f.Close()
}

func writeMinimalELFKernel(t *testing.T, entry uint64) string {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)

	payload := []byte{0x90, 0xf4} // nop; hlt
	dataOff := uint64(ehdrSize + phdrSize)

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, dataOff)
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(payload)

	f, err := os.CreateTemp(t.TempDir(), "tinyhv-kernel-*.elf")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		t.Fatalf("write kernel: %v", err)
	}
	f.Close()

	return f.Name()
}

// TestVMConstructionPatchesCPUID verifies invariant 3: the leaf at
// function==1,index==0 has the hypervisor-present bit set after
// construction, and that the backend reported such a leaf at all.
func TestVMConstructionPatchesCPUID(t *testing.T) {
	requireKVM(t)

	path := writeMinimalELFKernel(t, elfload.MinHighMemStart)

	m, err := vm.New(vm.VmConfig{KernelPath: path})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	defer m.Close()

	image := m.CPUID()

	found := false

	for i := 0; i < int(image.Nent); i++ {
		e := image.Entries[i]
		if e.Function == 1 && e.Index == 0 {
			found = true

			if e.Ecx&kvmapi.HypervisorPresentBit == 0 {
				t.Fatalf("hypervisor-present bit not set on leaf 1")
			}
		}
	}

	if !found {
		t.Fatalf("backend reported no CPUID leaf 1")
	}
}

// TestLoadKernelReturnsEntryAndWritesSegment exercises LoadKernel end to
// end against a live VM's guest memory: it checks the returned entry and
// the loaded segment bytes.
func TestLoadKernelReturnsEntryAndWritesSegment(t *testing.T) {
	requireKVM(t)

	path := writeMinimalELFKernel(t, elfload.MinHighMemStart+1)

	m, err := vm.New(vm.VmConfig{KernelPath: path})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	defer m.Close()

	entry, err := m.LoadKernel()
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	if entry != elfload.MinHighMemStart+1 {
		t.Fatalf("entry = %#x, want %#x", entry, elfload.MinHighMemStart+1)
	}

	got := make([]byte, 2)
	if err := m.MemoryMap().ReadSlice(got, elfload.MinHighMemStart); err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}

	if !bytes.Equal(got, []byte{0x90, 0xf4}) {
		t.Fatalf("guest memory at entry = % x, want 90 f4", got)
	}
}

// TestHelloPortProgram is scenario S1: a 12-byte real-mode program writes
// '5' then '\n' to port 0x3f8 and halts. This drives the raw kvmapi/vcpu
// Run loop directly — independent of vm.LoadKernel/ELF parsing, since S1's
// program is flat real-mode code with no ELF or boot-protocol envelope.
func TestHelloPortProgram(t *testing.T) {
	requireKVM(t)

	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open /dev/kvm: %v", err)
	}
	defer kvmFile.Close()

	vmFd, err := kvmapi.CreateVM(kvmFile.Fd())
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if err := kvmapi.SetTSSAddr(vmFd, uint32(memmap.TSSAddr)); err != nil {
		t.Fatalf("SetTSSAddr: %v", err)
	}

	if err := kvmapi.SetIdentityMapAddr(vmFd, uint32(memmap.IdentityMapAddr)); err != nil {
		t.Fatalf("SetIdentityMapAddr: %v", err)
	}

	mem, err := memmap.New([]memmap.RegionConfig{{GuestPhysBase: 0, Length: 1 << 20}})
	if err != nil {
		t.Fatalf("memmap.New: %v", err)
	}

	if err := mem.WithRegions(func(idx int, r *memmap.Region) error {
		region := kvmapi.UserspaceMemoryRegion{
			Slot:          uint32(idx),
			GuestPhysAddr: r.GuestPhysBase,
			MemorySize:    r.Length,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&r.HostVirtBase[0]))),
		}

		return kvmapi.SetUserMemoryRegion(vmFd, &region)
	}); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	program := []byte{0xBA, 0xF8, 0x03, 0x00, 0xD8, 0x04, 0x30, 0xEE, 0xB0, 0x0A, 0xEE, 0xF4}
	if err := mem.WriteSlice(program, 0x1000); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}

	vcpuFd, err := kvmapi.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	mmapSize, err := kvmapi.GetVCPUMMapSize(kvmFile.Fd())
	if err != nil {
		t.Fatalf("GetVCPUMMapSize: %v", err)
	}

	raw, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap kvm_run: %v", err)
	}
	defer unix.Munmap(raw)

	run := (*kvmapi.RunData)(unsafe.Pointer(&raw[0]))

	sregs, err := kvmapi.GetSregs(vcpuFd)
	if err != nil {
		t.Fatalf("GetSregs: %v", err)
	}

	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	sregs.CS.Limit = 0xffff

	if err := kvmapi.SetSregs(vcpuFd, &sregs); err != nil {
		t.Fatalf("SetSregs: %v", err)
	}

	regs := kvmapi.Regs{RIP: 0x1000, RAX: 2, RBX: 3, RFLAGS: 0x2}
	if err := kvmapi.SetRegs(vcpuFd, &regs); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}

	var outBytes []byte

	deadline := time.Now().Add(5 * time.Second)

	for i := 0; i < 8; i++ {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for hlt; bytes so far: %v", outBytes)
		}

		if err := kvmapi.Run(vcpuFd); err != nil {
			t.Fatalf("Run: %v", err)
		}

		switch kvmapi.ExitKind(run.ExitReason) {
		case kvmapi.ExitIO:
			direction, size, port, _, offset := run.IO()
			if direction == kvmapi.ExitIOOut && port == 0x3f8 {
				outBytes = append(outBytes, run.IOData(offset, size)...)
			}
		case kvmapi.ExitHlt:
			if !bytes.Equal(outBytes, []byte{'5', '\n'}) {
				t.Fatalf("output bytes = %q, want \"5\\n\"", outBytes)
			}

			return
		default:
			t.Fatalf("unexpected exit reason %d", run.ExitReason)
		}
	}

	t.Fatalf("did not reach hlt within bound; bytes so far: %q", outBytes)
}
