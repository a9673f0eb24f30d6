// Package bootparam builds the Linux "zero page" (struct boot_params) the
// 64-bit boot protocol expects at the guest address pointed to by RSI:
// a parsed kernel setup header plus an E820 memory map. Ported from the
// teacher's use of the (external) bootparam package in machine.go's
// LoadLinux, reimplemented in full since this spec's scope (no initrd, no
// virtio, E820 layout driven by a configurable memory size) differs from the
// teacher's hardcoded single-region 1GiB layout.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Linux boot protocol guest-physical layout constants (x86_64, "kernel
// boot protocol" https://www.kernel.org/doc/html/latest/x86/boot.html).
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
	HimemStart       = 0x00100000

	BootFlagMagic  = 0xaa55
	HdrSMagic      = 0x53726448 // "HdrS"
	BootProtocol64 = 0x0206
)

// E820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

type e820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// Boot protocol flags for Hdr.LoadFlags.
const (
	LoadedHigh    = 1 << 0
	KeepSegments  = 1 << 6
	CanUseHeap    = 1 << 7
)

// SetupHeader mirrors the on-disk/guest-visible struct setup_header,
// trimmed to the fields the monitor must read (SetupSects) or write
// (everything from VidMode down) to satisfy the 2.06+ boot protocol.
type SetupHeader struct {
	SetupSects   uint8
	VidMode      uint16
	TypeOfLoader uint8
	LoadFlags    uint8
	RamdiskImage uint32
	RamdiskSize  uint32
	HeapEndPtr   uint16
	ExtLoaderVer uint8
	CmdlinePtr   uint32
	CmdlineSize  uint32
}

// Params is the subset of struct boot_params the monitor populates: the
// E820 table and the parsed setup header.
type Params struct {
	Hdr       SetupHeader
	e820      []e820Entry
}

// New parses the bzImage setup header (just enough to recover SetupSects)
// from the kernel file.
func New(kernel io.ReaderAt) (*Params, error) {
	var raw [512]byte
	if _, err := kernel.ReadAt(raw[:], 0); err != nil {
		return nil, fmt.Errorf("bootparam: read setup sector: %w", err)
	}

	magic := binary.LittleEndian.Uint16(raw[0x1fe:0x200])
	if magic != BootFlagMagic {
		return nil, fmt.Errorf("bootparam: missing boot flag magic 0xaa55, got %#x", magic)
	}

	p := &Params{}
	p.Hdr.SetupSects = raw[0x1f1]
	if p.Hdr.SetupSects == 0 {
		p.Hdr.SetupSects = 4
	}

	return p, nil
}

// AddE820Entry appends one E820 memory-map entry.
func (p *Params) AddE820Entry(addr, size uint64, typ uint32) {
	p.e820 = append(p.e820, e820Entry{Addr: addr, Size: size, Type: typ})
}

// zeroPageLayout mirrors the guest-visible struct boot_params field offsets
// the kernel actually reads: the E820 table at 0x2d0 (e820_entries count at
// 0x1e8, table itself at 0x2d0), and the setup_header starting at 0x1f1.
const (
	offE820Entries = 0x1e8
	offE820Table   = 0x2d0
	offSetupSects  = 0x1f1
	offVidMode     = 0x1fa
	offTypeOfLoad  = 0x210
	offLoadFlags   = 0x211
	offRamdiskImg  = 0x218
	offRamdiskSize = 0x21c
	offHeapEndPtr  = 0x224
	offExtLoadVer  = 0x226
	offCmdlinePtr  = 0x228
	offCmdlineSize = 0x238
	zeroPageSize   = 0x1000
)

// Bytes serializes the zero page for placement at the boot_params guest
// address.
func (p *Params) Bytes() ([]byte, error) {
	buf := make([]byte, zeroPageSize)

	buf[offSetupSects] = p.Hdr.SetupSects
	binary.LittleEndian.PutUint16(buf[offVidMode:], p.Hdr.VidMode)
	buf[offTypeOfLoad] = p.Hdr.TypeOfLoader
	buf[offLoadFlags] = p.Hdr.LoadFlags
	binary.LittleEndian.PutUint32(buf[offRamdiskImg:], p.Hdr.RamdiskImage)
	binary.LittleEndian.PutUint32(buf[offRamdiskSize:], p.Hdr.RamdiskSize)
	binary.LittleEndian.PutUint16(buf[offHeapEndPtr:], p.Hdr.HeapEndPtr)
	buf[offExtLoadVer] = p.Hdr.ExtLoaderVer
	binary.LittleEndian.PutUint32(buf[offCmdlinePtr:], p.Hdr.CmdlinePtr)
	binary.LittleEndian.PutUint32(buf[offCmdlineSize:], p.Hdr.CmdlineSize)

	if len(p.e820) > 128 {
		return nil, fmt.Errorf("bootparam: too many E820 entries: %d", len(p.e820))
	}

	buf[offE820Entries] = byte(len(p.e820))

	var w bytes.Buffer
	for _, e := range p.e820 {
		if err := binary.Write(&w, binary.LittleEndian, e); err != nil {
			return nil, fmt.Errorf("bootparam: encode e820 entry: %w", err)
		}
	}

	copy(buf[offE820Table:], w.Bytes())

	return buf, nil
}
