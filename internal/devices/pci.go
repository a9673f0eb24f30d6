package devices

import (
	"encoding/binary"
	"sync"
)

// PCIConfigAddrPort and PCIConfigDataPort are the ADDRESS/DATA port pair
// defined by the legacy PCI configuration access mechanism #1 (spec §6).
const (
	PCIConfigAddrPort = 0xcf8
	PCIConfigDataPort = 0xcfc
	PCIConfigLen      = 0xd00 - 0xcf8
)

// PCIRoot emulates bus-0 PCI configuration space access: the ADDRESS/DATA
// port pair plus a single bridge function's config header at bus 0, slot 0,
// function 0. Ported from the teacher's PciConfAddrIn/Out and
// PciConfDataIn/Out dispatch, collapsed to one bridge device since virtio
// net/blk PCI functions are out of this spec's scope.
type PCIRoot struct {
	mu      sync.Mutex
	address uint32
	header  [64]byte // minimal type-0 config header
}

// NewPCIRoot constructs a PCI root with a single host-bridge function
// (vendor/device ID 0x1AF4/0x1100, a placeholder virtio-ish bridge ID, class
// code 0x060000 — a host bridge).
func NewPCIRoot() *PCIRoot {
	p := &PCIRoot{}
	binary.LittleEndian.PutUint16(p.header[0:2], 0x1af4)
	binary.LittleEndian.PutUint16(p.header[2:4], 0x1100)
	p.header[0x0b] = 0x06 // base class: bridge
	p.header[0x0a] = 0x00 // sub class: host bridge
	p.header[0x0e] = 0x00 // header type 0

	return p
}

func (p *PCIRoot) enabled() bool {
	return p.address&(1<<31) != 0
}

func (p *PCIRoot) configOffset() uint32 {
	return p.address & 0xfc
}

// In handles reads to either the ADDRESS or DATA port.
func (p *PCIRoot) In(port uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case port == PCIConfigAddrPort:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], p.address)
		copy(data, buf[:])
	case port >= PCIConfigDataPort && port < PCIConfigDataPort+4:
		if !p.enabled() || p.bus() != 0 || p.slot() != 0 || p.function() != 0 {
			fill(data, 0xff)

			return nil
		}

		off := p.configOffset() + uint32(port-PCIConfigDataPort)
		copyFromHeader(data, p.header[:], off)
	default:
		fill(data, 0xff)
	}

	return nil
}

// Out handles writes to either the ADDRESS or DATA port.
func (p *PCIRoot) Out(port uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case port == PCIConfigAddrPort:
		p.address = binary.LittleEndian.Uint32(pad4(data))
	case port >= PCIConfigDataPort && port < PCIConfigDataPort+4:
		if !p.enabled() || p.bus() != 0 || p.slot() != 0 || p.function() != 0 {
			return nil
		}

		off := p.configOffset() + uint32(port-PCIConfigDataPort)
		copyToHeader(p.header[:], off, data)
	}

	return nil
}

func (p *PCIRoot) bus() uint32      { return (p.address >> 16) & 0xff }
func (p *PCIRoot) slot() uint32     { return (p.address >> 11) & 0x1f }
func (p *PCIRoot) function() uint32 { return (p.address >> 8) & 0x7 }

func pad4(data []byte) []byte {
	if len(data) >= 4 {
		return data[:4]
	}

	var buf [4]byte
	copy(buf[:], data)

	return buf[:]
}

func fill(data []byte, v byte) {
	for i := range data {
		data[i] = v
	}
}

func copyFromHeader(dst, header []byte, off uint32) {
	for i := range dst {
		idx := int(off) + i
		if idx < len(header) {
			dst[i] = header[idx]
		} else {
			dst[i] = 0xff
		}
	}
}

func copyToHeader(header []byte, off uint32, src []byte) {
	for i := range src {
		idx := int(off) + i
		if idx < len(header) {
			header[idx] = src[i]
		}
	}
}
