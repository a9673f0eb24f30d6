// Package memmap owns the mmap-backed guest physical address space: a set
// of disjoint regions, each backed by an anonymous host mapping, registered
// with the backend as KVM memory slots by the vm package.
package memmap

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// TSSAddr and IdentityMapAddr are the guest-physical addresses KVM's Intel
// VMX backend reserves for the task state segment and the EPT identity map
// (ported from the teacher's hard-coded 0xffffd000/0xffffc000 constants).
// No region may overlap either.
const (
	TSSAddr         uint64 = 0xffffd000
	IdentityMapAddr uint64 = 0xffffc000
	tssLen          uint64 = 3 * pageSize
	identityMapLen  uint64 = pageSize
	pageSize        uint64 = 4096
)

var (
	ErrOverlap         = errors.New("memmap: region overlaps an existing region")
	ErrReservedOverlap = errors.New("memmap: region overlaps a backend-reserved address")
	ErrOutOfRange      = errors.New("memmap: address range falls outside any region")
	ErrStraddle        = errors.New("memmap: address range straddles region boundaries")
)

// RegionConfig describes a region to allocate: its guest-physical base and
// its length in bytes. Length is rounded up to the host page size.
type RegionConfig struct {
	GuestPhysBase uint64
	Length        uint64
}

// Region is an allocated, backed guest memory region.
type Region struct {
	GuestPhysBase uint64
	HostVirtBase  []byte // mmap'd backing, length == Length
	Length        uint64
}

func (r *Region) contains(addr, length uint64) bool {
	return addr >= r.GuestPhysBase && addr+length <= r.GuestPhysBase+r.Length
}

// GuestMemoryMap is the monitor's view of guest physical memory: a set of
// disjoint regions that together outlive every vCPU thread using them.
type GuestMemoryMap struct {
	regions []*Region
}

// New allocates each configured region as an anonymous, shared host mapping
// and records its metadata. Regions must be pairwise disjoint in
// guest-physical space and must not overlap the backend's reserved TSS or
// identity-map addresses.
func New(cfgs []RegionConfig) (*GuestMemoryMap, error) {
	sorted := make([]RegionConfig, len(cfgs))
	copy(sorted, cfgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GuestPhysBase < sorted[j].GuestPhysBase })

	for i := 1; i < len(sorted); i++ {
		prevEnd := sorted[i-1].GuestPhysBase + sorted[i-1].Length
		if sorted[i].GuestPhysBase < prevEnd {
			return nil, fmt.Errorf("%w: [%#x,%#x) and [%#x,%#x)", ErrOverlap,
				sorted[i-1].GuestPhysBase, prevEnd, sorted[i].GuestPhysBase, sorted[i].GuestPhysBase+sorted[i].Length)
		}
	}

	for _, c := range sorted {
		if reservedOverlap(c.GuestPhysBase, c.Length, TSSAddr, tssLen) ||
			reservedOverlap(c.GuestPhysBase, c.Length, IdentityMapAddr, identityMapLen) {
			return nil, fmt.Errorf("%w: region at %#x length %#x", ErrReservedOverlap, c.GuestPhysBase, c.Length)
		}
	}

	m := &GuestMemoryMap{}

	for _, c := range cfgs {
		length := roundUpPage(c.Length)

		mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("memmap: mmap region at %#x: %w", c.GuestPhysBase, err)
		}

		m.regions = append(m.regions, &Region{
			GuestPhysBase: c.GuestPhysBase,
			HostVirtBase:  mem,
			Length:        length,
		})
	}

	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].GuestPhysBase < m.regions[j].GuestPhysBase })

	return m, nil
}

func reservedOverlap(base, length, resBase, resLen uint64) bool {
	end, resEnd := base+length, resBase+resLen

	return base < resEnd && resBase < end
}

func roundUpPage(n uint64) uint64 {
	if rem := n % pageSize; rem != 0 {
		return n + (pageSize - rem)
	}

	return n
}

// WithRegions iterates regions in index order invoking f. Iteration halts
// and the error surfaces the moment f returns one.
func (m *GuestMemoryMap) WithRegions(f func(idx int, r *Region) error) error {
	for i, r := range m.regions {
		if err := f(i, r); err != nil {
			return err
		}
	}

	return nil
}

// Regions returns the backing slice of allocated regions, in index order.
func (m *GuestMemoryMap) Regions() []*Region {
	return m.regions
}

func (m *GuestMemoryMap) find(addr, length uint64) *Region {
	for _, r := range m.regions {
		if r.contains(addr, length) {
			return r
		}

		if addr >= r.GuestPhysBase && addr < r.GuestPhysBase+r.Length {
			// Starts inside this region but doesn't fit — straddles a boundary.
			return nil
		}
	}

	return nil
}

// WriteSlice copies b into the guest address space at guestAddr. It fails
// if the destination range straddles region boundaries or falls outside
// any region entirely.
func (m *GuestMemoryMap) WriteSlice(b []byte, guestAddr uint64) error {
	r := m.find(guestAddr, uint64(len(b)))
	if r == nil {
		return fmt.Errorf("%w: %#x..%#x", ErrOutOfRange, guestAddr, guestAddr+uint64(len(b)))
	}

	off := guestAddr - r.GuestPhysBase
	copy(r.HostVirtBase[off:], b)

	return nil
}

// ReadSlice reads len(b) bytes from the guest address space at guestAddr
// into b, failing under the same conditions as WriteSlice.
func (m *GuestMemoryMap) ReadSlice(b []byte, guestAddr uint64) error {
	r := m.find(guestAddr, uint64(len(b)))
	if r == nil {
		return fmt.Errorf("%w: %#x..%#x", ErrOutOfRange, guestAddr, guestAddr+uint64(len(b)))
	}

	off := guestAddr - r.GuestPhysBase
	copy(b, r.HostVirtBase[off:off+uint64(len(b))])

	return nil
}
