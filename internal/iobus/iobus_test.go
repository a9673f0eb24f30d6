package iobus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rmaxwell/tinyhv/internal/iobus"
)

type fakeDevice struct {
	name string
	ins  []uint64
	outs []uint64
}

func (d *fakeDevice) In(port uint64, data []byte) error {
	d.ins = append(d.ins, port)
	data[0] = 0xAB

	return nil
}

func (d *fakeDevice) Out(port uint64, data []byte) error {
	d.outs = append(d.outs, port)

	return nil
}

// TestOverlapRejected covers invariant 1 / scenario S4: inserting a
// second device over an overlapping range fails, and lookups in the
// original range still resolve to the first device.
func TestOverlapRejected(t *testing.T) {
	bus := iobus.New()
	a := &fakeDevice{name: "a"}
	b := &fakeDevice{name: "b"}

	require.NoError(t, bus.Insert(a, 0x100, 0x10))
	require.ErrorIs(t, bus.Insert(b, 0x108, 0x10), iobus.ErrOverlap)

	buf := make([]byte, 1)
	require.NoError(t, bus.Read(0x105, buf))
	require.Equal(t, []uint64{0x105}, a.ins)
	require.Empty(t, b.ins)
}

func TestNonOverlappingInsertsCoexist(t *testing.T) {
	bus := iobus.New()
	a := &fakeDevice{}
	b := &fakeDevice{}

	require.NoError(t, bus.Insert(a, 0x100, 0x10))
	require.NoError(t, bus.Insert(b, 0x200, 0x10))

	buf := make([]byte, 1)
	require.NoError(t, bus.Write(0x100, buf))
	require.NoError(t, bus.Write(0x205, buf))
	require.Equal(t, []uint64{0x100}, a.outs)
	require.Equal(t, []uint64{0x205}, b.outs)
}

func TestUnregisteredPortIsSilentlyDropped(t *testing.T) {
	bus := iobus.New()
	buf := []byte{0xFF}

	require.NoError(t, bus.Read(0x999, buf))
	require.NoError(t, bus.Write(0x999, buf))
	require.Equal(t, byte(0xFF), buf[0])
}

func TestInsertOrderIndependent(t *testing.T) {
	bus := iobus.New()
	low := &fakeDevice{}
	high := &fakeDevice{}

	require.NoError(t, bus.Insert(high, 0x300, 0x10))
	require.NoError(t, bus.Insert(low, 0x100, 0x10))

	buf := make([]byte, 1)
	require.NoError(t, bus.Read(0x105, buf))
	require.NoError(t, bus.Read(0x305, buf))
	require.Equal(t, []uint64{0x105}, low.ins)
	require.Equal(t, []uint64{0x305}, high.ins)
}
