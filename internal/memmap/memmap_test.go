package memmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rmaxwell/tinyhv/internal/memmap"
)

func TestDisjointRegionsRejectOverlap(t *testing.T) {
	_, err := memmap.New([]memmap.RegionConfig{
		{GuestPhysBase: 0x1000, Length: 0x2000},
		{GuestPhysBase: 0x2000, Length: 0x1000},
	})
	require.ErrorIs(t, err, memmap.ErrOverlap)
}

func TestDisjointRegionsAccepted(t *testing.T) {
	m, err := memmap.New([]memmap.RegionConfig{
		{GuestPhysBase: 0x1000, Length: 0x1000},
		{GuestPhysBase: 0x2000, Length: 0x1000},
	})
	require.NoError(t, err)
	require.Len(t, m.Regions(), 2)
}

func TestReservedAddressOverlapRejected(t *testing.T) {
	_, err := memmap.New([]memmap.RegionConfig{
		{GuestPhysBase: memmap.TSSAddr - 0x1000, Length: 0x2000},
	})
	require.ErrorIs(t, err, memmap.ErrReservedOverlap)
}

// TestRoundTripWriteRead covers invariant 5: a write followed by a read at
// the same address yields an identical byte sequence.
func TestRoundTripWriteRead(t *testing.T) {
	m, err := memmap.New([]memmap.RegionConfig{{GuestPhysBase: 0x1000, Length: 0x1000}})
	require.NoError(t, err)

	want := []byte("hello, guest")
	require.NoError(t, m.WriteSlice(want, 0x1040))

	got := make([]byte, len(want))
	require.NoError(t, m.ReadSlice(got, 0x1040))
	require.Equal(t, want, got)
}

// TestBoundaryWrite matches spec scenario S5: given a single region
// [0x1000, 0x2000), a 16-byte write succeeds only if it fits: at 0x1ff0 it
// ends exactly at the region end and succeeds, while at 0x1ff8 and 0x1ffc
// it would straddle the region end and fails.
func TestBoundaryWrite(t *testing.T) {
	m, err := memmap.New([]memmap.RegionConfig{{GuestPhysBase: 0x1000, Length: 0x1000}})
	require.NoError(t, err)

	buf := make([]byte, 16)

	require.NoError(t, m.WriteSlice(buf, 0x1ff0))
	require.ErrorIs(t, m.WriteSlice(buf, 0x1ff8), memmap.ErrOutOfRange)
	require.ErrorIs(t, m.WriteSlice(buf, 0x1ffc), memmap.ErrOutOfRange)
}

func TestWithRegionsStopsOnFirstError(t *testing.T) {
	m, err := memmap.New([]memmap.RegionConfig{
		{GuestPhysBase: 0x1000, Length: 0x1000},
		{GuestPhysBase: 0x2000, Length: 0x1000},
	})
	require.NoError(t, err)

	seen := 0
	err = m.WithRegions(func(idx int, r *memmap.Region) error {
		seen++

		return assertFail(idx)
	})
	require.Error(t, err)
	require.Equal(t, 1, seen)
}

func assertFail(idx int) error {
	if idx == 0 {
		return errBoom
	}

	return nil
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
