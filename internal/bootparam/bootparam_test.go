package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rmaxwell/tinyhv/internal/bootparam"
)

func fakeKernelImage(setupSects byte) *bytes.Reader {
	raw := make([]byte, 512)
	raw[0x1f1] = setupSects
	binary.LittleEndian.PutUint16(raw[0x1fe:0x200], bootparam.BootFlagMagic)

	return bytes.NewReader(raw)
}

func TestNewRejectsMissingBootFlag(t *testing.T) {
	raw := make([]byte, 512)
	_, err := bootparam.New(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestNewDefaultsZeroSetupSectsToFour(t *testing.T) {
	p, err := bootparam.New(fakeKernelImage(0))
	require.NoError(t, err)
	require.Equal(t, uint8(4), p.Hdr.SetupSects)
}

func TestBytesEncodesE820AndCmdline(t *testing.T) {
	p, err := bootparam.New(fakeKernelImage(8))
	require.NoError(t, err)

	p.Hdr.CmdlinePtr = 0x20000
	p.Hdr.CmdlineSize = 42
	p.AddE820Entry(0, bootparam.EBDAStart, bootparam.E820Ram)
	p.AddE820Entry(bootparam.HimemStart, 1<<20, bootparam.E820Ram)

	buf, err := p.Bytes()
	require.NoError(t, err)
	require.Len(t, buf, 0x1000)

	require.Equal(t, uint8(8), buf[0x1f1])
	require.Equal(t, uint32(0x20000), binary.LittleEndian.Uint32(buf[0x228:]))
	require.Equal(t, uint32(42), binary.LittleEndian.Uint32(buf[0x238:]))
	require.Equal(t, byte(2), buf[0x1e8])
}
