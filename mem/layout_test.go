package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testLayoutConfig() LayoutConfig {
	return LayoutConfig{
		HostFunctionDefinitionSize: 0x1000,
		InputDataSize:              0x1000,
		OutputDataSize:             0x1000,
		HostExceptionSize:          0x1000,
		GuestErrorSize:             0x400,
		HeapSize:                   0x2000,
		StackSize:                  0x1000,
	}
}

func TestSandboxMemoryLayoutOffsetsAreMonotonic(t *testing.T) {
	l, err := NewSandboxMemoryLayout(testLayoutConfig(), 0x500)
	require.NoError(t, err)

	require.Less(t, uint64(l.CodeOffset()), uint64(l.PEBOffset()))
	require.Less(t, uint64(l.PEBOffset()), uint64(l.HostFuncDefsOffset()))
	require.Less(t, uint64(l.HostFuncDefsOffset()), uint64(l.HostExceptionOffset()))
	require.Less(t, uint64(l.HostExceptionOffset()), uint64(l.GuestErrorOffset()))
	require.Less(t, uint64(l.GuestErrorOffset()), uint64(l.InputDataOffset()))
	require.Less(t, uint64(l.InputDataOffset()), uint64(l.OutputDataOffset()))
	require.Less(t, uint64(l.OutputDataOffset()), uint64(l.HeapOffset()))
	require.Less(t, uint64(l.HeapOffset()), uint64(l.StackOffset()))
}

func TestSandboxMemoryLayoutSizeRoundsToPage(t *testing.T) {
	l, err := NewSandboxMemoryLayout(testLayoutConfig(), 1)
	require.NoError(t, err)

	size, err := l.GetMemorySize()
	require.NoError(t, err)
	require.Zero(t, size%PageSize)
	require.GreaterOrEqual(t, size, uint64(l.StackOffset())+l.StackSize())
}

func TestSandboxMemoryLayoutRejectsOversizedRequest(t *testing.T) {
	cfg := testLayoutConfig()
	cfg.HeapSize = MaxMemorySize
	_, err := NewSandboxMemoryLayout(cfg, 0x1000)
	require.ErrorIs(t, err, errBounds)
}

func TestGuestAddressRoundTrip(t *testing.T) {
	l, err := NewSandboxMemoryLayout(testLayoutConfig(), 0x500)
	require.NoError(t, err)

	addr := l.GuestAddressOf(l.StackOffset())
	off, err := l.OffsetOfGuestAddress(addr)
	require.NoError(t, err)
	require.Equal(t, l.StackOffset(), off)
}

func TestLayoutWriteRoundTrip(t *testing.T) {
	cfg := testLayoutConfig()
	l, err := NewSandboxMemoryLayout(cfg, 0x500)
	require.NoError(t, err)

	size, err := l.GetMemorySize()
	require.NoError(t, err)
	region, err := NewSharedMemoryRegion(size)
	require.NoError(t, err)
	defer region.Close()

	codeAddr := l.GuestAddressOf(Offset(l.CodeOffset()))
	outbAddr := codeAddr + 1
	require.NoError(t, l.Write(region, codeAddr, outbAddr))

	got, err := l.readPEBField(region, pebHostFuncDefsSizeField)
	require.NoError(t, err)
	require.EqualValues(t, cfg.HostFunctionDefinitionSize, got)

	got, err = l.readPEBField(region, pebHostFuncDefsPtrField)
	require.NoError(t, err)
	require.EqualValues(t, l.GuestAddressOf(l.HostFuncDefsOffset()), got)

	got, err = l.readPEBField(region, pebInputDataSizeField)
	require.NoError(t, err)
	require.EqualValues(t, cfg.InputDataSize, got)

	got, err = l.readPEBField(region, pebInputDataPtrField)
	require.NoError(t, err)
	require.EqualValues(t, l.GuestAddressOf(l.InputDataOffset()), got)

	got, err = l.readPEBField(region, pebMinGuestStackAddrField)
	require.NoError(t, err)
	require.EqualValues(t, l.GuestAddressOf(l.StackOffset()), got)

	got, err = l.readPEBField(region, pebCodePtrField)
	require.NoError(t, err)
	require.EqualValues(t, codeAddr, got)

	got, err = l.readPEBField(region, pebOutbPtrField)
	require.NoError(t, err)
	require.EqualValues(t, outbAddr, got)
}

func TestOffsetOfGuestAddressRejectsOutOfRange(t *testing.T) {
	l, err := NewSandboxMemoryLayout(testLayoutConfig(), 0x500)
	require.NoError(t, err)

	_, err = l.OffsetOfGuestAddress(BaseAddress - 1)
	require.ErrorIs(t, err, errBounds)
}
