package mem

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// sizePrefixed builds a fake size-prefixed-flatbuffer payload: a
// 4-byte little-endian length of body, followed by body itself —
// exactly the shape wire.Encode's FinishSizePrefixed produces, which
// StackBuffer relies on to recover an entry's length on pop.
func sizePrefixed(body string) []byte {
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf
}

func TestStackBufferPushPopRoundTrip(t *testing.T) {
	region, err := NewSharedMemoryRegion(PageSize)
	require.NoError(t, err)
	defer region.Close()

	sb, err := NewStackBuffer(region, 0, 256)
	require.NoError(t, err)

	empty, err := sb.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	first := sizePrefixed("first")
	second := sizePrefixed("second-entry")
	require.NoError(t, sb.PushBuffer(first))
	require.NoError(t, sb.PushBuffer(second))

	length, err := sb.PeekTopLength()
	require.NoError(t, err)
	require.EqualValues(t, len(second), length)

	buf := make([]byte, length)
	require.NoError(t, sb.TryPopBufferInto(buf))
	require.Equal(t, second, buf)

	length, err = sb.PeekTopLength()
	require.NoError(t, err)
	buf = make([]byte, length)
	require.NoError(t, sb.TryPopBufferInto(buf))
	require.Equal(t, first, buf)

	empty, err = sb.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestStackBufferPopFromEmptyFails(t *testing.T) {
	region, err := NewSharedMemoryRegion(PageSize)
	require.NoError(t, err)
	defer region.Close()

	sb, err := NewStackBuffer(region, 0, 64)
	require.NoError(t, err)

	err = sb.TryPopBufferInto(make([]byte, 1))
	require.ErrorIs(t, err, errBounds)
}

func TestStackBufferOverflowRejected(t *testing.T) {
	region, err := NewSharedMemoryRegion(PageSize)
	require.NoError(t, err)
	defer region.Close()

	sb, err := NewStackBuffer(region, 0, 16)
	require.NoError(t, err)

	err = sb.PushBuffer(make([]byte, 64))
	require.ErrorIs(t, err, errBounds)
}

func TestStackBufferResetClearsPointerOnly(t *testing.T) {
	region, err := NewSharedMemoryRegion(PageSize)
	require.NoError(t, err)
	defer region.Close()

	sb, err := NewStackBuffer(region, 0, 128)
	require.NoError(t, err)
	require.NoError(t, sb.PushBuffer([]byte("abc")))

	require.NoError(t, sb.Reset())
	empty, err := sb.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}
