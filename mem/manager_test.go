package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hyperlight/pe"
)

func testImage() pe.LoadResult {
	return pe.LoadResult{Image: []byte{0x90, 0x90, 0xf4}, EntrypointOffset: 1}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := NewSandboxConfiguration()
	m, err := NewManager(cfg, testImage())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestNewManagerSetsEntrypointFromImageOffset(t *testing.T) {
	m := newTestManager(t)
	require.Equal(t, m.Layout().GuestAddressOf(Offset(m.Layout().CodeOffset()))+1, m.EntrypointGuestAddress())
}

func TestStackGuardRoundTrip(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CheckStackGuard())
}

func TestStackGuardMismatchDetected(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Region().Fill(0xff, uint64(m.Layout().StackOffset()), stackGuardSize))
	require.Error(t, m.CheckStackGuard())
}

func TestWriteGuestFunctionCallLandsInInputBuffer(t *testing.T) {
	m := newTestManager(t)
	payload := sizePrefixed("\x01\x02\x03\x04")
	require.NoError(t, m.WriteGuestFunctionCall(payload))

	length, err := m.input.PeekTopLength()
	require.NoError(t, err)
	got := make([]byte, length)
	require.NoError(t, m.input.TryPopBufferInto(got))
	require.Equal(t, payload, got)
}

func TestReadGuestFunctionCallResultPopsOutputBuffer(t *testing.T) {
	m := newTestManager(t)
	payload := sizePrefixed("\x01\x02\x03\x04")
	require.NoError(t, m.output.PushBuffer(payload))

	got, err := m.ReadGuestFunctionCallResult()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestHostFunctionCallRoundTrip(t *testing.T) {
	m := newTestManager(t)
	payload := sizePrefixed("\x09\x08\x07")
	require.NoError(t, m.WriteHostFunctionCall(payload))

	got, err := m.PopHostFunctionCall()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestHostErrorChannelRoundTrip(t *testing.T) {
	m := newTestManager(t)
	has, err := m.HasHostError()
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, m.WriteOutbError([]byte("boom")))

	has, err = m.HasHostError()
	require.NoError(t, err)
	require.True(t, has)

	got, err := m.GetHostErrorData()
	require.NoError(t, err)
	require.Equal(t, []byte("boom"), got)
}

func TestGuestErrorMessageRoundTrip(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.WriteGuestErrorMessage([]byte("stack smashed")))
	got, err := m.GetGuestErrorMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("stack smashed"), got)
}

func TestWriteHostFunctionDefinitionsRejectsOversizedBuffer(t *testing.T) {
	m := newTestManager(t)
	oversized := make([]byte, m.Layout().HostFuncDefsSize()+1)
	require.Error(t, m.WriteHostFunctionDefinitions(oversized))
}

func TestSnapshotRestoreIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.Snapshot()
	require.NoError(t, err)

	require.NoError(t, m.WriteOutbError([]byte("mutated")))
	require.NoError(t, m.Restore(snap))
	has, err := m.HasHostError()
	require.NoError(t, err)
	require.False(t, has)

	// Restoring the same snapshot twice in a row is a no-op the second time.
	require.NoError(t, m.Restore(snap))
	has, err = m.HasHostError()
	require.NoError(t, err)
	require.False(t, has)
}
