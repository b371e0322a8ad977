package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeOutbAction(t *testing.T) {
	cases := []struct {
		value      uint64
		wantAction OutbAction
		wantCode   uint8
	}{
		{0, OutbActionCallFunction, 0},
		{1, OutbActionWriteOutput, 0},
		{2, OutbActionAbort, 0},
		{3, OutbActionCallComplete, 0},
		{2 | (7 << 8), OutbActionAbort, 7},
		{2 | (0xff << 8), OutbActionAbort, 0xff},
	}
	for _, c := range cases {
		action, code := decodeOutbAction(c.value)
		require.Equal(t, c.wantAction, action)
		require.Equal(t, c.wantCode, code)
	}
}

func TestOutbActionString(t *testing.T) {
	require.Equal(t, "CallFunction", OutbActionCallFunction.String())
	require.Equal(t, "WriteOutput", OutbActionWriteOutput.String())
	require.Equal(t, "Abort", OutbActionAbort.String())
	require.Equal(t, "CallComplete", OutbActionCallComplete.String())
	require.Equal(t, "Unknown", OutbAction(99).String())
}
