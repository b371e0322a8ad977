package sandbox

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"hyperlight/errs"
)

func TestIsGuestAbortedUnwrapsWrappedErrors(t *testing.T) {
	aborted := &errs.GuestAborted{Code: 5}
	wrapped := fmt.Errorf("handler: %w", fmt.Errorf("dispatch: %w", aborted))

	var got *errs.GuestAborted
	require.True(t, isGuestAborted(wrapped, &got))
	require.Equal(t, uint8(5), got.Code)
}

func TestIsGuestAbortedFalseForUnrelatedError(t *testing.T) {
	var got *errs.GuestAborted
	require.False(t, isGuestAborted(errs.ErrExecutionCanceledByHost, &got))
	require.Nil(t, got)
}

func TestIsGuestAbortedFalseForNil(t *testing.T) {
	var got *errs.GuestAborted
	require.False(t, isGuestAborted(nil, &got))
}
