package sandbox

import (
	"errors"
	"fmt"

	"hyperlight/errs"
	"hyperlight/wire"
)

// MultiUseCallContext holds a MultiUseSandbox exclusively for a
// sequence of calls, per spec.md §4.G's state diagram. No other caller
// may use the sandbox until Finish returns it.
type MultiUseCallContext struct {
	owner *MultiUseSandbox
}

// Call runs one guest function within this context, with the same
// timeout/recovery semantics as MultiUseSandbox.CallGuestFunctionByName.
func (c *MultiUseCallContext) Call(name string, expectedReturnType wire.ValueKind, params ...wire.Param) (wire.ReturnValue, error) {
	ret, err := c.owner.callGuestFunction(name, expectedReturnType, params)
	if errors.Is(err, errs.ErrExecutionCanceledByHost) {
		if recErr := c.owner.recoverFromCancellation(); recErr != nil {
			return wire.ReturnValue{}, fmt.Errorf("hyperlight/sandbox: recovering from cancellation: %w (original: %v)", recErr, err)
		}
	}
	return ret, err
}

// Finish snapshots the sandbox's current state and releases exclusive
// use back to the caller, per spec.md §4.G's "finish() snapshots and
// returns the sandbox".
func (c *MultiUseCallContext) Finish() (*MultiUseSandbox, error) {
	if err := c.owner.Snapshot(); err != nil {
		return nil, err
	}
	c.owner.inContext = false
	return c.owner, nil
}
