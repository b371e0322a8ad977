package sandbox

import (
	"hyperlight/errs"
	"hyperlight/wire"
)

// SingleUseSandbox is spec.md §4.G's Single-Use state: a fully
// initialised sandbox consumed by its one guest call. There is no
// rollback path because there is no second call to roll back from.
type SingleUseSandbox struct {
	*sandbox
	called bool
}

// CallGuestFunctionByName runs name once with params, returning its
// ReturnValue. A second call on the same SingleUseSandbox fails with
// ErrSingleUseSandboxAlreadyCalled rather than silently re-running
// guest code whose memory state the caller never asked to preserve.
func (s *SingleUseSandbox) CallGuestFunctionByName(name string, expectedReturnType wire.ValueKind, params ...wire.Param) (wire.ReturnValue, error) {
	if s.called {
		return wire.ReturnValue{}, errs.ErrSingleUseSandboxAlreadyCalled
	}
	s.called = true
	return s.callGuestFunction(name, expectedReturnType, params)
}
