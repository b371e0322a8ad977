package sandbox

import (
	"errors"
	"fmt"

	"hyperlight/errs"
	"hyperlight/mem"
	"hyperlight/wire"
)

// MultiUseSandbox is spec.md §4.G's Multi-Use state: repeated guest
// calls with rollback between them. It holds an ordered stack of
// snapshots (index 0 is always "memory right after the first
// initialise"); restore and post-timeout recovery roll back to the top
// of that stack, while devolve rolls back to index 0.
type MultiUseSandbox struct {
	*sandbox
	snapshots []mem.Snapshot
	inContext bool
}

// CallGuestFunctionByName runs name, rolling the sandbox back to its
// most recent snapshot and re-initialising the vCPU if the call timed
// out or was cancelled, per spec.md §4.E's "post-timeout recovery" —
// this is what lets scenario 4 (Spin() times out, then Echo succeeds)
// work on the same sandbox.
func (m *MultiUseSandbox) CallGuestFunctionByName(name string, expectedReturnType wire.ValueKind, params ...wire.Param) (wire.ReturnValue, error) {
	if m.inContext {
		return wire.ReturnValue{}, fmt.Errorf("hyperlight/sandbox: sandbox is held by an open call context")
	}
	ret, err := m.callGuestFunction(name, expectedReturnType, params)
	if errors.Is(err, errs.ErrExecutionCanceledByHost) {
		if recErr := m.recoverFromCancellation(); recErr != nil {
			return wire.ReturnValue{}, fmt.Errorf("hyperlight/sandbox: recovering from cancellation: %w (original: %v)", recErr, err)
		}
	}
	return ret, err
}

func (m *MultiUseSandbox) recoverFromCancellation() error {
	if err := m.manager.Restore(m.snapshots[len(m.snapshots)-1]); err != nil {
		return err
	}
	seed, err := randomSeed()
	if err != nil {
		return err
	}
	return m.initialise(seed)
}

// Snapshot captures the current memory state on top of the snapshot
// stack, for a later Restore or PopSnapshot to roll back to.
func (m *MultiUseSandbox) Snapshot() error {
	snap, err := m.manager.Snapshot()
	if err != nil {
		return err
	}
	m.snapshots = append(m.snapshots, snap)
	return nil
}

// Restore copies the top-of-stack snapshot back over memory without
// popping it — restoring the same snapshot twice in a row is idempotent
// (spec.md §8).
func (m *MultiUseSandbox) Restore() error {
	return m.manager.Restore(m.snapshots[len(m.snapshots)-1])
}

// PopSnapshot discards the top-of-stack snapshot. The first snapshot
// (memory right after initialise) can never be popped — it is what
// Devolve rolls back to.
func (m *MultiUseSandbox) PopSnapshot() error {
	if len(m.snapshots) <= 1 {
		return fmt.Errorf("hyperlight/sandbox: cannot pop the initial post-initialise snapshot")
	}
	m.snapshots = m.snapshots[:len(m.snapshots)-1]
	return nil
}

// NewCallContext hands exclusive use of this sandbox to a
// MultiUseCallContext for a sequence of calls, per spec.md §4.G's state
// diagram. Only one call context may be open at a time.
func (m *MultiUseSandbox) NewCallContext() (*MultiUseCallContext, error) {
	if m.inContext {
		return nil, fmt.Errorf("hyperlight/sandbox: sandbox already has an open call context")
	}
	m.inContext = true
	return &MultiUseCallContext{owner: m}, nil
}

// Devolve restores the first post-initialise snapshot and returns an
// UninitializedSandbox ready for a new Evolve* call, per spec.md §4.G's
// devolve transition back to the Uninitialized state.
func (m *MultiUseSandbox) Devolve() (*UninitializedSandbox, error) {
	if err := m.manager.Restore(m.snapshots[0]); err != nil {
		return nil, err
	}
	return &UninitializedSandbox{sandbox: m.sandbox}, nil
}
