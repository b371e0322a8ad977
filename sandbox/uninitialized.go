package sandbox

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"hyperlight/hostfuncs"
	"hyperlight/mem"
	"hyperlight/wire"
)

// UninitializedSandbox is spec.md §4.G's Uninitialized state: loaded,
// its handler thread running, but the vCPU has never executed a single
// instruction. Evolve it into a SingleUseSandbox or MultiUseSandbox to
// run guest code.
type UninitializedSandbox struct {
	*sandbox
}

// NewUninitializedSandbox loads guestBinaryPath and wires up every
// component A-F, registering the default HostPrint host function, per
// spec.md §4.G's UninitializedSandbox::new.
func NewUninitializedSandbox(guestBinaryPath string, cfg mem.SandboxConfiguration, dispatchOffset DispatchFunctionOffset) (*UninitializedSandbox, error) {
	s, err := newSandbox(guestBinaryPath, cfg, dispatchOffset)
	if err != nil {
		return nil, err
	}
	return &UninitializedSandbox{sandbox: s}, nil
}

// RegisterHostFunction adds a callback the guest can call by name. Must
// be called before Evolve* so the function's signature is included in
// the host-function-details flatbuffer written at initialisation.
func (u *UninitializedSandbox) RegisterHostFunction(name string, paramTypes []wire.ValueKind, returnType wire.ValueKind, cb hostfuncs.Callback) {
	u.sandbox.RegisterHostFunction(name, paramTypes, returnType, cb)
}

func randomSeed() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("hyperlight/sandbox: generating seed: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// EvolveToSingleUse runs mutate (if non-nil) over the still-uninitialized
// sandbox, then initialises the vCPU and returns a SingleUseSandbox good
// for exactly one CallGuestFunctionByName (spec.md §4.G's evolve).
func (u *UninitializedSandbox) EvolveToSingleUse(mutate func(*UninitializedSandbox) error) (*SingleUseSandbox, error) {
	if err := u.runMutateAndInitialise(mutate); err != nil {
		return nil, err
	}
	return &SingleUseSandbox{sandbox: u.sandbox}, nil
}

// EvolveToMultiUse is EvolveToSingleUse's multi-use twin: it additionally
// snapshots memory right after initialisation so Devolve and post-
// timeout recovery have a known-good state to roll back to.
func (u *UninitializedSandbox) EvolveToMultiUse(mutate func(*UninitializedSandbox) error) (*MultiUseSandbox, error) {
	if err := u.runMutateAndInitialise(mutate); err != nil {
		return nil, err
	}
	snap, err := u.manager.Snapshot()
	if err != nil {
		return nil, err
	}
	return &MultiUseSandbox{sandbox: u.sandbox, snapshots: []mem.Snapshot{snap}}, nil
}

func (u *UninitializedSandbox) runMutateAndInitialise(mutate func(*UninitializedSandbox) error) error {
	if mutate != nil {
		if err := mutate(u); err != nil {
			return err
		}
	}
	seed, err := randomSeed()
	if err != nil {
		return err
	}
	return u.initialise(seed)
}
