//go:build !linux

package hv

// Open always fails on non-Linux hosts: spec.md §9 explicitly drops
// the reference implementation's Windows/WHP backend (SPEC_FULL.md's
// Open Question resolution), so KVM is the only supported driver.
func Open(guestMem []byte, guestPhys uint64) (Driver, error) {
	return nil, ErrNoHypervisorFound
}
