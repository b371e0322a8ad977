package mem

import "fmt"

// Snapshot is a point-in-time copy of a Manager's entire usable region,
// used by MultiUseSandbox to roll back to a known-good state between
// dispatches (spec.md §4.G, §8's "snapshot/restore is idempotent"
// property).
type Snapshot struct {
	bytes []byte
}

// Snapshot copies the whole usable region into a new Snapshot.
func (m *Manager) Snapshot() (Snapshot, error) {
	rounded, err := m.layout.GetMemorySize()
	if err != nil {
		return Snapshot{}, err
	}
	buf := make([]byte, rounded)
	if err := m.region.CopyToSlice(buf, 0); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{bytes: buf}, nil
}

// Restore overwrites the Manager's region with a previously captured
// Snapshot. It is idempotent: restoring the same snapshot twice in a
// row produces the same memory contents both times.
func (m *Manager) Restore(s Snapshot) error {
	if uint64(len(s.bytes)) != m.region.UsableSize() {
		return fmt.Errorf("%w: snapshot size %d does not match region size", errBounds, len(s.bytes))
	}
	return m.region.CopyFromSlice(s.bytes, 0)
}
