package mem

import "fmt"

// Long-mode page table flags. Per SPEC_FULL.md's Open Question
// resolution, this rewrite maps every 2 MiB guest-physical chunk
// straight-identity (no reference implementation's -2MiB physical
// offset quirk) — a guest-binary-compatibility break spec.md §9
// explicitly sanctions for a KVM-only rewrite.
const (
	pteFlagPresent  = 1 << 0
	pteFlagWritable = 1 << 1
	pdeFlagHuge     = 1 << 7 // PS bit: this PD entry maps a 2MiB page directly.

	twoMiB = 2 * 1024 * 1024
)

// WritePageTables builds the single-PML4/single-PDPT/one-PD identity
// map spec.md §3/§4.C describes: PML4[0] -> PDPT, PDPT[0] -> PD, and
// one PD entry per 2 MiB chunk of guest address space from 0 up through
// BaseAddress plus the region's usable size, each mapping straight to
// its own guest physical address.
func (m *Manager) WritePageTables() error {
	pdptGPA := m.layout.GuestAddressOf(Offset(m.layout.PDPTOffset()))
	pdGPA := m.layout.GuestAddressOf(Offset(m.layout.PDOffset()))

	if err := m.region.WriteU64(m.layout.PML4Offset(), pdptGPA|pteFlagPresent|pteFlagWritable); err != nil {
		return err
	}
	if err := m.region.WriteU64(m.layout.PDPTOffset(), pdGPA|pteFlagPresent|pteFlagWritable); err != nil {
		return err
	}

	size, err := m.layout.GetMemorySize()
	if err != nil {
		return err
	}
	// The guest runs with paging on but every virtual address it ever
	// forms is a GuestAddressOf(offset) == BaseAddress+offset value, so
	// the PD must cover virtual addresses up through BaseAddress+size,
	// not just [0,size) — and a true identity map sends virtual X to
	// physical X, not physical BaseAddress+X, since the region's RAM is
	// itself registered at guest-physical BaseAddress.
	entries := (uint64(BaseAddress) + size + twoMiB - 1) / twoMiB
	if capacity := (m.layout.CodeOffset() - m.layout.PDOffset()) / 8; entries > capacity {
		return fmt.Errorf("%w: identity map needs %d PD entries, only %d fit in the PD region", errBounds, entries, capacity)
	}
	for i := uint64(0); i < entries; i++ {
		chunkGPA := i * twoMiB
		entry := chunkGPA | pteFlagPresent | pteFlagWritable | pdeFlagHuge
		if err := m.region.WriteU64(m.layout.PDOffset()+i*8, entry); err != nil {
			return err
		}
	}
	return nil
}

// PML4GuestAddress is the guest physical address of the PML4, the value
// the hypervisor driver programs into CR3 at Initialise.
func (m *Manager) PML4GuestAddress() uint64 {
	return m.layout.GuestAddressOf(Offset(m.layout.PML4Offset()))
}
