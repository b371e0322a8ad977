package mem

import "fmt"

// Offset is a checked-arithmetic byte offset into a SharedMemoryRegion's
// usable span. It exists so every place that does pointer arithmetic on
// guest memory fails loudly instead of wrapping silently.
type Offset uint64

// Add returns o+n, erroring instead of wrapping on overflow.
func (o Offset) Add(n uint64) (Offset, error) {
	sum := uint64(o) + n
	if sum < uint64(o) {
		return 0, fmt.Errorf("%w: offset %d + %d overflows", errBounds, o, n)
	}
	return Offset(sum), nil
}

// RawPtr is an absolute u64 value with no guest/host meaning attached
// yet — the undifferentiated form GuestPtr and HostPtr are built from.
type RawPtr uint64

// GuestPtr is a RawPtr known to fall inside [BaseAddress, BaseAddress+N)
// of guest physical space.
type GuestPtr struct {
	addr RawPtr
}

// NewGuestPtr validates addr against the guest address range
// [BaseAddress, BaseAddress+totalSize) before returning a GuestPtr.
func NewGuestPtr(addr uint64, totalSize uint64) (GuestPtr, error) {
	if addr < BaseAddress || addr >= BaseAddress+totalSize {
		return GuestPtr{}, fmt.Errorf("%w: guest pointer 0x%x out of range [0x%x, 0x%x)", errBounds, addr, BaseAddress, BaseAddress+totalSize)
	}
	return GuestPtr{addr: RawPtr(addr)}, nil
}

// Uint64 returns the raw guest address.
func (p GuestPtr) Uint64() uint64 { return uint64(p.addr) }

// HostPtr is a RawPtr known to fall inside a SharedMemoryRegion's
// usable span, expressed as an Offset from the region's usable base.
type HostPtr struct {
	offset Offset
}

// Uint64 returns the byte offset from the region's usable base.
func (p HostPtr) Uint64() uint64 { return uint64(p.offset) }

// newGuestPtr builds a GuestPtr from an Offset the layout itself
// computed (and is therefore already known to fall within the region),
// skipping the range check NewGuestPtr does for addresses arriving from
// outside — GuestAddressOf is host-to-guest production, not validation.
func newGuestPtr(o Offset) GuestPtr {
	return GuestPtr{addr: RawPtr(uint64(BaseAddress) + uint64(o))}
}

// newHostPtr validates offset against a region's totalUsableSize and
// wraps it as a HostPtr, the counterpart to NewGuestPtr on the
// guest-address-to-host-offset side of the translation.
func newHostPtr(offset Offset, totalUsableSize uint64) (HostPtr, error) {
	if uint64(offset) >= totalUsableSize {
		return HostPtr{}, fmt.Errorf("%w: host offset %d outside usable span of %d bytes", errBounds, offset, totalUsableSize)
	}
	return HostPtr{offset: offset}, nil
}
