package mem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"hyperlight/errs"
)

// PageSize is the OS page size this package assumes throughout: the
// guard pages flanking a region, and the unit every usable size is
// rounded up to.
const PageSize = 0x1000

// MaxMemorySize is the largest usable size a SandboxMemoryLayout (and
// therefore a SharedMemoryRegion) is allowed to report. See SPEC_FULL.md's
// note on the 2 MiB page-table quirk for why this ceiling survives even
// though this rewrite does not carry the quirk that originally produced it.
const MaxMemorySize = 0x3FEF0000

// BaseAddress is the guest physical address the first usable byte of a
// region is mapped to inside the partition.
const BaseAddress = 0x00200000

// errBounds is the sentinel every bounds-checked accessor in this
// package wraps with %w, so callers can errors.Is(err, errs.ErrBoundsCheckFailed)
// regardless of which accessor produced it.
var errBounds = errs.ErrBoundsCheckFailed

// SharedMemoryRegion is one mmap'd byte range flanked by PROT_NONE guard
// pages: [0,P) inaccessible, [P,P+N) read/write (this is "usable"),
// [P+N,P+N+P) inaccessible. It is the single piece of host memory a
// hypervisor partition's guest physical address space is mapped onto.
//
// A region is reference-counted rather than deep-copied on Clone: every
// clone shares the same mapping, and only the last Close unmaps it. This
// makes it cheap to hand a region to both the orchestrator and the
// hypervisor handler thread, as long as mutation is gated by the
// single-writer discipline in spec.md §5.
type SharedMemoryRegion struct {
	shared *sharedState
}

type sharedState struct {
	mem      []byte // the full mmap, including both guard pages
	usable   []byte // mem[PageSize : PageSize+usableSize]
	refCount int32
}

// NewSharedMemoryRegion allocates a region whose usable size is
// minSize rounded up to a page multiple, flanked by two guard pages.
func NewSharedMemoryRegion(minSize uint64) (SharedMemoryRegion, error) {
	if minSize == 0 {
		return SharedMemoryRegion{}, fmt.Errorf("%w: region size must be non-zero", errBounds)
	}
	usableSize := roundUpToPage(minSize)
	total := usableSize + 2*PageSize
	if total < usableSize {
		return SharedMemoryRegion{}, fmt.Errorf("%w: region size %d overflows", errBounds, minSize)
	}

	m, err := unix.Mmap(-1, 0, int(total), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return SharedMemoryRegion{}, fmt.Errorf("%w: %v", errs.ErrMmapFailed, err)
	}
	if err := unix.Mprotect(m[PageSize:PageSize+usableSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(m)
		return SharedMemoryRegion{}, fmt.Errorf("%w: %v", errs.ErrMprotectFailed, err)
	}

	s := &sharedState{
		mem:      m,
		refCount: 1,
	}
	s.usable = s.mem[PageSize : PageSize+usableSize]
	return SharedMemoryRegion{shared: s}, nil
}

func roundUpToPage(n uint64) uint64 {
	rem := n % PageSize
	if rem == 0 {
		return n
	}
	return n - rem + PageSize
}

// Clone returns a new handle onto the same mapping, bumping the
// refcount. Cheap: O(1), no copy.
func (r SharedMemoryRegion) Clone() SharedMemoryRegion {
	atomic.AddInt32(&r.shared.refCount, 1)
	return r
}

// Close releases this handle. The mapping itself is only unmapped once
// every clone has called Close.
func (r SharedMemoryRegion) Close() error {
	if atomic.AddInt32(&r.shared.refCount, -1) > 0 {
		return nil
	}
	return unix.Munmap(r.shared.mem)
}

// UsableSize returns N, the size of the readable/writable span.
func (r SharedMemoryRegion) UsableSize() uint64 { return uint64(len(r.shared.usable)) }

// UsableBaseAddress returns the host virtual address exposed to callers
// as "the" address of this region: base+P, the start of the usable span.
func (r SharedMemoryRegion) UsableBaseAddress() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.shared.usable)))
}

func (r SharedMemoryRegion) checkBounds(offset uint64, length uint64) error {
	end := offset + length
	if end < offset || end > uint64(len(r.shared.usable)) {
		return fmt.Errorf("%w: offset %d length %d exceeds usable size %d", errBounds, offset, length, len(r.shared.usable))
	}
	return nil
}

// CopyFromSlice writes src into the region starting at offset.
func (r SharedMemoryRegion) CopyFromSlice(src []byte, offset uint64) error {
	if err := r.checkBounds(offset, uint64(len(src))); err != nil {
		return err
	}
	copy(r.shared.usable[offset:], src)
	return nil
}

// CopyToSlice reads len(dst) bytes from the region starting at offset.
func (r SharedMemoryRegion) CopyToSlice(dst []byte, offset uint64) error {
	if err := r.checkBounds(offset, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, r.shared.usable[offset:])
	return nil
}

// Fill writes length copies of b starting at offset.
func (r SharedMemoryRegion) Fill(b byte, offset uint64, length uint64) error {
	if err := r.checkBounds(offset, length); err != nil {
		return err
	}
	span := r.shared.usable[offset : offset+length]
	for i := range span {
		span[i] = b
	}
	return nil
}

// ReadU32 reads a little-endian uint32 at offset.
func (r SharedMemoryRegion) ReadU32(offset uint64) (uint32, error) {
	if err := r.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.shared.usable[offset:]), nil
}

// ReadU64 reads a little-endian uint64 at offset.
func (r SharedMemoryRegion) ReadU64(offset uint64) (uint64, error) {
	if err := r.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.shared.usable[offset:]), nil
}

// ReadI32 reads a little-endian int32 at offset.
func (r SharedMemoryRegion) ReadI32(offset uint64) (int32, error) {
	v, err := r.ReadU32(offset)
	return int32(v), err
}

// WriteU32 writes v as little-endian at offset.
func (r SharedMemoryRegion) WriteU32(offset uint64, v uint32) error {
	if err := r.checkBounds(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.shared.usable[offset:], v)
	return nil
}

// WriteU64 writes v as little-endian at offset.
func (r SharedMemoryRegion) WriteU64(offset uint64, v uint64) error {
	if err := r.checkBounds(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.shared.usable[offset:], v)
	return nil
}

// WriteI32 writes v as little-endian at offset.
func (r SharedMemoryRegion) WriteI32(offset uint64, v int32) error {
	return r.WriteU32(offset, uint32(v))
}

// Slice returns the raw usable span. Callers outside this package
// should prefer the bounds-checked accessors above; this exists for the
// hypervisor driver, which must mmap the same bytes into a partition.
func (r SharedMemoryRegion) Slice() []byte { return r.shared.usable }
