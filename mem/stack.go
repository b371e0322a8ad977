package mem

import (
	"encoding/binary"
	"fmt"
)

// StackBuffer implements the LIFO buffer algorithm from
// shared_mem.rs's push_buffer/try_pop_buffer_into: a region of memory
// holding zero or more variable-length entries, each stored as
// [payload][u64 back-pointer to this entry's own start], with a single
// u64 "stack pointer" tracking the offset just past the newest entry's
// back-pointer field. Every payload is itself a flatbuffer finished
// with FinishSizePrefixed, so its length is recovered from its own
// leading 4-byte size prefix rather than being stored again in the
// back-pointer field.
//
// Both the input-data and output-data buffers (spec.md §3) are
// StackBuffers over disjoint sub-ranges of the same SharedMemoryRegion.
type StackBuffer struct {
	region Region
	base   Offset
	size   uint64
}

// Region is the subset of SharedMemoryRegion a StackBuffer needs; kept
// as an interface so tests can substitute an in-memory fake without
// mmap.
type Region interface {
	ReadU64(offset uint64) (uint64, error)
	WriteU64(offset uint64, v uint64) error
	CopyFromSlice(src []byte, offset uint64) error
	CopyToSlice(dst []byte, offset uint64) error
	Fill(b byte, offset uint64, length uint64) error
	UsableSize() uint64
}

// NewStackBuffer wraps the span [base, base+size) of region as an
// empty stack buffer. The first 8 bytes hold the running stack
// pointer, initialized to 8 (an empty stack's pointer is just past its
// own pointer field).
func NewStackBuffer(region Region, base Offset, size uint64) (*StackBuffer, error) {
	if size < 8 {
		return nil, fmt.Errorf("%w: stack buffer size %d too small for pointer field", errBounds, size)
	}
	sb := &StackBuffer{region: region, base: base, size: size}
	if err := region.WriteU64(uint64(base), 8); err != nil {
		return nil, err
	}
	return sb, nil
}

// Reset rewinds the buffer to empty without touching its backing
// bytes beyond the pointer field, mirroring how a sandbox devolves
// back to a clean call boundary between dispatches.
func (s *StackBuffer) Reset() error {
	return s.region.WriteU64(uint64(s.base), 8)
}

func (s *StackBuffer) stackPointer() (uint64, error) {
	return s.region.ReadU64(uint64(s.base))
}

// PushBuffer appends payload as the new top entry: the bytes
// themselves, immediately followed by an 8-byte back-pointer to this
// entry's own start offset (the stack pointer's value before this
// push), then advances the stack pointer past the back-pointer field.
func (s *StackBuffer) PushBuffer(payload []byte) error {
	sp, err := s.stackPointer()
	if err != nil {
		return err
	}
	entryLen := uint64(len(payload))
	needed := sp + entryLen + 8
	if needed > s.size {
		return fmt.Errorf("%w: push of %d bytes overflows stack buffer (sp=%d, size=%d)", errBounds, entryLen, sp, s.size)
	}

	if err := s.region.CopyFromSlice(payload, uint64(s.base)+sp); err != nil {
		return err
	}
	if err := s.region.WriteU64(uint64(s.base)+sp+entryLen, sp); err != nil {
		return err
	}
	newSP := sp + entryLen + 8
	return s.region.WriteU64(uint64(s.base), newSP)
}

// entryLengthAt reads the 4-byte size prefix a FinishSizePrefixed
// flatbuffer starts with at payloadOffset and returns the entry's full
// on-wire length (prefix included).
func (s *StackBuffer) entryLengthAt(payloadOffset uint64) (uint64, error) {
	var prefix [4]byte
	if err := s.region.CopyToSlice(prefix[:], uint64(s.base)+payloadOffset); err != nil {
		return 0, err
	}
	return 4 + uint64(binary.LittleEndian.Uint32(prefix[:])), nil
}

// TryPopBufferInto pops the top entry into dst, which must be exactly
// the right length (callers read the length first via PeekTopLength).
// It zeroes the popped bytes, matching try_pop_buffer_into's defensive
// clearing of stale guest data.
func (s *StackBuffer) TryPopBufferInto(dst []byte) error {
	sp, err := s.stackPointer()
	if err != nil {
		return err
	}
	if sp < 16 {
		return fmt.Errorf("%w: pop from empty stack buffer (sp=%d)", errBounds, sp)
	}
	payloadOffset, err := s.region.ReadU64(uint64(s.base) + sp - 8)
	if err != nil {
		return err
	}
	entryLen, err := s.entryLengthAt(payloadOffset)
	if err != nil {
		return err
	}
	if entryLen != uint64(len(dst)) {
		return fmt.Errorf("%w: popped entry is %d bytes, destination is %d", errBounds, entryLen, len(dst))
	}
	if err := s.region.CopyToSlice(dst, uint64(s.base)+payloadOffset); err != nil {
		return err
	}
	// Zero the entry (payload + its back-pointer field) before rewinding.
	if err := s.region.Fill(0, uint64(s.base)+payloadOffset, entryLen+8); err != nil {
		return err
	}
	return s.region.WriteU64(uint64(s.base), payloadOffset)
}

// PeekTopLength returns the length of the current top entry without
// popping it, or 0 if the buffer is empty.
func (s *StackBuffer) PeekTopLength() (uint64, error) {
	sp, err := s.stackPointer()
	if err != nil {
		return 0, err
	}
	if sp < 16 {
		return 0, nil
	}
	payloadOffset, err := s.region.ReadU64(uint64(s.base) + sp - 8)
	if err != nil {
		return 0, err
	}
	return s.entryLengthAt(payloadOffset)
}

// IsEmpty reports whether the stack has no entries.
func (s *StackBuffer) IsEmpty() (bool, error) {
	sp, err := s.stackPointer()
	if err != nil {
		return false, err
	}
	return sp == 8, nil
}
