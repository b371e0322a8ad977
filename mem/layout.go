package mem

import "fmt"

// Layout constants, grounded byte-for-byte on
// hyperlight_host/src/mem/layout.rs's SandboxMemoryLayout::new. The
// region always begins with the page tables, then the guest's code,
// then the fixed-size PEB header block (spec.md §3's "packed headers"),
// then the payload buffers the PEB's pointers refer to.
const (
	pageTableSize = 0x3000
	pdOffset      = 0x2000
	pdptOffset    = 0x1000
	pml4Offset    = 0x0000
	codeOffset    = pageTableSize

	// CodeLoadOffset is codeOffset, exported so callers that need to
	// relocate a guest image before a SandboxMemoryLayout exists (the
	// pe loader) can compute BaseAddress+CodeLoadOffset without first
	// knowing the image's own size.
	CodeLoadOffset = codeOffset

	// pebFieldCount is every u64 field in the header block spec.md §3
	// lists, in order: HostFunctionDefinitions{size,ptr},
	// HostExceptionData{size}, GuestError{code,max_msg_size,msg_ptr},
	// CodeAndOutBPointers{code_ptr,outb_ptr}, InputData{size,ptr},
	// OutputData{size,ptr}, GuestHeap{size,ptr}, GuestStack{min_addr}.
	pebFieldCount = 2 + 1 + 3 + 2 + 2 + 2 + 2 + 1
	pebSize       = pebFieldCount * 8

	pebHostFuncDefsSizeField  = 0
	pebHostFuncDefsPtrField   = 1
	pebHostExceptionSizeField = 2
	pebGuestErrorCodeField    = 3
	pebGuestErrorMaxMsgField  = 4
	pebGuestErrorMsgPtrField  = 5
	pebCodePtrField           = 6
	pebOutbPtrField           = 7
	pebInputDataSizeField     = 8
	pebInputDataPtrField      = 9
	pebOutputDataSizeField    = 10
	pebOutputDataPtrField     = 11
	pebGuestHeapSizeField     = 12
	pebGuestHeapPtrField      = 13
	pebMinGuestStackAddrField = 14
)

// SandboxMemoryLayout mirrors the Rust type of the same name: it knows
// the size and starting offset of every region inside one
// SharedMemoryRegion's usable span, and can lay out a brand new region
// or recompute a layout from an existing one's declared sizes.
type SandboxMemoryLayout struct {
	stackSize uint64
	heapSize  uint64
	codeSize  uint64

	pebOffset               Offset
	hostFuncDefsOffset      Offset
	hostExceptionOffset     Offset
	guestErrorMessageOffset Offset
	inputDataOffset         Offset
	outputDataOffset        Offset
	heapOffset              Offset
	stackOffset             Offset

	hostFuncDefsSize  uint64
	inputDataSize     uint64
	outputDataSize    uint64
	hostExceptionSize uint64
	guestErrorSize    uint64

	totalUsableSize uint64
}

// LayoutConfig carries the caller-tunable sizes a layout is built from;
// it is the memory-shape subset of SandboxConfiguration.
type LayoutConfig struct {
	HostFunctionDefinitionSize uint64
	InputDataSize              uint64
	OutputDataSize             uint64
	HostExceptionSize          uint64
	GuestErrorSize             uint64
	HeapSize                   uint64
	StackSize                  uint64
}

// NewSandboxMemoryLayout computes every offset for a guest image of
// codeSize bytes under cfg: page tables, then code, then the PEB
// header block, then the payload buffers in the order spec.md §3
// lists them (host-func-defs, host-exception, guest-error, input,
// output, heap, stack).
func NewSandboxMemoryLayout(cfg LayoutConfig, codeSize uint64) (*SandboxMemoryLayout, error) {
	l := &SandboxMemoryLayout{
		codeSize:          codeSize,
		hostFuncDefsSize:  cfg.HostFunctionDefinitionSize,
		inputDataSize:     cfg.InputDataSize,
		outputDataSize:    cfg.OutputDataSize,
		hostExceptionSize: cfg.HostExceptionSize,
		guestErrorSize:    cfg.GuestErrorSize,
		heapSize:          cfg.HeapSize,
		stackSize:         cfg.StackSize,
	}

	offset := uint64(codeOffset) + codeSize
	l.pebOffset = Offset(offset)

	offset += pebSize
	l.hostFuncDefsOffset = Offset(offset)

	offset += cfg.HostFunctionDefinitionSize
	l.hostExceptionOffset = Offset(offset)

	offset += cfg.HostExceptionSize
	l.guestErrorMessageOffset = Offset(offset)

	offset += cfg.GuestErrorSize
	l.inputDataOffset = Offset(offset)

	offset += cfg.InputDataSize
	l.outputDataOffset = Offset(offset)

	offset += cfg.OutputDataSize
	l.heapOffset = Offset(offset)

	offset += cfg.HeapSize
	l.stackOffset = Offset(offset)

	offset += cfg.StackSize
	l.totalUsableSize = offset

	if _, err := l.GetMemorySize(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetMemorySize returns the usable region size this layout needs,
// rounded up to a 4K page and checked against MaxMemorySize — the
// same two steps layout.rs::get_memory_size performs.
func (l *SandboxMemoryLayout) GetMemorySize() (uint64, error) {
	rounded := roundUpToPage(l.totalUsableSize)
	if rounded > MaxMemorySize {
		return 0, fmt.Errorf("%w: layout needs %d bytes, exceeds MAX_MEMORY_SIZE 0x%x", errBounds, rounded, uint64(MaxMemorySize))
	}
	return rounded, nil
}

// Write fills in the PEB header block: every field in pebFieldCount,
// writing each buffer's declared size and its pointer as a guest
// address, plus the code/outb pointer pair and the guest stack's
// minimum address — matching spec.md §8's "L.write followed by
// reading each header returns exactly s for that field, and each
// header's ptr equals its target buffer offset" property.
func (l *SandboxMemoryLayout) Write(region Region, codeGuestAddr, outbGuestAddr uint64) error {
	fields := map[int]uint64{
		pebHostFuncDefsSizeField:  l.hostFuncDefsSize,
		pebHostFuncDefsPtrField:   l.GuestAddressOf(l.hostFuncDefsOffset),
		pebHostExceptionSizeField: l.hostExceptionSize,
		pebGuestErrorCodeField:    0,
		pebGuestErrorMaxMsgField:  l.guestErrorSize,
		pebGuestErrorMsgPtrField:  l.GuestAddressOf(l.guestErrorMessageOffset),
		pebCodePtrField:           codeGuestAddr,
		pebOutbPtrField:           outbGuestAddr,
		pebInputDataSizeField:     l.inputDataSize,
		pebInputDataPtrField:      l.GuestAddressOf(l.inputDataOffset),
		pebOutputDataSizeField:    l.outputDataSize,
		pebOutputDataPtrField:     l.GuestAddressOf(l.outputDataOffset),
		pebGuestHeapSizeField:     l.heapSize,
		pebGuestHeapPtrField:      l.GuestAddressOf(l.heapOffset),
		pebMinGuestStackAddrField: l.GuestAddressOf(l.stackOffset),
	}
	for field, value := range fields {
		if err := region.WriteU64(uint64(l.pebOffset)+uint64(field)*8, value); err != nil {
			return err
		}
	}
	return nil
}

// readPEBField reads back the u64 at the given PEB field index; it
// exists so tests can verify Write's round-trip without duplicating
// the field-index table above.
func (l *SandboxMemoryLayout) readPEBField(region Region, field int) (uint64, error) {
	return region.ReadU64(uint64(l.pebOffset) + uint64(field)*8)
}

// PageTableSize, CodeOffset, PDOffset, PDPTOffset, PML4Offset report the
// fixed offsets Manager.WritePageTables writes the identity-mapped page
// tables at, and the code region that follows them.
func (l *SandboxMemoryLayout) PageTableSize() uint64 { return pageTableSize }
func (l *SandboxMemoryLayout) CodeOffset() uint64    { return codeOffset }
func (l *SandboxMemoryLayout) PDOffset() uint64      { return pdOffset }
func (l *SandboxMemoryLayout) PDPTOffset() uint64    { return pdptOffset }
func (l *SandboxMemoryLayout) PML4Offset() uint64    { return pml4Offset }

func (l *SandboxMemoryLayout) CodeSize() uint64  { return l.codeSize }
func (l *SandboxMemoryLayout) StackSize() uint64 { return l.stackSize }
func (l *SandboxMemoryLayout) HeapSize() uint64  { return l.heapSize }

func (l *SandboxMemoryLayout) PEBOffset() Offset           { return l.pebOffset }
func (l *SandboxMemoryLayout) HostFuncDefsOffset() Offset  { return l.hostFuncDefsOffset }
func (l *SandboxMemoryLayout) InputDataOffset() Offset     { return l.inputDataOffset }
func (l *SandboxMemoryLayout) OutputDataOffset() Offset    { return l.outputDataOffset }
func (l *SandboxMemoryLayout) HostExceptionOffset() Offset { return l.hostExceptionOffset }
func (l *SandboxMemoryLayout) GuestErrorOffset() Offset    { return l.guestErrorMessageOffset }
func (l *SandboxMemoryLayout) HeapOffset() Offset          { return l.heapOffset }
func (l *SandboxMemoryLayout) StackOffset() Offset         { return l.stackOffset }

func (l *SandboxMemoryLayout) HostFuncDefsSize() uint64  { return l.hostFuncDefsSize }
func (l *SandboxMemoryLayout) InputDataSize() uint64     { return l.inputDataSize }
func (l *SandboxMemoryLayout) OutputDataSize() uint64    { return l.outputDataSize }
func (l *SandboxMemoryLayout) HostExceptionSize() uint64 { return l.hostExceptionSize }
func (l *SandboxMemoryLayout) GuestErrorSize() uint64    { return l.guestErrorSize }

// GuestAddressOf converts a usable-span Offset into the guest physical
// address the hypervisor driver programs into guest registers/pointers.
// The Offset is always one this layout itself computed, so the
// translation is unchecked production of a GuestPtr rather than
// validation of one.
func (l *SandboxMemoryLayout) GuestAddressOf(o Offset) uint64 {
	return newGuestPtr(o).Uint64()
}

// OffsetOfGuestAddress is the inverse of GuestAddressOf: it validates
// addr as a guest physical address in this layout's span (NewGuestPtr),
// then re-expresses it as a host-side HostPtr, which is what every
// caller actually wants back.
func (l *SandboxMemoryLayout) OffsetOfGuestAddress(addr uint64) (Offset, error) {
	gp, err := NewGuestPtr(addr, l.totalUsableSize)
	if err != nil {
		return 0, err
	}
	hp, err := newHostPtr(Offset(gp.Uint64()-BaseAddress), l.totalUsableSize)
	if err != nil {
		return 0, err
	}
	return Offset(hp.Uint64()), nil
}
