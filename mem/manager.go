package mem

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"hyperlight/errs"
	"hyperlight/pe"
)

const stackGuardSize = 16

// Manager owns one SharedMemoryRegion and the SandboxMemoryLayout
// describing its sub-ranges; it is spec.md §4.C's Memory Manager,
// collecting every guest-memory operation a sandbox needs behind
// bounds-checked, named methods instead of raw offsets.
type Manager struct {
	region Region
	layout *SandboxMemoryLayout

	entrypointGuestAddr uint64
	stackGuard          [stackGuardSize]byte

	input  *StackBuffer
	output *StackBuffer
}

// NewManager builds a region sized for cfg and loaded with img,
// placing the guest's entrypoint at the start of the code region plus
// img's entrypoint offset.
func NewManager(cfg SandboxConfiguration, img pe.LoadResult) (*Manager, error) {
	layout, err := NewSandboxMemoryLayout(cfg.LayoutConfig(), uint64(len(img.Image)))
	if err != nil {
		return nil, err
	}
	size, err := layout.GetMemorySize()
	if err != nil {
		return nil, err
	}
	region, err := NewSharedMemoryRegion(size)
	if err != nil {
		return nil, err
	}

	m := &Manager{region: region, layout: layout}
	if err := m.writeCode(img); err != nil {
		_ = region.Close()
		return nil, err
	}
	if err := m.WritePageTables(); err != nil {
		_ = region.Close()
		return nil, err
	}
	if err := m.newStackGuard(); err != nil {
		_ = region.Close()
		return nil, err
	}
	// outb is a real x86 I/O-port-out instruction in this rewrite, not a
	// callback reached through a guest pointer, so the PEB's outb_ptr
	// field carries no live meaning here; it is still populated (with
	// the code region's base) so a guest binary that reads it back gets
	// a valid in-image address rather than a null pointer.
	if err := layout.Write(region, m.entrypointGuestAddr, layout.GuestAddressOf(Offset(layout.CodeOffset()))); err != nil {
		_ = region.Close()
		return nil, err
	}

	m.input, err = NewStackBuffer(region, layout.InputDataOffset(), layout.InputDataSize())
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	m.output, err = NewStackBuffer(region, layout.OutputDataOffset(), layout.OutputDataSize())
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) writeCode(img pe.LoadResult) error {
	if err := m.region.CopyFromSlice(img.Image, uint64(m.layout.CodeOffset())); err != nil {
		return err
	}
	m.entrypointGuestAddr = m.layout.GuestAddressOf(Offset(m.layout.CodeOffset())) + img.EntrypointOffset
	return nil
}

func (m *Manager) newStackGuard() error {
	if _, err := rand.Read(m.stackGuard[:]); err != nil {
		return fmt.Errorf("hyperlight/mem: generating stack guard: %w", err)
	}
	return m.region.CopyFromSlice(m.stackGuard[:], uint64(m.layout.StackOffset()))
}

// CheckStackGuard verifies the guest hasn't scribbled past the top of
// its stack into the cookie this Manager planted there, per
// mem_mgr.rs::check_stack_guard (SPEC_FULL.md supplemented feature 4).
func (m *Manager) CheckStackGuard() error {
	var current [stackGuardSize]byte
	if err := m.region.CopyToSlice(current[:], uint64(m.layout.StackOffset())); err != nil {
		return err
	}
	if !bytes.Equal(current[:], m.stackGuard[:]) {
		return errs.ErrStackGuardMismatch
	}
	return nil
}

// Region returns the underlying SharedMemoryRegion for handing to the
// hypervisor driver.
func (m *Manager) Region() Region { return m.region }

// Layout returns the computed memory layout.
func (m *Manager) Layout() *SandboxMemoryLayout { return m.layout }

// EntrypointGuestAddress is the guest physical address execution
// should begin at.
func (m *Manager) EntrypointGuestAddress() uint64 { return m.entrypointGuestAddr }

// WriteGuestFunctionCall pushes a serialized FunctionCall flatbuffer
// onto the input-data buffer for the guest to pop and dispatch.
func (m *Manager) WriteGuestFunctionCall(buf []byte) error {
	if err := m.input.Reset(); err != nil {
		return err
	}
	return m.input.PushBuffer(buf)
}

// ReadGuestFunctionCallResult pops the guest's ReturnValue flatbuffer
// off the output-data buffer after a dispatch completes.
func (m *Manager) ReadGuestFunctionCallResult() ([]byte, error) {
	length, err := m.output.PeekTopLength()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: output buffer empty after dispatch", errs.ErrMalformedWireMessage)
	}
	buf := make([]byte, length)
	if err := m.output.TryPopBufferInto(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteHostFunctionCall pushes a serialized flatbuffer onto the
// output-data buffer — used by the registry dispatch path (§4.F) to push
// the ReturnValue answering a guest-initiated host function call.
func (m *Manager) WriteHostFunctionCall(buf []byte) error {
	return m.output.PushBuffer(buf)
}

// PopHostFunctionCall pops a Host-kind FunctionCall the guest pushed
// onto the output-data buffer.
func (m *Manager) PopHostFunctionCall() ([]byte, error) {
	length, err := m.output.PeekTopLength()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := m.output.TryPopBufferInto(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteHostFunctionDefinitions serializes the registry's current
// HostFunctionDetails flatbuffer into the host-function-definitions
// buffer so the guest can discover every function it may call out to
// (spec.md §4.F).
func (m *Manager) WriteHostFunctionDefinitions(buf []byte) error {
	if uint64(len(buf)) > m.layout.HostFuncDefsSize() {
		return fmt.Errorf("%w: host function definitions (%d bytes) exceed buffer (%d bytes)", errs.ErrBoundsCheckFailed, len(buf), m.layout.HostFuncDefsSize())
	}
	if err := m.region.Fill(0, uint64(m.layout.HostFuncDefsOffset()), m.layout.HostFuncDefsSize()); err != nil {
		return err
	}
	return m.region.CopyFromSlice(buf, uint64(m.layout.HostFuncDefsOffset()))
}

// HasHostError reports whether the host-exception buffer holds a
// pending error from a previous host function call (SPEC_FULL.md
// supplemented feature 1).
func (m *Manager) HasHostError() (bool, error) {
	var head [8]byte
	if err := m.region.CopyToSlice(head[:], uint64(m.layout.HostExceptionOffset())); err != nil {
		return false, err
	}
	for _, b := range head {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// WriteOutbError writes a host-side error into the host-exception
// buffer so the guest (or the next host-side check) can observe it.
func (m *Manager) WriteOutbError(msg []byte) error {
	if uint64(len(msg)) > m.layout.HostExceptionSize() {
		return fmt.Errorf("%w: host error message (%d bytes) exceeds buffer (%d bytes)", errs.ErrBoundsCheckFailed, len(msg), m.layout.HostExceptionSize())
	}
	if err := m.region.Fill(0, uint64(m.layout.HostExceptionOffset()), m.layout.HostExceptionSize()); err != nil {
		return err
	}
	return m.region.CopyFromSlice(msg, uint64(m.layout.HostExceptionOffset()))
}

// GetHostErrorData reads back whatever WriteOutbError last wrote,
// trimmed of trailing zero padding.
func (m *Manager) GetHostErrorData() ([]byte, error) {
	buf := make([]byte, m.layout.HostExceptionSize())
	if err := m.region.CopyToSlice(buf, uint64(m.layout.HostExceptionOffset())); err != nil {
		return nil, err
	}
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return buf[:end], nil
}

// WriteGuestErrorMessage records a guest-reported error, popped by the
// orchestrator after a GuestAborted-style exit.
func (m *Manager) WriteGuestErrorMessage(msg []byte) error {
	if uint64(len(msg)) > m.layout.GuestErrorSize() {
		return fmt.Errorf("%w: guest error message (%d bytes) exceeds buffer (%d bytes)", errs.ErrBoundsCheckFailed, len(msg), m.layout.GuestErrorSize())
	}
	if err := m.region.Fill(0, uint64(m.layout.GuestErrorOffset()), m.layout.GuestErrorSize()); err != nil {
		return err
	}
	return m.region.CopyFromSlice(msg, uint64(m.layout.GuestErrorOffset()))
}

// GetGuestErrorMessage is GetHostErrorData's guest-error-buffer twin.
func (m *Manager) GetGuestErrorMessage() ([]byte, error) {
	buf := make([]byte, m.layout.GuestErrorSize())
	if err := m.region.CopyToSlice(buf, uint64(m.layout.GuestErrorOffset())); err != nil {
		return nil, err
	}
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return buf[:end], nil
}

// Close releases the underlying region.
func (m *Manager) Close() error {
	return m.region.(SharedMemoryRegion).Close()
}
