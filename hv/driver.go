// Package hv is the hypervisor driver boundary: one vCPU, one guest
// physical address space, driven until HLT or an outb exit. It is
// grounded on _examples/tinyrange-cc/internal/hv/kvm's ioctl numbers,
// register ABI structs, and exit-classification switch, cut down to
// the single-vCPU, no-device-emulation, no-interrupts shape spec.md §3
// describes: this sandbox never injects an interrupt and has exactly
// one I/O-port escape hatch (outb), so none of the tinyrange-cc
// chipset/IRQ/MMIO machinery applies.
package hv

import (
	"errors"
	"fmt"

	"hyperlight/errs"
)

// ExitKind classifies why Run returned control to the caller, folding
// the raw KVM_EXIT_* space down to what a single-vCPU sandbox without
// device emulation or interrupts can actually observe.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitHalt
	ExitIoOut
	ExitMmio
	ExitShutdown
	ExitFailEntry
	ExitCancelled
)

func (k ExitKind) String() string {
	switch k {
	case ExitHalt:
		return "Halt"
	case ExitIoOut:
		return "IoOut"
	case ExitMmio:
		return "Mmio"
	case ExitShutdown:
		return "Shutdown"
	case ExitFailEntry:
		return "FailEntry"
	case ExitCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Exit is one vCPU exit: its classification plus whatever payload that
// classification carries. Only one of the payload fields is meaningful,
// selected by Kind.
type Exit struct {
	Kind ExitKind

	// IoOut fields (spec.md §5's "IoOut handling").
	Port     uint16
	Value    uint64
	InstrLen uint8

	// Mmio fields: the guest physical address a KVM_EXIT_MMIO faulted
	// on and whether the access was a write, since this sandbox maps no
	// device MMIO and every such exit is an out-of-region touch
	// (spec.md §4.D/§4.E's AccessViolation classification).
	GPA       uint64
	MmioWrite bool

	// FailEntry fields.
	HardwareEntryFailureReason uint64
}

// ErrNoHypervisorFound is returned by Open when no supported backend
// (currently: KVM on Linux) is available on this host.
var ErrNoHypervisorFound = errs.ErrNoHypervisorFound

// ErrCancelled is returned by Run when RequestCancel interrupted the
// vCPU before it reached HLT or an outb exit of its own accord.
var ErrCancelled = errors.New("hv: execution cancelled")

// Driver is the neutral, backend-agnostic shape of a single-vCPU
// hypervisor partition. Initialise and DispatchCallFromHost set up
// registers and run to completion, mirroring the Rust Hypervisor
// trait's initialise/dispatch_call_from_host split (spec.md §4.D).
type Driver interface {
	// Initialise programs the vCPU's control/segment registers for
	// long mode (CR0/CR4/EFER/CS/SS flat 64-bit) and sets RIP to the
	// guest entrypoint, RSP to the top of the guest stack, and
	// RCX/RDX/R8/R9 to pebAddr/seed/pageSize/maxLogLevel per spec.md §5,
	// then runs until the guest halts or exits via outb.
	Initialise(entrypoint, stackTop, pebAddr, seed, pageSize, maxLogLevel uint64) (Exit, error)

	// DispatchCallFromHost sets RIP to dispatchAddr, saves the current
	// RSP, runs to completion, then restores RSP — so the guest's own
	// stack discipline survives re-entry (spec.md §5's "Dispatch-from-host").
	DispatchCallFromHost(dispatchAddr uint64) (Exit, error)

	// Run resumes the vCPU from wherever Initialise/DispatchCallFromHost
	// left it (used after the caller services an IoOut exit and wants
	// the guest to continue).
	Run() (Exit, error)

	// AdvanceRIP moves the instruction pointer forward by n bytes,
	// called after servicing an IoOut exit and before the next Run
	// (spec.md §5).
	AdvanceRIP(n uint64) error

	// RequestCancel asks an in-flight Run to return ErrCancelled as
	// soon as possible; safe to call from any goroutine.
	RequestCancel() error

	// Close tears down the vCPU and VM file descriptors.
	Close() error
}

// FailEntryError reports a KVM_EXIT_FAIL_ENTRY-equivalent backend
// failure, distinct from a guest-caused fault.
type FailEntryError struct {
	Reason uint64
}

func (e *FailEntryError) Error() string {
	return fmt.Sprintf("hv: vcpu entry failed, hardware reason 0x%x", e.Reason)
}
