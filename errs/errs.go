// Package errs collects the sentinel error kinds a sandbox can return,
// grouped the way spec.md §7 groups them. Callers use errors.Is/As
// against these values rather than matching on message text.
package errs

import "errors"

// Configuration / input errors.
var (
	ErrGuestBinaryShouldBeAFile = errors.New("hyperlight: guest binary should be a file")
	ErrCallEntryPointIsInProcOnly = errors.New("hyperlight: call entry point is in-process only")
	ErrUnexpectedNoOfArguments  = errors.New("hyperlight: unexpected number of arguments")
	ErrUnexpectedParameterType  = errors.New("hyperlight: unexpected parameter value type")

	// ErrSingleUseSandboxAlreadyCalled is returned by a SingleUseSandbox's
	// second CallGuestFunctionByName: it is consumed by its one call,
	// per spec.md §4.G's state machine (single-use sandboxes are not
	// reusable the way a multi-use sandbox is).
	ErrSingleUseSandboxAlreadyCalled = errors.New("hyperlight: single-use sandbox already consumed by a call")
)

// Memory errors.
var (
	ErrBoundsCheckFailed     = errors.New("hyperlight: bounds check failed")
	ErrMemoryAllocationFailed = errors.New("hyperlight: memory allocation failed")
	ErrMmapFailed            = errors.New("hyperlight: mmap failed")
	ErrMprotectFailed        = errors.New("hyperlight: mprotect failed")
)

// Access bits for MemoryAccessViolation.Attempted/Allowed.
const (
	AccessRead  uint8 = 1 << 0
	AccessWrite uint8 = 1 << 1
)

// MemoryAccessViolation is returned when the guest touches a GPA outside
// any mapped region. It poisons the sandbox: §5 and §7 both require the
// caller to discard state after one of these.
type MemoryAccessViolation struct {
	GPA       uint64
	Attempted uint8
	Allowed   uint8
}

func (e *MemoryAccessViolation) Error() string {
	return "hyperlight: memory access violation"
}

// Hypervisor errors.
var (
	ErrNoHypervisorFound = errors.New("hyperlight: no hypervisor found")
)

// Execution errors.
var (
	ErrExecutionCanceledByHost                                   = errors.New("hyperlight: execution canceled by host")
	ErrHypervisorHandlerExecutionCancelAttemptOnFinishedExecution = errors.New("hyperlight: cancel attempt raced with finished execution")
	ErrHostFailedToCancelGuestExecution                          = errors.New("hyperlight: host failed to cancel guest execution")
)

// HostFailedToCancelGuestExecutionSendingSignals carries the number of
// signal-delivery attempts exhausted before giving up (Linux only).
type HostFailedToCancelGuestExecutionSendingSignals struct {
	Attempts int
}

func (e *HostFailedToCancelGuestExecutionSendingSignals) Error() string {
	return "hyperlight: host failed to cancel guest execution after exhausting signal retries"
}

// Protocol errors: malformed flatbuffers, stack pointer corruption,
// stack-guard mismatch.
var (
	ErrMalformedWireMessage = errors.New("hyperlight: malformed wire message")
	ErrStackPointerOutOfBounds = errors.New("hyperlight: stack pointer out of bounds")
	ErrStackGuardMismatch     = errors.New("hyperlight: stack guard mismatch")
)

// Guest-caused faults.
var (
	ErrGuestAborted       = errors.New("hyperlight: guest aborted")
	ErrGuestStackOverflow = errors.New("hyperlight: guest stack overflow")
)

// GuestAborted carries the abort code the guest placed in the
// second-lowest byte of its Abort outb value; the low byte holds the
// action discriminant (sandbox/ports.go).
type GuestAborted struct {
	Code uint8
}

func (e *GuestAborted) Error() string { return ErrGuestAborted.Error() }

func (e *GuestAborted) Unwrap() error { return ErrGuestAborted }
