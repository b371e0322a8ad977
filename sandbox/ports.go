package sandbox

// OutbPort is the single x86 I/O port every guest→host escape hatch in
// this sandbox multiplexes on. Grounded on
// original_source/hyperlight_host/src/hypervisor/hyperv_linux.rs's
// guest-side stub (`mov $0x3f8, %dx` followed by `out dx, eax`) and its
// matching `io_message.port_number == 0x3f8` assertions: the real
// Hyperlight project uses one fixed port for every outb, distinguishing
// message classes by a discriminant it carries in the value written,
// not by port number. This rewrite follows that, even though spec.md's
// §6 table presents the four classes as if they were separate ports —
// see DESIGN.md's port-ABI entry for the resolution.
const OutbPort uint16 = 0x3f8

// OutbAction is the message-class discriminant carried in the low byte
// of the outb value (spec.md §6's four port "meanings").
type OutbAction byte

const (
	// OutbActionCallFunction: the guest dispatched a host function
	// call; the host must pop a FunctionCall{Kind: Host} from the
	// output-data buffer and push a ReturnValue back.
	OutbActionCallFunction OutbAction = iota
	// OutbActionWriteOutput: the guest wrote a GuestLogData flatbuffer
	// to the output-data buffer for the host to surface.
	OutbActionWriteOutput
	// OutbActionAbort: the guest aborted; the exit code is in the
	// value's second-lowest byte.
	OutbActionAbort
	// OutbActionCallComplete: the guest finished its top-level call;
	// the ReturnValue is waiting in the output-data buffer.
	OutbActionCallComplete
)

func (a OutbAction) String() string {
	switch a {
	case OutbActionCallFunction:
		return "CallFunction"
	case OutbActionWriteOutput:
		return "WriteOutput"
	case OutbActionAbort:
		return "Abort"
	case OutbActionCallComplete:
		return "CallComplete"
	default:
		return "Unknown"
	}
}

func decodeOutbAction(value uint64) (action OutbAction, abortCode uint8) {
	return OutbAction(byte(value)), uint8(value >> 8)
}
