// Package sandbox is spec.md §4.G's Sandbox Orchestrator: the state
// machine (Uninitialized → SingleUse / MultiUse) that owns every other
// component (A-F) and exposes the one operation callers actually want,
// call_guest_function_by_name, plus MultiUse's call-context and
// snapshot/restore rollback.
//
// Grounded on the teacher's VirtualMachine
// (_examples/BigBossBoolingB-VDATABPro/core_engine/virtual_machine.go):
// a constructor that loads an image, wires up its run loop's
// dependencies, and exposes lifecycle methods (Run/Shutdown) generalize
// here to NewUninitializedSandbox/evolve/Close, and the same
// correlation-ID-per-instance habit the rest of this pack's logging
// carries (dsmmcken-dh-cli, kata-containers) is threaded through with
// github.com/google/uuid.
package sandbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hyperlight/errs"
	"hyperlight/handler"
	"hyperlight/hostfuncs"
	"hyperlight/hv"
	"hyperlight/mem"
	"hyperlight/pe"
	"hyperlight/wire"
)

// DispatchFunctionOffset is the guest-exported dispatch entry point's
// offset from the code region's base, per spec.md §4.G's "guest's
// exported dispatch pointer". The reference resolves this by reading a
// well-known export from the loaded PE; this rewrite takes it as a
// caller-supplied constant since no guest PE table is part of this
// spec's in-scope loader (spec.md §1's PE-loading exclusion).
type DispatchFunctionOffset uint64

// sandbox is the shared state every state-machine wrapper (Uninitialized,
// SingleUse, MultiUse) embeds. It owns components A-F: the memory
// manager (A+B+C), the hypervisor driver (D) behind the handler thread
// (E), and the host function registry (F).
type sandbox struct {
	id     string
	log    *logrus.Entry
	config mem.SandboxConfiguration

	manager  *mem.Manager
	driver   hv.Driver
	handler  *handler.Handler
	registry *hostfuncs.Registry

	dispatchOffset DispatchFunctionOffset
	abortCode      *uint8
}

// newSandbox loads guestBinaryPath, builds the memory manager and
// hypervisor driver, starts the handler thread, and registers the
// default HostPrint host function. It does not initialise the vCPU —
// that is evolve's job — matching UninitializedSandbox::new's scope in
// spec.md §4.G.
func newSandbox(guestBinaryPath string, cfg mem.SandboxConfiguration, dispatchOffset DispatchFunctionOffset) (*sandbox, error) {
	id := uuid.NewString()
	log := logrus.WithField("sandbox_id", id)

	img, err := pe.Load(guestBinaryPath, mem.BaseAddress+mem.CodeLoadOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrGuestBinaryShouldBeAFile, err)
	}

	manager, err := mem.NewManager(cfg, img)
	if err != nil {
		return nil, err
	}

	driver, err := hv.Open(manager.Region().(mem.SharedMemoryRegion).Slice(), mem.BaseAddress)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	sbx := &sandbox{
		id:             id,
		log:            log,
		config:         cfg,
		manager:        manager,
		driver:         driver,
		registry:       hostfuncs.New(),
		dispatchOffset: dispatchOffset,
	}
	sbx.handler = handler.New(driver, sbx.handleOutb)
	sbx.registerHostPrint()

	log.Debug("sandbox constructed")
	return sbx, nil
}

// registerHostPrint installs the default host function every sandbox
// carries per spec.md §4.G: a single string argument, printed through
// this subsystem's own logrus entry at Info level.
func (s *sandbox) registerHostPrint() {
	s.registry.Register("HostPrint", []wire.ValueKind{wire.KindString}, wire.KindInt, func(params []wire.Param) (wire.ReturnValue, error) {
		msg := params[0].String
		s.log.Info(msg)
		return wire.ReturnInt(int32(len(msg))), nil
	})
}

// RegisterHostFunction exposes the registry to callers before the
// sandbox is evolved, so custom host functions are visible to the guest
// from its very first initialisation.
func (s *sandbox) RegisterHostFunction(name string, paramTypes []wire.ValueKind, returnType wire.ValueKind, cb hostfuncs.Callback) {
	s.registry.Register(name, paramTypes, returnType, cb)
}

// initialise first writes the host-function-details flatbuffer the guest
// reads at boot, then sends the handler thread an Initialise action: it
// programs long-mode registers and runs the vCPU until HLT, servicing
// outb exits along the way (spec.md §4.G's evolve).
func (s *sandbox) initialise(seed uint64) error {
	if err := s.manager.WriteHostFunctionDefinitions(s.registry.Details().Encode()); err != nil {
		return err
	}

	args := handler.InitArgs{
		Entrypoint:  s.manager.EntrypointGuestAddress(),
		StackTop:    s.guestStackTop(),
		PebAddr:     s.manager.Layout().GuestAddressOf(s.manager.Layout().PEBOffset()),
		Seed:        seed,
		PageSize:    mem.PageSize,
		MaxLogLevel: s.config.MaxGuestLogLevel,
	}
	return s.runWithTimeout(func() error { return s.handler.Initialise(args) }, s.config.MaxExecutionTime)
}

func (s *sandbox) guestStackTop() uint64 {
	layout := s.manager.Layout()
	return layout.GuestAddressOf(layout.StackOffset()) + layout.StackSize()
}

// callGuestFunction implements spec.md §4.G's call_guest_function_by_name
// body: push the call, dispatch, wait with a deadline, pop the result.
func (s *sandbox) callGuestFunction(name string, expectedReturnType wire.ValueKind, params []wire.Param) (wire.ReturnValue, error) {
	call := wire.FunctionCall{
		Name:               name,
		Params:             params,
		Kind:               wire.CallKindGuest,
		ExpectedReturnType: expectedReturnType,
	}
	if err := s.manager.WriteGuestFunctionCall(call.Encode()); err != nil {
		return wire.ReturnValue{}, err
	}

	dispatchAddr := s.manager.Layout().GuestAddressOf(mem.Offset(s.manager.Layout().CodeOffset())) + uint64(s.dispatchOffset)
	args := handler.DispatchArgs{DispatchAddr: dispatchAddr}

	err := s.runWithTimeout(func() error { return s.handler.DispatchCall(args) }, s.config.MaxExecutionTime)
	if err != nil {
		return wire.ReturnValue{}, s.translateDispatchError(err)
	}

	if err := s.manager.CheckStackGuard(); err != nil {
		return wire.ReturnValue{}, err
	}

	buf, err := s.manager.ReadGuestFunctionCallResult()
	if err != nil {
		return wire.ReturnValue{}, err
	}
	return wire.DecodeReturnValue(buf)
}

// translateDispatchError turns a terminal abort observed via outb into
// the guest-error-flatbuffer-backed error spec.md §8 scenario 3/6 wants,
// leaving every other error (cancellation, access violation, ...)
// unchanged.
func (s *sandbox) translateDispatchError(err error) error {
	var aborted *errs.GuestAborted
	if !isGuestAborted(err, &aborted) {
		return err
	}
	msg, gerr := s.manager.GetGuestErrorMessage()
	if gerr == nil && len(msg) > 0 {
		if ge, decodeErr := wire.DecodeGuestError(msg); decodeErr == nil && ge.Code == wire.ErrorCodeStackOverflow {
			return fmt.Errorf("%w: %s", errs.ErrGuestStackOverflow, ge.Message)
		}
	}
	return aborted
}

func isGuestAborted(err error, target **errs.GuestAborted) bool {
	for err != nil {
		if a, ok := err.(*errs.GuestAborted); ok {
			*target = a
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// runWithTimeout runs action on its own goroutine and races it against
// maxExecutionTime. On timeout it asks the handler to cancel and races
// the cancellation against the action actually finishing anyway,
// implementing spec.md §4.E's "cancel attempt raced with completion"
// case.
func (s *sandbox) runWithTimeout(action func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- action() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
	}

	s.log.Warn("guest call exceeded max execution time, requesting cancellation")
	cancelDone := make(chan error, 1)
	go func() { cancelDone <- s.handler.TerminateExecution(s.config.MaxWaitForCancellation) }()

	select {
	case actionErr := <-done:
		cancelErr := <-cancelDone
		if cancelErr != nil && actionErr == nil {
			return errs.ErrHypervisorHandlerExecutionCancelAttemptOnFinishedExecution
		}
		return actionErr
	case cancelErr := <-cancelDone:
		actionErr := <-done
		if cancelErr != nil {
			return cancelErr
		}
		return actionErr
	}
}

// handleOutb is the OutbFunc the handler thread invokes on every IoOut
// exit (spec.md §5's "the outb callback... runs on the handler's
// stack"). It multiplexes on the discriminant the guest wrote, per
// ports.go's single-port-plus-action-byte decision.
func (s *sandbox) handleOutb(port uint16, value uint64) error {
	if port != OutbPort {
		return fmt.Errorf("sandbox: unexpected outb port 0x%x", port)
	}
	action, code := decodeOutbAction(value)
	switch action {
	case OutbActionCallFunction:
		return s.handleHostFunctionCall()
	case OutbActionWriteOutput:
		return s.handleGuestLog()
	case OutbActionAbort:
		s.abortCode = &code
		s.log.WithField("code", code).Warn("guest aborted")
		return &errs.GuestAborted{Code: code}
	case OutbActionCallComplete:
		return nil
	default:
		return fmt.Errorf("sandbox: unrecognized outb action %d", action)
	}
}

// handleHostFunctionCall implements spec.md §4.F's dispatch: pop the
// Host-kind FunctionCall the guest pushed, look it up, invoke it, and
// write the ReturnValue back — or, on failure, route the error to the
// host-exception channel instead of killing the dispatch (spec.md §7's
// "any error raised inside a registered host function is captured and
// written to the host-exception channel").
func (s *sandbox) handleHostFunctionCall() error {
	buf, err := s.manager.PopHostFunctionCall()
	if err != nil {
		return err
	}
	call, err := wire.DecodeFunctionCall(buf)
	if err != nil {
		return err
	}

	ret, callErr := s.registry.Dispatch(call)
	if callErr != nil {
		s.log.WithError(callErr).WithField("function", call.Name).Warn("host function call failed")
		return s.manager.WriteOutbError([]byte(callErr.Error()))
	}
	return s.manager.WriteHostFunctionCall(wire.EncodeReturnValue(ret))
}

// handleGuestLog pops a GuestLogData entry and surfaces it through this
// sandbox's own logrus entry at the matching level (SPEC_FULL.md
// supplemented feature 2).
func (s *sandbox) handleGuestLog() error {
	buf, err := s.manager.PopHostFunctionCall()
	if err != nil {
		return err
	}
	entry, err := wire.DecodeGuestLogData(buf)
	if err != nil {
		return err
	}

	logLine := s.log.WithField("guest_source", entry.Source)
	switch entry.Level {
	case wire.LogLevelTrace:
		logLine.Trace(entry.Message)
	case wire.LogLevelDebug:
		logLine.Debug(entry.Message)
	case wire.LogLevelInfo:
		logLine.Info(entry.Message)
	case wire.LogLevelWarn:
		logLine.Warn(entry.Message)
	case wire.LogLevelError:
		logLine.Error(entry.Message)
	default:
		logLine.Info(entry.Message)
	}
	return nil
}

// Close tears down the handler thread, hypervisor driver, and memory
// region, in that order.
func (s *sandbox) Close() error {
	if err := s.handler.Close(); err != nil {
		return err
	}
	return s.manager.Close()
}

// ID returns this sandbox's correlation ID, the value every log line
// emitted during its lifetime carries in the sandbox_id field.
func (s *sandbox) ID() string { return s.id }
