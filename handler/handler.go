// Package handler runs one hypervisor driver on its own OS thread for
// the lifetime of a sandbox, the way spec.md §4.E's "Hypervisor Handler
// Thread" describes: a single worker owns the driver and is the only
// goroutine allowed to touch vCPU state, so the caller talks to it
// exclusively through an action/response channel pair.
//
// This is grounded on the worker-goroutine-plus-channel shape the
// teacher's VirtualMachine.Run loop uses
// (_examples/BigBossBoolingB-VDATABPro), generalized from "run devices
// until shutdown" to "run one vCPU until halt, dispatching outb exits
// through callbacks."
package handler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"hyperlight/errs"
	"hyperlight/hv"
)

var log = logrus.WithField("subsystem", "handler")

// InitArgs is the payload for an Initialise action.
type InitArgs struct {
	Entrypoint  uint64
	StackTop    uint64
	PebAddr     uint64
	Seed        uint64
	PageSize    uint64
	MaxLogLevel uint64
}

// DispatchArgs is the payload for a DispatchCall action.
type DispatchArgs struct {
	DispatchAddr uint64
}

// Action is a unit of work sent to the handler thread.
type Action struct {
	Init     *InitArgs
	Dispatch *DispatchArgs
}

// Response is what the handler thread sends back after processing one
// Action.
type Response struct {
	Err error
}

// OutbFunc handles one outb exit: port and the little-endian value the
// guest wrote. It runs on the handler's own goroutine/stack, exactly as
// spec.md §5 requires ("the outb callback...runs on the handler's
// stack").
type OutbFunc func(port uint16, value uint64) error

// Handler owns a hv.Driver for one sandbox's entire lifetime.
type Handler struct {
	driver hv.Driver
	outb   OutbFunc

	toHandler   chan Action
	fromHandler chan Response

	terminationStatus atomic.Bool
	runCancelled      atomic.Bool
}

// New starts the handler's worker goroutine over driver, dispatching
// outb exits to outb. The goroutine runs until Close.
func New(driver hv.Driver, outb OutbFunc) *Handler {
	h := &Handler{
		driver:      driver,
		outb:        outb,
		toHandler:   make(chan Action),
		fromHandler: make(chan Response),
	}
	go h.loop()
	return h
}

func (h *Handler) loop() {
	for action := range h.toHandler {
		h.terminationStatus.Store(false)
		h.runCancelled.Store(false)

		var exit hv.Exit
		var err error
		switch {
		case action.Init != nil:
			a := action.Init
			exit, err = h.driver.Initialise(a.Entrypoint, a.StackTop, a.PebAddr, a.Seed, a.PageSize, a.MaxLogLevel)
		case action.Dispatch != nil:
			exit, err = h.driver.DispatchCallFromHost(action.Dispatch.DispatchAddr)
		default:
			err = fmt.Errorf("handler: empty action")
		}
		if err == hv.ErrCancelled {
			h.runCancelled.Store(true)
			err = errs.ErrExecutionCanceledByHost
		} else if err == nil {
			err = h.runUntilHalt(exit)
		}
		if err != nil {
			log.WithError(err).Debug("vcpu action finished with error")
		}
		h.fromHandler <- Response{Err: err}
	}
}

// runUntilHalt drives the vCPU from whatever exit Initialise/Dispatch
// just produced through to Halt, handling IoOut exits inline and
// failing on anything else (spec.md §4.E's run-until-halt loop).
func (h *Handler) runUntilHalt(exit hv.Exit) error {
	for {
		if h.terminationStatus.Load() {
			h.runCancelled.Store(true)
			return errs.ErrExecutionCanceledByHost
		}

		switch exit.Kind {
		case hv.ExitHalt:
			return nil
		case hv.ExitIoOut:
			if err := h.outb(exit.Port, exit.Value); err != nil {
				return err
			}
			if err := h.driver.AdvanceRIP(uint64(exit.InstrLen)); err != nil {
				return err
			}
		case hv.ExitMmio:
			attempted := errs.AccessRead
			if exit.MmioWrite {
				attempted = errs.AccessWrite
			}
			return &errs.MemoryAccessViolation{GPA: exit.GPA, Attempted: attempted, Allowed: 0}
		case hv.ExitCancelled:
			h.runCancelled.Store(true)
			return errs.ErrExecutionCanceledByHost
		case hv.ExitFailEntry:
			return fmt.Errorf("handler: vcpu entry failed")
		default:
			return fmt.Errorf("handler: unexpected vcpu exit %s", exit.Kind)
		}

		var err error
		exit, err = h.driver.Run()
		if err != nil {
			if err == hv.ErrCancelled {
				h.runCancelled.Store(true)
				return errs.ErrExecutionCanceledByHost
			}
			return err
		}
	}
}

// Initialise sends an Initialise action and waits for it to finish.
func (h *Handler) Initialise(a InitArgs) error {
	h.toHandler <- Action{Init: &a}
	return (<-h.fromHandler).Err
}

// DispatchCall sends a DispatchCall action and waits for it to finish.
func (h *Handler) DispatchCall(a DispatchArgs) error {
	h.toHandler <- Action{Dispatch: &a}
	return (<-h.fromHandler).Err
}

// TerminateExecution implements spec.md §4.E's cancellation algorithm:
// store the termination flag, then repeatedly ask the driver to
// interrupt its blocking run until run_cancelled is observed or
// maxWait elapses.
func (h *Handler) TerminateExecution(maxWait time.Duration) error {
	h.terminationStatus.Store(true)

	deadline := time.Now().Add(maxWait)
	attempts := 0
	for time.Now().Before(deadline) {
		if h.runCancelled.Load() {
			return nil
		}
		if err := h.driver.RequestCancel(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrHostFailedToCancelGuestExecution, err)
		}
		attempts++
		time.Sleep(500 * time.Microsecond)
	}
	if h.runCancelled.Load() {
		return nil
	}
	return &errs.HostFailedToCancelGuestExecutionSendingSignals{Attempts: attempts}
}

// Close stops the worker goroutine and tears down the driver. The
// handler must not be used afterward.
func (h *Handler) Close() error {
	close(h.toHandler)
	return h.driver.Close()
}
