package handler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hyperlight/errs"
	"hyperlight/hv"
)

// fakeDriver is a scriptable hv.Driver used to drive the handler's
// run-until-halt loop without a real KVM partition.
type fakeDriver struct {
	mu sync.Mutex

	exits    []hv.Exit
	exitErrs []error
	pos      int

	advanceCalls     int
	cancelCalls      int
	closed           bool
	blockUntilCancel bool
}

func (f *fakeDriver) next() (hv.Exit, error) {
	for {
		f.mu.Lock()
		if f.pos < len(f.exits) {
			e, err := f.exits[f.pos], f.exitErrs[f.pos]
			f.pos++
			f.mu.Unlock()
			return e, err
		}
		if f.blockUntilCancel {
			f.mu.Unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		f.mu.Unlock()
		return hv.Exit{Kind: hv.ExitHalt}, nil
	}
}

func (f *fakeDriver) Initialise(entrypoint, stackTop, pebAddr, seed, pageSize, maxLogLevel uint64) (hv.Exit, error) {
	return f.next()
}

func (f *fakeDriver) DispatchCallFromHost(dispatchAddr uint64) (hv.Exit, error) {
	return f.next()
}

func (f *fakeDriver) Run() (hv.Exit, error) {
	return f.next()
}

func (f *fakeDriver) AdvanceRIP(n uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceCalls++
	return nil
}

func (f *fakeDriver) RequestCancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	f.exits = append(f.exits, hv.Exit{Kind: hv.ExitCancelled})
	f.exitErrs = append(f.exitErrs, nil)
	return nil
}

func (f *fakeDriver) Close() error {
	f.closed = true
	return nil
}

func TestInitialiseRunsUntilHalt(t *testing.T) {
	d := &fakeDriver{exits: []hv.Exit{{Kind: hv.ExitHalt}}, exitErrs: []error{nil}}
	h := New(d, func(port uint16, value uint64) error { return nil })
	defer h.Close()

	err := h.Initialise(InitArgs{Entrypoint: 0x1000, StackTop: 0x2000, PebAddr: 0x3000, Seed: 1, PageSize: 0x1000})
	require.NoError(t, err)
}

func TestIoOutExitInvokesCallbackAndAdvancesRIP(t *testing.T) {
	d := &fakeDriver{
		exits:    []hv.Exit{{Kind: hv.ExitIoOut, Port: 0xd0, Value: 42, InstrLen: 1}, {Kind: hv.ExitHalt}},
		exitErrs: []error{nil, nil},
	}
	var gotPort uint16
	var gotValue uint64
	h := New(d, func(port uint16, value uint64) error {
		gotPort, gotValue = port, value
		return nil
	})
	defer h.Close()

	err := h.Initialise(InitArgs{})
	require.NoError(t, err)
	require.Equal(t, uint16(0xd0), gotPort)
	require.Equal(t, uint64(42), gotValue)
	require.Equal(t, 1, d.advanceCalls)
}

func TestOutbCallbackErrorPropagates(t *testing.T) {
	d := &fakeDriver{exits: []hv.Exit{{Kind: hv.ExitIoOut}}, exitErrs: []error{nil}}
	boom := errors.New("guest wrote bad data")
	h := New(d, func(port uint16, value uint64) error { return boom })
	defer h.Close()

	err := h.Initialise(InitArgs{})
	require.ErrorIs(t, err, boom)
}

func TestMmioExitProducesMemoryAccessViolation(t *testing.T) {
	d := &fakeDriver{exits: []hv.Exit{{Kind: hv.ExitMmio, GPA: 0xdeadb000, MmioWrite: true}}, exitErrs: []error{nil}}
	h := New(d, func(uint16, uint64) error { return nil })
	defer h.Close()

	err := h.DispatchCall(DispatchArgs{DispatchAddr: 0x4000})
	var violation *errs.MemoryAccessViolation
	require.ErrorAs(t, err, &violation)
	require.Equal(t, uint64(0xdeadb000), violation.GPA)
	require.Equal(t, errs.AccessWrite, violation.Attempted)
	require.Equal(t, uint8(0), violation.Allowed)
}

func TestTerminateExecutionSucceedsWhenRunObservesCancellation(t *testing.T) {
	d := &fakeDriver{blockUntilCancel: true}
	h := New(d, func(uint16, uint64) error { return nil })
	defer h.Close()

	done := make(chan error, 1)
	go func() { done <- h.Initialise(InitArgs{}) }()

	time.Sleep(5 * time.Millisecond)
	err := h.TerminateExecution(100 * time.Millisecond)
	require.NoError(t, err)

	initErr := <-done
	require.ErrorIs(t, initErr, errs.ErrExecutionCanceledByHost)
}

func TestCloseTearsDownDriver(t *testing.T) {
	d := &fakeDriver{exits: []hv.Exit{{Kind: hv.ExitHalt}}, exitErrs: []error{nil}}
	h := New(d, func(uint16, uint64) error { return nil })
	require.NoError(t, h.Initialise(InitArgs{}))
	require.NoError(t, h.Close())
	require.True(t, d.closed)
}
