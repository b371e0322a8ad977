package sandbox

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"hyperlight/handler"
	"hyperlight/hv"
)

// blockingDriver is a minimal hv.Driver whose Initialise blocks until
// unblock is closed (by RequestCancel or by the test), used to exercise runWithTimeout's
// cancel-races-completion logic without real KVM.
type blockingDriver struct {
	mu        sync.Mutex
	cancelled bool
	unblock   chan struct{}
}

func newBlockingDriver() *blockingDriver {
	return &blockingDriver{unblock: make(chan struct{})}
}

func (d *blockingDriver) Initialise(entrypoint, stackTop, pebAddr, seed, pageSize, maxLogLevel uint64) (hv.Exit, error) {
	<-d.unblock
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return hv.Exit{Kind: hv.ExitCancelled}, nil
	}
	return hv.Exit{Kind: hv.ExitHalt}, nil
}

func (d *blockingDriver) DispatchCallFromHost(dispatchAddr uint64) (hv.Exit, error) {
	return hv.Exit{Kind: hv.ExitHalt}, nil
}

func (d *blockingDriver) Run() (hv.Exit, error) { return hv.Exit{Kind: hv.ExitHalt}, nil }

func (d *blockingDriver) AdvanceRIP(n uint64) error { return nil }

func (d *blockingDriver) RequestCancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return nil
	}
	d.cancelled = true
	close(d.unblock)
	return nil
}

func (d *blockingDriver) Close() error { return nil }

func newTestSandbox(t *testing.T, driver hv.Driver) *sandbox {
	t.Helper()
	return &sandbox{
		id:      "test",
		log:     logrus.WithField("test", true),
		handler: handler.New(driver, func(uint16, uint64) error { return nil }),
	}
}

func TestRunWithTimeoutReturnsNilOnFastCompletion(t *testing.T) {
	d := newBlockingDriver()
	s := newTestSandbox(t, d)
	defer s.handler.Close()

	go func() { time.Sleep(time.Millisecond); close(d.unblock) }()

	err := s.runWithTimeout(func() error {
		return s.handler.Initialise(handler.InitArgs{})
	}, time.Second)
	require.NoError(t, err)
}

func TestRunWithTimeoutCancelsSlowAction(t *testing.T) {
	d := newBlockingDriver()
	s := newTestSandbox(t, d)
	defer s.handler.Close()
	s.config.MaxWaitForCancellation = time.Second

	err := s.runWithTimeout(func() error {
		return s.handler.Initialise(handler.InitArgs{})
	}, 5*time.Millisecond)
	require.Error(t, err)
}
