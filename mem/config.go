package mem

import "time"

// Defaults from spec.md §6.
const (
	DefaultHostFunctionDefinitionSize = 0x1000   // 4 KiB
	DefaultInputDataSize              = 0x4000   // 16 KiB
	DefaultOutputDataSize             = 0x4000   // 16 KiB
	DefaultHostExceptionSize          = 0x4000   // 16 KiB
	DefaultGuestErrorSize             = 0x400    // 1 KiB
	DefaultHeapSize                   = 0x100000 // 1 MiB
	DefaultStackSize                  = 0x10000  // 64 KiB

	DefaultMaxExecutionTime       = 1000 * time.Millisecond
	DefaultMaxWaitForCancellation = 100 * time.Millisecond

	// DefaultMaxGuestLogLevel mirrors wire.LogLevelInfo's ordinal without
	// importing the wire package here: the guest gates its own log calls
	// against this value before ever writing a GuestLogData entry.
	DefaultMaxGuestLogLevel = 2
)

// SandboxConfiguration is the caller-tunable knobs for a sandbox's
// memory layout and execution limits, built via functional options the
// way the teacher's VirtualMachine constructor takes discrete typed
// arguments rather than one monolithic struct literal.
type SandboxConfiguration struct {
	HostFunctionDefinitionSize uint64
	InputDataSize              uint64
	OutputDataSize             uint64
	HostExceptionSize          uint64
	GuestErrorSize             uint64
	HeapSize                   uint64
	StackSize                  uint64

	MaxExecutionTime       time.Duration
	MaxWaitForCancellation time.Duration

	// MaxGuestLogLevel is handed to the guest at entry as R9 (spec.md
	// §3's entry-state table); the guest compares its own log calls
	// against it before ever trapping out via outb.
	MaxGuestLogLevel uint64
}

// Option mutates a SandboxConfiguration during construction.
type Option func(*SandboxConfiguration)

// NewSandboxConfiguration applies opts on top of spec.md §6's defaults.
func NewSandboxConfiguration(opts ...Option) SandboxConfiguration {
	cfg := SandboxConfiguration{
		HostFunctionDefinitionSize: DefaultHostFunctionDefinitionSize,
		InputDataSize:              DefaultInputDataSize,
		OutputDataSize:             DefaultOutputDataSize,
		HostExceptionSize:          DefaultHostExceptionSize,
		GuestErrorSize:             DefaultGuestErrorSize,
		HeapSize:                   DefaultHeapSize,
		StackSize:                  DefaultStackSize,
		MaxExecutionTime:           DefaultMaxExecutionTime,
		MaxWaitForCancellation:     DefaultMaxWaitForCancellation,
		MaxGuestLogLevel:           DefaultMaxGuestLogLevel,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithHostFunctionDefinitionSize(n uint64) Option {
	return func(c *SandboxConfiguration) { c.HostFunctionDefinitionSize = n }
}

func WithInputDataSize(n uint64) Option {
	return func(c *SandboxConfiguration) { c.InputDataSize = n }
}

func WithOutputDataSize(n uint64) Option {
	return func(c *SandboxConfiguration) { c.OutputDataSize = n }
}

func WithHostExceptionSize(n uint64) Option {
	return func(c *SandboxConfiguration) { c.HostExceptionSize = n }
}

func WithGuestErrorSize(n uint64) Option {
	return func(c *SandboxConfiguration) { c.GuestErrorSize = n }
}

func WithHeapSize(n uint64) Option {
	return func(c *SandboxConfiguration) { c.HeapSize = n }
}

func WithStackSize(n uint64) Option {
	return func(c *SandboxConfiguration) { c.StackSize = n }
}

func WithMaxExecutionTime(d time.Duration) Option {
	return func(c *SandboxConfiguration) { c.MaxExecutionTime = d }
}

func WithMaxWaitForCancellation(d time.Duration) Option {
	return func(c *SandboxConfiguration) { c.MaxWaitForCancellation = d }
}

func WithMaxGuestLogLevel(n uint64) Option {
	return func(c *SandboxConfiguration) { c.MaxGuestLogLevel = n }
}

// LayoutConfig projects the memory-shape fields out of a
// SandboxConfiguration for NewSandboxMemoryLayout.
func (c SandboxConfiguration) LayoutConfig() LayoutConfig {
	return LayoutConfig{
		HostFunctionDefinitionSize: c.HostFunctionDefinitionSize,
		InputDataSize:              c.InputDataSize,
		OutputDataSize:             c.OutputDataSize,
		HostExceptionSize:          c.HostExceptionSize,
		GuestErrorSize:             c.GuestErrorSize,
		HeapSize:                   c.HeapSize,
		StackSize:                  c.StackSize,
	}
}
