//go:build linux

package hv

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers, grounded on
// _examples/tinyrange-cc/internal/hv/kvm/kvm_defs.go (amd64 Linux ABI
// values; this driver only targets that one architecture).
const (
	kvmCreateVm            = 0xae01
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmRun                 = 0xae80
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
)

type kvmExitReason uint32

const (
	kvmExitUnknown    kvmExitReason = 0
	kvmExitIo         kvmExitReason = 2
	kvmExitHlt        kvmExitReason = 5
	kvmExitMmio       kvmExitReason = 6
	kvmExitShutdown   kvmExitReason = 8
	kvmExitFailEntry  kvmExitReason = 9
	kvmExitInternal   kvmExitReason = 17
	kvmExitSystemEvnt kvmExitReason = 24
)

// register/memory ABI structs, grounded on
// _examples/tinyrange-cc/internal/hv/kvm/kvm_abi_linux_amd64.go and
// kvm_abi_linux.go.
type kvmRegs struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rsp, Rbp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip, Rflags           uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

const kvmNrInterrupts = 256

type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss kvmSegment
	Tr, Ldt                kvmSegment
	Gdt, Idt               kvmDTable
	Cr0                    uint64
	Cr2                    uint64
	Cr3                    uint64
	Cr4                    uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const syncRegsSizeBytes = 2048

type kvmRunData struct {
	requestInterruptWindow    uint8
	immediateExit             uint8
	padding1                  [6]uint8
	exitReason                uint32
	readyForInterruptInjection uint8
	ifFlag                    uint8
	flags                     uint16
	cr8                       uint64
	apicBase                  uint64
	anon0                     [256]byte
	kvmValidRegs              uint64
	kvmDirtyRegs              uint64
	s                         struct{ padding [syncRegsSizeBytes]byte }
}

type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

// kvmExitMmioData mirrors kvm_run's mmio union: the guest physical
// address it faulted on, the access width/direction, and the data it
// was trying to read or write. This sandbox maps no device MMIO, so
// every KVM_EXIT_MMIO is the guest touching a GPA outside its one
// mapped region.
type kvmExitMmioData struct {
	physAddr uint64
	data     [8]uint8
	length   uint32
	isWrite  uint8
}

// Long-mode control-register bits, grounded on the same file's
// SetLongModeWithSelectors.
const (
	cr0PE = 1
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func ioctlRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v, err
	}
}

func init() {
	// The vCPU thread is interrupted out of a blocking KVM_RUN by
	// sending it SIGUSR1 (RequestCancel). KVM_RUN unconditionally
	// returns EINTR when a signal is pending for the calling thread,
	// but a signal delivered to SIG_IGN is never "pending" in that
	// sense — it has to reach an actual handler. signal.Notify installs
	// one; the channel is deliberately never read; its only job is to
	// keep SIGUSR1 from killing the process while still making it
	// observable to the pending-signal check inside the kernel.
	signal.Notify(make(chan os.Signal, 1), syscall.SIGUSR1)
}

// kvmDriver is the KVM-backed Driver: one partition, one vCPU, one
// guest physical address space backed by a host byte slice the caller
// already sized and filled (mem.SharedMemoryRegion.Slice()).
type kvmDriver struct {
	devFd  int
	vmFd   int
	vcpuFd int
	run    []byte

	guestMem    []byte
	guestPhys   uint64
	runnerTid   int32
	cancelled   int32
}

// Open creates a new KVM partition mapping guestMem at guest physical
// address guestPhys, and a single vCPU over it.
func Open(guestMem []byte, guestPhys uint64) (Driver, error) {
	devFd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %v", ErrNoHypervisorFound, err)
	}

	vmFdRaw, err := ioctlRetry(uintptr(devFd), kvmCreateVm, 0)
	if err != nil {
		unix.Close(devFd)
		return nil, fmt.Errorf("%w: create vm: %v", ErrNoHypervisorFound, err)
	}
	vmFd := int(vmFdRaw)

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: guestPhys,
		MemorySize:    uint64(len(guestMem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&guestMem[0]))),
	}
	if _, err := ioctlRetry(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		unix.Close(vmFd)
		unix.Close(devFd)
		return nil, fmt.Errorf("hv: set user memory region: %w", err)
	}

	vcpuFdRaw, err := ioctlRetry(uintptr(vmFd), kvmCreateVcpu, 0)
	if err != nil {
		unix.Close(vmFd)
		unix.Close(devFd)
		return nil, fmt.Errorf("hv: create vcpu: %w", err)
	}
	vcpuFd := int(vcpuFdRaw)

	mmapSizeRaw, err := ioctlRetry(uintptr(devFd), kvmGetVcpuMmapSize, 0)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		unix.Close(devFd)
		return nil, fmt.Errorf("hv: get vcpu mmap size: %w", err)
	}

	run, err := unix.Mmap(vcpuFd, 0, int(mmapSizeRaw), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		unix.Close(devFd)
		return nil, fmt.Errorf("hv: mmap vcpu run struct: %w", err)
	}

	return &kvmDriver{
		devFd:     devFd,
		vmFd:      vmFd,
		vcpuFd:    vcpuFd,
		run:       run,
		guestMem:  guestMem,
		guestPhys: guestPhys,
	}, nil
}

func (d *kvmDriver) getSregs() (kvmSRegs, error) {
	var sregs kvmSRegs
	_, err := ioctlRetry(uintptr(d.vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	return sregs, err
}

func (d *kvmDriver) setSregs(sregs *kvmSRegs) error {
	_, err := ioctlRetry(uintptr(d.vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

func (d *kvmDriver) getRegs() (kvmRegs, error) {
	var regs kvmRegs
	_, err := ioctlRetry(uintptr(d.vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	return regs, err
}

func (d *kvmDriver) setRegs(regs *kvmRegs) error {
	_, err := ioctlRetry(uintptr(d.vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// setLongMode programs CR0/CR4/EFER and flat 64-bit CS/DS..SS the way
// kvm_amd64.go's SetLongModeWithSelectors does, except CR3 points at
// page tables the caller already wrote into guest memory (mem.Manager
// builds them; this driver never constructs its own).
func (d *kvmDriver) setLongMode(pml4GuestAddr uint64) error {
	sregs, err := d.getSregs()
	if err != nil {
		return err
	}

	sregs.Cr3 = pml4GuestAddr
	sregs.Cr4 |= cr4PAE
	sregs.Cr0 |= cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.Efer = eferLME | eferLMA

	code := kvmSegment{
		Base: 0, Limit: 0xffffffff, Selector: 1 << 3,
		Present: 1, Type: 11, Dpl: 0, Db: 0, S: 1, L: 1, G: 1,
	}
	data := code
	data.Type = 3
	data.L = 0
	data.Db = 1
	data.Selector = 2 << 3

	sregs.Cs = code
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	return d.setSregs(&sregs)
}

func (d *kvmDriver) Initialise(entrypoint, stackTop, pebAddr, seed, pageSize, maxLogLevel uint64) (Exit, error) {
	pml4GuestAddr := d.guestPhys
	if err := d.setLongMode(pml4GuestAddr); err != nil {
		return Exit{}, err
	}

	regs := kvmRegs{
		Rip:    entrypoint,
		Rsp:    stackTop,
		Rcx:    pebAddr,
		Rdx:    seed,
		R8:     pageSize,
		R9:     maxLogLevel,
		Rflags: 0x2,
	}
	if err := d.setRegs(&regs); err != nil {
		return Exit{}, err
	}
	return d.Run()
}

func (d *kvmDriver) DispatchCallFromHost(dispatchAddr uint64) (Exit, error) {
	regs, err := d.getRegs()
	if err != nil {
		return Exit{}, err
	}
	savedRsp := regs.Rsp
	regs.Rip = dispatchAddr
	if err := d.setRegs(&regs); err != nil {
		return Exit{}, err
	}

	exit, runErr := d.Run()

	regs, err = d.getRegs()
	if err != nil {
		return exit, err
	}
	regs.Rsp = savedRsp
	if err := d.setRegs(&regs); err != nil {
		return exit, err
	}
	return exit, runErr
}

func (d *kvmDriver) Run() (Exit, error) {
	runData := (*kvmRunData)(unsafe.Pointer(&d.run[0]))
	runData.immediateExit = 0

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	atomic.StoreInt32(&d.runnerTid, int32(unix.Gettid()))
	defer atomic.StoreInt32(&d.runnerTid, 0)

	for {
		_, err := ioctl(uintptr(d.vcpuFd), kvmRun, 0)
		if err == unix.EINTR {
			if atomic.LoadInt32(&d.cancelled) != 0 {
				atomic.StoreInt32(&d.cancelled, 0)
				return Exit{Kind: ExitCancelled}, ErrCancelled
			}
			continue
		}
		if err != nil {
			return Exit{}, fmt.Errorf("hv: KVM_RUN: %w", err)
		}
		break
	}

	reason := kvmExitReason(runData.exitReason)
	switch reason {
	case kvmExitHlt, kvmExitShutdown, kvmExitSystemEvnt:
		return Exit{Kind: ExitHalt}, nil
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&runData.anon0[0]))
		var value uint64
		data := d.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)]
		for i, b := range data {
			value |= uint64(b) << (8 * i)
		}
		// The guest's outb trampoline always uses the DX-addressed
		// encoding (`out dx, al`/`out dx, eax`), a single-byte opcode,
		// so instr_len is always 1 — KVM's kvm_run struct carries no
		// instruction-length field for KVM_EXIT_IO to read instead.
		return Exit{
			Kind:     ExitIoOut,
			Port:     ioData.port,
			Value:    value,
			InstrLen: 1,
		}, nil
	case kvmExitMmio:
		mmio := (*kvmExitMmioData)(unsafe.Pointer(&runData.anon0[0]))
		return Exit{Kind: ExitMmio, GPA: mmio.physAddr, MmioWrite: mmio.isWrite != 0}, nil
	case kvmExitFailEntry:
		return Exit{Kind: ExitFailEntry}, &FailEntryError{}
	default:
		return Exit{Kind: ExitUnknown}, fmt.Errorf("hv: unexpected KVM exit reason %d", reason)
	}
}

// AdvanceRIP moves RIP forward by n bytes — the handler calls this
// after servicing an IoOut exit, per spec.md §5's "advances RIP by
// instr_len".
func (d *kvmDriver) AdvanceRIP(n uint64) error {
	regs, err := d.getRegs()
	if err != nil {
		return err
	}
	regs.Rip += n
	return d.setRegs(&regs)
}

func (d *kvmDriver) RequestCancel() error {
	atomic.StoreInt32(&d.cancelled, 1)
	tid := atomic.LoadInt32(&d.runnerTid)
	if tid == 0 {
		return nil
	}
	runData := (*kvmRunData)(unsafe.Pointer(&d.run[0]))
	runData.immediateExit = 1
	return unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
}

func (d *kvmDriver) Close() error {
	if d.run != nil {
		_ = unix.Munmap(d.run)
	}
	_ = unix.Close(d.vcpuFd)
	_ = unix.Close(d.vmFd)
	return unix.Close(d.devFd)
}
