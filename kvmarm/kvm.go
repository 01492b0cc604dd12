package kvmarm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnsupportedExit names an exit reason this layer cannot describe.
	// No function in this package returns it: Run reports every exit
	// reason as-is.
	ErrUnsupportedExit = errors.New("kvmarm: unsupported kvm exit reason")
	// ErrClosed names use of a closed handle. No function in this package
	// returns it, and the handles here have no Close method.
	ErrClosed = errors.New("kvmarm: use of closed handle")
)

// KVM is an open handle to /dev/kvm.
type KVM struct {
	fd uintptr
}

// Open opens the KVM device node (normally "/dev/kvm").
func Open(path string) (*KVM, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kvmarm: open %s: %w", path, err)
	}

	ver, err := ioctl(f.Fd(), kvmGetAPIVersion, 0)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("kvmarm: KVM_GET_API_VERSION: %w", err)
	}

	if ver != 12 {
		f.Close()

		return nil, fmt.Errorf("kvmarm: unexpected KVM API version %d", ver)
	}

	return &KVM{fd: f.Fd()}, nil
}

// CheckExtension reports the value of KVM_CHECK_EXTENSION for cap.
func (k *KVM) CheckExtension(cap uintptr) (int, error) {
	r, err := ioctl(k.fd, kvmCheckExtension, cap)

	return int(r), err
}

// VM is one guest address space plus its vCPUs.
type VM struct {
	fd          uintptr
	kvm         *KVM
	mmapSize    uintptr
	mu          sync.Mutex
	memRegions  []UserspaceMemoryRegion
	nextSlot    uint32
}

// CreateVM creates a new VM on this KVM handle. No in-kernel irqchip is
// created: GICD/GICC accesses must surface to userspace as MMIO exits so
// that vgic (not the kernel) owns interrupt state, per SPEC_FULL.md §0.
func (k *KVM) CreateVM() (*VM, error) {
	fd, err := ioctl(k.fd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmarm: KVM_CREATE_VM: %w", err)
	}

	sz, err := ioctl(k.fd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmarm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	return &VM{fd: fd, kvm: k, mmapSize: sz}, nil
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion installs a region of host memory as guest RAM.
func (vm *VM) SetUserMemoryRegion(gpa uint64, mem []byte) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	r := UserspaceMemoryRegion{
		Slot:          vm.nextSlot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if _, err := ioctl(vm.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&r))); err != nil {
		return fmt.Errorf("kvmarm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vm.nextSlot++
	vm.memRegions = append(vm.memRegions, r)

	return nil
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises or lowers a GSI line known to the kernel irqchip. This
// hypervisor runs without an in-kernel irqchip (see CreateVM); its one
// caller is package vm, which asserts the vPL011's SPI (IRQPL011) through
// it. The other guest-visible virtual interrupts live in package vgic's
// list registers, not in this call.
func (vm *VM) IRQLine(irq uint32, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}

	lv := irqLevel{IRQ: irq, Level: l}
	_, err := ioctl(vm.fd, kvmIRQLine, uintptr(unsafe.Pointer(&lv)))

	return err
}

// VCPUInit mirrors struct kvm_vcpu_init.
type VCPUInit struct {
	Target   uint32
	Features [7]uint32
}

const (
	// FeaturePSCI02 requests PSCI v0.2 semantics from the kernel's reset
	// path; this hypervisor still answers HVC/SMC itself (psci package) —
	// the feature only affects the vcpu's reset register values.
	FeaturePSCI02 = 2
)

// VCPU is one virtual CPU of a VM.
type VCPU struct {
	fd  uintptr
	vm  *VM
	run *RunData
}

// CreateVCPU creates vCPU number id and maps its shared kvm_run page.
func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	fd, err := ioctl(vm.fd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvmarm: KVM_CREATE_VCPU(%d): %w", id, err)
	}

	mem, err := unix.Mmap(int(fd), 0, int(vm.mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kvmarm: mmap kvm_run: %w", err)
	}

	v := &VCPU{fd: fd, vm: vm, run: (*RunData)(unsafe.Pointer(&mem[0]))}

	target := VCPUInit{}
	if _, err := ioctl(vm.fd, kvmArmPreferredTarget, uintptr(unsafe.Pointer(&target))); err != nil {
		return nil, fmt.Errorf("kvmarm: KVM_ARM_PREFERRED_TARGET: %w", err)
	}

	target.Features[0] |= 1 << FeaturePSCI02

	if _, err := ioctl(fd, kvmArmVCPUInit, uintptr(unsafe.Pointer(&target))); err != nil {
		return nil, fmt.Errorf("kvmarm: KVM_ARM_VCPU_INIT(%d): %w", id, err)
	}

	return v, nil
}

// oneReg mirrors struct kvm_one_reg.
type oneReg struct {
	ID   uint64
	Addr uint64
}

// GetOneReg reads one ARM64 system register by its KVM_REG_ARM64 encoded id.
func (v *VCPU) GetOneReg(id uint64) (uint64, error) {
	var val uint64

	r := oneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
	if _, err := ioctl(v.fd, kvmGetOneReg, uintptr(unsafe.Pointer(&r))); err != nil {
		return 0, fmt.Errorf("kvmarm: KVM_GET_ONE_REG(%#x): %w", id, err)
	}

	return val, nil
}

// SetOneReg writes one ARM64 system register by its KVM_REG_ARM64 encoded id.
func (v *VCPU) SetOneReg(id, val uint64) error {
	r := oneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
	if _, err := ioctl(v.fd, kvmSetOneReg, uintptr(unsafe.Pointer(&r))); err != nil {
		return fmt.Errorf("kvmarm: KVM_SET_ONE_REG(%#x): %w", id, err)
	}

	return nil
}

// Interrupt delivers KVM_INTERRUPT to this vCPU. Nothing in this
// repository calls it: the scheduler's remote wake signals the target
// pCPU's wake channel instead, and all virtual-interrupt bookkeeping lives
// in package vgic.
func (v *VCPU) Interrupt() error {
	irq := uint32(1)
	_, err := ioctl(v.fd, kvmInterrupt, uintptr(unsafe.Pointer(&irq)))

	return err
}

// Run executes the guest until the next exit and returns the exit reason.
func (v *VCPU) Run() (ExitReason, error) {
	_, err := ioctl(v.fd, kvmRun, 0)
	reason := ExitReason(v.run.ExitReason)

	if err != nil && reason != ExitIntr {
		return reason, fmt.Errorf("kvmarm: KVM_RUN: %w", err)
	}

	return reason, nil
}

// RunData returns the shared kvm_run structure for inspecting exit detail.
func (v *VCPU) RunData() *RunData {
	return v.run
}
