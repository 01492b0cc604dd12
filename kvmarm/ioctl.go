// Package kvmarm is the platform access layer: it owns every ioctl, mmap,
// and raw syscall this hypervisor issues against Linux's /dev/kvm on
// AArch64, and nothing else. Everything above this package talks to VMs,
// vCPUs and system registers through Go types; nothing above this package
// knows an ioctl number.
package kvmarm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux ioctl request encoding (include/uapi/asm-generic/ioctl.h), re-derived
// here instead of hand-listing every constant so the KVM_ARM_* numbers below
// are easy to check against the kernel headers they come from.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func io(nr uintptr) uintptr          { return ioc(iocNone, nr, 0) }
func iow(nr, size uintptr) uintptr   { return ioc(iocWrite, nr, size) }
func ior(nr, size uintptr) uintptr   { return ioc(iocRead, nr, size) }
func iowr(nr, size uintptr) uintptr  { return ioc(iocWrite|iocRead, nr, size) }

// KVM ioctls, generic across architectures.
var (
	kvmGetAPIVersion       = io(0x00)
	kvmCreateVM            = io(0x01)
	kvmCheckExtension      = io(0x03)
	kvmGetVCPUMMapSize     = io(0x04)
	kvmCreateVCPU          = io(0x41)
	kvmRun                 = io(0x80)
	kvmSetUserMemoryRegion = iow(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kvmIRQLine             = iow(0x61, unsafe.Sizeof(irqLevel{}))
	kvmGetOneReg           = iow(0xab, unsafe.Sizeof(oneReg{}))
	kvmSetOneReg           = iow(0xac, unsafe.Sizeof(oneReg{}))
	kvmInterrupt           = iow(0x86, unsafe.Sizeof(uint32(0)))
)

// KVM ioctls specific to the ARM64 vcpu-init / one-reg interface.
var (
	kvmArmVCPUInit        = iow(0xae, unsafe.Sizeof(VCPUInit{}))
	kvmArmPreferredTarget = ior(0xaf, unsafe.Sizeof(VCPUInit{}))
)

func ioctl(fd, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return 0, errno
	}

	return r, nil
}
