// Package probe reports what the host's /dev/kvm can actually do before a
// boot is attempted, the way the teacher's probe.CPUID let an operator
// sanity-check a host's CPUID leaves before committing to a guest. On
// AArch64 there is no CPUID equivalent; the analogous question is which
// KVM_CAP_ARM_* extensions KVM_CHECK_EXTENSION reports, since this
// hypervisor's whole design (userspace irqchip, PSCI 0.2, one-reg sysreg
// access) depends on a handful of them being present.
package probe

import (
	"fmt"

	"github.com/armhv/armhv/kvmarm"
)

// KVM capability numbers this hypervisor cares about (include/uapi/linux/kvm.h).
const (
	capUserMemory       = 3
	capOneReg           = 70
	capArmPSCI02        = 87
	capArmSetDeviceAddr = 61
	capImmediateExit    = 136
	capArmVMIPASize     = 165
)

var wantedCaps = []struct {
	name string
	cap  uintptr
}{
	{"KVM_CAP_USER_MEMORY", capUserMemory},
	{"KVM_CAP_ONE_REG", capOneReg},
	{"KVM_CAP_ARM_PSCI_0_2", capArmPSCI02},
	{"KVM_CAP_ARM_SET_DEVICE_ADDR", capArmSetDeviceAddr},
	{"KVM_CAP_IMMEDIATE_EXIT", capImmediateExit},
	{"KVM_CAP_ARM_VM_IPA_SIZE", capArmVMIPASize},
}

// KVMCapabilities opens dev and prints the value of KVM_CHECK_EXTENSION for
// every capability this hypervisor's design leans on: a 0 against
// KVM_CAP_ARM_PSCI_0_2 or KVM_CAP_ONE_REG means the vCPU scheduler and PSCI
// front-end have nothing to stand on, long before a kernel image is loaded.
func KVMCapabilities(dev string) error {
	kvm, err := kvmarm.Open(dev)
	if err != nil {
		return err
	}

	for _, c := range wantedCaps {
		v, err := kvm.CheckExtension(c.cap)
		if err != nil {
			return fmt.Errorf("probe: KVM_CHECK_EXTENSION(%s): %w", c.name, err)
		}

		fmt.Printf("%-28s %d\n", c.name, v)
	}

	return nil
}
