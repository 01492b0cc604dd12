//nolint:paralleltest
package kvmarm_test

import (
	"os"
	"testing"

	"github.com/armhv/armhv/kvmarm"
)

func skipUnlessKVM(t *testing.T) *kvmarm.KVM {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: /dev/kvm unavailable (%v)", err)
	}

	if os.Getuid() != 0 {
		t.Skip("skipping: not root")
	}

	k, err := kvmarm.Open("/dev/kvm")
	if err != nil {
		t.Skipf("skipping: %v", err)
	}

	return k
}

func TestOpenAndCreateVM(t *testing.T) {
	k := skipUnlessKVM(t)

	vm, err := k.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if _, err := vm.CreateVCPU(0); err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
}

func TestGetSetOneRegRoundTrip(t *testing.T) {
	k := skipUnlessKVM(t)

	vm, err := k.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	const want = 0x0000000034d5d91d // an arbitrary SCTLR_EL1 bit pattern
	if err := vcpu.SetOneReg(kvmarm.RegSCTLREL1, want); err != nil {
		t.Fatalf("SetOneReg: %v", err)
	}

	got, err := vcpu.GetOneReg(kvmarm.RegSCTLREL1)
	if err != nil {
		t.Fatalf("GetOneReg: %v", err)
	}

	if got != want {
		t.Errorf("SCTLR_EL1 round-trip = %#x, want %#x", got, want)
	}
}

func TestExitReasonString(t *testing.T) {
	cases := map[kvmarm.ExitReason]string{
		kvmarm.ExitMmio:      "MMIO",
		kvmarm.ExitHlt:       "HLT",
		kvmarm.ExitArmNisv:   "ARM_NISV",
		kvmarm.ExitReason(99): "?",
	}

	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("ExitReason(%d).String() = %q, want %q", reason, got, want)
		}
	}
}
