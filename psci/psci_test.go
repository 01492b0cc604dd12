package psci_test

import (
	"testing"

	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/psci"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vtimer"
)

type fakeVCPU struct{ regs map[uint64]uint64 }

func newFakeVCPU() *fakeVCPU { return &fakeVCPU{regs: map[uint64]uint64{}} }

func (f *fakeVCPU) GetOneReg(id uint64) (uint64, error) { return f.regs[id], nil }
func (f *fakeVCPU) SetOneReg(id, val uint64) error      { f.regs[id] = val; return nil }
func (f *fakeVCPU) Run() (kvmarm.ExitReason, error)     { return kvmarm.ExitMmio, nil }
func (f *fakeVCPU) Interrupt() error                    { return nil }
func (f *fakeVCPU) RunData() *kvmarm.RunData            { return &kvmarm.RunData{} }

type fakeVM struct {
	tasks map[uint64]*scheduler.Task
	pcpu  *scheduler.PCPU
}

func (f *fakeVM) TaskByMPIDR(target uint64) (*scheduler.Task, *scheduler.PCPU, bool) {
	t, ok := f.tasks[target]

	return t, f.pcpu, ok
}

func newSecondary() *scheduler.Task {
	return scheduler.NewTask(1, 0, 1, "vcpu1", 0x2, newFakeVCPU(), &vtimer.VCPUState{}, vgic.NewCPUState())
}

func TestVersionReturnsPSCIv0_2(t *testing.T) {
	t.Parallel()

	caller := newSecondary()
	got := psci.Dispatch(&fakeVM{}, caller, psci.FIDVersion, 0, 0, 0)

	if got != psci.Version0Dot2 {
		t.Errorf("PSCI_VERSION = %#x, want %#x", got, psci.Version0Dot2)
	}
}

func TestMigrateInfoType(t *testing.T) {
	t.Parallel()

	caller := newSecondary()
	got := psci.Dispatch(&fakeVM{}, caller, psci.FIDMigrateInfoType, 0, 0, 0)

	if got != psci.TOSMP {
		t.Errorf("MIGRATE_INFO_TYPE = %d, want TOS_MP=%d", got, psci.TOSMP)
	}
}

func TestUnsupportedFunction(t *testing.T) {
	t.Parallel()

	caller := newSecondary()
	got := psci.Dispatch(&fakeVM{}, caller, 0x12345678, 0, 0, 0)

	if got != psci.NotSupported {
		t.Errorf("unknown fid = %#x, want NOT_SUPPORTED", got)
	}
}

func TestCPUOnWakesSecondaryExactlyOnce(t *testing.T) {
	t.Parallel()

	secondary := newSecondary()
	idle := scheduler.NewTask(0, 0, 0, "idle", 0xFF, newFakeVCPU(), &vtimer.VCPUState{}, vgic.NewCPUState())
	pcpu := scheduler.NewPCPU(1, idle)

	vm := &fakeVM{tasks: map[uint64]*scheduler.Task{1: secondary}, pcpu: pcpu}
	caller := newSecondary()

	got := psci.Dispatch(vm, caller, psci.FIDCPUOn64, 1, 0x40080000, 0xCAFE)
	if got != psci.Success {
		t.Fatalf("first CPU_ON = %#x, want SUCCESS", got)
	}

	if secondary.State != scheduler.StateReady {
		t.Errorf("secondary state = %v, want READY", secondary.State)
	}

	elr, _ := secondary.VCPU.GetOneReg(kvmarm.RegPC)
	if elr != 0x40080000 {
		t.Errorf("ELR = %#x, want 0x40080000", elr)
	}

	x0, _ := secondary.VCPU.GetOneReg(kvmarm.RegX(0))
	if x0 != 0xCAFE {
		t.Errorf("X0 = %#x, want 0xCAFE", x0)
	}

	got2 := psci.Dispatch(vm, caller, psci.FIDCPUOn64, 1, 0x40080000, 0xCAFE)
	if got2 != psci.AlreadyOn {
		t.Errorf("second CPU_ON = %#x, want ALREADY_ON", got2)
	}
}

func TestCPUOnUnknownTarget(t *testing.T) {
	t.Parallel()

	caller := newSecondary()
	got := psci.Dispatch(&fakeVM{tasks: map[uint64]*scheduler.Task{}}, caller, psci.FIDCPUOn64, 99, 0, 0)

	if got != psci.NotSupported {
		t.Errorf("unknown target = %#x, want NOT_SUPPORTED", got)
	}
}
