package dispatch_test

import (
	"testing"

	"github.com/armhv/armhv/dispatch"
	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/stage2"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vpl011"
	"github.com/armhv/armhv/vtimer"
)

type fakeVCPU struct {
	regs map[uint64]uint64
}

func newFakeVCPU() *fakeVCPU { return &fakeVCPU{regs: map[uint64]uint64{}} }

func (f *fakeVCPU) GetOneReg(id uint64) (uint64, error) { return f.regs[id], nil }

func (f *fakeVCPU) SetOneReg(id, val uint64) error {
	f.regs[id] = val

	return nil
}

func (f *fakeVCPU) Run() (kvmarm.ExitReason, error) { return kvmarm.ExitMmio, nil }
func (f *fakeVCPU) Interrupt() error                { return nil }
func (f *fakeVCPU) RunData() *kvmarm.RunData        { return &kvmarm.RunData{} }

func newTestTask() *scheduler.Task {
	return scheduler.NewTask(1, 0, 0, "vcpu0", 1, newFakeVCPU(), &vtimer.VCPUState{}, vgic.NewCPUState())
}

type countingIRQ struct{}

func (countingIRQ) InjectUARTIRQ() error { return nil }

func newRouter() *stage2.Router {
	return stage2.NewRouter("vm0", vgic.NewDistState(), vpl011.New(countingIRQ{}, nil))
}

func TestDispatchHVCCallsPSCIAndAdvancesPC(t *testing.T) {
	t.Parallel()

	task := newTestTask()
	task.VCPU.SetOneReg(kvmarm.RegPC, 0x1000)

	view := &dispatch.TaskView{Task: task}

	var gotFID uint64

	psci := func(caller *scheduler.Task, fid, x1, x2, x3 uint64) uint64 {
		gotFID = fid

		return 0x2
	}

	exit := dispatch.ExitKind{Kind: dispatch.ExitKindHypercall, FID: 0x84000000}

	_, err := dispatch.Dispatch(view, exit, 0, newRouter(), psci)
	if err != nil {
		t.Fatal(err)
	}

	if gotFID != 0x84000000 {
		t.Errorf("psci saw fid=%#x, want PSCI_VERSION", gotFID)
	}

	x0, _ := task.VCPU.GetOneReg(kvmarm.RegX(0))
	if x0 != 0x2 {
		t.Errorf("X0 = %#x, want 0x2 (PSCI v0.2)", x0)
	}

	pc, _ := task.VCPU.GetOneReg(kvmarm.RegPC)
	if pc != 0x1004 {
		t.Errorf("PC = %#x, want 0x1004", pc)
	}
}

func TestDispatchWFITransitionsToWaitIRQAndYields(t *testing.T) {
	t.Parallel()

	task := newTestTask()
	view := &dispatch.TaskView{Task: task}

	esr := dispatch.ESR(uint64(dispatch.ECWFx) << 26)

	exit := dispatch.ExitKind{Kind: dispatch.ExitKindException}

	result, err := dispatch.Dispatch(view, exit, esr, newRouter(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Yield {
		t.Errorf("expected WFI to yield the pCPU")
	}

	if task.State != scheduler.StateWaitIRQ {
		t.Errorf("state = %v, want WAIT_IRQ", task.State)
	}
}

func TestDispatchIllegalStateIsFatal(t *testing.T) {
	t.Parallel()

	task := newTestTask()
	view := &dispatch.TaskView{Task: task}

	esr := dispatch.ESR(uint64(dispatch.ECIllegalState) << 26)
	exit := dispatch.ExitKind{Kind: dispatch.ExitKindException}

	_, err := dispatch.Dispatch(view, exit, esr, newRouter(), nil)
	if err == nil {
		t.Fatalf("expected fatal error for illegal execution state")
	}
}

func TestDispatchMMIOReadReturnsValueInX0(t *testing.T) {
	t.Parallel()

	task := newTestTask()
	view := &dispatch.TaskView{Task: task}

	router := newRouter()

	exit := dispatch.ExitKind{
		Kind:       dispatch.ExitKindMMIO,
		GPA:        kvmarm.PL011Base + vpl011.OffsetFR,
		AccessSize: 4,
	}

	_, err := dispatch.Dispatch(view, exit, 0, router, nil)
	if err != nil {
		t.Fatal(err)
	}

	x0, _ := task.VCPU.GetOneReg(kvmarm.RegX(0))
	if x0&0x80 == 0 {
		t.Errorf("expected FR.TXFE bit set on a fresh PL011, got %#x", x0)
	}
}
