package scheduler_test

import (
	"testing"

	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/vgic"
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

func (f *fakeVCPU) Run() (kvmarm.ExitReason, error)      { return kvmarm.ExitMmio, nil }
func (f *fakeVCPU) Interrupt() error                     { return nil }
func (f *fakeVCPU) RunData() *kvmarm.RunData              { return &kvmarm.RunData{} }

func newTestTask(id int, affinity uint64) *scheduler.Task {
	return scheduler.NewTask(id, 0, id, "vcpu", affinity, newFakeVCPU(), &vtimer.VCPUState{}, vgic.NewCPUState())
}

func TestReadyFIFOOrder(t *testing.T) {
	t.Parallel()

	idle := newTestTask(0, 1)
	p := scheduler.NewPCPU(0, idle)

	a := newTestTask(1, 1)
	b := newTestTask(2, 1)

	p.AddReadyTail(a)
	p.AddReadyTail(b)

	got, err := p.Schedule(0)
	if err != nil {
		t.Fatal(err)
	}

	if got != a {
		t.Fatalf("first scheduled task = %v, want a", got)
	}

	p.AddReadyTail(got) // simulate quantum expiry requeue

	got2, err := p.Schedule(0)
	if err != nil {
		t.Fatal(err)
	}

	if got2 != b {
		t.Fatalf("second scheduled task = %v, want b", got2)
	}
}

func TestScheduleIdleWhenEmpty(t *testing.T) {
	t.Parallel()

	idle := newTestTask(0, 1)
	p := scheduler.NewPCPU(0, idle)

	got, err := p.Schedule(0)
	if err != nil {
		t.Fatal(err)
	}

	if got != idle {
		t.Fatalf("expected idle task when ready queue empty")
	}
}

func TestSetSleepAndWakeup(t *testing.T) {
	t.Parallel()

	idle := newTestTask(0, 1)
	p := scheduler.NewPCPU(0, idle)

	task := newTestTask(1, 1)
	p.SetSleep(task, 100)

	if task.State != scheduler.StateWaiting {
		t.Fatalf("state = %v, want WAITING", task.State)
	}

	if reschedule := p.Tick(50); reschedule {
		t.Fatalf("should not reschedule before wake tick")
	}

	if task.State != scheduler.StateWaiting {
		t.Fatalf("task should still be WAITING at tick 50")
	}

	p.Tick(100)

	if task.State != scheduler.StateReady {
		t.Fatalf("task should be READY once wake tick has passed")
	}

	got, err := p.Schedule(100)
	if err != nil {
		t.Fatal(err)
	}

	if got != task {
		t.Fatalf("expected woken task to be scheduled")
	}
}

func TestRemoteWakeupSendsIPI(t *testing.T) {
	t.Parallel()

	idle := newTestTask(0, 1)
	p := scheduler.NewPCPU(1, idle)

	task := newTestTask(1, 2)
	p.SetSleep(task, 10)
	p.Wakeup(task)

	select {
	case <-p.WakeChannel():
	default:
		t.Fatalf("expected IPI_SCHED notification on wake channel")
	}

	if task.State != scheduler.StateReady {
		t.Fatalf("state = %v, want READY", task.State)
	}
}

func TestCanRunOnCore(t *testing.T) {
	t.Parallel()

	const affinity = 1<<0 | 1<<2

	if !scheduler.CanRunOnCore(affinity, 0) {
		t.Errorf("pcpu 0 should be permitted")
	}

	if scheduler.CanRunOnCore(affinity, 1) {
		t.Errorf("pcpu 1 should not be permitted")
	}

	if !scheduler.CanRunOnCore(affinity, 2) {
		t.Errorf("pcpu 2 should be permitted")
	}
}

func TestQuantumExpiryRequeues(t *testing.T) {
	t.Parallel()

	idle := newTestTask(0, 1)
	p := scheduler.NewPCPU(0, idle)

	a := newTestTask(1, 1)
	b := newTestTask(2, 1)
	p.AddReadyTail(a)
	p.AddReadyTail(b)

	cur, err := p.Schedule(0)
	if err != nil {
		t.Fatal(err)
	}

	if cur != a {
		t.Fatalf("expected a to run first")
	}

	var reschedule bool

	for i := 0; i < scheduler.SysTaskTick; i++ {
		if p.Tick(uint64(i)) {
			reschedule = true
		}
	}

	if !reschedule {
		t.Fatalf("expected quantum expiry after SysTaskTick ticks")
	}

	p.Requeue()

	next, err := p.Schedule(uint64(scheduler.SysTaskTick))
	if err != nil {
		t.Fatal(err)
	}

	if next != b {
		t.Fatalf("expected b to run after a's quantum expired, got %v", next)
	}
}
