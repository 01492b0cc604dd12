// Package scheduler is the per-pCPU vCPU scheduler spec.md §4.B describes:
// FIFO ready/sleep queues, quantum-driven preemption, and the context
// switch that spills a task's trap frame, system-register bank, vtimer
// mirror, and vGIC CPU-interface mirror before handing the pCPU to the
// next ready task. Grounded on the teacher's one-goroutine-per-vCPU model
// in vmm.VMM.Boot (runtime.LockOSThread, sync.WaitGroup fan-out),
// generalized from "one goroutine owns exactly one vCPU for its lifetime"
// to "one goroutine (pCPU) time-slices N vCPU Tasks".
package scheduler

import (
	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/sysregbank"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vtimer"
)

// VCPU is the subset of *kvmarm.VCPU the scheduler and its context switch
// need. Accepting the interface, not the concrete type, is what lets
// scheduler_test.go exercise queueing and context switch without a real
// KVM handle.
type VCPU interface {
	sysregbank.RegAccessor
	Run() (kvmarm.ExitReason, error)
	Interrupt() error
	// RunData exposes the shared kvm_run page so the hypervisor's run loop
	// can decode MMIO/hypercall/arm_nisv exit detail without widening
	// every other caller of this interface to know about kvm_run.
	RunData() *kvmarm.RunData
}

// State is a Task's position in the CREATE → READY → RUNNING →
// {WAITING | WAIT_IRQ} → READY life cycle (spec.md §3).
type State int

const (
	StateCreate State = iota
	StateReady
	StateRunning
	StateWaiting
	StateWaitIRQ
)

func (s State) String() string {
	switch s {
	case StateCreate:
		return "CREATE"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateWaitIRQ:
		return "WAIT_IRQ"
	default:
		return "UNKNOWN"
	}
}

// SysTaskTick is the fixed quantum (spec.md §4.B "SYS_TASK_TICK"): number
// of timer ticks a task runs before being requeued at the ready tail.
const SysTaskTick = 10

// Task is a schedulable unit bound to exactly one VM and, via Affinity, to
// one or more pCPUs (spec.md §3 "vCPU (task)").
type Task struct {
	ID        int
	VMID      int
	VCPUIndex int
	Name      string

	// Affinity bit i set means this task may run on pCPU i. The scheduler
	// never migrates a task off this mask (spec.md §4.B "can_run_on_core").
	Affinity uint64

	State State

	quantum    int
	sleepUntil uint64

	VCPU  VCPU
	Frame sysregbank.TrapFrame
	Bank  sysregbank.Bank
	Timer *vtimer.VCPUState
	GIC   *vgic.CPUState

	// MPIDR is synthesized (1<<31)|VCPUIndex per spec.md §3, stored here so
	// callers don't recompute it.
	MPIDR uint64
}

// NewTask returns a freshly created task in state CREATE, not yet on any
// ready queue.
func NewTask(id, vmID, vcpuIndex int, name string, affinity uint64, vcpu VCPU, timer *vtimer.VCPUState, gic *vgic.CPUState) *Task {
	return &Task{
		ID:        id,
		VMID:      vmID,
		VCPUIndex: vcpuIndex,
		Name:      name,
		Affinity:  affinity,
		State:     StateCreate,
		quantum:   SysTaskTick,
		VCPU:      vcpu,
		Timer:     timer,
		GIC:       gic,
		MPIDR:     (1 << 31) | uint64(vcpuIndex),
	}
}

// CanRunOnCore implements spec.md §4.B "can_run_on_core": tests bit pcpu
// of affinity.
func CanRunOnCore(affinity uint64, pcpu int) bool {
	if pcpu < 0 || pcpu >= 64 {
		return false
	}

	return affinity&(1<<uint(pcpu)) != 0
}
