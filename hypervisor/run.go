package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/armhv/armhv/dispatch"
	"github.com/armhv/armhv/fatal"
	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/sysregbank"
	"github.com/armhv/armhv/vm"
	"github.com/armhv/armhv/vtimer"
)

// errGuestHalted marks a kvm_run exit this VMM treats as "this task is
// done, don't requeue it" rather than a pCPU-wide fatal condition.
var errGuestHalted = errors.New("hypervisor: guest halted")

// runPCPU is one pCPU's scheduler loop (spec.md §4.B "schedule()" driven
// to completion): pick the next ready task, run its vCPU until the next
// KVM_RUN exit, dispatch that exit, and decide whether the task goes back
// to the ready tail. Grounded on the teacher's Machine.RunOnce inner loop,
// generalized from "one vCPU forever" to "whichever task is ready next".
func (s *State) runPCPU(ctx context.Context, p *scheduler.PCPU) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for ctx.Err() == nil {
		task, err := p.Schedule(s.physNow.Load())
		if err != nil {
			log.Printf("hypervisor: pcpu%d: schedule: %v", p.ID, err)

			continue
		}

		if p.IsIdle(task) {
			s.idleWait(ctx, p)

			continue
		}

		reason, err := task.VCPU.Run()
		if err != nil {
			log.Printf("hypervisor: pcpu%d: %s: Run: %v", p.ID, task.Name, err)
			p.Requeue()

			continue
		}

		s.tick(p)

		yield, err := s.handleExit(p, task, reason)
		if err != nil {
			if errors.Is(err, errGuestHalted) {
				log.Printf("hypervisor: pcpu%d: %s: %v", p.ID, task.Name, err)

				continue
			}

			s.haltOn(p, task, err)

			return
		}

		if !yield {
			p.Requeue()
		}

		s.wakeReadyIRQTasks(p)
	}
}

// haltOn implements spec.md §7's FatalCpu response: spill the task's trap
// frame so fatal.Halt has real register values to log, then park.
func (s *State) haltOn(p *scheduler.PCPU, task *scheduler.Task, cause error) {
	var frame sysregbank.TrapFrame
	if err := frame.Save(task.VCPU); err != nil {
		log.Printf("hypervisor: pcpu%d: %s: frame.Save during halt: %v", p.ID, task.Name, err)
	}

	esr, _ := task.VCPU.GetOneReg(kvmarm.RegESR)

	fatal.Halt(p.ID, cause.Error(), esr, &frame)
}

// idleWait blocks the pCPU goroutine while its ready queue is empty,
// waking on ctx cancellation, a remote wakeup's IPI_SCHED (PCPU.notify),
// or the next tick boundary — the Go analogue of a real core executing
// WFI and waiting for an interrupt (spec.md §4.B).
func (s *State) idleWait(ctx context.Context, p *scheduler.PCPU) {
	select {
	case <-ctx.Done():
	case <-p.WakeChannel():
	case <-time.After(s.tickInterval):
		s.tick(p)
		s.wakeReadyIRQTasks(p)
	}
}

// tick advances the shared physical counter (physNow) by one and drives both halves
// of spec.md's timer-tick handler for pcpu's own tasks: PCPU.Tick's
// quantum/sleep-queue bookkeeping, and vtimer.Tick's fire-and-inject pass
// (spec.md §4.G). A task whose quantum has just expired is still
// requeued by runPCPU's normal per-exit path rather than here — with one
// KVM_RUN burst handled per scheduling turn, quantum expiry is a second,
// redundant bound against a vCPU that traps unusually slowly; it never
// needs to short-circuit a burst already in flight.
func (s *State) tick(p *scheduler.PCPU) {
	now := s.physNow.Add(1)

	p.Tick(now)

	s.forEachVM(func(v *vm.VM) {
		tasks := v.TasksOn(p)
		if len(tasks) == 0 {
			return
		}

		timers := make([]*vtimer.VCPUState, len(tasks))
		byTimer := make(map[*vtimer.VCPUState]*scheduler.Task, len(tasks))

		for i, t := range tasks {
			timers[i] = t.Timer
			byTimer[t.Timer] = t
		}

		guestNow := v.Timer.GuestCounter(now)

		vtimer.Tick(timers, guestNow, func(ts *vtimer.VCPUState) {
			t := byTimer[ts]

			if err := t.GIC.InjectPPI(kvmarm.IRQVirtTimer, p.Current() == t); err != nil {
				log.Printf("hypervisor: pcpu%d: %s: vtimer inject: %v", p.ID, t.Name, err)
			}
		})
	})
}

// wakeReadyIRQTasks implements the other half of spec.md §4.F's WFI
// contract: a task parked in WAIT_IRQ by dispatch's WFx handler is moved
// back to its pCPU's ready queue once its vGIC state actually has
// something reflected for it to consume.
func (s *State) wakeReadyIRQTasks(p *scheduler.PCPU) {
	s.forEachVM(func(v *vm.VM) {
		for _, t := range v.TasksOn(p) {
			if t.State == scheduler.StateWaitIRQ && t.GIC.HasReflectedIRQ() {
				p.Wakeup(t)
			}
		}
	})
}

// handleExit decides, for one KVM_RUN exit, whether it needs the full
// dispatch.Dispatch treatment or is one of the coarser VMM-lifecycle
// exits (shutdown, internal error, an interrupted KVM_RUN)
// that never reach the dispatcher at all.
func (s *State) handleExit(p *scheduler.PCPU, task *scheduler.Task, reason kvmarm.ExitReason) (yield bool, err error) {
	switch reason {
	case kvmarm.ExitIntr:
		// KVM_RUN returned early with no guest exit to handle (kvmarm.VCPU.Run
		// reports it without an error) — nothing to dispatch, the task
		// simply resumes.
		return false, nil

	case kvmarm.ExitShutdown, kvmarm.ExitFailEntry:
		return false, fmt.Errorf("%w: %s", errGuestHalted, reason)

	case kvmarm.ExitInternalError:
		return false, fmt.Errorf("%w: %s", dispatch.ErrFatal, reason)

	case kvmarm.ExitHlt, kvmarm.ExitDebug, kvmarm.ExitIrqWindowOpen, kvmarm.ExitIO, kvmarm.ExitUnknown:
		log.Printf("hypervisor: pcpu%d: %s: unhandled exit %s", p.ID, task.Name, reason)

		return false, nil
	}

	exit, esr, err := decodeExit(task.VCPU, reason)
	if err != nil {
		return false, err
	}

	v := s.arena.Get(vm.VmId(task.VMID))
	if v == nil {
		return false, fmt.Errorf("hypervisor: task %s has no owning VM (vmid=%d)", task.Name, task.VMID)
	}

	result, err := dispatch.Dispatch(&dispatch.TaskView{Task: task}, exit, esr, v.Router, s.psciFunc)
	if err != nil {
		return false, err
	}

	return result.Yield, nil
}

// decodeExit turns a kernel-decoded kvm_run exit into the dispatcher's
// ExitKind/ESR pair (spec.md §4.D). ExitHypercall and ExitMmio arrive
// pre-decoded by the kernel; ExitArmNisv (a stage-2 fault the kernel's own
// MMIO emulator could not resolve) carries enough of ESR_EL2 to
// reconstruct the EC=0x24 data-abort form dispatch already knows how to
// classify; ExitException is the generic fallback where this hypervisor
// reads ESR_EL2 itself.
func decodeExit(vcpu scheduler.VCPU, reason kvmarm.ExitReason) (dispatch.ExitKind, dispatch.ESR, error) {
	switch reason {
	case kvmarm.ExitHypercall:
		nr, args := vcpu.RunData().Hypercall()

		return dispatch.ExitKind{Kind: dispatch.ExitKindHypercall, FID: nr, X1: args[0], X2: args[1], X3: args[2]}, 0, nil

	case kvmarm.ExitMmio:
		phys, data, isWrite := vcpu.RunData().Mmio()

		return mmioExitKind(phys, data, isWrite), 0, nil

	case kvmarm.ExitArmNisv:
		esrISS, faultIPA := vcpu.RunData().Nisv()
		esr := dispatch.ESR(uint64(dispatch.ECDataAbortLow)<<26 | 1<<25 | (esrISS & 0x1FFFFFF))

		return dispatch.ExitKind{Kind: dispatch.ExitKindException, GPA: faultIPA}, esr, nil

	case kvmarm.ExitException:
		raw, err := vcpu.GetOneReg(kvmarm.RegESR)
		if err != nil {
			return dispatch.ExitKind{}, 0, err
		}

		return dispatch.ExitKind{Kind: dispatch.ExitKindException}, dispatch.ESR(raw), nil

	default:
		return dispatch.ExitKind{}, 0, fmt.Errorf("hypervisor: decodeExit: unexpected reason %s", reason)
	}
}

func mmioExitKind(phys uint64, data []byte, isWrite bool) dispatch.ExitKind {
	size := len(data)

	var val uint64
	for i := 0; i < size && i < 8; i++ {
		val |= uint64(data[i]) << uint(8*i)
	}

	return dispatch.ExitKind{Kind: dispatch.ExitKindMMIO, GPA: phys, IsWrite: isWrite, AccessSize: size, Value: val}
}
