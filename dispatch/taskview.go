package dispatch

import (
	"log"

	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/vgic"
)

// TaskView is the live-register-editing view Dispatch operates through.
// Unlike scheduler.Task.Frame/Bank (which only hold meaningful data
// between a switchOut and switchIn), the GPRs and PC are live in the
// vCPU's kvm fd for the whole duration of one KVM_RUN call — so a trap
// handled without a context switch (the common case: PSCI call, MMIO
// access, sysreg trap) edits them directly through VCPU.{Get,Set}OneReg
// rather than through the spill area.
type TaskView struct {
	Task *scheduler.Task
}

// SetX0 writes the guest's X0 (used for PSCI/HVC/SMC return values, per
// spec.md §4.I).
func (v *TaskView) SetX0(val uint64) error {
	return v.Task.VCPU.SetOneReg(kvmarm.RegX(0), val)
}

// SetMMIOResult writes a device read result back into the guest's
// destination register. This hypervisor only targets guests whose MMIO
// device accesses go through loads/stores into X0 (spec.md §4.A scope);
// a full instruction decode to find the real destination register is out
// of scope, matching stage2's own Non-goals.
func (v *TaskView) SetMMIOResult(val uint64, size int) error {
	mask := uint64(1)<<(uint(size)*8) - 1
	if size >= 8 {
		mask = ^uint64(0)
	}

	return v.Task.VCPU.SetOneReg(kvmarm.RegX(0), val&mask)
}

// AdvancePC advances ELR_EL2 by ilBytes (spec.md §4.D step 4).
func (v *TaskView) AdvancePC(ilBytes uint64) error {
	pc, err := v.Task.VCPU.GetOneReg(kvmarm.RegPC)
	if err != nil {
		return err
	}

	return v.Task.VCPU.SetOneReg(kvmarm.RegPC, pc+ilBytes)
}

// SetWaitIRQ transitions the task to WAIT_IRQ (spec.md §3): a guest WFI
// blocks the task until an interrupt becomes pending for it.
func (v *TaskView) SetWaitIRQ() { v.Task.State = scheduler.StateWaitIRQ }

// GIC returns the task's per-vCPU vGIC CPU-interface state, used by the
// stage-2 router for banked GICC_* accesses.
func (v *TaskView) GIC() *vgic.CPUState { return v.Task.GIC }

// LogUnhandledSysreg implements spec.md §4.D's "if unhandled, log and
// skip" for sysreg traps. The dispatcher decodes none of them, so every
// sysreg trap ends up here.
func (v *TaskView) LogUnhandledSysreg(esr ESR) {
	log.Printf("dispatch[%s]: unhandled sysreg trap iss=%#x", v.Task.Name, esr.ISS())
}

// LogUnknownEC logs a trap whose EC this dispatcher has no case for.
// Dispatch then returns ErrFatal for it, so the caller halts the pCPU
// (see fatal.Halt for the FatalCpu path).
func (v *TaskView) LogUnknownEC(esr ESR) {
	log.Printf("dispatch[%s]: unrecognized EC=%#x iss=%#x", v.Task.Name, esr.EC(), esr.ISS())
}
