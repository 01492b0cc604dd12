// Package psci is the PSCI 0.2 front-end spec.md §4.I describes: HVC/SMC
// function-ID dispatch with exactly three function IDs implemented
// (VERSION, CPU_ON/CPU_ON64, MIGRATE_INFO_TYPE) and NOT_SUPPORTED for
// everything else, per spec.md §1's explicit "full PSCI" Non-goal.
// Grounded on the teacher's small-dispatch-table style (machine's former
// ioportHandlers), generalized from "table of x86 ports" to "table of
// PSCI function IDs".
package psci

import (
	"log"

	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/scheduler"
)

// Function IDs this front-end recognizes (PSCI 0.2, SMC64/HVC64 calling
// convention: bit 30 set selects the 64-bit variant).
const (
	FIDVersion         = 0x84000000
	FIDCPUOn32         = 0x84000003
	FIDCPUOn64         = 0xC4000003
	FIDMigrateInfoType = 0x84000006
)

// Result codes (PSCI 0.2 spec, spec.md §4.I / §6).
const (
	Success       = 0
	NotSupported  = ^uint64(0)        // -1 as a 64-bit two's complement value
	AlreadyOn     = ^uint64(0) - 3    // -4
	TOSMP         = 2
	Version0Dot2  = 0x00000002
)

// VM is the seam into the owning VM's vCPU tasks, letting CPU_ON find and
// wake a secondary without this package importing the hypervisor
// aggregate directly (hypervisor wires psci.Dispatch into dispatch's
// PSCIFunc via a closure over its own *State, so the reverse import would
// cycle). Satisfied by *vm.VM.
type VM interface {
	// TaskByMPIDR returns the task whose synthesized mpidr_el1[7:0]
	// matches target, and the pCPU scheduler that owns it.
	TaskByMPIDR(target uint64) (*scheduler.Task, *scheduler.PCPU, bool)
}

// Dispatch implements spec.md §4.I's table. caller is the vCPU task that
// executed the HVC/SMC; fid/x1/x2/x3 are X0..X3 as the guest set them
// (X0==fid is the caller's convenience; this signature takes fid
// separately since the dispatcher has already read it).
func Dispatch(vm VM, caller *scheduler.Task, fid, x1, x2, x3 uint64) uint64 {
	switch fid {
	case FIDVersion:
		return Version0Dot2

	case FIDCPUOn32, FIDCPUOn64:
		return cpuOn(vm, x1, x2, x3)

	case FIDMigrateInfoType:
		return TOSMP

	default:
		log.Printf("psci[%s]: unsupported function id %#x", caller.Name, fid)

		return NotSupported
	}
}

// cpuOn implements spec.md §4.I's CPU_ON row and §8 property 6's
// idempotency: find the vCPU whose mpidr_el1[7:0] equals the target,
// set ELR=entry and X0=contextID, transition it CREATE→READY exactly
// once, and send the IPI that wakes its pCPU. A second call against an
// already-booted target returns ALREADY_ON rather than re-arming it.
func cpuOn(vm VM, targetMPIDR, entry, contextID uint64) uint64 {
	task, pcpu, ok := vm.TaskByMPIDR(targetMPIDR & 0xFF)
	if !ok {
		return NotSupported
	}

	if task.State != scheduler.StateCreate {
		return AlreadyOn
	}

	if err := task.VCPU.SetOneReg(kvmarm.RegPC, entry); err != nil {
		log.Printf("psci: CPU_ON SetOneReg(PC): %v", err)

		return NotSupported
	}

	if err := task.VCPU.SetOneReg(kvmarm.RegX(0), contextID); err != nil {
		log.Printf("psci: CPU_ON SetOneReg(X0): %v", err)

		return NotSupported
	}

	pcpu.AddReadyTailRemote(task)

	return Success
}
