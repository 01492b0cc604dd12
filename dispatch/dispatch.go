// Package dispatch is the EL2 exception dispatcher spec.md §4.D
// describes: decode ESR_EL2 (or, for exits the kernel already decoded,
// the kvm_run union it filled in), route to the WFI/HVC/SMC/sysreg/
// data-abort/illegal handler, and advance PC. Grounded on the teacher's
// machine's former single big switch over vm-exit reasons, generalized
// from "one case per x86 vm-exit" to "one case per ARM64 exception
// class", with the closed Class enum spec.md §9's redesign note
// asks for in place of polymorphism.
package dispatch

import (
	"errors"

	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/stage2"
	"github.com/armhv/armhv/vgic"
)

// ErrFatal is wrapped into the error Dispatch returns when the task hit an
// EC=0x20 illegal execution state or an EC it has no case for (spec.md §7
// FatalCpu). Callers must route this to fatal.Halt and never
// resume the task.
var ErrFatal = errors.New("dispatch: fatal condition, pCPU must halt")

// PSCIFunc is the seam into the PSCI front-end (spec.md §4.I): a plain
// function value rather than an imported type, since psci.Dispatch needs
// a psci.VM that only the hypervisor can supply and this package must not
// import hypervisor (hypervisor imports dispatch, not the other way around).
type PSCIFunc func(caller *scheduler.Task, fid, x1, x2, x3 uint64) uint64

// StageRouter is the seam into one VM's stage-2 MMIO router, satisfied by
// *stage2.Router.
type StageRouter interface {
	Dispatch(cpu *vgic.CPUState, fault *stage2.Stage2Fault) (bool, error)
}

// ESR is a decoded ESR_EL2 value (spec.md §4.D "Reads ESR_EL2, extracts
// EC = bits 31:26").
type ESR uint64

func (e ESR) EC() uint8     { return uint8((e >> 26) & 0x3F) }
func (e ESR) IL() bool      { return (e>>25)&1 != 0 }
func (e ESR) ISS() uint64   { return uint64(e) & 0x1FFFFFF }
func (e ESR) ilBytes() uint64 {
	if e.IL() {
		return 4
	}

	return 2
}

// Exception classes this dispatcher recognizes (spec.md §4.D).
const (
	ECWFx          = 0x01
	ECHVC64        = 0x16
	ECSMC64        = 0x17
	ECSysregTrap   = 0x18
	ECIllegalState = 0x20
	ECDataAbortLow = 0x24
)

// Class is the closed enum spec.md §9's redesign note asks for, replacing
// "polymorphism over exception kinds".
type Class int

const (
	ClassWFx Class = iota
	ClassHVC
	ClassSMC
	ClassSysreg
	ClassDataAbort
	ClassIllegal
	ClassUnknown
)

// Classify maps a decoded EC to the closed Class enum.
func Classify(ec uint8) Class {
	switch ec {
	case ECWFx:
		return ClassWFx
	case ECHVC64:
		return ClassHVC
	case ECSMC64:
		return ClassSMC
	case ECSysregTrap:
		return ClassSysreg
	case ECIllegalState:
		return ClassIllegal
	case ECDataAbortLow:
		return ClassDataAbort
	default:
		return ClassUnknown
	}
}

// Result tells the pCPU run loop what to do after Dispatch returns.
type Result struct {
	// Yield is true when the task voluntarily gave up the pCPU (WFI) and
	// the run loop should call scheduler.Schedule instead of re-entering
	// this task's Run() immediately.
	Yield bool
}
