package dispatch

import "github.com/armhv/armhv/stage2"

// Dispatch handles one vCPU's KVM_RUN exit (spec.md §4.D). exit is the
// caller's decode of the vcpu's shared kvm_run page; esr is read by the
// caller from kvmarm.RegESR for ExitException exits, and for ExitArmNisv
// the caller rebuilds an EC=0x24 data-abort ESR from the kernel's ISS and
// passes it as ExitKindException. Only ExitHypercall and ExitMmio arrive
// pre-decoded and need no ESR. router is this task's VM's stage-2 MMIO router; psci is the
// PSCI front-end seam (nil exits are never routed through it).
func Dispatch(task *TaskView, exit ExitKind, esr ESR, router StageRouter, psci PSCIFunc) (Result, error) {
	switch exit.Kind {
	case ExitKindHypercall:
		return dispatchHVCOrSMC(task, exit, psci)
	case ExitKindMMIO:
		return dispatchMMIO(task, exit, router)
	case ExitKindException:
		return dispatchException(task, esr, router)
	default:
		return Result{}, nil
	}
}

// ExitKind is the dispatcher-facing view of a kvm_run exit: the kernel's
// own decode for exits it fully resolved (Hypercall, MMIO), or "go decode
// ESR yourself" for the generic exception-exit fallback.
type ExitKind struct {
	Kind ExitKindTag

	// Hypercall fields.
	FID, X1, X2, X3 uint64

	// MMIO fields (already resolved by the kernel — no ESR needed).
	GPA        uint64
	IsWrite    bool
	AccessSize int
	Value      uint64
}

type ExitKindTag int

const (
	ExitKindHypercall ExitKindTag = iota
	ExitKindMMIO
	ExitKindException
)

func dispatchHVCOrSMC(task *TaskView, exit ExitKind, psci PSCIFunc) (Result, error) {
	ret := psci(task.Task, exit.FID, exit.X1, exit.X2, exit.X3)
	if err := task.SetX0(ret); err != nil {
		return Result{}, err
	}

	task.AdvancePC(4)

	return Result{}, nil
}

func dispatchMMIO(task *TaskView, exit ExitKind, router StageRouter) (Result, error) {
	fault := &stage2.Stage2Fault{
		GPA:        exit.GPA,
		IsWrite:    exit.IsWrite,
		AccessSize: exit.AccessSize,
		Value:      exit.Value,
	}

	handled, err := router.Dispatch(task.GIC(), fault)
	if err != nil {
		return Result{}, err
	}

	if handled && !exit.IsWrite {
		if err := task.SetMMIOResult(fault.Value, exit.AccessSize); err != nil {
			return Result{}, err
		}
	}

	task.AdvancePC(4)

	return Result{}, nil
}

func dispatchException(task *TaskView, esr ESR, router StageRouter) (Result, error) {
	switch Classify(esr.EC()) {
	case ClassWFx:
		task.SetWaitIRQ()
		task.AdvancePC(esr.ilBytes())

		return Result{Yield: true}, nil

	case ClassSysreg:
		// No (op0,op1,CRn,CRm,op2,Rt,dir) decode happens here: every
		// sysreg trap is logged and skipped rather than treated as fatal
		// (spec.md §4.D "if unhandled, log and skip").
		task.LogUnhandledSysreg(esr)
		task.AdvancePC(esr.ilBytes())

		return Result{}, nil

	case ClassDataAbort:
		fault := &stage2.Stage2Fault{ESR: uint64(esr), AccessSize: 4}
		if _, err := router.Dispatch(task.GIC(), fault); err != nil {
			return Result{}, err
		}

		task.AdvancePC(esr.ilBytes())

		return Result{}, nil

	case ClassIllegal:
		return Result{}, ErrFatal

	default:
		task.LogUnknownEC(esr)

		return Result{}, ErrFatal
	}
}
