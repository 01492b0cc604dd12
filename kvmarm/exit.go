package kvmarm

import "unsafe"

// ExitReason mirrors the subset of KVM_EXIT_* this hypervisor handles.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHlt           ExitReason = 5
	ExitMmio          ExitReason = 6
	ExitIrqWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitInternalError ExitReason = 17
	ExitSystemEvent   ExitReason = 24
	ExitArmNisv       ExitReason = 28 // stage-2 fault the kernel could not decode on its own
)

func (e ExitReason) String() string {
	switch e {
	case ExitUnknown:
		return "UNKNOWN"
	case ExitException:
		return "EXCEPTION"
	case ExitIO:
		return "IO"
	case ExitHypercall:
		return "HYPERCALL"
	case ExitDebug:
		return "DEBUG"
	case ExitHlt:
		return "HLT"
	case ExitMmio:
		return "MMIO"
	case ExitIrqWindowOpen:
		return "IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "SHUTDOWN"
	case ExitFailEntry:
		return "FAIL_ENTRY"
	case ExitIntr:
		return "INTR"
	case ExitInternalError:
		return "INTERNAL_ERROR"
	case ExitSystemEvent:
		return "SYSTEM_EVENT"
	case ExitArmNisv:
		return "ARM_NISV"
	default:
		return "?"
	}
}

// mmioExit mirrors the "mmio" member of the kvm_run exit union.
type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

// hypercallExit mirrors the "hypercall" member used for HVC/SMC exits that
// the kernel itself does not swallow (PSCI calls it does not recognize).
type hypercallExit struct {
	Nr    uint64
	Args  [6]uint64
	Ret   uint64
	Longmode uint32
	_     uint32
}

// nisvExit mirrors the "arm_nisv" member: a stage-2 data abort the kernel
// could not decode into an mmioExit on its own (e.g. an instruction form
// its own MMIO emulator does not recognize).
type nisvExit struct {
	ESRISS   uint64
	FaultIPA uint64
}

// RunData mirrors the shared kvm_run page. Only the fields this hypervisor
// reads are named; the rest of the kernel's union is treated as padding.
type RunData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8

	union [256]byte
}

// Mmio decodes the mmio union member for ExitMmio/ExitArmNisv exits.
func (r *RunData) Mmio() (phys uint64, data []byte, isWrite bool) {
	m := (*mmioExit)(unsafe.Pointer(&r.union[0]))

	return m.PhysAddr, m.Data[:m.Len], m.IsWrite != 0
}

// Hypercall decodes the hypercall union member for ExitHypercall exits.
func (r *RunData) Hypercall() (nr uint64, args [6]uint64) {
	h := (*hypercallExit)(unsafe.Pointer(&r.union[0]))

	return h.Nr, h.Args
}

// Nisv decodes the arm_nisv union member for ExitArmNisv exits.
func (r *RunData) Nisv() (esrISS, faultIPA uint64) {
	n := (*nisvExit)(unsafe.Pointer(&r.union[0]))

	return n.ESRISS, n.FaultIPA
}
