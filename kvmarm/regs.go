package kvmarm

// ARM64 KVM_REG_* id encoding, re-derived from arch/arm64/include/uapi/asm/kvm.h:
// a register id is (KVM_REG_ARM64 | size | register-class | class-specific bits).
const (
	regArm64  uint64 = 0x6000000000000000
	regSize64 uint64 = 0x0030000000000000

	regClassCore   uint64 = 0x0010000000000000
	regClassSysreg uint64 = 0x0013000000000000
)

// sysregID builds the id for an EL1 system register addressed by its
// (op0, op1, CRn, CRm, op2) encoding, the same 5-tuple an EC=0x18 trap
// carries in ESR_EL2's ISS (the dispatch package only logs that ISS).
func sysregID(op0, op1, crn, crm, op2 uint8) uint64 {
	return regArm64 | regSize64 | regClassSysreg |
		uint64(op0)<<14 | uint64(op1)<<11 | uint64(crn)<<7 | uint64(crm)<<3 | uint64(op2)
}

// coreRegID builds the id for a field of struct kvm_regs/user_pt_regs at the
// given 64-bit word offset.
func coreRegID(wordOffset uint64) uint64 {
	return regArm64 | regSize64 | regClassCore | wordOffset
}

// System registers belonging to the per-vCPU bank (spec.md §3).
var (
	RegTTBR0EL1   = sysregID(3, 0, 2, 0, 0)
	RegTTBR1EL1   = sysregID(3, 0, 2, 0, 1)
	RegTCREL1     = sysregID(3, 0, 2, 0, 2)
	RegSCTLREL1   = sysregID(3, 0, 1, 0, 0)
	RegVBAREL1    = sysregID(3, 0, 12, 0, 0)
	RegMAIREL1    = sysregID(3, 0, 10, 2, 0)
	RegTPIDREL1   = sysregID(3, 0, 13, 0, 4)
	RegCNTKCTLEL1 = sysregID(3, 0, 14, 1, 0)
	RegCNTVCTLEL0  = sysregID(3, 3, 14, 3, 1)
	RegCNTVCVALEL0 = sysregID(3, 3, 14, 3, 2)
	RegCNTVTVALEL0 = sysregID(3, 3, 14, 3, 0)
)

// RegESR addresses the shadow of the syndrome register for the trap that
// produced the vCPU's most recent ExitException (dispatch package): EC
// bits 31:26, IL bit 25, ISS bits 24:0, per spec.md §4.D.
var RegESR = sysregID(3, 0, 5, 2, 0)

// Core register offsets (word index into struct kvm_regs, which begins with
// 31 general registers, sp, pc, then pstate).
const (
	coreRegX0Offset    = 0
	coreRegSPOffset    = 31
	coreRegPCOffset    = 32
	coreRegPStateOffset = 33
)

// RegX returns the id for GPR Xn, 0 <= n <= 30.
func RegX(n int) uint64 { return coreRegID(uint64(coreRegX0Offset + n)) }

// RegSP, RegPC, RegPState address the remaining core-register fields that
// together with X0-X30 make up the trap frame (spec.md §3: "GPRs X0-X30,
// ELR, SPSR, USP").
var (
	RegSP     = coreRegID(coreRegSPOffset)
	RegPC     = coreRegID(coreRegPCOffset) // ELR_EL2 on return, i.e. guest PC
	RegPState = coreRegID(coreRegPStateOffset)
)
