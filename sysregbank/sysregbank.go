// Package sysregbank holds the two pieces of per-vCPU state spec.md §3
// calls out explicitly: the trap frame captured on every EL2 entry, and the
// lazily-mirrored bank of EL1 system registers. Both are plain structs
// round-tripped through kvmarm.VCPU.{Get,Set}OneReg; nothing here touches
// an ioctl directly.
package sysregbank

import "github.com/armhv/armhv/kvmarm"

// RegAccessor is the subset of *kvmarm.VCPU this package needs. Accepting
// the interface (rather than the concrete type) is what lets the round-trip
// invariant in sysregbank_test.go be exercised without a real KVM handle.
type RegAccessor interface {
	GetOneReg(id uint64) (uint64, error)
	SetOneReg(id, val uint64) error
}

// TrapFrame is GPRs X0-X30 plus ELR, SPSR, and the guest's SP_EL0 ("USP"),
// captured on every entry to EL2 (spec.md §3, §4.D).
type TrapFrame struct {
	X    [31]uint64
	SP   uint64
	ELR  uint64 // guest PC on return
	SPSR uint64
}

// Save copies the trap frame out of the vCPU's current core-register state.
func (f *TrapFrame) Save(vcpu RegAccessor) error {
	for i := range f.X {
		v, err := vcpu.GetOneReg(kvmarm.RegX(i))
		if err != nil {
			return err
		}

		f.X[i] = v
	}

	var err error
	if f.SP, err = vcpu.GetOneReg(kvmarm.RegSP); err != nil {
		return err
	}

	if f.ELR, err = vcpu.GetOneReg(kvmarm.RegPC); err != nil {
		return err
	}

	if f.SPSR, err = vcpu.GetOneReg(kvmarm.RegPState); err != nil {
		return err
	}

	return nil
}

// Restore writes the trap frame back into the vCPU's core registers.
func (f *TrapFrame) Restore(vcpu RegAccessor) error {
	for i, v := range f.X {
		if err := vcpu.SetOneReg(kvmarm.RegX(i), v); err != nil {
			return err
		}
	}

	if err := vcpu.SetOneReg(kvmarm.RegSP, f.SP); err != nil {
		return err
	}

	if err := vcpu.SetOneReg(kvmarm.RegPC, f.ELR); err != nil {
		return err
	}

	return vcpu.SetOneReg(kvmarm.RegPState, f.SPSR)
}

// AdvancePC advances ELR by the instruction-length the dispatcher decoded
// out of ESR.IL (2 for a 16-bit Thumb-class trapping instruction, 4
// otherwise). This is the single representation spec.md §9 asks for in
// place of the source's two incompatible advance_pc signatures.
func (f *TrapFrame) AdvancePC(ilBytes uint64) {
	f.ELR += ilBytes
}

// Bank is the mirror of EL1 system-register state owned by a vCPU
// (spec.md §3): TTBR0/1, TCR, SCTLR, VBAR, MAIR, TPIDR, CNTKCTL, and the
// virtual-timer registers. It is lazily copied in/out on context switch by
// the scheduler's switchOut/switchIn; vtimer additionally diffs CNTV_* against its own
// mirror on every save (spec.md §4.G).
type Bank struct {
	TTBR0   uint64
	TTBR1   uint64
	TCR     uint64
	SCTLR   uint64
	VBAR    uint64
	MAIR    uint64
	TPIDR   uint64
	CNTKCTL uint64

	CNTVCTL  uint64
	CNTVCVAL uint64
	CNTVTVAL uint64
}

// regFields enumerates (id, field) pairs once so Save/Restore cannot drift
// out of sync with one another — the declarative register-table the
// teacher's inline per-register macros (spec.md §9) are redesigned into.
func (b *Bank) regFields() [11]struct {
	id    uint64
	field *uint64
} {
	return [11]struct {
		id    uint64
		field *uint64
	}{
		{kvmarm.RegTTBR0EL1, &b.TTBR0},
		{kvmarm.RegTTBR1EL1, &b.TTBR1},
		{kvmarm.RegTCREL1, &b.TCR},
		{kvmarm.RegSCTLREL1, &b.SCTLR},
		{kvmarm.RegVBAREL1, &b.VBAR},
		{kvmarm.RegMAIREL1, &b.MAIR},
		{kvmarm.RegTPIDREL1, &b.TPIDR},
		{kvmarm.RegCNTKCTLEL1, &b.CNTKCTL},
		{kvmarm.RegCNTVCTLEL0, &b.CNTVCTL},
		{kvmarm.RegCNTVCVALEL0, &b.CNTVCVAL},
		{kvmarm.RegCNTVTVALEL0, &b.CNTVTVAL},
	}
}

// Save copies the live system registers into the bank.
func (b *Bank) Save(vcpu RegAccessor) error {
	for _, rf := range b.regFields() {
		v, err := vcpu.GetOneReg(rf.id)
		if err != nil {
			return err
		}

		*rf.field = v
	}

	return nil
}

// Restore writes the bank back into the vCPU's live system registers.
func (b *Bank) Restore(vcpu RegAccessor) error {
	for _, rf := range b.regFields() {
		if err := vcpu.SetOneReg(rf.id, *rf.field); err != nil {
			return err
		}
	}

	return nil
}
