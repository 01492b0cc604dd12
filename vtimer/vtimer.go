// Package vtimer is the virtual ARM generic timer (spec.md §4.G):
// offset-based virtual counter, CVAL/TVAL/CTL semantics, firing and
// interrupt injection.
package vtimer

// CTL register bits (ARM generic timer control register).
const (
	CTLEnable  uint64 = 1 << 0
	CTLIMask   uint64 = 1 << 1
	CTLIStatus uint64 = 1 << 2
)

// watchdogTicks is the safety-valve window spec.md §4.G documents at
// "≈6.25M ticks ≈ 100 ms" for a 62.5MHz counter. It is a debug aid for a
// wedged guest, not part of the CTL/CVAL/TVAL contract (spec.md §9 open
// question) — it must never be relied on by a correct guest.
const watchdogTicks = 6_250_000

// tvalSlackTicks is the slop spec.md §4.G's core_save allows when
// deciding whether TVAL changed versus drifted from being continuously
// derived from CVAL ("expected - observed differs by more than 1000
// ticks").
const tvalSlackTicks = 1000

// VMState is the per-VM virtual counter (spec.md §3).
type VMState struct {
	NowTick   uint64
	StartTime uint64
	CNTVOFF   uint64
}

// NewVMState sets CNTVOFF to the physical counter value at allocation time,
// so the guest's virtual counter starts at 0 (spec.md §4.G).
func NewVMState(physNow uint64) *VMState {
	return &VMState{StartTime: physNow, CNTVOFF: physNow}
}

// GuestCounter computes CNTVCT_guest = CNTPCT - CNTVOFF_EL2.
func (v *VMState) GuestCounter(physNow uint64) uint64 {
	return physNow - v.CNTVOFF
}

// VCPUState is the per-vCPU virtual timer state (spec.md §3).
type VCPUState struct {
	CNTVCVAL uint64
	CNTVCTL  uint64
	CNTVTVAL uint32

	Enabled bool
	Pending bool
	Deadline uint64

	LastFireTime   uint64
	FireCount      uint64
	pendingSince   uint64
	watchdogArmed  bool
}

// ShouldFire reports vtimer_should_fire: enabled and now has reached cval.
func ShouldFire(v *VCPUState, now uint64) bool {
	return v.CNTVCTL&CTLEnable != 0 && now >= v.CNTVCVAL
}

// applyCTLWrite models a guest write to CNTV_CTL_EL0 observed during
// core_save: update mirror+enabled, and if the guest cleared ISTATUS,
// clear Pending (spec.md §4.G / §3 invariant).
func (v *VCPUState) applyCTLWrite(newCTL uint64) {
	if newCTL&CTLIStatus == 0 {
		v.Pending = false
	}

	v.CNTVCTL = newCTL
	v.Enabled = newCTL&CTLEnable != 0

	if !v.Enabled {
		v.Pending = false
	}
}

// applyCVALWrite models a guest write to CNTV_CVAL_EL0: update mirror and
// clear ISTATUS as a side effect (spec.md §3 invariant, and per the ARM
// architecture: writing CVAL always clears ISTATUS).
func (v *VCPUState) applyCVALWrite(newCVAL uint64) {
	v.CNTVCVAL = newCVAL
	v.CNTVCTL &^= CTLIStatus
	v.Pending = false
}

// applyTVALWrite models a guest write to CNTV_TVAL_EL0: CVAL = now +
// sign_extend(TVAL_32), clearing ISTATUS (spec.md §4.G).
func (v *VCPUState) applyTVALWrite(now uint64, tval32 uint32) {
	delta := int64(int32(tval32))
	v.CNTVCVAL = uint64(int64(now) + delta)
	v.CNTVTVAL = tval32
	v.CNTVCTL &^= CTLIStatus
	v.Pending = false
}

// CoreSave diffs the live bank against v's mirror and applies each write
// path the diff implies, exactly the algorithm in spec.md §4.G
// "core_save(task)": a CTL change and a CVAL change are applied
// independently, and TVAL is compared only when CVAL is unchanged.
// bankCTL/bankCVAL/bankTVAL are the values freshly read
// from the vCPU's system-register bank (sysregbank.Bank's CNTV* fields);
// now is CNTPCT - CNTVOFF for the owning VM.
func (v *VCPUState) CoreSave(now, bankCTL, bankCVAL uint64, bankTVAL uint32) {
	if bankCTL != v.CNTVCTL {
		v.applyCTLWrite(bankCTL)
	}

	if bankCVAL != v.CNTVCVAL {
		v.applyCVALWrite(bankCVAL)
	} else if tvalChanged(now, v.CNTVCVAL, bankTVAL) {
		v.applyTVALWrite(now, bankTVAL)
	}
}

func tvalChanged(now, cval uint64, observedTVAL uint32) bool {
	expected := int64(cval) - int64(now)
	observed := int64(int32(observedTVAL))

	diff := expected - observed
	if diff < 0 {
		diff = -diff
	}

	return diff > tvalSlackTicks
}

// CoreRestore returns the bank-facing (CTL, CVAL, TVAL) triple to copy
// back into the vCPU's system-register bank (spec.md §4.G
// "core_restore(task)").
func (v *VCPUState) CoreRestore() (ctl, cval uint64, tval uint32) {
	return v.CNTVCTL, v.CNTVCVAL, v.CNTVTVAL
}

// Fire marks v pending after the per-pCPU tick handler (Tick) has decided
// ShouldFire(v, now) holds and v was not already pending.
func (v *VCPUState) Fire(now uint64) {
	v.Pending = true
	v.CNTVCTL |= CTLIStatus
	v.LastFireTime = now
	v.FireCount++
	v.pendingSince = now
	v.watchdogArmed = true
}

// CheckWatchdog force-clears a pending timer interrupt that has gone
// unacknowledged for longer than watchdogTicks, per spec.md §4.G's safety
// valve. Returns true if it fired the force-clear.
func (v *VCPUState) CheckWatchdog(now uint64) bool {
	if !v.watchdogArmed || !v.Pending {
		return false
	}

	if now-v.pendingSince <= watchdogTicks {
		return false
	}

	v.Pending = false
	v.CNTVCTL &^= CTLIStatus
	v.watchdogArmed = false

	return true
}
