package vgic

// defaultPriority is used for injected interrupts; this platform does not
// expose a guest-configurable priority scheme deep enough to matter for
// the SGI/PPI/timer/UART interrupts this hypervisor injects.
const defaultPriority = 0xa0

// InjectSGI marks SGI id (0-15) pending for vcpu, sourced from vcpu
// itself. If already pending, this is a no-op (spec.md §4.F "Common
// steps"). If vcpu is the currently running vCPU on its pCPU, running
// should drain it into a free LR immediately via TryInjectPending.
func (c *CPUState) InjectSGI(id uint32, running bool) error {
	if id >= 16 {
		return ErrBadIRQ
	}

	return c.injectCommon(id, running)
}

// InjectPPI marks PPI id (16-31) pending for vcpu. Dropped silently (per
// spec.md §4.F's table: "drop if disabled") if the PPI's SGI/PPI enable
// bit is clear.
func (c *CPUState) InjectPPI(id uint32, running bool) error {
	if id < 16 || id >= 32 {
		return ErrBadIRQ
	}

	if !c.PPIEnabled(id) {
		return nil
	}

	return c.injectCommon(id, running)
}

// InjectSPI marks SPI id (32-1019) pending for vcpu, subject to the
// distributor's SPI enable bit (dist.SPIEnabled). Dropped silently if
// disabled.
func (c *CPUState) InjectSPI(dist *DistState, id uint32, running bool) error {
	if err := validateIRQ(id); err != nil {
		return err
	}

	if id < 32 {
		return ErrBadIRQ
	}

	if !dist.SPIEnabled(id) {
		return nil
	}

	return c.injectCommon(id, running)
}

func (c *CPUState) injectCommon(id uint32, running bool) error {
	if c.pending.test(id) {
		return nil
	}

	c.pending.set(id)

	if running {
		c.TryInjectPending()
	}

	return nil
}

// TryInjectPending drains the pending bitmap into free LRs (spec.md
// §4.F "try_inject_pending"). It iterates SGI/PPI ids (0..32) first, then
// SPI ids (32..SPIMax), matching the priority the spec gives local
// interrupts over shared ones. It is a pure in-memory update: the actual
// effect on the guest happens when it later reads the LRs through the
// emulated GICC_IAR/GICC_HPPIR/GICC_EOIR registers in package stage2.
func (c *CPUState) TryInjectPending() {
	for id := uint32(0); id < spiIDMax; id++ {
		if !c.pending.test(id) {
			continue
		}

		if c.alreadyReflected(id) {
			// The guest hasn't consumed the previous assertion of this
			// IRQ yet; do not double-inject (spec.md §4.F edge case).
			continue
		}

		slot, ok := c.freeLR()
		if !ok {
			// No free LR: remaining IRQs wait for the next entry.
			return
		}

		c.LR[slot] = c.composeLR(id)
		c.ELSR0 &^= 1 << slot
		c.pending.clear(id)
	}
}

// alreadyReflected reports whether irq id is already sitting in a
// non-empty LR.
func (c *CPUState) alreadyReflected(id uint32) bool {
	for i, lr := range c.LR {
		if !lr.empty() && lr.VINTID() == id && c.elsrBit(i) == 0 {
			return true
		}
	}

	return false
}

func (c *CPUState) elsrBit(slot int) uint32 {
	return (c.ELSR0 >> uint(slot)) & 1
}

func (c *CPUState) freeLR() (int, bool) {
	for i := 0; i < LRNum; i++ {
		if c.elsrBit(i) == 1 {
			return i, true
		}
	}

	return 0, false
}

func (c *CPUState) composeLR(id uint32) LR {
	switch ClassifyIRQ(id) {
	case KindSGI:
		return makeSGILR(id, id, defaultPriority)
	default: // PPI, SPI: virtual hardware interrupts, pINTID == vINTID
		return makeHWLR(id, defaultPriority)
	}
}

// spuriousIRQ is the GICC_IAR value (1023) a guest reads when no
// interrupt is pending, per the GICv2 architecture.
const spuriousIRQ = 1023

// IAR implements a guest read of GICC_IAR: find the highest-priority LR
// in state Pending, move it to Active, and return its vINTID. Returns
// spuriousIRQ if no LR is pending.
func (c *CPUState) IAR() uint32 {
	best := -1
	bestPrio := uint32(0xff)

	for i, lr := range c.LR {
		if lr.empty() || lr.State() != LRStatePending {
			continue
		}

		prio := (uint32(lr) >> lrPriorityShift) & lrPriorityMask
		if best == -1 || prio < bestPrio {
			best = i
			bestPrio = prio
		}
	}

	if best == -1 {
		return spuriousIRQ
	}

	vintid := c.LR[best].VINTID()
	v := uint32(c.LR[best]) &^ (lrStateMask << lrStateShift)
	v |= LRStateActive << lrStateShift
	c.LR[best] = LR(v)

	return vintid
}

// AckActive marks the LR carrying vintid active (state 10), modeling a
// guest read of GICC_IAR. Returns false if vintid is not currently
// reflected in any LR.
func (c *CPUState) AckActive(vintid uint32) bool {
	for i, lr := range c.LR {
		if lr.empty() || lr.VINTID() != vintid {
			continue
		}

		v := uint32(lr) &^ (lrStateMask << lrStateShift)
		v |= LRStateActive << lrStateShift
		c.LR[i] = LR(v)

		return true
	}

	return false
}

// EOI retires the LR carrying vintid, modeling a guest write to
// GICC_EOIR: the slot becomes free again (ELSR0 bit set), which is what
// lets TryInjectPending re-arm the same IRQ on a future firing.
func (c *CPUState) EOI(vintid uint32) {
	for i, lr := range c.LR {
		if lr.empty() || lr.VINTID() != vintid {
			continue
		}

		c.LR[i] = 0
		c.ELSR0 |= 1 << uint(i)

		return
	}
}
