// Package vgic is the virtual GICv2: per-vCPU list-register management,
// software/hardware injection of SGI/PPI/SPI, and pending-bitmap
// bookkeeping (spec.md §4.F). It never reads or writes a real GICH — this
// VMM runs its guests with no in-kernel irqchip (kvmarm.CreateVM), so the
// mirror this package owns is definitive guest-visible interrupt state,
// not a cache of something else.
package vgic

import (
	"errors"
	"fmt"
)

// ErrBadIRQ is returned for an id outside 0..SPIMax.
var ErrBadIRQ = errors.New("vgic: irq id out of range")

const spiIDMax = 1020

// DistState is the per-VM distributor shadow (spec.md §3): CTLR, TYPER,
// IIDR, SPI enable bits, and per-IRQ priority/target/config arrays.
type DistState struct {
	CTLR uint32
	TYPER uint32
	IIDR  uint32

	gicdSCEnabler bitmap // SPI enable bits, indexed by irq id

	priority [spiIDMax]uint8
	target   [spiIDMax]uint8
	cfg      [spiIDMax]uint8 // 2 bits/irq in real hardware; stored unpacked for clarity
}

// NewDistState returns a freshly reset distributor shadow.
func NewDistState() *DistState {
	return &DistState{gicdSCEnabler: newBitmap(spiIDMax)}
}

// SetSPIEnabled implements a write to GICD_ISENABLER/ICENABLER for SPI ids.
func (d *DistState) SetSPIEnabled(id uint32, enabled bool) {
	if enabled {
		d.gicdSCEnabler.set(id)
	} else {
		d.gicdSCEnabler.clear(id)
	}
}

// SPIEnabled reports the current GICD_ISENABLER state for an SPI id.
func (d *DistState) SPIEnabled(id uint32) bool {
	return d.gicdSCEnabler.test(id)
}

// SetPriority implements a byte-lane write to GICD_IPRIORITYRn.
func (d *DistState) SetPriority(id uint32, prio uint8) {
	if id < spiIDMax {
		d.priority[id] = prio
	}
}

// Priority implements a byte-lane read of GICD_IPRIORITYRn.
func (d *DistState) Priority(id uint32) uint8 {
	if id >= spiIDMax {
		return 0
	}

	return d.priority[id]
}

// SetTarget implements a byte-lane write to GICD_ITARGETSRn (SPI range
// only; writes to SGI/PPI target bytes, ids 0-31, are ignored, so those
// bytes read back as 0).
func (d *DistState) SetTarget(id uint32, mask uint8) {
	if id >= 32 && id < spiIDMax {
		d.target[id] = mask
	}
}

// Target implements a byte-lane read of GICD_ITARGETSRn.
func (d *DistState) Target(id uint32) uint8 {
	if id >= spiIDMax {
		return 0
	}

	return d.target[id]
}

// SetCfg implements a write to the 2-bit-per-irq GICD_ICFGRn (edge vs
// level), stored unpacked.
func (d *DistState) SetCfg(id uint32, cfg uint8) {
	if id < spiIDMax {
		d.cfg[id] = cfg & 0x3
	}
}

// Cfg implements a read of GICD_ICFGRn.
func (d *DistState) Cfg(id uint32) uint8 {
	if id >= spiIDMax {
		return 0
	}

	return d.cfg[id]
}

// CPUState is the per-vCPU redistributor/CPU-interface shadow (spec.md
// §3): GICH mirror registers, the pending bitmap, and the private
// SGI/PPI enable+priority arrays.
type CPUState struct {
	// GICH mirror, save/restored across context switch (spec.md §4.F "Save/restore").
	VMCR  uint32
	ELSR0 uint32
	APR   uint32
	HCR   uint32
	LR    [LRNum]LR

	pending bitmap // irq_pending_mask[]: bit i set <=> virtual IRQ i pending injection

	sgiPPIIsEnabler  uint32     // bits 0-31, SGI/PPI enable
	sgiPPIIPriorityR [32]uint8
}

// NewCPUState returns a freshly reset per-vCPU vGIC state with all LRs
// empty, i.e. ELSR0 all ones (spec.md §3 invariant: "ELSR0 bit k is 1 iff
// LR[k] is empty").
func NewCPUState() *CPUState {
	return &CPUState{
		ELSR0:   (1 << LRNum) - 1,
		pending: newBitmap(spiIDMax),
	}
}

// SetPPIEnabled implements a write to GICD_ISENABLER/ICENABLER for the
// SGI/PPI range (ids 0-31).
func (c *CPUState) SetPPIEnabled(id uint32, enabled bool) {
	if enabled {
		c.sgiPPIIsEnabler |= 1 << id
	} else {
		c.sgiPPIIsEnabler &^= 1 << id
	}
}

// PPIEnabled reports the SGI/PPI enable bit for id (0-31).
func (c *CPUState) PPIEnabled(id uint32) bool {
	return c.sgiPPIIsEnabler&(1<<id) != 0
}

// Pending reports whether virtual irq id is currently marked pending
// (waiting for a free LR), for tests and the scheduler's inspection of
// "did this vCPU's timer PPI actually get injected".
func (c *CPUState) Pending(id uint32) bool {
	return c.pending.test(id)
}

func validateIRQ(id uint32) error {
	if id >= spiIDMax {
		return fmt.Errorf("%w: %d", ErrBadIRQ, id)
	}

	return nil
}
