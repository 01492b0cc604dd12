package stage2

import (
	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/vgic"
)

// GICD_* register offsets this router understands (GICv2, spec.md §4.F).
const (
	gicdCTLR        = 0x000
	gicdTYPER       = 0x004
	gicdIIDR        = 0x008
	gicdISENABLER   = 0x100
	gicdICENABLER   = 0x180
	gicdIPRIORITYR  = 0x400
	gicdITARGETSR   = 0x800
	gicdICFGR       = 0xC00
	gicdRegionSize  = 0x80 // bytes spanned by one of the per-irq array regions above, times 32 ids
)

// GICC_* register offsets.
const (
	giccCTLR  = 0x000
	giccPMR   = 0x004
	giccIAR   = 0x00C
	giccEOIR  = 0x010
	giccHPPIR = 0x018
	giccIIDR  = 0xFC
)

func (r *Router) gicd(fault *Stage2Fault) error {
	if !sizeOK(fault.AccessSize) {
		return errBadGICAccess
	}

	off := fault.GPA - kvmarm.GICDBase

	switch {
	case off == gicdCTLR:
		return rw32(&r.dist.CTLR, fault)
	case off == gicdTYPER:
		return rwRO32(r.dist.TYPER, fault)
	case off == gicdIIDR:
		return rwRO32(r.dist.IIDR, fault)
	case off >= gicdISENABLER && off < gicdISENABLER+4*32:
		return r.gicdEnable(off-gicdISENABLER, fault, true)
	case off >= gicdICENABLER && off < gicdICENABLER+4*32:
		return r.gicdEnable(off-gicdICENABLER, fault, false)
	case off >= gicdIPRIORITYR && off < gicdIPRIORITYR+1020:
		return r.gicdByteArray(off-gicdIPRIORITYR, fault, r.dist.Priority, r.dist.SetPriority)
	case off >= gicdITARGETSR && off < gicdITARGETSR+1020:
		return r.gicdByteArray(off-gicdITARGETSR, fault, r.dist.Target, r.dist.SetTarget)
	case off >= gicdICFGR && off < gicdICFGR+2*32:
		id := uint32(off-gicdICFGR) * 16 / 4 // 2 bits/irq, 4 bytes = 16 irqs
		return r.gicdCfg(id, fault)
	default:
		return nil // other offsets in the GICD window: claimed, no effect, not logged
	}
}

func (r *Router) gicdEnable(byteOff uint64, fault *Stage2Fault, set bool) error {
	base := uint32(byteOff) * 8

	if fault.IsWrite {
		bits := uint32(fault.Value)
		for i := uint32(0); i < 32; i++ {
			if bits&(1<<i) == 0 {
				continue
			}

			id := base + i
			if id < 32 {
				continue // SGI/PPI enables are owned by the per-vCPU CPUState, not DistState
			}

			r.dist.SetSPIEnabled(id, set)
		}

		return nil
	}

	var bits uint32

	for i := uint32(0); i < 32; i++ {
		id := base + i
		if id >= 32 && r.dist.SPIEnabled(id) {
			bits |= 1 << i
		}
	}

	fault.Value = uint64(bits)

	return nil
}

func (r *Router) gicdByteArray(byteOff uint64, fault *Stage2Fault, get func(uint32) uint8, set func(uint32, uint8)) error {
	id := uint32(byteOff)

	if fault.IsWrite {
		set(id, uint8(fault.Value))

		return nil
	}

	fault.Value = uint64(get(id))

	return nil
}

func (r *Router) gicdCfg(id uint32, fault *Stage2Fault) error {
	if fault.IsWrite {
		r.dist.SetCfg(id, uint8(fault.Value))

		return nil
	}

	fault.Value = uint64(r.dist.Cfg(id))

	return nil
}

func (r *Router) gicc(cpu *vgic.CPUState, fault *Stage2Fault) error {
	if !sizeOK(fault.AccessSize) {
		return errBadGICAccess
	}

	off := fault.GPA - kvmarm.GICCBase

	switch off {
	case giccCTLR:
		return rw32(&cpu.HCR, fault)
	case giccPMR:
		return rw32(&cpu.VMCR, fault)
	case giccIAR:
		if fault.IsWrite {
			return nil // GICC_IAR is read-only
		}

		fault.Value = uint64(cpu.IAR())

		return nil
	case giccEOIR:
		if fault.IsWrite {
			cpu.EOI(uint32(fault.Value))
		}

		return nil
	case giccHPPIR:
		return rwRO32(highestPending(cpu), fault)
	case giccIIDR:
		return rwRO32(0x0002043B, fault) // GICv2 IIDR: implementer=ARM, variant/revision fixed
	default:
		return nil
	}
}

func highestPending(cpu *vgic.CPUState) uint32 {
	for _, lr := range cpu.LR {
		if lr.State() == vgic.LRStatePending {
			return lr.VINTID()
		}
	}

	return 1023
}

func rw32(field *uint32, fault *Stage2Fault) error {
	if fault.IsWrite {
		*field = uint32(fault.Value)

		return nil
	}

	fault.Value = uint64(*field)

	return nil
}

func rwRO32(val uint32, fault *Stage2Fault) error {
	if !fault.IsWrite {
		fault.Value = uint64(val)
	}

	return nil
}
