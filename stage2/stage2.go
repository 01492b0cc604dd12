// Package stage2 is the stage-2 fault / MMIO router spec.md §4.E
// describes: decompose a trapped guest access's GPA, compare it against
// the platform's fixed MMIO windows, and dispatch to the owning device
// model. Grounded on the teacher's ioportHandlers address-range
// dispatch table in machine's former I/O-port trap path, generalized from
// x86 port I/O to AArch64 stage-2 GPA windows.
package stage2

import (
	"fmt"
	"log"

	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vpl011"
)

// Stage2Fault is the decoded form of an EC=0x24 data-abort-from-lower-EL
// trap (spec.md §4.D): GPA split from FAR/HPFAR (or handed to us already
// resolved by the kernel's own MMIO decode), the faulting GVA, direction,
// and access width.
type Stage2Fault struct {
	ESR        uint64
	GPA        uint64
	GVA        uint64
	IsWrite    bool
	AccessSize int
	Value      uint64 // write data, or (after Dispatch) the read result
}

// Router owns one VM's MMIO-backed devices and answers "which device owns
// this GPA" (spec.md §4.E's range table).
type Router struct {
	vmName string

	dist        *vgic.DistState
	uart        *vpl011.Device
	virtioWarned bool
}

// NewRouter returns a router for one VM's vGIC distributor and vPL011.
// The per-vCPU GICC CPU-interface state is passed into Dispatch directly,
// since GICC MMIO is banked per accessing vCPU, not per VM.
func NewRouter(vmName string, dist *vgic.DistState, uart *vpl011.Device) *Router {
	return &Router{vmName: vmName, dist: dist, uart: uart}
}

// Dispatch routes fault to the device whose GPA window contains it. cpu is
// the vGIC CPU-interface state of whichever vCPU trapped (needed for the
// banked GICC_* registers). It returns handled=false (with fault logged,
// never an error) for an access stage2.Router's four windows did not
// claim — per spec.md §4.D "unhandled faults log ESR/GPA and continue".
func (r *Router) Dispatch(cpu *vgic.CPUState, fault *Stage2Fault) (handled bool, err error) {
	switch {
	case inWindow(fault.GPA, kvmarm.GICDBase, kvmarm.GICDSize):
		return true, r.gicd(fault)
	case inWindow(fault.GPA, kvmarm.GICCBase, kvmarm.GICCSize):
		return true, r.gicc(cpu, fault)
	case inWindow(fault.GPA, kvmarm.PL011Base, kvmarm.PL011Size):
		return true, r.pl011(fault)
	case inWindow(fault.GPA, kvmarm.VirtioMMIOBase, kvmarm.VirtioMMIOSize):
		return r.virtioMMIO(fault), nil
	default:
		log.Printf("stage2[%s]: unclaimed %s at gpa=%#x esr=%#x size=%d",
			r.vmName, dir(fault.IsWrite), fault.GPA, fault.ESR, fault.AccessSize)

		return false, nil
	}
}

func dir(isWrite bool) string {
	if isWrite {
		return "write"
	}

	return "read"
}

func inWindow(gpa, base, size uint64) bool {
	return gpa >= base && gpa < base+size
}

// virtioMMIO is the reserved-but-currently-unbound fourth window spec.md
// §4.E's text calls out as "(future) virtio": present in the router's
// range table so the address-comparison logic has all four arms, but with
// no device behind it yet. Logs once per VM so a guest probing this
// window is diagnosable without spamming the log on every probe retry.
func (r *Router) virtioMMIO(fault *Stage2Fault) bool {
	if !r.virtioWarned {
		log.Printf("stage2[%s]: virtio-mmio window hit at gpa=%#x but no transport is attached", r.vmName, fault.GPA)

		r.virtioWarned = true
	}

	return false
}

func (r *Router) pl011(fault *Stage2Fault) error {
	offset := fault.GPA - kvmarm.PL011Base

	if fault.IsWrite {
		return r.uart.Write(offset, fault.Value, fault.AccessSize)
	}

	v, err := r.uart.Read(offset, fault.AccessSize)
	fault.Value = v

	return err
}

var errBadGICAccess = fmt.Errorf("stage2: unsupported GIC access size")

func sizeOK(size int) bool { return size == 1 || size == 2 || size == 4 }
