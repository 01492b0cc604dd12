// Package fatal implements the FatalCpu response spec.md §7 prescribes
// for illegal execution state, invalid exception vectors, unknown ECs, and
// unrecoverable scheduler-invariant violations: log full context, then
// park the offending pCPU forever. Grounded on the teacher's pattern of
// log.Fatalf on unrecoverable VM-exit conditions in vmm.VMM.Boot, widened
// here from "exit the process" to "park just this pCPU" since one pCPU's
// fatal does not need to take down pCPUs still running healthy VMs.
package fatal

import (
	"log"

	"github.com/armhv/armhv/sysregbank"
)

// Halt logs the full trap context for pcpu and then blocks forever. It
// never returns; callers should not expect control flow to continue past
// it on the calling goroutine.
func Halt(pcpu int, reason string, esr uint64, frame *sysregbank.TrapFrame) {
	log.Printf("FATAL pcpu=%d reason=%q esr=%#x elr=%#x spsr=%#x sp=%#x",
		pcpu, reason, esr, frame.ELR, frame.SPSR, frame.SP)

	for i, x := range frame.X {
		log.Printf("FATAL pcpu=%d x%d=%#x", pcpu, i, x)
	}

	log.Printf("FATAL pcpu=%d parked", pcpu)

	select {}
}
