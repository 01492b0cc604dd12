// Package hypervisor is the composition root spec.md §4.J's vm_init/
// run_vm sit under: it owns the VM arena, one scheduler.PCPU per
// configured pCPU, and the console multiplexer, and wires psci.Dispatch
// into dispatch.PSCIFunc as a closure so neither dispatch nor psci needs
// to import this package back. Grounded on the teacher's vmm.VMM, the
// struct that used to own /dev/kvm, one machine.Machine, and the
// boot/run goroutine fan-out; generalized from "one VM" to "an arena of
// VMs sharing a pool of pCPUs".
package hypervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armhv/armhv/console"
	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/psci"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vm"
	"github.com/armhv/armhv/vtimer"
)

// VMSpec bundles one guest's boot configuration with its kernel/DTB
// collaborators (vm.InitVM does not itself open files, per spec.md §1
// scope).
type VMSpec struct {
	Config vm.Config
	Kernel io.ReaderAt
	DTB    []byte
}

// Config is the whole VMM's boot configuration: how many pCPU goroutines
// to run and which guests to bring up on them.
type Config struct {
	DevPath      string
	NumPCPUs     int
	VMs          []VMSpec
	TickInterval time.Duration
}

const defaultTickInterval = time.Millisecond

// State is the running hypervisor: an open /dev/kvm handle, the VM arena,
// the pCPU pool, and the console multiplexer.
type State struct {
	kvm   *kvmarm.KVM
	arena vm.Arena
	pcpus []*scheduler.PCPU
	mux   *console.Mux

	tickInterval time.Duration

	// physNow is CNTPCT, the one free-running counter shared by every VM's
	// CNTVOFF (spec.md §4.G); it is advanced by whichever pCPU goroutine
	// ticks next, so it is an atomic rather than a plain field.
	physNow atomic.Uint64
}

// New opens /dev/kvm, allocates one idle task and scheduler.PCPU per
// configured pCPU, then brings up every configured VM and enqueues its
// primary vCPU (spec.md §4.J "run_vm"). Every VM's vPL011 is registered
// with a console.Mux so the terminal can be switched between guests.
func New(cfg Config) (*State, error) {
	if cfg.NumPCPUs <= 0 {
		return nil, fmt.Errorf("hypervisor: NumPCPUs must be positive, got %d", cfg.NumPCPUs)
	}

	kvm, err := kvmarm.Open(cfg.DevPath)
	if err != nil {
		return nil, err
	}

	s := &State{
		kvm:          kvm,
		pcpus:        make([]*scheduler.PCPU, cfg.NumPCPUs),
		tickInterval: cfg.TickInterval,
	}

	if s.tickInterval <= 0 {
		s.tickInterval = defaultTickInterval
	}

	for i := 0; i < cfg.NumPCPUs; i++ {
		idle := scheduler.NewTask(-1, -1, -1, fmt.Sprintf("idle/pcpu%d", i), ^uint64(0), &idleVCPU{}, &vtimer.VCPUState{}, vgic.NewCPUState())
		s.pcpus[i] = scheduler.NewPCPU(i, idle)
	}

	var consoleVMs []*console.VM

	for _, spec := range cfg.VMs {
		id, err := s.arena.AllocVM()
		if err != nil {
			return nil, fmt.Errorf("hypervisor: %s: %w", spec.Config.Name, err)
		}

		v, err := vm.InitVM(&s.arena, id, spec.Config, s.kvm, s.physNow.Load(), s.pcpus, spec.Kernel, spec.DTB)
		if err != nil {
			return nil, fmt.Errorf("hypervisor: %s: %w", spec.Config.Name, err)
		}

		if err := vm.RunVM(v); err != nil {
			return nil, err
		}

		consoleVMs = append(consoleVMs, &console.VM{ID: int(v.ID), Name: v.Name, Device: v.UART})
	}

	s.mux = console.New(consoleVMs)

	return s, nil
}

// idleVCPU is the do-nothing scheduler.VCPU bound to each pCPU's idle
// task: it is never actually run (hypervisor's run loop special-cases
// PCPU.IsIdle and blocks on WakeChannel instead), but the scheduler package
// requires every Task to carry a VCPU.
type idleVCPU struct{}

func (idleVCPU) GetOneReg(uint64) (uint64, error) { return 0, nil }
func (idleVCPU) SetOneReg(uint64, uint64) error   { return nil }
func (idleVCPU) Run() (kvmarm.ExitReason, error)  { return kvmarm.ExitUnknown, nil }
func (idleVCPU) Interrupt() error                 { return nil }
func (idleVCPU) RunData() *kvmarm.RunData         { return &kvmarm.RunData{} }

// psciFunc looks up caller's owning VM from the arena and dispatches
// through psci.Dispatch, implementing the dispatch.PSCIFunc seam (see
// psci.VM's doc comment for why this closure, and not a direct import,
// is what breaks the dispatch/psci/hypervisor import cycle).
func (s *State) psciFunc(caller *scheduler.Task, fid, x1, x2, x3 uint64) uint64 {
	v := s.arena.Get(vm.VmId(caller.VMID))
	if v == nil {
		log.Printf("hypervisor: psci call from task %s with no owning VM (vmid=%d)", caller.Name, caller.VMID)

		return psci.NotSupported
	}

	return psci.Dispatch(v, caller, fid, x1, x2, x3)
}

// Run starts one goroutine per pCPU and blocks until ctx is cancelled or
// every pCPU goroutine has returned (spec.md §4.B "one scheduler per
// pCPU", realized as one runtime.LockOSThread goroutine per pCPU exactly
// as the teacher's vmm.VMM.Boot pins one goroutine per vCPU).
func (s *State) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	go s.mux.Run()

	for _, p := range s.pcpus {
		wg.Add(1)

		go func(p *scheduler.PCPU) {
			defer wg.Done()

			s.runPCPU(ctx, p)
		}(p)
	}

	wg.Wait()

	return nil
}

// forEachVM visits every occupied arena slot. Used by the run loop's
// per-tick timer/IRQ-wake scans, which have no cheaper way to enumerate
// "every VM" than walking the fixed-size arena.
func (s *State) forEachVM(fn func(v *vm.VM)) {
	for id := vm.VmId(0); int(id) < vm.VMNumMax; id++ {
		if v := s.arena.Get(id); v != nil {
			fn(v)
		}
	}
}
