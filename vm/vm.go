// Package vm is the VM lifecycle spec.md §4.J describes: a fixed arena of
// VM slots, each with its own vGIC distributor, virtual timer, vPL011,
// and stage-2 router, plus the primary/secondary vCPU tasks bound to
// pCPUs by affinity. Grounded on the teacher's machine.Machine (the
// struct that used to own one guest's memory + vCPUs + devices),
// generalized from "exactly one VM, global state" to "a fixed arena of
// VMs, each independently addressable by VmId".
package vm

import (
	"fmt"
	"io"

	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/stage2"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vpl011"
	"github.com/armhv/armhv/vtimer"
)

// VMNumMax is the fixed arena size (spec.md §4.J "a fixed [VM_NUM_MAX]
// arena").
const VMNumMax = 4

// VmId is a typed arena index, replacing the raw VM pointers spec.md §9's
// redesign note calls out.
type VmId int

// VcpuId is a typed per-VM vCPU index.
type VcpuId int

// ErrArenaFull is returned by AllocVM when every slot is occupied.
var ErrArenaFull = fmt.Errorf("vm: arena full (max %d)", VMNumMax)

// Config is one VM's boot configuration (spec.md §4.J "config_id").
type Config struct {
	Name          string
	MemSize       uint64
	GuestPhysBase uint64
	KernelLoadOff uint64 // offset from GuestPhysBase where the kernel image is copied
	DTBLoadOff    uint64 // 0 means no DTB
	SMPNum        int
	PrimaryPCPU   int
	SecondaryMask uint64 // SECONDARY_VCPU_PCPU_MASK: affinity bits for secondaries
}

// VM is one guest: its KVM handle, guest memory, device model, and vCPU
// tasks.
type VM struct {
	ID   VmId
	Name string

	kvmVM *kvmarm.VM
	mem   []byte

	Dist   *vgic.DistState
	Timer  *vtimer.VMState
	UART   *vpl011.Device
	Router *stage2.Router

	Tasks    []*scheduler.Task
	taskPCPU map[*scheduler.Task]*scheduler.PCPU
}

// Arena is the fixed-size VM table spec.md §4.J's alloc_vm draws from.
type Arena struct {
	slots [VMNumMax]*VM
}

// AllocVM returns the id of a free slot, or ErrArenaFull.
func (a *Arena) AllocVM() (VmId, error) {
	for i, s := range a.slots {
		if s == nil {
			return VmId(i), nil
		}
	}

	return -1, ErrArenaFull
}

// Get returns the VM at id, or nil if the slot is empty or id is outside
// the arena.
func (a *Arena) Get(id VmId) *VM {
	if id < 0 || int(id) >= VMNumMax {
		return nil
	}

	return a.slots[id]
}

// Put installs v at id directly, without going through InitVM's KVM
// bring-up. Used by callers (and tests) that already have a fully formed
// VM and just need arena bookkeeping, e.g. after AllocVM.
func (a *Arena) Put(id VmId, v *VM) { a.slots[id] = v }

// Free releases id's slot.
func (a *Arena) Free(id VmId) { a.slots[id] = nil }

// irqInjector adapts *kvmarm.VM's IRQLine into vpl011's narrower
// IRQInjector seam, since the UART only ever needs to assert one fixed
// SPI.
type irqInjector struct {
	kvmVM *kvmarm.VM
}

func (i irqInjector) InjectUARTIRQ() error {
	return i.kvmVM.IRQLine(kvmarm.IRQPL011, true)
}

// InitVM implements spec.md §4.J's vm_init: allocates guest memory, sets
// up the device model, creates the primary vCPU task (affinity
// PRIMARY_VCPU_PCPU_MASK == 1<<cfg.PrimaryPCPU) plus cfg.SMPNum-1
// secondaries (affinity cfg.SecondaryMask), copies the kernel image (and
// optional DTB) into guest memory, and binds each task to a pCPU chosen
// from pcpus by its affinity mask. kernel/dtb are already-opened
// collaborators — this function does not parse ELF or device-tree
// contents (spec.md §1 scope).
func InitVM(a *Arena, id VmId, cfg Config, kvm *kvmarm.KVM, physNow uint64, pcpus []*scheduler.PCPU, kernel io.ReaderAt, dtb []byte) (*VM, error) {
	kvmVM, err := kvm.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("vm[%s]: CreateVM: %w", cfg.Name, err)
	}

	mem := make([]byte, cfg.MemSize)
	if err := kvmVM.SetUserMemoryRegion(cfg.GuestPhysBase, mem); err != nil {
		return nil, fmt.Errorf("vm[%s]: SetUserMemoryRegion: %w", cfg.Name, err)
	}

	if _, err := kernel.ReadAt(mem[cfg.KernelLoadOff:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("vm[%s]: load kernel: %w", cfg.Name, err)
	}

	if len(dtb) > 0 {
		copy(mem[cfg.DTBLoadOff:], dtb)
	}

	v := &VM{
		ID:       id,
		Name:     cfg.Name,
		kvmVM:    kvmVM,
		mem:      mem,
		Dist:     vgic.NewDistState(),
		Timer:    vtimer.NewVMState(physNow),
		taskPCPU: map[*scheduler.Task]*scheduler.PCPU{},
	}
	v.UART = vpl011.New(irqInjector{kvmVM}, nil)
	v.Router = stage2.NewRouter(cfg.Name, v.Dist, v.UART)

	primaryAffinity := uint64(1) << uint(cfg.PrimaryPCPU)

	primary, err := v.newTask(kvmVM, 0, cfg.Name+"/vcpu0", primaryAffinity, cfg.GuestPhysBase+cfg.KernelLoadOff)
	if err != nil {
		return nil, err
	}

	v.bindTask(primary, pcpus, cfg.PrimaryPCPU)

	for i := 1; i < cfg.SMPNum; i++ {
		secondary, err := v.newTask(kvmVM, i, fmt.Sprintf("%s/vcpu%d", cfg.Name, i), cfg.SecondaryMask, 0)
		if err != nil {
			return nil, err
		}

		v.bindTask(secondary, pcpus, firstSetBit(cfg.SecondaryMask))
	}

	a.slots[id] = v

	return v, nil
}

func (v *VM) newTask(kvmVM *kvmarm.VM, index int, name string, affinity uint64, entry uint64) (*scheduler.Task, error) {
	vcpu, err := kvmVM.CreateVCPU(index)
	if err != nil {
		return nil, fmt.Errorf("vm[%s]: CreateVCPU(%d): %w", v.Name, index, err)
	}

	// Step 5: "Initialize vGIC per-vCPU state snapshot from live GICH
	// registers with HCR=1" — this hypervisor owns GICH entirely in
	// software (no in-kernel irqchip), so "live GICH registers" is this
	// freshly-reset CPUState itself; HCR=1 enables virtual-interrupt
	// delivery for this vCPU.
	gic := vgic.NewCPUState()
	gic.HCR = 1

	timer := &vtimer.VCPUState{}

	task := scheduler.NewTask(len(v.Tasks), int(v.ID), index, name, affinity, vcpu, timer, gic)

	if entry != 0 {
		if err := vcpu.SetOneReg(kvmarm.RegPC, entry); err != nil {
			return nil, err
		}
	}

	v.Tasks = append(v.Tasks, task)

	return task, nil
}

// bindTask assigns task to the first pCPU in pcpus whose id matches
// preferredPCPU if that pCPU's id is within task's affinity, falling back
// to the first pCPU task's affinity permits at all.
func (v *VM) bindTask(task *scheduler.Task, pcpus []*scheduler.PCPU, preferredPCPU int) {
	for _, p := range pcpus {
		if p.ID == preferredPCPU && scheduler.CanRunOnCore(task.Affinity, p.ID) {
			v.taskPCPU[task] = p

			return
		}
	}

	for _, p := range pcpus {
		if scheduler.CanRunOnCore(task.Affinity, p.ID) {
			v.taskPCPU[task] = p

			return
		}
	}
}

func firstSetBit(mask uint64) int {
	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i
		}
	}

	return 0
}

// RunVM implements spec.md §4.J's run_vm: add the primary vCPU to the
// ready queue of its bound pCPU.
func RunVM(v *VM) error {
	if len(v.Tasks) == 0 {
		return fmt.Errorf("vm[%s]: RunVM: no tasks", v.Name)
	}

	primary := v.Tasks[0]

	p, ok := v.taskPCPU[primary]
	if !ok {
		return fmt.Errorf("vm[%s]: RunVM: primary task not bound to a pCPU", v.Name)
	}

	p.AddReadyTail(primary)

	return nil
}

// PCPUFor returns the pCPU task is bound to, or nil if it is not (yet)
// bound. Nothing in this repository calls it; the hypervisor's run loop
// uses TasksOn.
func (v *VM) PCPUFor(task *scheduler.Task) *scheduler.PCPU { return v.taskPCPU[task] }

// TasksOn returns this VM's tasks bound to pcpu, in Tasks order. Used by
// the hypervisor's per-pCPU timer tick to scope vtimer.Tick to exactly the
// vCPUs that pCPU owns, per vtimer.Tick's own affinity-already-filtered
// contract.
func (v *VM) TasksOn(pcpu *scheduler.PCPU) []*scheduler.Task {
	var ts []*scheduler.Task

	for _, t := range v.Tasks {
		if v.taskPCPU[t] == pcpu {
			ts = append(ts, t)
		}
	}

	return ts
}

// TaskByMPIDR implements the psci.VM seam: find the task whose
// synthesized mpidr_el1[7:0] equals target.
func (v *VM) TaskByMPIDR(target uint64) (*scheduler.Task, *scheduler.PCPU, bool) {
	for _, t := range v.Tasks {
		if t.MPIDR&0xFF == target {
			return t, v.taskPCPU[t], true
		}
	}

	return nil, nil, false
}
