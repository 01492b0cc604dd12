package hypervisor

import (
	"testing"

	"github.com/armhv/armhv/dispatch"
	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/psci"
	"github.com/armhv/armhv/scheduler"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vm"
	"github.com/armhv/armhv/vtimer"
)

type fakeVCPU struct {
	regs map[uint64]uint64
	run  kvmarm.RunData
}

func newFakeVCPU() *fakeVCPU { return &fakeVCPU{regs: map[uint64]uint64{}} }

func (f *fakeVCPU) GetOneReg(id uint64) (uint64, error) { return f.regs[id], nil }

func (f *fakeVCPU) SetOneReg(id, val uint64) error {
	f.regs[id] = val

	return nil
}

func (f *fakeVCPU) Run() (kvmarm.ExitReason, error) { return kvmarm.ExitMmio, nil }
func (f *fakeVCPU) Interrupt() error                { return nil }
func (f *fakeVCPU) RunData() *kvmarm.RunData        { return &f.run }

func newTestTask(vmid int) *scheduler.Task {
	return scheduler.NewTask(0, vmid, 0, "vcpu0", 1, newFakeVCPU(), &vtimer.VCPUState{}, vgic.NewCPUState())
}

func TestPSCIFuncRoutesToOwningVM(t *testing.T) {
	t.Parallel()

	var s State

	id, err := s.arena.AllocVM()
	if err != nil {
		t.Fatal(err)
	}

	s.arena.Put(id, &vm.VM{ID: id, Name: "vm0"})

	caller := newTestTask(int(id))

	got := s.psciFunc(caller, psci.FIDVersion, 0, 0, 0)
	if got != psci.Version0Dot2 {
		t.Errorf("psciFunc(PSCI_VERSION) = %#x, want %#x", got, psci.Version0Dot2)
	}
}

func TestPSCIFuncUnknownVMReturnsNotSupported(t *testing.T) {
	t.Parallel()

	var s State

	caller := newTestTask(99)

	got := s.psciFunc(caller, psci.FIDVersion, 0, 0, 0)
	if got != psci.NotSupported {
		t.Errorf("psciFunc with no owning VM = %#x, want NOT_SUPPORTED", got)
	}
}

func TestForEachVMSkipsEmptySlots(t *testing.T) {
	t.Parallel()

	var s State

	id, err := s.arena.AllocVM()
	if err != nil {
		t.Fatal(err)
	}

	s.arena.Put(id, &vm.VM{ID: id, Name: "only"})

	var seen []string

	s.forEachVM(func(v *vm.VM) { seen = append(seen, v.Name) })

	if len(seen) != 1 || seen[0] != "only" {
		t.Errorf("forEachVM visited %v, want exactly [\"only\"]", seen)
	}
}

func TestDecodeExitHypercallRoutesThroughKernelDecode(t *testing.T) {
	t.Parallel()

	vcpu := newFakeVCPU()

	exit, _, err := decodeExit(vcpu, kvmarm.ExitHypercall)
	if err != nil {
		t.Fatal(err)
	}

	if exit.Kind != dispatch.ExitKindHypercall {
		t.Errorf("decodeExit(ExitHypercall).Kind = %v, want ExitKindHypercall", exit.Kind)
	}
}

func TestDecodeExitMmioRoutesThroughKernelDecode(t *testing.T) {
	t.Parallel()

	vcpu := newFakeVCPU()

	exit, _, err := decodeExit(vcpu, kvmarm.ExitMmio)
	if err != nil {
		t.Fatal(err)
	}

	if exit.Kind != dispatch.ExitKindMMIO {
		t.Errorf("decodeExit(ExitMmio).Kind = %v, want ExitKindMMIO", exit.Kind)
	}
}

func TestDecodeExitExceptionReadsESR(t *testing.T) {
	t.Parallel()

	vcpu := newFakeVCPU()
	vcpu.regs[kvmarm.RegESR] = uint64(dispatch.ECWFx) << 26

	exit, esr, err := decodeExit(vcpu, kvmarm.ExitException)
	if err != nil {
		t.Fatal(err)
	}

	if exit.Kind != dispatch.ExitKindException {
		t.Errorf("decodeExit(ExitException).Kind = %v, want ExitKindException", exit.Kind)
	}

	if esr.EC() != dispatch.ECWFx {
		t.Errorf("decoded EC = %#x, want ECWFx", esr.EC())
	}
}

func TestDecodeExitArmNisvReconstructsDataAbortESR(t *testing.T) {
	t.Parallel()

	vcpu := newFakeVCPU()

	exit, esr, err := decodeExit(vcpu, kvmarm.ExitArmNisv)
	if err != nil {
		t.Fatal(err)
	}

	if esr.EC() != dispatch.ECDataAbortLow {
		t.Errorf("decoded EC = %#x, want ECDataAbortLow", esr.EC())
	}

	if exit.Kind != dispatch.ExitKindException {
		t.Errorf("decodeExit(ExitArmNisv).Kind = %v, want ExitKindException", exit.Kind)
	}
}

func TestDecodeExitUnexpectedReasonErrors(t *testing.T) {
	t.Parallel()

	vcpu := newFakeVCPU()

	if _, _, err := decodeExit(vcpu, kvmarm.ExitIO); err == nil {
		t.Fatalf("expected decodeExit to reject a reason the caller should have filtered out")
	}
}

func TestMmioExitKindDecodesLittleEndianValue(t *testing.T) {
	t.Parallel()

	exit := mmioExitKind(0x09000018, []byte{0x90, 0x00, 0x00, 0x00}, false)

	if exit.GPA != 0x09000018 || exit.AccessSize != 4 || exit.Value != 0x90 || exit.IsWrite {
		t.Errorf("mmioExitKind = %+v", exit)
	}
}
