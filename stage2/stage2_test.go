package stage2_test

import (
	"testing"

	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/stage2"
	"github.com/armhv/armhv/vgic"
	"github.com/armhv/armhv/vpl011"
)

type countingIRQ struct{ n int }

func (c *countingIRQ) InjectUARTIRQ() error { c.n++; return nil }

func newRouter() (*stage2.Router, *vgic.DistState, *vgic.CPUState) {
	dist := vgic.NewDistState()
	cpu := vgic.NewCPUState()
	uart := vpl011.New(&countingIRQ{}, nil)

	return stage2.NewRouter("vm0", dist, uart), dist, cpu
}

func TestDispatchUnclaimedWindow(t *testing.T) {
	t.Parallel()

	r, _, cpu := newRouter()

	fault := &stage2.Stage2Fault{GPA: 0x50000000, AccessSize: 4}

	handled, err := r.Dispatch(cpu, fault)
	if err != nil {
		t.Fatal(err)
	}

	if handled {
		t.Fatalf("expected an address outside every window to be unhandled")
	}
}

func TestDispatchVirtioWindowReservedUnbound(t *testing.T) {
	t.Parallel()

	r, _, cpu := newRouter()

	fault := &stage2.Stage2Fault{GPA: kvmarm.VirtioMMIOBase, AccessSize: 4}

	handled, err := r.Dispatch(cpu, fault)
	if err != nil {
		t.Fatal(err)
	}

	if handled {
		t.Fatalf("virtio-mmio window should be unbound (handled=false) until a transport attaches")
	}
}

func TestDispatchPL011RoutesToDevice(t *testing.T) {
	t.Parallel()

	r, _, cpu := newRouter()

	fault := &stage2.Stage2Fault{
		GPA:        kvmarm.PL011Base + vpl011.OffsetDR,
		IsWrite:    true,
		AccessSize: 1,
		Value:      uint64('A'),
	}

	handled, err := r.Dispatch(cpu, fault)
	if err != nil {
		t.Fatal(err)
	}

	if !handled {
		t.Fatalf("expected PL011 window to be claimed")
	}
}

func TestDispatchGICDEnableBit(t *testing.T) {
	t.Parallel()

	r, dist, cpu := newRouter()

	// GICD_ISENABLER1 covers irqs 32-63; bit 1 is irq 33 (PL011).
	fault := &stage2.Stage2Fault{
		GPA:        kvmarm.GICDBase + 0x104,
		IsWrite:    true,
		AccessSize: 4,
		Value:      1 << 1,
	}

	handled, err := r.Dispatch(cpu, fault)
	if err != nil {
		t.Fatal(err)
	}

	if !handled {
		t.Fatalf("expected GICD window to be claimed")
	}

	if !dist.SPIEnabled(33) {
		t.Errorf("expected irq 33 enabled after ISENABLER1 bit 1 write")
	}
}

func TestDispatchGICCIARSpuriousWhenEmpty(t *testing.T) {
	t.Parallel()

	r, _, cpu := newRouter()

	fault := &stage2.Stage2Fault{GPA: kvmarm.GICCBase + 0x00C, AccessSize: 4}

	handled, err := r.Dispatch(cpu, fault)
	if err != nil {
		t.Fatal(err)
	}

	if !handled {
		t.Fatalf("expected GICC window to be claimed")
	}

	if fault.Value != 1023 {
		t.Errorf("GICC_IAR on empty LRs = %d, want 1023 (spurious)", fault.Value)
	}
}
