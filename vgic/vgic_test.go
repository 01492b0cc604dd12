package vgic_test

import (
	"testing"

	"github.com/armhv/armhv/vgic"
)

func checkInvariants(t *testing.T, c *vgic.CPUState, ids []uint32) {
	t.Helper()

	for slot := 0; slot < vgic.LRNum; slot++ {
		empty := c.LR[slot] == 0
		elsr := (c.ELSR0>>uint(slot))&1 == 1

		if empty != elsr {
			t.Errorf("ELSR0 bit %d = %v, but LR[%d] empty = %v (spec.md §8 item 2)", slot, elsr, slot, empty)
		}
	}

	for _, id := range ids {
		pending := c.Pending(id)
		inLR := false

		for _, lr := range c.LR {
			if lr != 0 && lr.VINTID() == id {
				inLR = true
			}
		}

		if pending && inLR {
			t.Errorf("irq %d is both pending and reflected in an LR (spec.md §8 item 1)", id)
		}
	}
}

func TestSPISaturation(t *testing.T) {
	dist := vgic.NewDistState()
	c := vgic.NewCPUState()

	ids := []uint32{100, 101, 102, 103, 104}
	for _, id := range ids {
		dist.SetSPIEnabled(id, true)
	}

	for _, id := range ids {
		if err := c.InjectSPI(dist, id, false); err != nil {
			t.Fatalf("InjectSPI(%d): %v", id, err)
		}
	}

	c.TryInjectPending()

	landed := 0

	for _, lr := range c.LR {
		if lr != 0 {
			landed++
		}
	}

	if landed != vgic.LRNum {
		t.Fatalf("expected exactly %d LRs occupied, got %d", vgic.LRNum, landed)
	}

	if !c.Pending(ids[4]) {
		t.Fatalf("5th SPI should remain pending when LR_NUM=%d", vgic.LRNum)
	}

	checkInvariants(t, c, ids)

	// Free one LR (simulate guest EOI) and confirm the pending SPI lands.
	c.EOI(ids[0])
	checkInvariants(t, c, ids)

	c.TryInjectPending()

	if c.Pending(ids[4]) {
		t.Fatalf("5th SPI should have been injected once a slot freed")
	}

	checkInvariants(t, c, ids)
}

func TestInjectPPIDroppedWhenDisabled(t *testing.T) {
	c := vgic.NewCPUState()

	if err := c.InjectPPI(20, true); err != nil {
		t.Fatalf("InjectPPI: %v", err)
	}

	if c.Pending(20) {
		t.Errorf("PPI 20 should have been dropped: not enabled")
	}

	c.SetPPIEnabled(20, true)

	if err := c.InjectPPI(20, true); err != nil {
		t.Fatalf("InjectPPI: %v", err)
	}

	if !anyLRHas(c, 20) {
		t.Errorf("PPI 20 should have been injected immediately while running")
	}
}

func TestDoubleInjectDoesNotDuplicate(t *testing.T) {
	c := vgic.NewCPUState()
	c.SetPPIEnabled(27, true)

	if err := c.InjectPPI(27, true); err != nil {
		t.Fatal(err)
	}

	if err := c.InjectPPI(27, false); err != nil {
		t.Fatal(err)
	}

	c.TryInjectPending()

	count := 0

	for _, lr := range c.LR {
		if lr != 0 && lr.VINTID() == 27 {
			count++
		}
	}

	if count != 1 {
		t.Errorf("irq 27 reflected in %d LRs, want 1", count)
	}
}

func anyLRHas(c *vgic.CPUState, id uint32) bool {
	for _, lr := range c.LR {
		if lr != 0 && lr.VINTID() == id {
			return true
		}
	}

	return false
}

func TestSaveRestore(t *testing.T) {
	c := vgic.NewCPUState()
	c.SetPPIEnabled(27, true)

	if err := c.InjectPPI(27, true); err != nil {
		t.Fatal(err)
	}

	snap := c.Save()

	c2 := vgic.NewCPUState()
	c2.Restore(snap)

	if c2.LR != c.LR || c2.ELSR0 != c.ELSR0 {
		t.Errorf("restored state does not match saved state")
	}
}
