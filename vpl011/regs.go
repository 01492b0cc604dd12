package vpl011

// Register offsets, matching the ARM PrimeCell PL011 closely enough for
// Linux's pl011 driver to recognize the device (spec.md §6).
const (
	OffsetDR   = 0x000
	OffsetRSR  = 0x004
	OffsetFR   = 0x018
	OffsetILPR = 0x020
	OffsetIBRD = 0x024
	OffsetFBRD = 0x028
	OffsetLCRH = 0x02C
	OffsetCR   = 0x030
	OffsetIFLS = 0x034
	OffsetIMSC = 0x038
	OffsetRIS  = 0x03C
	OffsetMIS  = 0x040
	OffsetICR  = 0x044

	OffsetPeriphID0 = 0xFE0
	OffsetPeriphID1 = 0xFE4
	OffsetPeriphID2 = 0xFE8
	OffsetPeriphID3 = 0xFEC
	OffsetPCellID0  = 0xFF0
	OffsetPCellID1  = 0xFF4
	OffsetPCellID2  = 0xFF8
	OffsetPCellID3  = 0xFFC
)

// Fixed PrimeCell identification values.
var periphID = [4]uint32{0x11, 0x10, 0x34, 0x00}
var pCellID = [4]uint32{0x0D, 0xF0, 0x05, 0xB1}

// FR (flag register) bits.
const (
	frTXFE = 1 << 7
	frRXFF = 1 << 6
	frTXFF = 1 << 5
	frRXFE = 1 << 4
	frBUSY = 1 << 3
)

// CR (control register) bits.
const (
	crTXE = 1 << 8
	crRXE = 1 << 9
)

// RIS/IMSC/MIS bit positions, matching the real PL011 (RXRIS=4, TXRIS=5).
const (
	risRX = 1 << 4
	risTX = 1 << 5
)
