// Package vpl011 is the virtual PL011 (spec.md §4.H): per-VM
// register/FIFO state, MMIO read/write, RX injection, and interrupt
// generation. The physical-console multiplexer that sits on top of one or
// more Devices lives in package console.
package vpl011

import (
	"errors"
	"io"
	"log"
)

// ErrBadSize is returned for an MMIO access whose width this device does
// not support.
var ErrBadSize = errors.New("vpl011: unsupported access size")

// IRQInjector is the seam between this device model and the vGIC: Device
// never touches vgic directly (spec.md §4.H only specifies "inject SPI
// 33"), matching the teacher's identically-shaped serial.IRQInjector.
type IRQInjector interface {
	InjectUARTIRQ() error
}

// Device is one VM's vPL011 register/FIFO state (spec.md §3).
type Device struct {
	rsr  byte
	ilpr byte
	ibrd uint16
	fbrd byte
	lcrh byte
	cr   uint16
	ifls byte
	imsc byte
	ris  byte

	rx fifo
	tx fifo

	irq    IRQInjector
	output io.Writer
}

// New returns a Device with CR reset to the PL011 power-on default
// (UARTEN|TXE|RXE would require explicit enable on real hardware; QEMU's
// virt firmware enables it before Linux probes, so this hypervisor resets
// TXE/RXE enabled to match what guests observe in practice).
func New(irq IRQInjector, output io.Writer) *Device {
	return &Device{
		cr:     crTXE | crRXE,
		irq:    irq,
		output: output,
	}
}

// SetOutput redirects console output, used by console.Mux to route a VM's
// bytes through the active/inactive prefixing logic instead of directly
// to stdout.
func (d *Device) SetOutput(w io.Writer) { d.output = w }

// InjectRX pushes one byte into the RX FIFO as if it arrived on the wire,
// then updates interrupts (spec.md §4.H). Returns false if the FIFO was
// full and the byte was dropped.
func (d *Device) InjectRX(b byte) bool {
	ok := d.rx.push(b)
	if !ok {
		log.Printf("vpl011: RX FIFO full, dropping byte %#02x (dropped=%d)", b, d.rx.dropped)
	}

	d.updateInterrupts()

	return ok
}

// Read services an MMIO read trapped by the stage-2 router.
func (d *Device) Read(offset uint64, size int) (uint64, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, ErrBadSize
	}

	switch offset {
	case OffsetDR:
		b, ok := d.rx.pop()
		if !ok {
			b = 0
		}

		d.updateInterrupts()

		return uint64(b), nil
	case OffsetRSR:
		return uint64(d.rsr), nil
	case OffsetFR:
		return uint64(d.flagRegister()), nil
	case OffsetILPR:
		return uint64(d.ilpr), nil
	case OffsetIBRD:
		return uint64(d.ibrd), nil
	case OffsetFBRD:
		return uint64(d.fbrd), nil
	case OffsetLCRH:
		return uint64(d.lcrh), nil
	case OffsetCR:
		return uint64(d.cr), nil
	case OffsetIFLS:
		return uint64(d.ifls), nil
	case OffsetIMSC:
		return uint64(d.imsc), nil
	case OffsetRIS:
		return uint64(d.ris), nil
	case OffsetMIS:
		return uint64(d.mis()), nil
	case OffsetPeriphID0, OffsetPeriphID1, OffsetPeriphID2, OffsetPeriphID3:
		return uint64(periphID[(offset-OffsetPeriphID0)/4]), nil
	case OffsetPCellID0, OffsetPCellID1, OffsetPCellID2, OffsetPCellID3:
		return uint64(pCellID[(offset-OffsetPCellID0)/4]), nil
	default:
		return 0, nil
	}
}

// Write services an MMIO write trapped by the stage-2 router.
func (d *Device) Write(offset uint64, val uint64, size int) error {
	if size != 1 && size != 2 && size != 4 {
		return ErrBadSize
	}

	switch offset {
	case OffsetDR:
		ok := d.tx.push(byte(val))
		if !ok {
			log.Printf("vpl011: TX FIFO full, dropping byte %#02x", byte(val))
		}

		d.drainTX()
		d.updateInterrupts()
	case OffsetRSR:
		d.rsr = 0 // any write clears the receive status register
	case OffsetILPR:
		d.ilpr = byte(val)
	case OffsetIBRD:
		d.ibrd = uint16(val)
	case OffsetFBRD:
		d.fbrd = byte(val)
	case OffsetLCRH:
		d.lcrh = byte(val)
	case OffsetCR:
		d.cr = uint16(val)
		d.updateInterrupts()
	case OffsetIFLS:
		d.ifls = byte(val)
	case OffsetIMSC:
		d.imsc = byte(val)
		d.updateInterrupts()
	case OffsetICR:
		d.ris &^= byte(val)
	}

	return nil
}

// drainTX simulates a one-cycle transmit: every byte pushed to TX is
// immediately echoed to the physical console and removed (spec.md §4.H
// "DR write").
func (d *Device) drainTX() {
	for {
		b, ok := d.tx.pop()
		if !ok {
			return
		}

		if d.output != nil {
			_, _ = d.output.Write([]byte{b})
		}
	}
}

// flagRegister re-derives TXFE/TXFF/RXFE/RXFF from the FIFO counts on
// every read, per spec.md §3's invariant.
func (d *Device) flagRegister() byte {
	var fr byte

	if d.tx.empty() {
		fr |= frTXFE
	}

	if d.tx.full() {
		fr |= frTXFF
	}

	if d.rx.empty() {
		fr |= frRXFE
	}

	if d.rx.full() {
		fr |= frRXFF
	}

	return fr
}

func (d *Device) mis() byte { return d.ris & d.imsc }

// updateInterrupts recomputes RIS and, if any unmasked interrupt is
// pending, injects SPI 33 into the VM's primary vCPU (spec.md §4.H
// "update_interrupts").
func (d *Device) updateInterrupts() {
	if d.rx.len() > 0 && d.cr&crRXE != 0 {
		d.ris |= risRX
	} else {
		d.ris &^= risRX
	}

	if d.tx.len() < fifoCapacity && d.cr&crTXE != 0 {
		d.ris |= risTX
	} else {
		d.ris &^= risTX
	}

	if d.mis() != 0 && d.irq != nil {
		if err := d.irq.InjectUARTIRQ(); err != nil {
			log.Printf("vpl011: InjectUARTIRQ: %v", err)
		}
	}
}
