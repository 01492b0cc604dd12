// Package console is the physical-console multiplexer spec.md §4.H
// describes: exactly one VM is the active console at a time, escape
// sequences read from the physical RX switch which VM (or the hypervisor
// itself) owns the terminal. Grounded on the teacher's vmm.VMM.Boot
// stdin-reader goroutine and serial.Start, generalized from "one VM" to
// "N VMs, explicit switch".
package console

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/armhv/armhv/term"
	"github.com/armhv/armhv/vpl011"
)

const escByte = 0x1B

// hvCommand is the sentinel "active" value meaning the hypervisor command
// prompt, not any VM, currently owns the terminal.
const hvCommand = -1

// VM is the subset of VM state the console needs to know about.
type VM struct {
	ID     int
	Name   string
	Device *vpl011.Device
}

// Mux owns the raw-mode terminal and routes bytes between it and the set
// of registered VMs' vPL011 devices.
type Mux struct {
	vms    []*VM
	active int

	out *os.File

	escPending bool
	cmdline    []byte

	restore func()
}

// New registers vms (primary-VM-first order matches hypervisor.New's arena order)
// and makes the first one active.
func New(vms []*VM) *Mux {
	m := &Mux{vms: vms, active: 0, out: os.Stdout}

	for _, v := range vms {
		v.Device.SetOutput(&vmWriter{mux: m, vmID: v.ID})
	}

	return m
}

// vmWriter is what each VM's vpl011.Device writes its TX bytes to: the
// active VM's output passes through unprefixed, everyone else's is
// prefixed "[VMn] " (spec.md §8 scenario S4).
type vmWriter struct {
	mux  *Mux
	vmID int

	atLineStart bool
}

func (w *vmWriter) Write(p []byte) (int, error) {
	if w.mux.active == w.vmID {
		return w.mux.out.Write(p)
	}

	for _, b := range p {
		if !w.atLineStart {
			fmt.Fprintf(w.mux.out, "[VM%d] ", w.vmID)
			w.atLineStart = true
		}

		w.mux.out.Write([]byte{b})

		if b == '\n' {
			w.atLineStart = false
		}
	}

	return len(p), nil
}

// Run puts the terminal into raw mode and services stdin until a read
// from it fails or hits EOF. The command prompt's "exit" command does not
// end Run; it only makes VM 0 active again.
// It is meant to be run in its own goroutine, exactly as vmm.VMM.Boot runs
// its stdin-reader goroutine in the teacher.
func (m *Mux) Run() {
	if !term.IsTerminal() {
		log.Printf("console: stdin is not a terminal, no interactive console")

		return
	}

	restore, err := term.SetRawMode()
	if err != nil {
		log.Printf("console: SetRawMode: %v", err)

		return
	}

	m.restore = restore
	defer restore()

	in := bufio.NewReader(os.Stdin)

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		m.handleByte(b)
	}
}

func (m *Mux) handleByte(b byte) {
	if m.escPending {
		m.escPending = false
		m.handleEscape(b)

		return
	}

	if b == escByte {
		m.escPending = true

		return
	}

	if m.active == hvCommand {
		m.handleCommandByte(b)

		return
	}

	m.vms[m.active].Device.InjectRX(b)
}

// handleEscape dispatches ESC '0'..'4', 'h', 's' per spec.md §4.H.
func (m *Mux) handleEscape(b byte) {
	switch {
	case b == '0':
		m.active = hvCommand
		m.cmdline = m.cmdline[:0]
		fmt.Fprint(m.out, "\r\nhypervisor> ")
	case b >= '1' && b <= '4':
		idx := int(b - '1')
		if idx < len(m.vms) {
			m.active = idx
			fmt.Fprintf(m.out, "\r\n[switched to VM%d]\r\n", m.vms[idx].ID)
		}
	case b == 'h':
		m.printHelp()
	case b == 's':
		m.printStatus()
	}
}

func (m *Mux) handleCommandByte(b byte) {
	switch b {
	case '\r', '\n':
		fmt.Fprint(m.out, "\r\n")
		m.runCommand(string(m.cmdline))
		m.cmdline = m.cmdline[:0]

		if m.active == hvCommand {
			fmt.Fprint(m.out, "hypervisor> ")
		}
	case 0x7f, 0x08: // backspace/delete
		if len(m.cmdline) > 0 {
			m.cmdline = m.cmdline[:len(m.cmdline)-1]
			fmt.Fprint(m.out, "\b \b")
		}
	default:
		m.cmdline = append(m.cmdline, b)
		m.out.Write([]byte{b})
	}
}

func (m *Mux) runCommand(line string) {
	switch line {
	case "help":
		m.printHelp()
	case "status":
		m.printStatus()
	case "list":
		for _, v := range m.vms {
			fmt.Fprintf(m.out, "VM%d: %s\r\n", v.ID, v.Name)
		}
	case "exit":
		if len(m.vms) > 0 {
			m.active = 0
		}
	default:
		const vmPrefix = "vm "
		if len(line) > len(vmPrefix) && line[:len(vmPrefix)] == vmPrefix {
			var idx int
			if _, err := fmt.Sscanf(line[len(vmPrefix):], "%d", &idx); err == nil && idx < len(m.vms) {
				m.active = idx

				return
			}
		}

		if line != "" {
			fmt.Fprintf(m.out, "unknown command %q\r\n", line)
		}
	}
}

func (m *Mux) printHelp() {
	fmt.Fprint(m.out, "\r\ncommands: help, status, list, vm <id>, exit\r\n")
}

func (m *Mux) printStatus() {
	fmt.Fprintf(m.out, "\r\n%d VM(s) registered, active=%d\r\n", len(m.vms), m.active)
}

var _ io.Writer = (*vmWriter)(nil)
