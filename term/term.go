// Package term puts the physical console into raw mode for the duration
// of a boot session. It has nothing hypervisor-specific about it; unlike
// the teacher's hand-rolled ioctl numbers, this version goes through
// golang.org/x/sys/unix's typed termios helpers.
package term

import "golang.org/x/sys/unix"

// IsTerminal reports whether stdin is attached to a real terminal. A VMM
// launched from a script or CI job should not try to read console escape
// sequences from a pipe.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(0, unix.TCGETS)

	return err == nil
}

// SetRawMode puts stdin into raw mode (no echo, no line buffering, no
// signal-generating control characters) so the console multiplexer sees
// every byte, including the escape sequences in spec.md §4.H. It returns a
// restore function the caller must call on exit.
func SetRawMode() (func(), error) {
	old, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	raw := *old
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(0, unix.TCSETS, &raw); err != nil {
		return func() {}, err
	}

	return func() {
		_ = unix.IoctlSetTermios(0, unix.TCSETS, old)
	}, nil
}
