package vm

import (
	"golang.org/x/sys/unix"
)

// enableStdinRawMode disables canonical mode and echo on stdin so guest
// keystrokes reach the serial UART's receive queue unbuffered and
// unechoed. Returns a restore function; if stdin is not a terminal (e.g.
// piped input in a test), it is a no-op and restore does nothing.
func enableStdinRawMode() (restore func(), err error) {
	orig, err := unix.IoctlGetTermios(unix.Stdin, unix.TCGETS)
	if err != nil {
		if err == unix.ENOTTY {
			return func() {}, nil
		}

		return nil, err
	}

	raw := *orig
	raw.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
	raw.Iflag &^= unix.IXON | unix.ICRNL
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(unix.Stdin, unix.TCSETS, &raw); err != nil {
		return nil, err
	}

	return func() {
		unix.IoctlSetTermios(unix.Stdin, unix.TCSETS, orig)
	}, nil
}
