package devices

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EventChannel is a wait-free, single-writer eventfd-style counting signal.
// Devices raise it (Raise) when they want the backend to observe a level
// change (interrupt line) or the monitor to observe a request (exit);
// EventPoller reads are performed only by the monitor thread, per spec §5.
type EventChannel struct {
	fd int
}

// NewEventChannel creates a new non-blocking eventfd counter.
func NewEventChannel() (*EventChannel, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("devices: Eventfd: %w", err)
	}

	return &EventChannel{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for registration with the
// backend (as an interrupt source) or the event poller (as a read source).
func (e *EventChannel) Fd() int {
	return e.fd
}

// Raise increments the eventfd counter by one.
func (e *EventChannel) Raise() error {
	var buf [8]byte
	buf[0] = 1

	_, err := unix.Write(e.fd, buf[:])

	return err
}

// Drain reads and resets the eventfd counter, returning the count that had
// accumulated. A non-blocking eventfd with nothing pending returns 0.
func (e *EventChannel) Drain() (uint64, error) {
	var buf [8]byte

	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}

		return 0, err
	}

	if n != 8 {
		return 0, fmt.Errorf("devices: short eventfd read: %d bytes", n)
	}

	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v, nil
}

// Close releases the eventfd.
func (e *EventChannel) Close() error {
	return unix.Close(e.fd)
}
