package devices

import "sync"

// I8042Addr and I8042Len bound the emulated keyboard controller's I/O
// window, per spec §6: 0x61..0x65.
const (
	I8042Addr = 0x61
	I8042Len  = 0x4
)

// ResetByte is the documented reset-request byte: writing it to the i8042
// raises the exit event (spec §4.6, §6, scenario S3).
const ResetByte = 0x0e

// I8042 is a minimal emulation of the PS/2 keyboard controller, reduced to
// what the monitor actually needs: ignoring guest probes/reads, and raising
// exitEvt when the guest writes the reset byte. Ported from the teacher's
// funcOutbCF9/ErrorWriteToCF9 handling at port 0xcf9, relocated to this
// spec's documented device (port 0x61, not 0xcf9).
type I8042 struct {
	mu      sync.Mutex
	exitEvt *EventChannel
}

// NewI8042 constructs a keyboard controller that raises exitEvt on reset.
func NewI8042(exitEvt *EventChannel) *I8042 {
	return &I8042{exitEvt: exitEvt}
}

// In fills every requested byte with 0x20, whatever the port. A real 8042
// has richer semantics; the monitor only needs the guest's boot-time probes
// to see a stable, uninteresting controller.
func (d *I8042) In(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0x20
	}

	return nil
}

// Out watches for the documented reset byte and raises the exit event when
// seen; all other writes are dropped.
func (d *I8042) Out(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if data[0] != ResetByte {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.exitEvt != nil {
		return d.exitEvt.Raise()
	}

	return nil
}
