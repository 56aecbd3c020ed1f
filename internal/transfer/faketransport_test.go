package transfer

import (
	"sync"
)

// fakeDevice is an in-memory serial.Device pair: two fakeDevices can be
// wired bidirectionally (one's outbox feeds the other's inbox) so the
// sender and receiver state machines can be driven against each other
// without a real UART, the same testing seam serial.Device exists for.
type fakeDevice struct {
	mu sync.Mutex

	inbox []byte
	peer  *fakeDevice // where Write() delivers bytes

	rts, dtr bool // lines this side drives
	cts, dsr bool // lines this side observes (set by the peer)

	// tamper, if set, rewrites every outbound write before it reaches
	// the peer's inbox. Tests use it to flip a byte mid-transfer
	// without touching any sentinel, simulating link corruption (spec
	// §8 P3, scenario 5). It must return a slice of the same length.
	tamper func([]byte) []byte
}

// link wires a and b so each one's outbound writes land in the
// other's inbox, and each one's RTS/DTR is observed by the other as
// CTS/DSR, matching the physical RTS(local)->CTS(peer) wiring spec
// §4.5 describes.
func link(a, b *fakeDevice) {
	a.peer = b
	b.peer = a
}

func newFakeDevice() *fakeDevice {
	// All four lines start deasserted.
	return &fakeDevice{}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	tamper := d.tamper
	d.mu.Unlock()

	out := p
	if tamper != nil {
		out = tamper(p)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peer != nil {
		d.peer.mu.Lock()
		d.peer.inbox = append(d.peer.inbox, out...)
		d.peer.mu.Unlock()
	}
	return len(p), nil
}

func (d *fakeDevice) BytesAvailable() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbox), nil
}

func (d *fakeDevice) ReadAvailable(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.inbox)
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, d.inbox[:n])
	d.inbox = d.inbox[n:]
	return n, nil
}

func (d *fakeDevice) AssertRTS() error   { return d.setLocal(&d.rts, true) }
func (d *fakeDevice) DeassertRTS() error { return d.setLocal(&d.rts, false) }
func (d *fakeDevice) AssertDTR() error   { return d.setLocal(&d.dtr, true) }
func (d *fakeDevice) DeassertDTR() error { return d.setLocal(&d.dtr, false) }

func (d *fakeDevice) setLocal(line *bool, on bool) error {
	d.mu.Lock()
	*line = on
	peer := d.peer
	d.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		if line == &d.rts {
			peer.cts = on
		} else {
			peer.dsr = on
		}
		peer.mu.Unlock()
	}
	return nil
}

func (d *fakeDevice) CTS() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cts, nil
}

func (d *fakeDevice) DSR() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dsr, nil
}

func (d *fakeDevice) EnableFlowControl() error  { return nil }
func (d *fakeDevice) DisableFlowControl() error { return nil }
func (d *fakeDevice) Close() error              { return nil }
