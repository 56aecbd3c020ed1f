package serial

import (
	"fmt"
	"time"
)

// Line names the four modem-control signals the protocol repurposes for
// out-of-band phase signaling, per spec §3/§4.5.
type Line int

const (
	RTS Line = iota
	DTR
	CTS
	DSR
)

// Device is the behavior the diode protocol needs from a serial
// connection: raw byte I/O, modem-line get/set, and on-demand hardware
// flow control. Production code satisfies it with *Adapter; tests
// satisfy it with a fake so the handshake/bulk/hash state machines can
// run without a real UART (see internal/transfer/faketransport_test.go).
type Device interface {
	Write(p []byte) (int, error)
	BytesAvailable() (int, error)
	ReadAvailable(buf []byte) (int, error)

	AssertRTS() error
	DeassertRTS() error
	AssertDTR() error
	DeassertDTR() error
	CTS() (bool, error)
	DSR() (bool, error)

	EnableFlowControl() error
	DisableFlowControl() error

	Close() error
}

// Adapter wraps a termios Port with the 8N1/921600/no-software-flow-control
// configuration and the modem-line semantics spec §4.5 and §6 describe.
// It is the sole piece of this repository that talks directly to the
// kernel tty layer.
type Adapter struct {
	port *Port
}

// Dial opens the named tty device and puts it in raw mode at the given
// baud rate with hardware flow control disabled (it is toggled on only
// for the bulk-data phase, see EnableFlowControl).
func Dial(name string, baud CFlag) (*Adapter, error) {
	port, err := openPort(name)
	if err != nil {
		return nil, err
	}
	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, wrapErr("get termios attrs", err)
	}
	attrs.MakeRaw()
	attrs.SetSpeed(baud)
	attrs.Cflag |= CREAD | CLOCAL
	attrs.Cflag &^= CSTOPB
	attrs.Cflag &^= CRTSCTS
	if err := port.SetAttr(TCSANOW, attrs); err != nil {
		port.Close()
		return nil, wrapErr("set termios attrs", err)
	}
	return &Adapter{port: port}, nil
}

// openPort exists so tests in this package can stub port creation;
// production callers should use Dial.
var openPort = func(name string) (*Port, error) {
	return Open(name, nil)
}

func (a *Adapter) Write(p []byte) (int, error) {
	return a.port.Write(p)
}

func (a *Adapter) BytesAvailable() (int, error) {
	return a.port.BytesAvailable()
}

// ReadAvailable reads whatever is currently queued, up to len(buf), without
// blocking beyond what BytesAvailable already reported present.
func (a *Adapter) ReadAvailable(buf []byte) (int, error) {
	n, err := a.port.BytesAvailable()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if n > len(buf) {
		n = len(buf)
	}
	return a.port.Read(buf[:n])
}

func (a *Adapter) setLine(line ModemLine, on bool) error {
	if on {
		return a.port.EnableModemLines(line)
	}
	return a.port.DisableModemLines(line)
}

func (a *Adapter) AssertRTS() error   { return a.setLine(TIOCM_RTS, true) }
func (a *Adapter) DeassertRTS() error { return a.setLine(TIOCM_RTS, false) }
func (a *Adapter) AssertDTR() error   { return a.setLine(TIOCM_DTR, true) }
func (a *Adapter) DeassertDTR() error { return a.setLine(TIOCM_DTR, false) }

func (a *Adapter) line(bit ModemLine) (bool, error) {
	lines, err := a.port.GetModemLines()
	if err != nil {
		return false, err
	}
	return lines&bit != 0, nil
}

func (a *Adapter) CTS() (bool, error) { return a.line(TIOCM_CTS) }
func (a *Adapter) DSR() (bool, error) { return a.line(TIOCM_DSR) }

// EnableFlowControl turns on hardware RTS/CTS so the UART driver itself
// gates writes on CTS during the bulk-data phase (spec §4.3 step 5,
// §4.4 step 5).
func (a *Adapter) EnableFlowControl() error {
	attrs, err := a.port.GetAttr()
	if err != nil {
		return err
	}
	attrs.Cflag |= CRTSCTS
	return a.port.SetAttr(TCSANOW, attrs)
}

// DisableFlowControl releases hardware flow control so RTS/CTS are free
// for out-of-band phase signaling again.
func (a *Adapter) DisableFlowControl() error {
	attrs, err := a.port.GetAttr()
	if err != nil {
		return err
	}
	attrs.Cflag &^= CRTSCTS
	return a.port.SetAttr(TCSANOW, attrs)
}

// Announce writes an informational "SERVER UPDATE: " line. The receiver's
// phase-boundary scanner treats any such line as informational and logs
// it rather than treating it as a protocol violation (spec §4.1, §9
// supplemented feature 1).
func (a *Adapter) Announce(msg string) error {
	_, err := a.Write([]byte(fmt.Sprintf("SERVER UPDATE: %s\n", msg)))
	return err
}

func (a *Adapter) Close() error {
	return a.port.Close()
}

var _ Device = (*Adapter)(nil)

// DefaultReopenDelay is how long the supervisory loop waits between
// attempts to reopen a closed port (spec §7 error kind 1).
const DefaultReopenDelay = 10 * time.Second
