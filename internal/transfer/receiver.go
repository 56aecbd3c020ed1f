package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sierra-ops/datadiode/internal/hashutil"
	"github.com/sierra-ops/datadiode/internal/protocol"
	"github.com/sierra-ops/datadiode/internal/serial"
)

// Delivery describes one file the receiver finished handling: where it
// staged the bytes, the subfolder/base it parsed from the wire, and
// whether the hash matched. The caller (supervisor) disposes of the
// staging file via internal/disposition and invokes any post-create
// hooks.
type Delivery struct {
	PartPath  string
	Subfolder string
	Base      string
	Match     bool
}

// Receiver runs the C5 state machine against a serial.Device.
type Receiver struct {
	Device  serial.Device
	Log     *logrus.Entry
	TempDir string
	Policy  Policy

	// OnAlive is called each time a keepalive line is observed while
	// idle (spec §9 supplemented feature 5: best-effort liveness).
	OnAlive func()
}

// NewReceiver returns a Receiver logging under the given logrus entry
// (or the logrus standard logger if log is nil) and using DefaultPolicy.
func NewReceiver(dev serial.Device, tempDir string, log *logrus.Entry) *Receiver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Receiver{Device: dev, Log: log, TempDir: tempDir, Policy: DefaultPolicy}
}

// ReceiveOne runs one full pass of the loop body described in spec
// §4.4: IDLE → ACK_READY → WAIT_FILE → READ_NAME → RECEIVE →
// ACK_DATA → READ_HASH → SIGNAL_RESULT. The caller loops this forever;
// on any error the line state is left however the step that failed
// left it; hardware flow control is always disabled again before
// returning.
func (r *Receiver) ReceiveOne(ctx context.Context) (Delivery, error) {
	if err := r.idle(ctx); err != nil {
		return Delivery{}, err
	}
	if err := r.Device.AssertRTS(); err != nil {
		return Delivery{}, fmt.Errorf("receiver: assert RTS: %w", err)
	}

	if err := r.waitFile(ctx); err != nil {
		return Delivery{}, err
	}
	if err := r.Device.DeassertRTS(); err != nil {
		return Delivery{}, fmt.Errorf("receiver: deassert RTS: %w", err)
	}

	subfolder, base, err := r.readName(ctx)
	if err != nil {
		return Delivery{}, err
	}
	log := r.Log.WithFields(logrus.Fields{"subfolder": subfolder, "base": base})

	partPath, err := r.receive(ctx, subfolder, base, log)
	if err != nil {
		return Delivery{}, err
	}

	if err := r.ackData(ctx); err != nil {
		return Delivery{}, err
	}

	peerHash, err := r.readHash(ctx)
	if err != nil {
		return Delivery{}, err
	}

	match, err := r.signalResult(partPath, peerHash, log)
	if err != nil {
		return Delivery{}, err
	}

	return Delivery{PartPath: partPath, Subfolder: subfolder, Base: base, Match: match}, nil
}

// idle deasserts the out-of-band lines and waits (unbounded, per spec
// §4.4 step 1's "loop forever") for an exact READY sentinel,
// tolerating ALIVE/SERVER UPDATE informational lines in between.
func (r *Receiver) idle(ctx context.Context) error {
	if err := r.Device.DeassertRTS(); err != nil {
		return fmt.Errorf("receiver: idle deassert RTS: %w", err)
	}
	if err := r.Device.DeassertDTR(); err != nil {
		return fmt.Errorf("receiver: idle deassert DTR: %w", err)
	}
	return r.readExact(ctx, "IDLE", protocol.Ready, 0)
}

func (r *Receiver) waitFile(ctx context.Context) error {
	return r.readExact(ctx, "WAIT_FILE", protocol.File, 0)
}

// ackData asserts DTR (hash check in progress, seen by the sender as
// DSR high) before the hash is read, so the sender's post-hash DSR poll
// cannot read a verdict early; then asserts RTS and waits for DONE.
func (r *Receiver) ackData(ctx context.Context) error {
	if err := r.Device.AssertDTR(); err != nil {
		return fmt.Errorf("receiver: ack data assert DTR: %w", err)
	}
	if err := r.Device.AssertRTS(); err != nil {
		return fmt.Errorf("receiver: ack data assert RTS: %w", err)
	}
	return r.readExact(ctx, "ACK_DATA", protocol.Done, 0)
}

// maxHandshakeBuf bounds the phase-boundary accumulation buffer so a
// talkative peer emitting keepalives indefinitely can't grow it
// without limit; only the tail matters for sentinel detection.
const maxHandshakeBuf = 4096

// readExact accumulates phase-boundary reads until the buffer ends in
// the expected sentinel (a suffix match, since an announce or
// keepalive line may arrive coalesced with the sentinel that follows
// it in the same read), or any other sentinel substring appears — an
// out-of-sync violation per spec §4.1 mode 1.
func (r *Receiver) readExact(ctx context.Context, phase, expected string, timeout time.Duration) error {
	var buf []byte
	return waitFor(ctx, phase, timeout, r.Policy.HandshakePoll, func() (bool, error) {
		n, err := r.Device.BytesAvailable()
		if err != nil {
			return false, err
		}
		if n > 0 {
			chunk := make([]byte, n)
			if _, err := r.Device.ReadAvailable(chunk); err != nil {
				return false, err
			}
			if r.OnAlive != nil && bytes.Contains(chunk, []byte(protocol.Alive)) {
				r.OnAlive()
			}
			buf = append(buf, chunk...)
		}

		if bytes.HasSuffix(buf, []byte(expected)) {
			return true, nil
		}
		if sentinel, found := protocol.ContainsAny(buf); found && sentinel != expected {
			return false, &protocol.SyncError{Sentinel: sentinel}
		}
		if len(buf) > maxHandshakeBuf {
			buf = buf[len(buf)-maxHandshakeBuf:]
		}
		return false, nil
	})
}

// readName accumulates bytes until ENDFNAME appears, strips it, and
// splits the remainder into subfolder/base (spec §4.4 step 4).
func (r *Receiver) readName(ctx context.Context) (subfolder, base string, err error) {
	var buf []byte
	werr := waitFor(ctx, "READ_NAME", r.Policy.FilenameTimeout, r.Policy.HandshakePoll, func() (bool, error) {
		n, err := r.Device.BytesAvailable()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		chunk := make([]byte, n)
		if _, err := r.Device.ReadAvailable(chunk); err != nil {
			return false, err
		}
		buf = append(buf, chunk...)
		return bytes.Contains(buf, []byte(protocol.EndFName)), nil
	})
	if werr != nil {
		return "", "", werr
	}

	idx := bytes.Index(buf, []byte(protocol.EndFName))
	name := buf[:idx]
	if sentinel, found := protocol.ContainsAny(name); found {
		return "", "", fmt.Errorf("receiver: %w: filename contains %q", protocol.ErrOutOfSync, sentinel)
	}

	full := string(name)
	dir, b := splitPath(full)
	return dir, b, nil
}

// splitPath separates a slash-delimited relative path into its
// directory and base components; a name with no slash has no
// subfolder.
func splitPath(name string) (dir, base string) {
	idx := bytes.LastIndexByte([]byte(name), '/')
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

// receive creates the staging file, enables hardware flow control, and
// writes bytes as they arrive until EOFScanner reports completion,
// per spec §4.4 step 5.
func (r *Receiver) receive(ctx context.Context, subfolder, base string, log *logrus.Entry) (string, error) {
	dir := r.TempDir
	if subfolder != "" {
		dir = r.TempDir + "/" + subfolder
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("receiver: create staging dir: %w", err)
	}
	partPath := dir + "/" + base + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return "", fmt.Errorf("receiver: create staging file: %w", err)
	}
	defer f.Close()

	if err := r.Device.EnableFlowControl(); err != nil {
		return "", fmt.Errorf("receiver: enable flow control: %w", err)
	}
	defer func() {
		if err := r.Device.DisableFlowControl(); err != nil {
			log.WithError(err).Warn("disable flow control after receive")
		}
	}()
	if err := r.Device.AssertRTS(); err != nil {
		return "", fmt.Errorf("receiver: assert RTS for bulk: %w", err)
	}

	scanner := protocol.NewEOFScanner()
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(r.Policy.StallTimeout)
	for {
		n, err := r.Device.BytesAvailable()
		if err != nil {
			return partPath, err
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return partPath, &ErrTimeout{Phase: "RECEIVE", Timeout: r.Policy.StallTimeout}
			}
			select {
			case <-ctx.Done():
				return partPath, ctx.Err()
			case <-time.After(r.Policy.BulkIdleSleep):
			}
			continue
		}

		if n > len(buf) {
			n = len(buf)
		}
		n, err = r.Device.ReadAvailable(buf[:n])
		if err != nil {
			return partPath, err
		}
		result, err := scanner.Feed(buf[:n])
		if err != nil {
			return partPath, fmt.Errorf("receiver: %w", err)
		}
		if result.MidChunkEOF {
			log.Warn("EOF sentinel seen mid-chunk; continuing (file will fail hash check)")
		}
		if len(result.Payload) > 0 {
			if _, err := f.Write(result.Payload); err != nil {
				return partPath, fmt.Errorf("receiver: write staging file: %w", err)
			}
		}
		deadline = time.Now().Add(r.Policy.StallTimeout)
		if result.Done {
			return partPath, nil
		}
		time.Sleep(r.Policy.BulkActiveSleep)
	}
}

// readHash waits for 32 buffered bytes and reads exactly that many,
// trimming trailing NULs, per spec §4.4 step 7.
func (r *Receiver) readHash(ctx context.Context) (string, error) {
	err := waitFor(ctx, "READ_HASH", r.Policy.HashTimeout, r.Policy.HandshakePoll, func() (bool, error) {
		n, err := r.Device.BytesAvailable()
		if err != nil {
			return false, err
		}
		return n >= protocol.HashLen, nil
	})
	if err != nil {
		return "", err
	}
	buf := make([]byte, protocol.HashLen)
	if _, err := r.Device.ReadAvailable(buf); err != nil {
		return "", fmt.Errorf("receiver: read hash: %w", err)
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

// signalResult computes the staged file's MD5, compares it to the
// peer's transmitted hash, and drives RTS/DTR to convey the verdict
// per spec §4.4 step 8.
func (r *Receiver) signalResult(partPath, peerHash string, log *logrus.Entry) (bool, error) {
	if err := r.Device.DeassertRTS(); err != nil {
		return false, fmt.Errorf("receiver: signal deassert RTS: %w", err)
	}
	if err := r.Device.AssertDTR(); err != nil {
		return false, fmt.Errorf("receiver: signal assert DTR: %w", err)
	}

	localHash, err := hashutil.FileMD5(partPath)
	if err != nil {
		return false, fmt.Errorf("receiver: hash staged file: %w", err)
	}
	match := localHash == peerHash
	if !match {
		log.WithFields(logrus.Fields{"local": localHash, "peer": peerHash}).Warn("hash mismatch")
	}

	if match {
		if err := r.Device.AssertRTS(); err != nil {
			return false, err
		}
	} else {
		if err := r.Device.DeassertRTS(); err != nil {
			return false, err
		}
	}
	if err := r.Device.DeassertDTR(); err != nil {
		return false, err
	}
	return match, nil
}
