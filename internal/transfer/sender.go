// Package transfer implements the per-file sender and receiver state
// machines (spec §4.3/§4.4): the handshake, the bulk-data phase, the
// hash exchange, and the result signal, all driven against a
// serial.Device so the phase logic is testable without a real UART.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sierra-ops/datadiode/internal/hashutil"
	"github.com/sierra-ops/datadiode/internal/protocol"
	"github.com/sierra-ops/datadiode/internal/serial"
)

// Request describes one file to transmit: its cached source path, the
// relative subfolder and base name advertised to the peer, and its
// size (used only for the informational announce line).
type Request struct {
	CachePath string
	Subfolder string
	Base      string
	Size      int64
}

// Outcome is the final per-file result the caller uses to drive
// disposition (transferred/ vs failed/, cache cleanup).
type Outcome struct {
	Success bool
	Err     error
}

// Sender runs the C4 state machine against a serial.Device.
type Sender struct {
	Device serial.Device
	Log    *logrus.Entry
	Policy Policy
}

// NewSender returns a Sender logging under the given logrus entry
// (or the logrus standard logger if log is nil) and using DefaultPolicy.
func NewSender(dev serial.Device, log *logrus.Entry) *Sender {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sender{Device: dev, Log: log, Policy: DefaultPolicy}
}

// Send drives one file through ANNOUNCE → WAIT_REQ → WAIT_ACK_NAME →
// SEND_NAME → SEND_DATA → WAIT_DONE → SEND_HASH → READ_RESULT, per
// spec §4.3. It always attempts to disable hardware flow control
// before returning, win or lose, matching step 9.
func (s *Sender) Send(ctx context.Context, req Request) Outcome {
	log := s.Log.WithFields(logrus.Fields{"subfolder": req.Subfolder, "base": req.Base})

	md5sum, err := hashutil.FileMD5(req.CachePath)
	if err != nil {
		return Outcome{Err: fmt.Errorf("sender: hash cache file: %w", err)}
	}

	if err := s.announce(req); err != nil {
		return Outcome{Err: err}
	}
	if err := s.waitReq(ctx); err != nil {
		return Outcome{Err: err}
	}
	if err := s.waitAckName(ctx); err != nil {
		return Outcome{Err: err}
	}
	if err := s.sendName(req); err != nil {
		return Outcome{Err: err}
	}

	defer func() {
		if err := s.Device.DisableFlowControl(); err != nil {
			log.WithError(err).Warn("disable flow control after transfer")
		}
	}()

	if err := s.sendData(ctx, req.CachePath); err != nil {
		return Outcome{Err: err}
	}
	if err := s.waitDone(ctx); err != nil {
		return Outcome{Err: err}
	}
	if err := s.sendHash(md5sum); err != nil {
		return Outcome{Err: err}
	}
	success, err := s.readResult(ctx)
	if err != nil {
		return Outcome{Err: err}
	}
	if !success {
		log.Warn("receiver reported hash mismatch")
	}
	return Outcome{Success: success}
}

// announce writes the informational "<base> <size>\n" line (step 1).
func (s *Sender) announce(req Request) error {
	_, err := s.Device.Write([]byte(fmt.Sprintf("%s %d\n", req.Base, req.Size)))
	if err != nil {
		return fmt.Errorf("sender: announce: %w", err)
	}
	return nil
}

// waitReq repeatedly writes READY until CTS asserts (step 2).
func (s *Sender) waitReq(ctx context.Context) error {
	return signalUntil(ctx, "WAIT_REQ", s.Policy.ReadyAttempts, s.Policy.ReadyDelay,
		func() error {
			_, err := s.Device.Write([]byte(protocol.Ready))
			return err
		},
		s.Device.CTS,
	)
}

// waitAckName repeatedly writes FILE until CTS deasserts (step 3).
func (s *Sender) waitAckName(ctx context.Context) error {
	return signalUntil(ctx, "WAIT_ACK_NAME", s.Policy.FileAckAttempts, s.Policy.FileAckDelay,
		func() error {
			_, err := s.Device.Write([]byte(protocol.File))
			return err
		},
		func() (bool, error) {
			on, err := s.Device.CTS()
			return !on, err
		},
	)
}

// sendName writes "<subfolder>/<base>" followed by ENDFNAME (step 4).
func (s *Sender) sendName(req Request) error {
	name := req.Base
	if req.Subfolder != "" {
		name = req.Subfolder + "/" + req.Base
	}
	_, err := s.Device.Write([]byte(name + protocol.EndFName))
	if err != nil {
		return fmt.Errorf("sender: send name: %w", err)
	}
	return nil
}

// sendData enables hardware flow control and streams the cached file
// in fixed-size chunks, gating each write on CTS and scanning each
// chunk for sentinel injection before it reaches the wire (step 5,
// invariant P1).
func (s *Sender) sendData(ctx context.Context, path string) error {
	if err := s.Device.EnableFlowControl(); err != nil {
		return fmt.Errorf("sender: enable flow control: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sender: open cache file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, protocol.ChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if sentinel, found := protocol.ContainsAny(chunk); found {
				return fmt.Errorf("sender: %w: chunk contains %q", protocol.ErrOutOfSync, sentinel)
			}
			if err := s.waitCTSAsserted(ctx); err != nil {
				return err
			}
			if _, err := s.Device.Write(chunk); err != nil {
				return fmt.Errorf("sender: write chunk: %w", err)
			}
			time.Sleep(s.Policy.ChunkSleep)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("sender: read cache file: %w", readErr)
		}
	}

	time.Sleep(s.Policy.DrainPause)
	if _, err := s.Device.Write([]byte(protocol.EOF)); err != nil {
		return fmt.Errorf("sender: write EOF: %w", err)
	}
	return nil
}

// waitCTSAsserted spin-waits for CTS, re-asserting RTS if it finds the
// line deasserted, per step 5's "re-assert own RTS and continue
// waiting" instruction.
func (s *Sender) waitCTSAsserted(ctx context.Context) error {
	return waitFor(ctx, "SEND_DATA", s.Policy.CTSBulkTimeout, s.Policy.HandshakePoll, func() (bool, error) {
		on, err := s.Device.CTS()
		if err != nil {
			return false, err
		}
		if !on {
			if err := s.Device.AssertRTS(); err != nil {
				return false, err
			}
		}
		return on, nil
	})
}

// waitDone repeatedly writes DONE until CTS asserts (step 6). It first
// pauses one DoneDelay so the receiver reads EOF on its own; a DONE
// arriving in the same read as EOF would abort the bulk phase.
func (s *Sender) waitDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.Policy.DoneDelay):
	}
	return signalUntil(ctx, "WAIT_DONE", s.Policy.DoneAttempts, s.Policy.DoneDelay,
		func() error {
			_, err := s.Device.Write([]byte(protocol.Done))
			return err
		},
		s.Device.CTS,
	)
}

// sendHash writes the 32-byte hex MD5 (step 7).
func (s *Sender) sendHash(md5sum string) error {
	_, err := s.Device.Write([]byte(md5sum))
	if err != nil {
		return fmt.Errorf("sender: send hash: %w", err)
	}
	return nil
}

// readResult polls for DSR to deassert (hash check complete), then
// reads CTS for the success/failure verdict (step 8).
func (s *Sender) readResult(ctx context.Context) (bool, error) {
	err := waitFor(ctx, "READ_RESULT", 0, s.Policy.PostHashPoll, func() (bool, error) {
		on, err := s.Device.DSR()
		return !on, err
	})
	if err != nil {
		return false, err
	}
	success, err := s.Device.CTS()
	if err != nil {
		return false, fmt.Errorf("sender: read result: %w", err)
	}
	return success, nil
}
