// Package supervisor implements the top-level loop described in spec
// §4.7: reopen the serial port after errors, rate-limit the main
// loop, and respond to interruption with a clean stop. Both the
// sender and receiver daemons are one supervised loop wrapped around
// a C4/C5 state machine.
package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sierra-ops/datadiode/internal/disposition"
	"github.com/sierra-ops/datadiode/internal/discovery"
	"github.com/sierra-ops/datadiode/internal/hooks"
	"github.com/sierra-ops/datadiode/internal/protocol"
	"github.com/sierra-ops/datadiode/internal/serial"
	"github.com/sierra-ops/datadiode/internal/transfer"
)

// defaultReopenBackoff is how long the supervisor waits between
// attempts to reopen a closed port (spec §7 error kind 1).
const defaultReopenBackoff = 10 * time.Second

// defaultLoopRateMin/defaultLoopRateMax bound the supervisory loop's
// rest between passes (spec §4.7: "a short interval, 5-15 s").
const (
	defaultLoopRateMin = 5 * time.Second
	defaultLoopRateMax = 15 * time.Second
)

// timing holds the supervisory loop's configurable delays, embedded in
// both daemons below. Production callers leave these zero and get the
// spec §4.7/§7 defaults; tests shrink them so the reopen/backoff/
// rate-limit contract can be verified in milliseconds instead of
// waiting out the real 5-15 s production values.
type timing struct {
	ReopenBackoff time.Duration
	LoopRateMin   time.Duration
	LoopRateMax   time.Duration
}

func (t timing) reopenBackoff() time.Duration {
	if t.ReopenBackoff > 0 {
		return t.ReopenBackoff
	}
	return defaultReopenBackoff
}

func (t timing) loopRateBounds() (time.Duration, time.Duration) {
	min, max := t.LoopRateMin, t.LoopRateMax
	if min <= 0 {
		min = defaultLoopRateMin
	}
	if max <= 0 {
		max = defaultLoopRateMax
	}
	if max <= min {
		max = min + 1
	}
	return min, max
}

func (t timing) loopRate() time.Duration {
	min, max := t.loopRateBounds()
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// aliveInterval is how often the sender writes a keepalive while idle;
// it shares the loop rate's upper bound (spec §4.8).
func (t timing) aliveInterval() time.Duration {
	_, max := t.loopRateBounds()
	return max
}

// Dialer opens the serial link; production code points this at
// serial.Dial, tests substitute a fake.
type Dialer func() (serial.Device, error)

// announcer is satisfied by *serial.Adapter. It is checked with a type
// assertion rather than folded into serial.Device so the in-memory
// fakes used by the transfer-package tests don't need to implement it;
// it is a nice-to-have status line, not part of the protocol (spec §9
// supplemented feature 1).
type announcer interface {
	Announce(msg string) error
}

// deviceHolder lets a long-lived goroutine (discovery.Walker.Run) send
// a best-effort announcement over whatever device the daemon currently
// has open, without either side needing to know about reconnects: the
// daemon calls set whenever dev changes, discovery calls announce.
type deviceHolder struct {
	mu  sync.Mutex
	dev serial.Device
}

func (h *deviceHolder) set(dev serial.Device) {
	h.mu.Lock()
	h.dev = dev
	h.mu.Unlock()
}

func (h *deviceHolder) announce(msg string) error {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return nil
	}
	a, ok := dev.(announcer)
	if !ok {
		return nil
	}
	return a.Announce(msg)
}

// Stats accumulates per-run transfer counts, mirroring the original
// sender tooling's successful/failed counters (spec §9 supplemented
// feature 3). LogFile is copied into the outgoing tree once any
// transfer has completed this run.
type Stats struct {
	Successful int
	Failed     int
}

func (s Stats) any() bool { return s.Successful+s.Failed > 0 }

// SenderDaemon drives the C4 sender state machine in a loop: discover
// files, cache each one, transfer it, dispose of it, repeat.
type SenderDaemon struct {
	Dial      Dialer
	Discover  *discovery.Walker
	SourceDir string
	CacheDir  string
	LogFile   string
	Log       *logrus.Logger

	timing
	stats Stats
}

// Run blocks until ctx is cancelled, reopening the port whenever it
// fails and resuming discovery afterward.
func (d *SenderDaemon) Run(ctx context.Context) error {
	holder := &deviceHolder{}
	d.Discover.Notify = holder.announce

	entries := make(chan discovery.Entry, 64)
	go func() {
		if err := d.Discover.Run(ctx, entries); err != nil && !errors.Is(err, context.Canceled) {
			d.Log.WithError(err).Error("discovery stopped")
		}
	}()

	var dev serial.Device
	defer func() {
		if dev != nil {
			_ = dev.Close()
		}
	}()

	idleAlive := time.NewTicker(d.aliveInterval())
	defer idleAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(dev)
		default:
		}

		if dev == nil {
			var err error
			dev, err = d.Dial()
			if err != nil {
				d.Log.WithError(err).Warn("open port failed, retrying")
				if !sleepCtx(ctx, d.reopenBackoff()) {
					return d.shutdown(dev)
				}
				continue
			}
			holder.set(dev)
			d.Log.Info("port opened")
			if a, ok := dev.(announcer); ok {
				if err := a.Announce("diode-send up"); err != nil {
					d.Log.WithError(err).Debug("port announce failed")
				}
			}
		}

		select {
		case <-ctx.Done():
			return d.shutdown(dev)
		case <-idleAlive.C:
			if _, err := dev.Write([]byte(protocol.Alive)); err != nil {
				d.Log.WithError(err).Warn("keepalive write failed, reopening port")
				_ = dev.Close()
				dev = nil
				holder.set(nil)
			}
		case entry := <-entries:
			if err := d.handle(ctx, dev, entry); err != nil {
				d.Log.WithFields(logrus.Fields{"base": entry.Base}).WithError(err).Error("transfer failed")
				if isLinkError(err) {
					_ = dev.Close()
					dev = nil
					holder.set(nil)
				}
			}
			if !sleepCtx(ctx, d.loopRate()) {
				return d.shutdown(dev)
			}
		}
	}
}

func (d *SenderDaemon) handle(ctx context.Context, dev serial.Device, entry discovery.Entry) error {
	log := d.Log.WithFields(logrus.Fields{"subfolder": entry.Subfolder, "base": entry.Base})

	cachePath, err := disposition.Cache(entry.Path, d.CacheDir, entry.Subfolder, entry.Base)
	if err != nil {
		return err
	}
	defer func() {
		if err := disposition.RemoveCache(cachePath); err != nil {
			log.WithError(err).Warn("failed to remove cache copy")
		}
	}()

	sender := transfer.NewSender(dev, log)
	outcome := sender.Send(ctx, transfer.Request{
		CachePath: cachePath,
		Subfolder: entry.Subfolder,
		Base:      entry.Base,
		Size:      entry.Size,
	})
	if outcome.Err != nil {
		if _, dErr := disposition.DisposeSent(d.SourceDir, entry.Subfolder, entry.Base, false, entry.Path); dErr != nil {
			log.WithError(dErr).Warn("failed to move source file to failed/")
		}
		d.stats.Failed++
		d.publishLog(log)
		return outcome.Err
	}

	if _, err := disposition.DisposeSent(d.SourceDir, entry.Subfolder, entry.Base, outcome.Success, entry.Path); err != nil {
		return err
	}
	if outcome.Success {
		d.stats.Successful++
	} else {
		d.stats.Failed++
	}
	log.WithField("success", outcome.Success).Info("transfer complete")
	d.publishLog(log)
	return nil
}

// publishLog hands the process log file off to the outgoing tree once
// this run has completed at least one transfer, mirroring the
// original sender's gate on successful+failed > 0 (spec §9
// supplemented feature 3).
func (d *SenderDaemon) publishLog(log *logrus.Entry) {
	if d.LogFile == "" || !d.stats.any() {
		return
	}
	if err := disposition.PublishLog(d.LogFile, d.SourceDir); err != nil {
		log.WithError(err).Warn("failed to publish log file")
	}
}

func (d *SenderDaemon) shutdown(dev serial.Device) error {
	if dev != nil {
		if a, ok := dev.(announcer); ok {
			_ = a.Announce("diode-send shutting down")
		}
		_ = dev.DeassertRTS()
		_ = dev.DeassertDTR()
		_ = dev.Close()
	}
	d.Log.Info("sender shutting down")
	return nil
}

// ReceiverDaemon drives the C5 receiver state machine in a loop,
// dispatching each completed delivery to a post-create hook chain.
type ReceiverDaemon struct {
	Dial       Dialer
	StagingDir string
	OutputDir  string
	Hook       hooks.PostCreateHook
	Log        *logrus.Logger

	// LastAlive is the timestamp of the most recently observed ALIVE
	// keepalive, surfaced for logging only — the original tooling sets
	// but never reads this flag back (spec §9 supplemented feature 5).
	LastAlive time.Time

	timing
}

// Run blocks until ctx is cancelled, reopening the port on error and
// always returning to IDLE for the next file.
func (d *ReceiverDaemon) Run(ctx context.Context) error {
	var dev serial.Device
	defer func() {
		if dev != nil {
			_ = dev.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(dev)
		default:
		}

		if dev == nil {
			var err error
			dev, err = d.Dial()
			if err != nil {
				d.Log.WithError(err).Warn("open port failed, retrying")
				if !sleepCtx(ctx, d.reopenBackoff()) {
					return d.shutdown(dev)
				}
				continue
			}
			d.Log.Info("port opened")
		}

		receiver := transfer.NewReceiver(dev, d.StagingDir, logrus.NewEntry(d.Log))
		receiver.OnAlive = func() { d.LastAlive = time.Now() }
		delivery, err := receiver.ReceiveOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return d.shutdown(dev)
			}
			d.Log.WithError(err).Warn("receive pass failed")
			if isLinkError(err) {
				_ = dev.Close()
				dev = nil
			}
			if !sleepCtx(ctx, d.loopRate()) {
				return d.shutdown(dev)
			}
			continue
		}

		destPath, err := disposition.DisposeReceived(d.StagingDir, d.OutputDir, delivery.Subfolder, delivery.Base, delivery.Match, delivery.PartPath)
		if err != nil {
			d.Log.WithError(err).Error("failed to dispose received file")
			continue
		}
		if delivery.Match && d.Hook != nil {
			if err := d.Hook.OnCreated(ctx, destPath); err != nil {
				d.Log.WithError(err).Warn("post-create hook failed")
			}
		}
		d.Log.WithFields(logrus.Fields{
			"subfolder": delivery.Subfolder,
			"base":      delivery.Base,
			"match":     delivery.Match,
		}).Info("delivery complete")
	}
}

func (d *ReceiverDaemon) shutdown(dev serial.Device) error {
	if dev != nil {
		_ = dev.DeassertRTS()
		_ = dev.DeassertDTR()
		_ = dev.Close()
	}
	d.Log.Info("receiver shutting down")
	return nil
}

// isLinkError reports whether err looks like a port-level failure
// (as opposed to a protocol timeout or hash mismatch), in which case
// the supervisor should reopen the device rather than simply retrying
// the next file on the same handle.
func isLinkError(err error) bool {
	return errors.Is(err, serial.ErrClosed)
}

// sleepCtx sleeps for d or returns early if ctx is cancelled; it
// reports whether the sleep completed without cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
