package transfer

import (
	"context"
	"fmt"
	"time"
)

// ErrTimeout is returned by the wait primitives below when their
// deadline elapses before the condition is satisfied.
type ErrTimeout struct {
	Phase   string
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("transfer: timeout in phase %s after %s", e.Phase, e.Timeout)
}

// waitFor polls cond every interval until it returns true, ctx is
// cancelled, or timeout elapses. This is the single primitive the
// Design Notes call for, replacing the teacher protocol's ad-hoc
// per-phase sleep loops: every "wait for X or timeout" in the state
// machines below is one call to this function with a different
// predicate.
// A timeout of zero or less means no deadline: the caller waits until
// cond succeeds or ctx is cancelled. Sender.readResult uses this for
// the post-hash DSR wait, which spec §5 documents as uncapped.
func waitFor(ctx context.Context, phase string, timeout, interval time.Duration, cond func() (bool, error)) error {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return &ErrTimeout{Phase: phase, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// signalUntil repeatedly calls write, pausing delay between attempts,
// until cond reports the expected line state or attempts are exhausted.
// This is the sender's "write READY/FILE/DONE until CTS flips" pattern
// from spec §4.3 steps 2/3/6, expressed once instead of three times.
func signalUntil(ctx context.Context, phase string, attempts int, delay time.Duration, write func() error, cond func() (bool, error)) error {
	for i := 0; i < attempts; i++ {
		if err := write(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return &ErrTimeout{Phase: phase, Timeout: time.Duration(attempts) * delay}
}
