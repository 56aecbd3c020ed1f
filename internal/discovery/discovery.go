// Package discovery watches the sender's source directory for files
// ready to transmit. It is one of the external collaborators the core
// protocol consumes (spec §1): it hands the sender a stream of
// (path, relative_subfolder) tuples and otherwise stays out of the
// protocol's way.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/sierra-ops/datadiode/internal/disposition"
)

// Entry is one file ready to transmit.
type Entry struct {
	Path      string // absolute path on disk
	Subfolder string // relative directory under root, slash-separated
	Base      string
	Size      int64
}

// Walker periodically scans root for files, combined with an
// fsnotify watch that triggers an immediate extra scan on filesystem
// activity so newly dropped files aren't stuck waiting for the next
// tick. This mirrors rclone's local backend changenotify: a coarse
// poll loop as the source of truth, fsnotify only shortens the
// latency between polls.
type Walker struct {
	Root     string
	Ignored  map[string]struct{}
	Interval time.Duration
	Log      *logrus.Entry

	// Notify is a best-effort wire announcement hook, called once per
	// scan when Root is missing, mirroring the original sender's
	// `sendmessage(ser, 'Source folder "{}" not found.'...)` behavior.
	// Nil disables the announcement; errors from it are logged, not
	// propagated, since a missing notifier path must never fail
	// discovery itself.
	Notify func(msg string) error
}

// NewWalker returns a Walker over root, polling every interval and
// skipping names in disposition.DefaultIgnored.
func NewWalker(root string, interval time.Duration, log *logrus.Entry) *Walker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Walker{Root: root, Ignored: disposition.DefaultIgnored, Interval: interval, Log: log}
}

// Run scans root on a timer, plus immediately whenever fsnotify
// reports a create/write/rename under root, and sends each discovered
// Entry to out. It blocks until ctx is cancelled. A failure to start
// the fsnotify watch is logged and tolerated — the poll loop alone
// still satisfies discovery, just with higher latency.
func (w *Walker) Run(ctx context.Context, out chan<- Entry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.Log.WithError(err).Warn("fsnotify unavailable, falling back to polling only")
		watcher = nil
	} else {
		defer watcher.Close()
		if err := w.watchTree(watcher); err != nil {
			w.Log.WithError(err).Warn("failed to establish recursive fsnotify watch")
		}
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	scan := func() {
		if err := w.scanOnce(ctx, out); err != nil {
			w.Log.WithError(err).Warn("discovery scan failed")
		}
	}
	scan()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			scan()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				scan()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.Log.WithError(err).Warn("fsnotify watch error")
		}
	}
}

func (w *Walker) watchTree(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// scanOnce walks root once, deleting ignored files in place (spec
// §4.6) and emitting every remaining regular file as an Entry. If root
// itself is missing, it warns and announces over the wire instead of
// walking (spec §9 supplemented feature 2) rather than returning the
// generic WalkDir error the caller would otherwise just log.
func (w *Walker) scanOnce(ctx context.Context, out chan<- Entry) error {
	if _, err := os.Stat(w.Root); err != nil {
		w.Log.WithError(err).WithField("root", w.Root).Warn("source directory not found")
		if w.Notify != nil {
			msg := fmt.Sprintf("Source folder %q not found.", w.Root)
			if nErr := w.Notify(msg); nErr != nil {
				w.Log.WithError(nErr).Warn("failed to announce missing source directory")
			}
		}
		return nil
	}
	return filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if disposition.IsIgnored(d.Name(), w.Ignored) {
			if rmErr := os.Remove(path); rmErr != nil {
				w.Log.WithError(rmErr).WithField("path", path).Warn("failed to delete ignored file")
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(w.Root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if rel == "." {
			rel = ""
		}
		entry := Entry{
			Path:      path,
			Subfolder: filepath.ToSlash(rel),
			Base:      d.Name(),
			Size:      info.Size(),
		}
		select {
		case out <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}
