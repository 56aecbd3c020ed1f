package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkerFindsFilesAndDeletesIgnored(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.bin"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Thumbs.db"), []byte("junk"), 0o644))

	// A long poll interval and a short context deadline ensure only the
	// initial immediate scan runs, so the ignored file's single
	// surviving entry isn't rediscovered on a later tick.
	w := NewWalker(root, time.Hour, nil)
	out := make(chan Entry, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_ = w.Run(ctx, out)
	close(out)

	var found []Entry
	for e := range out {
		found = append(found, e)
	}
	require.Len(t, found, 1)
	assert.Equal(t, "sub", found[0].Subfolder)
	assert.Equal(t, "a.bin", found[0].Base)

	_, err := os.Stat(filepath.Join(root, "Thumbs.db"))
	assert.True(t, os.IsNotExist(err))
}

func TestWalkerAnnouncesMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	w := NewWalker(missing, time.Hour, nil)
	var notified []string
	w.Notify = func(msg string) error {
		notified = append(notified, msg)
		return nil
	}

	out := make(chan Entry, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_ = w.Run(ctx, out)
	close(out)

	require.Len(t, notified, 1)
	assert.Contains(t, notified[0], missing)
	assert.Contains(t, notified[0], "not found")

	var found []Entry
	for e := range out {
		found = append(found, e)
	}
	assert.Empty(t, found)
}
