package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sierra-ops/datadiode/internal/hashutil"
)

// testPolicy scales every handshake delay down to milliseconds so
// the fake-link round trips run in well under a second instead of
// the tens of seconds the real spec-mandated delays would take.
var testPolicy = Policy{
	ReadyAttempts:   5,
	ReadyDelay:      5 * time.Millisecond,
	FileAckAttempts: 5,
	FileAckDelay:    5 * time.Millisecond,
	DoneAttempts:    5,
	DoneDelay:       5 * time.Millisecond,
	FilenameTimeout: 2 * time.Second,
	CTSBulkTimeout:  2 * time.Second,
	StallTimeout:    2 * time.Second,
	HashTimeout:     2 * time.Second,
	HandshakePoll:   2 * time.Millisecond,
	BulkIdleSleep:   2 * time.Millisecond,
	BulkActiveSleep: 0,
	ChunkSleep:      0,
	PostHashPoll:    2 * time.Millisecond,
	DrainPause:      5 * time.Millisecond,
}

// runPair drives one Sender.Send and one Receiver.ReceiveOne
// concurrently over a linked fakeDevice pair and returns both results.
func runPair(t *testing.T, req Request, tempDir string) (Outcome, Delivery, error) {
	t.Helper()
	senderSide := newFakeDevice()
	receiverSide := newFakeDevice()
	link(senderSide, receiverSide)

	sender := NewSender(senderSide, nil)
	sender.Policy = testPolicy
	receiver := NewReceiver(receiverSide, tempDir, nil)
	receiver.Policy = testPolicy

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type recvResult struct {
		d   Delivery
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		d, err := receiver.ReceiveOne(ctx)
		recvCh <- recvResult{d, err}
	}()

	outcome := sender.Send(ctx, req)
	rr := <-recvCh
	return outcome, rr.d, rr.err
}

func writeCacheFile(t *testing.T, dir string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, "cache.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestRoundTripEmptyFile(t *testing.T) {
	dir := t.TempDir()
	cache := writeCacheFile(t, dir, nil)
	req := Request{CachePath: cache, Subfolder: "sub", Base: "a.bin", Size: 0}

	outcome, delivery, err := runPair(t, req, filepath.Join(dir, "staging"))
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.True(t, delivery.Match)
	assert.Equal(t, "sub", delivery.Subfolder)
	assert.Equal(t, "a.bin", delivery.Base)

	data, err := os.ReadFile(delivery.PartPath)
	require.NoError(t, err)
	assert.Empty(t, data)

	sum, err := hashutil.FileMD5(delivery.PartPath)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", sum)
}

func TestRoundTripExactChunkBoundary(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 1536)
	for i := range content {
		content[i] = 0x41
	}
	cache := writeCacheFile(t, dir, content)
	req := Request{CachePath: cache, Subfolder: "", Base: "exact.bin", Size: int64(len(content))}

	outcome, delivery, err := runPair(t, req, filepath.Join(dir, "staging"))
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.True(t, delivery.Match)

	data, err := os.ReadFile(delivery.PartPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestRoundTripNearSentinelContent(t *testing.T) {
	dir := t.TempDir()
	content := []byte("leading bytes <<EO>> trailing bytes, not a real sentinel")
	cache := writeCacheFile(t, dir, content)
	req := Request{CachePath: cache, Subfolder: "a/b", Base: "c.txt", Size: int64(len(content))}

	outcome, delivery, err := runPair(t, req, filepath.Join(dir, "staging"))
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.True(t, delivery.Match)
	assert.Equal(t, "a/b", delivery.Subfolder)

	data, err := os.ReadFile(delivery.PartPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestRoundTripSubfolderNesting(t *testing.T) {
	dir := t.TempDir()
	content := []byte("nested file contents")
	cache := writeCacheFile(t, dir, content)
	req := Request{CachePath: cache, Subfolder: "a/b", Base: "c.txt", Size: int64(len(content))}

	_, delivery, err := runPair(t, req, filepath.Join(dir, "staging"))
	require.NoError(t, err)
	assert.Equal(t, "a/b", delivery.Subfolder)
	assert.Equal(t, "c.txt", delivery.Base)
	assert.FileExists(t, filepath.Join(dir, "staging", "a/b", "c.txt.part"))
}

// TestRoundTripHashMismatchSignalsFailure covers spec §8 P3 and
// concrete scenario 5: a single flipped byte in flight must leave the
// receiver's computed MD5 different from the sender's transmitted one,
// with that verdict conveyed end-to-end over the control lines rather
// than just unit-tested against a hard-coded bool.
func TestRoundTripHashMismatchSignalsFailure(t *testing.T) {
	dir := t.TempDir()
	content := []byte("some bytes small enough to land in a single bulk chunk")
	cache := writeCacheFile(t, dir, content)
	req := Request{CachePath: cache, Subfolder: "", Base: "c.txt", Size: int64(len(content))}

	senderSide := newFakeDevice()
	receiverSide := newFakeDevice()
	link(senderSide, receiverSide)

	// Flip the first byte of the chunk matching the file's content,
	// leaving every sentinel write untouched, so the corruption is
	// indistinguishable from real line noise mid-transfer.
	senderSide.tamper = func(p []byte) []byte {
		if !bytes.Equal(p, content) {
			return p
		}
		tampered := append([]byte(nil), p...)
		tampered[0] ^= 0xFF
		return tampered
	}

	sender := NewSender(senderSide, nil)
	sender.Policy = testPolicy
	receiver := NewReceiver(receiverSide, filepath.Join(dir, "staging"), nil)
	receiver.Policy = testPolicy

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type recvResult struct {
		d   Delivery
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		d, err := receiver.ReceiveOne(ctx)
		recvCh <- recvResult{d, err}
	}()

	outcome := sender.Send(ctx, req)
	rr := <-recvCh

	require.NoError(t, outcome.Err)
	assert.False(t, outcome.Success, "sender must read back a mismatch verdict, not success")

	require.NoError(t, rr.err)
	assert.False(t, rr.d.Match, "receiver must compute a different hash than the one it was sent")

	cts, err := senderSide.CTS()
	require.NoError(t, err)
	assert.False(t, cts, "receiver signals failure by deasserting RTS, observed by the sender as CTS low")

	staged, err := os.ReadFile(rr.d.PartPath)
	require.NoError(t, err)
	assert.NotEqual(t, content, staged, "the staged bytes must carry the corruption, not the clean original")

	localHash, err := hashutil.FileMD5(rr.d.PartPath)
	require.NoError(t, err)
	peerHash, err := hashutil.FileMD5(cache)
	require.NoError(t, err)
	assert.NotEqual(t, peerHash, localHash)
}

func TestSenderDetectsSentinelInjection(t *testing.T) {
	dir := t.TempDir()
	content := []byte("payload containing <<READY>> sentinel text")
	cache := writeCacheFile(t, dir, content)
	req := Request{CachePath: cache, Base: "bad.bin", Size: int64(len(content))}

	senderSide := newFakeDevice()
	receiverSide := newFakeDevice()
	link(senderSide, receiverSide)
	sender := NewSender(senderSide, nil)
	sender.Policy = testPolicy
	receiver := NewReceiver(receiverSide, filepath.Join(dir, "staging"), nil)
	receiver.Policy = testPolicy

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvDone := make(chan struct{})
	go func() {
		receiver.ReceiveOne(ctx)
		close(recvDone)
	}()

	outcome := sender.Send(ctx, req)
	require.Error(t, outcome.Err)
	cancel()
	<-recvDone
}
