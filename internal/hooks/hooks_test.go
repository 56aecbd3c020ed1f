package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeHook struct {
	called bool
	err    error
}

func (h *fakeHook) OnCreated(context.Context, string) error {
	h.called = true
	return h.err
}

func TestChainRunsAllHooksAndReturnsFirstError(t *testing.T) {
	failing := &fakeHook{err: errors.New("boom")}
	second := &fakeHook{}
	chain := Chain{failing, second}

	err := chain.OnCreated(context.Background(), "/tmp/x")
	assert.ErrorIs(t, err, failing.err)
	assert.True(t, failing.called)
	assert.True(t, second.called, "a failing hook must not stop later hooks from running")
}

func TestChownHookNoopWhenUnconfigured(t *testing.T) {
	h := ChownHook{}
	assert.NoError(t, h.OnCreated(context.Background(), "/tmp/x"))
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.OnCreated(context.Background(), "/tmp/x"))
}
