// Package hooks implements the "injected post-create hook" spec §6
// refers to: small, optional side effects the receiver runs after it
// delivers a file. Directories the receiver creates are not passed to
// the hooks. The downstream uploader
// service itself (object-store push, chat notification authoring) is
// out of scope per spec §1 — this package only carries the thin
// ownership/notification seam the receiver calls into.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

// PostCreateHook is notified with the output path of each file the
// receiver delivers after a hash match. It is not called for
// directories the receiver creates, nor for mismatched files.
type PostCreateHook interface {
	OnCreated(ctx context.Context, path string) error
}

// Chain runs hooks in order, collecting (not stopping on) errors, since a
// failed ownership fixup or notification must never fail the transfer
// itself (spec §7 error kind 5: filesystem/side-effect errors are logged
// and skipped).
type Chain []PostCreateHook

func (c Chain) OnCreated(ctx context.Context, path string) error {
	var first error
	for _, h := range c {
		if err := h.OnCreated(ctx, path); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ChownHook chowns created paths to a configured user/group, the Go
// equivalent of the original receiver's chown(path, user, group) helper.
type ChownHook struct {
	User  string
	Group string
}

func (h ChownHook) OnCreated(_ context.Context, path string) error {
	if h.User == "" && h.Group == "" {
		return nil
	}
	uid, gid := -1, -1
	if h.User != "" {
		u, err := user.Lookup(h.User)
		if err != nil {
			return fmt.Errorf("chown hook: lookup user %q: %w", h.User, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if h.Group != "" {
		g, err := user.LookupGroup(h.Group)
		if err != nil {
			return fmt.Errorf("chown hook: lookup group %q: %w", h.Group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return syscall.Chown(path, uid, gid)
}

// WebhookNotifier posts a one-line JSON notification to a configured
// URL, standing in for the downstream uploader's chat notification
// without pulling in a full Slack client (spec §1 explicitly scopes the
// uploader's notification authoring out; this is just the seam it would
// plug into).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (h WebhookNotifier) OnCreated(ctx context.Context, path string) error {
	if h.URL == "" {
		return nil
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	body := fmt.Sprintf(`{"text":"delivered %s"}`, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Noop satisfies PostCreateHook without doing anything, used when no
// chown user/group or webhook URL is configured.
type Noop struct{}

func (Noop) OnCreated(context.Context, string) error { return nil }
