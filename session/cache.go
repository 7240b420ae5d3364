// Package session keeps one authenticated chat session per workspace.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/db"
	"github.com/onnwee/questrelay/telemetry"
)

// ErrUnknownWorkspace is returned when the credential store has no record for a workspace.
var ErrUnknownWorkspace = errors.New("unknown workspace")

// CredentialStore looks up stored workspace credentials.
type CredentialStore interface {
	FetchCredentials(ctx context.Context, workspaceID string) (chatapi.Credentials, error)
}

// Cache maps workspace IDs to sessions. Sessions are created on first use and
// kept for the life of the process; concurrent first requests for the same
// workspace share a single credential lookup and dial. Failures are not cached.
type Cache struct {
	store CredentialStore
	dial  chatapi.Dialer

	mu       sync.RWMutex
	sessions map[string]chatapi.Session
	group    singleflight.Group
}

// New returns an empty cache.
func New(store CredentialStore, dial chatapi.Dialer) *Cache {
	return &Cache{store: store, dial: dial, sessions: make(map[string]chatapi.Session)}
}

// Get returns the session for workspaceID, creating it if needed.
func (c *Cache) Get(ctx context.Context, workspaceID string) (chatapi.Session, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: empty workspace id", ErrUnknownWorkspace)
	}
	c.mu.RLock()
	s, ok := c.sessions[workspaceID]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	// The shared lookup must outlive any one caller's cancellation.
	sctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(workspaceID, func() (any, error) {
		c.mu.RLock()
		s, ok := c.sessions[workspaceID]
		c.mu.RUnlock()
		if ok {
			return s, nil
		}
		creds, err := c.store.FetchCredentials(sctx, workspaceID)
		if errors.Is(err, db.ErrWorkspaceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, workspaceID)
		}
		if err != nil {
			return nil, fmt.Errorf("load credentials for %s: %w", workspaceID, err)
		}
		s, err = c.dial(sctx, creds)
		if err != nil {
			return nil, fmt.Errorf("open session for %s: %w", workspaceID, err)
		}
		c.mu.Lock()
		c.sessions[workspaceID] = s
		n := len(c.sessions)
		c.mu.Unlock()
		telemetry.SetSessionsCached(n)
		telemetry.LoggerWithCorr(sctx).Info("workspace session opened", slog.String("team", workspaceID), slog.String("bot", s.BotID()), slog.String("component", "session"))
		return s, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(chatapi.Session), nil
	}
}

// Forget drops the cached session for workspaceID so the next Get re-reads
// credentials. Used after a reinstall replaces the workspace tokens.
func (c *Cache) Forget(workspaceID string) {
	c.mu.Lock()
	delete(c.sessions, workspaceID)
	n := len(c.sessions)
	c.mu.Unlock()
	telemetry.SetSessionsCached(n)
}

// Len reports the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
