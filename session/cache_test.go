package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/db"
	"github.com/onnwee/questrelay/session"
	"github.com/onnwee/questrelay/testutil"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]chatapi.Credentials
	err   error
	reads int
}

func (m *memStore) FetchCredentials(_ context.Context, id string) (chatapi.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return chatapi.Credentials{}, m.err
	}
	c, ok := m.creds[id]
	if !ok {
		return chatapi.Credentials{}, db.ErrWorkspaceNotFound
	}
	return c, nil
}

func newStore(ids ...string) *memStore {
	m := &memStore{creds: make(map[string]chatapi.Credentials)}
	for _, id := range ids {
		m.creds[id] = chatapi.Credentials{WorkspaceID: id, BotToken: "xoxb-" + id}
	}
	return m
}

func TestGetReturnsCachedSession(t *testing.T) {
	store := newStore("T1")
	fake := testutil.NewFakeSession("T1", "UBOT")
	c := session.New(store, testutil.StaticDialer(fake))

	s1, err := c.Get(context.Background(), "T1")
	require.NoError(t, err)
	s2, err := c.Get(context.Background(), "T1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, store.reads)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentFirstUseDialsOnce(t *testing.T) {
	store := newStore("T1")
	fake := testutil.NewFakeSession("T1", "UBOT")
	var dials atomic.Int32
	release := make(chan struct{})
	dial := func(_ context.Context, _ chatapi.Credentials) (chatapi.Session, error) {
		dials.Add(1)
		<-release
		return fake, nil
	}
	c := session.New(store, dial)

	const n = 16
	var wg sync.WaitGroup
	got := make([]chatapi.Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Get(context.Background(), "T1")
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, s := range got {
		assert.Same(t, chatapi.Session(fake), s)
	}
}

func TestCanceledCallerDoesNotFailWaiters(t *testing.T) {
	store := newStore("T1")
	fake := testutil.NewFakeSession("T1", "UBOT")
	var dials atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	dial := func(ctx context.Context, _ chatapi.Credentials) (chatapi.Session, error) {
		if dials.Add(1) == 1 {
			close(started)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return fake, nil
		}
	}
	c := session.New(store, dial)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, "T1")
		leaderErr <- err
	}()
	<-started

	type result struct {
		s   chatapi.Session
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		s, err := c.Get(context.Background(), "T1")
		waiter <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(release)
	select {
	case r := <-waiter:
		require.NoError(t, r.err)
		assert.Same(t, chatapi.Session(fake), r.s)
	case <-time.After(time.Second):
		t.Fatal("waiter did not return")
	}
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 1, c.Len())
}

func TestUnknownWorkspace(t *testing.T) {
	c := session.New(newStore(), testutil.StaticDialer())
	_, err := c.Get(context.Background(), "TNOPE")
	assert.ErrorIs(t, err, session.ErrUnknownWorkspace)

	_, err = c.Get(context.Background(), "")
	assert.ErrorIs(t, err, session.ErrUnknownWorkspace)
	assert.Equal(t, 0, c.Len())
}

func TestFailuresAreNotCached(t *testing.T) {
	store := newStore("T1")
	store.err = errors.New("db down")
	fake := testutil.NewFakeSession("T1", "UBOT")
	c := session.New(store, testutil.StaticDialer(fake))

	_, err := c.Get(context.Background(), "T1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrUnknownWorkspace)

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	s, err := c.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", s.WorkspaceID())
}

func TestDialFailureSurfaces(t *testing.T) {
	store := newStore("T2")
	c := session.New(store, testutil.StaticDialer())
	_, err := c.Get(context.Background(), "T2")
	require.Error(t, err)
	assert.Equal(t, "invalid_auth", chatapi.ErrorCode(err))
}

func TestForgetRedials(t *testing.T) {
	store := newStore("T1")
	c := session.New(store, testutil.StaticDialer(testutil.NewFakeSession("T1", "UBOT")))
	_, err := c.Get(context.Background(), "T1")
	require.NoError(t, err)

	c.Forget("T1")
	assert.Equal(t, 0, c.Len())
	_, err = c.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.reads)
}
