package livesync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agora/internal/docstore"
	"agora/internal/session"

	"github.com/stretchr/testify/require"
)

// writeSpy counts writes reaching the store and can delay or fail them.
type writeSpy struct {
	writes atomic.Int64
	delay  time.Duration
	fail   atomic.Pointer[error]
	// writes block on gate while gated is set
	gate  chan struct{}
	gated atomic.Bool
}

func (w *writeSpy) hook(ctx context.Context, op, path string) error {
	if w.gated.Load() {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	if errp := w.fail.Load(); errp != nil {
		return *errp
	}
	w.writes.Add(1)
	return nil
}

func newGatedSpy() *writeSpy {
	return &writeSpy{gate: make(chan struct{})}
}

func (w *writeSpy) failWith(err error) {
	w.fail.Store(&err)
}

func newSpiedStore(t *testing.T, spy *writeSpy) *docstore.Memory {
	t.Helper()
	m := docstore.NewMemory(docstore.WithWriteHook(spy.hook))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newStore(t *testing.T) *docstore.Memory {
	t.Helper()
	m := docstore.NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func signedIn(userID, email string) *session.StaticSource {
	return session.Static(&session.Session{UserID: userID, Email: email})
}

func seedProfile(t *testing.T, store docstore.Store, userID string, data map[string]any) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), docstore.Join("users", userID), data))
}

func seedPost(t *testing.T, store docstore.Store, id, owner string, stats map[string]any) {
	t.Helper()
	if stats == nil {
		stats = map[string]any{"likes": int64(0), "comments": int64(0), "views": int64(0)}
	}
	require.NoError(t, store.Set(context.Background(), docstore.Join("posts", id), map[string]any{
		"title":     "post " + id,
		"userId":    owner,
		"userName":  owner,
		"stats":     stats,
		"createdAt": time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}))
}

func statOf(t *testing.T, store docstore.Store, path, counter string) int64 {
	t.Helper()
	doc, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	return statValue(doc.Data, counter)
}

// stateLog collects every state a component publishes.
type stateLog[T any] struct {
	mu     sync.Mutex
	states []State[T]
}

func (l *stateLog[T]) record(st State[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, st)
}

func (l *stateLog[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}
