package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitOp(t *testing.T, op *ToggleOp) (ToggleView, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return op.Wait(ctx)
}

func TestToggle_LikeDoubleToggleRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	toggle := NewToggle(NewLikeMembership(store, models.PostsCollection), signedIn("u1", ""))
	defer toggle.Close()

	op, err := toggle.Toggle(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, op.Optimistic.Member)
	assert.Equal(t, int64(1), op.Optimistic.Count)
	assert.Equal(t, PendingApply, op.Optimistic.Status)

	view, err := waitOp(t, op)
	require.NoError(t, err)
	assert.Equal(t, ToggleView{EntityID: "p1", Member: true, Count: 1, Status: Confirmed}, view)
	_, err = store.Get(ctx, "posts/p1/likes/u1")
	require.NoError(t, err)

	op, err = toggle.Toggle(ctx, "p1")
	require.NoError(t, err)
	view, err = waitOp(t, op)
	require.NoError(t, err)
	assert.False(t, view.Member)
	assert.Equal(t, int64(0), view.Count)

	_, err = store.Get(ctx, "posts/p1/likes/u1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, int64(0), statOf(t, store, "posts/p1", models.StatLikes))
}

func TestToggle_RapidTogglesConvergeUnderLatency(t *testing.T) {
	ctx := context.Background()
	spy := &writeSpy{delay: 30 * time.Millisecond}
	store := newSpiedStore(t, spy)
	seedPost(t, store, "p1", "author", nil)
	toggle := NewToggle(NewLikeMembership(store, models.PostsCollection), signedIn("u1", ""))
	defer toggle.Close()

	first, err := toggle.Toggle(ctx, "p1")
	require.NoError(t, err)
	second, err := toggle.Toggle(ctx, "p1")
	require.NoError(t, err)

	assert.True(t, first.Optimistic.Member)
	assert.Equal(t, int64(1), first.Optimistic.Count)
	assert.False(t, second.Optimistic.Member)
	assert.Equal(t, int64(0), second.Optimistic.Count)

	_, err = waitOp(t, first)
	require.NoError(t, err)
	final, err := waitOp(t, second)
	require.NoError(t, err)

	assert.Equal(t, Confirmed, final.Status)
	assert.False(t, final.Member)
	assert.Equal(t, int64(0), final.Count)
	assert.Equal(t, int64(0), statOf(t, store, "posts/p1", models.StatLikes))
	_, err = store.Get(ctx, "posts/p1/likes/u1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestToggle_OddNumberOfTogglesEndsLiked(t *testing.T) {
	ctx := context.Background()
	spy := &writeSpy{delay: 10 * time.Millisecond}
	store := newSpiedStore(t, spy)
	seedPost(t, store, "p1", "author", nil)
	toggle := NewToggle(NewLikeMembership(store, models.PostsCollection), signedIn("u1", ""))
	defer toggle.Close()

	var last *ToggleOp
	for i := 0; i < 5; i++ {
		op, err := toggle.Toggle(ctx, "p1")
		require.NoError(t, err)
		last = op
	}
	view, err := waitOp(t, last)
	require.NoError(t, err)
	assert.True(t, view.Member)
	assert.Equal(t, int64(1), view.Count)
	assert.Equal(t, int64(1), statOf(t, store, "posts/p1", models.StatLikes))
}

func TestToggle_FailureRestoresConfirmedState(t *testing.T) {
	ctx := context.Background()
	spy := &writeSpy{}
	store := newSpiedStore(t, spy)
	seedPost(t, store, "p1", "author", map[string]any{"likes": int64(3)})
	spy.failWith(errors.New("deadline exceeded"))

	toggle := NewToggle(NewLikeMembership(store, models.PostsCollection), signedIn("u1", ""))
	defer toggle.Close()

	var mu sync.Mutex
	var statuses []ToggleStatus
	cancel := toggle.OnChange(func(v ToggleView) {
		mu.Lock()
		statuses = append(statuses, v.Status)
		mu.Unlock()
	})
	defer cancel()

	op, err := toggle.Toggle(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), op.Optimistic.Count)

	view, err := waitOp(t, op)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeRemoteWrite))
	assert.False(t, view.Member)
	assert.Equal(t, int64(3), view.Count)
	assert.Equal(t, Confirmed, view.Status)
	assert.Error(t, view.Err)

	mu.Lock()
	assert.Equal(t, []ToggleStatus{PendingApply, Confirmed}, statuses)
	mu.Unlock()
}

func TestToggle_FailureBehindPendingOpShowsRevert(t *testing.T) {
	ctx := context.Background()
	spy := newGatedSpy()
	store := newSpiedStore(t, spy)
	seedPost(t, store, "p1", "author", nil)
	spy.gated.Store(true)
	toggle := NewToggle(NewLikeMembership(store, models.PostsCollection), signedIn("u1", ""))
	defer toggle.Close()

	first, err := toggle.Toggle(ctx, "p1")
	require.NoError(t, err)
	second, err := toggle.Toggle(ctx, "p1")
	require.NoError(t, err)

	spy.failWith(errors.New("offline"))
	spy.gate <- struct{}{}
	view, err := waitOp(t, first)
	require.Error(t, err)
	assert.Equal(t, PendingRevert, view.Status)
	assert.False(t, view.Member)
	assert.Equal(t, int64(0), view.Count)

	close(spy.gate)
	view, err = waitOp(t, second)
	require.Error(t, err)
	assert.Equal(t, Confirmed, view.Status)
	assert.False(t, view.Member)
}

func TestToggle_RequiresSession(t *testing.T) {
	spy := &writeSpy{}
	store := newSpiedStore(t, spy)
	seedPost(t, store, "p1", "author", nil)
	writes := spy.writes.Load()

	toggle := NewToggle(NewLikeMembership(store, models.PostsCollection), session.Static(nil))
	defer toggle.Close()

	op, err := toggle.Toggle(context.Background(), "p1")
	assert.Nil(t, op)
	assert.True(t, models.IsCode(err, models.CodeUnauthenticated))
	assert.Equal(t, writes, spy.writes.Load())
}

func TestToggle_MissingEntity(t *testing.T) {
	toggle := NewToggle(NewLikeMembership(newStore(t), models.PostsCollection), signedIn("u1", ""))
	defer toggle.Close()

	_, err := toggle.Toggle(context.Background(), "ghost")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestToggle_SessionChangeDiscardsPendingOps(t *testing.T) {
	ctx := context.Background()
	spy := newGatedSpy()
	store := newSpiedStore(t, spy)
	seedPost(t, store, "p1", "author", nil)
	spy.gated.Store(true)

	src := signedIn("u1", "")
	toggle := NewToggle(NewLikeMembership(store, models.PostsCollection), src)
	defer toggle.Close()

	op, err := toggle.Toggle(ctx, "p1")
	require.NoError(t, err)

	src.Set(&session.Session{UserID: "u2"})
	close(spy.gate)

	_, err = waitOp(t, op)
	assert.ErrorIs(t, err, ErrSessionChanged)

	// The new user starts from the remote state.
	view, err := toggle.View(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, view.Member)
	assert.Equal(t, int64(1), view.Count)
}

func TestToggle_Attendance(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Set(ctx, "events/e1", map[string]any{
		"title":     "Meetup",
		"attendees": []any{"someone"},
		"stats":     map[string]any{"attendees": int64(1)},
	}))
	toggle := NewToggle(NewAttendanceMembership(store, models.EventsCollection), signedIn("u1", ""))
	defer toggle.Close()

	view, err := toggle.View(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, view.Member)
	assert.Equal(t, int64(1), view.Count)

	op, err := toggle.Toggle(ctx, "e1")
	require.NoError(t, err)
	view, err = waitOp(t, op)
	require.NoError(t, err)
	assert.True(t, view.Member)
	assert.Equal(t, int64(2), view.Count)

	doc, err := store.Get(ctx, "events/e1")
	require.NoError(t, err)
	ev, err := docstore.Decode[models.Event](doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"someone", "u1"}, ev.Attendees)
	assert.True(t, ev.IsAttending("u1"))

	op, err = toggle.Toggle(ctx, "e1")
	require.NoError(t, err)
	_, err = waitOp(t, op)
	require.NoError(t, err)
	assert.Equal(t, int64(1), statOf(t, store, "events/e1", models.StatAttendees))
}

func TestLikeMembership_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	likes := NewLikeMembership(store, models.PostsCollection)

	for i := 0; i < 2; i++ {
		member, count, err := likes.Apply(ctx, "p1", "u1", true)
		require.NoError(t, err)
		assert.True(t, member)
		assert.Equal(t, int64(1), count)
	}
	member, count, err := likes.Load(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.True(t, member)
	assert.Equal(t, int64(1), count)
}

func TestToggleStatus_MarshalText(t *testing.T) {
	for status, want := range map[ToggleStatus]string{
		Confirmed:     "confirmed",
		PendingApply:  "pending_apply",
		PendingRevert: "pending_revert",
	} {
		b, err := status.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
}
