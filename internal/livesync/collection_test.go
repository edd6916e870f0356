package livesync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostFeed_CreateZeroesStats(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedProfile(t, store, "u1", map[string]any{"userName": "  alice  "})
	feed := NewPostFeed(store, signedIn("u1", "alice@example.com"))

	res := feed.CreatePost(ctx, " Hello ", "first post")
	require.True(t, res.Success, res.Message)
	require.NotEmpty(t, res.ID)

	post, err := feed.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", post.Title)
	assert.Equal(t, "u1", post.UserID)
	assert.Equal(t, "alice", post.UserName)
	assert.Equal(t, models.Stats{"likes": 0, "comments": 0, "views": 0}, post.Stats)
	assert.False(t, post.CreatedAt.IsZero())
}

func TestPostFeed_CreateJoinsStoredNameParts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedProfile(t, store, "u1", map[string]any{
		"primer_nombre": "Ada", "primer_apellido": "Lovelace", "email": "ada@example.com",
	})
	feed := NewPostFeed(store, signedIn("u1", "ada@example.com"))

	res := feed.CreatePost(ctx, "Engines", "")
	require.True(t, res.Success, res.Message)

	post, err := feed.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", post.UserName)
}

func TestEventFeed_CreateStartsWithoutAttendees(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	feed := NewEventFeed(store, signedIn("u1", "host@example.com"))

	capacity := 25
	res := feed.CreateEvent(ctx, EventInput{Title: "Meetup", Address: "Main St", MaxCapacity: &capacity})
	require.True(t, res.Success, res.Message)

	ev, err := feed.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, ev.Attendees)
	assert.Equal(t, int64(0), ev.Stats.Get(models.StatAttendees))
	require.NotNil(t, ev.MaxCapacity)
	assert.Equal(t, 25, *ev.MaxCapacity)
	// No profile: the session email is the fallback author name.
	assert.Equal(t, "host@example.com", ev.UserName)
}

func TestEventFeed_CreateValidation(t *testing.T) {
	ctx := context.Background()
	feed := NewEventFeed(newStore(t), signedIn("u1", ""))

	res := feed.CreateEvent(ctx, EventInput{Title: "  "})
	assert.False(t, res.Success)
	assert.True(t, models.IsCode(res.Err, models.CodeValidation))

	negative := -1
	res = feed.CreateEvent(ctx, EventInput{Title: "x", MaxCapacity: &negative})
	assert.False(t, res.Success)
	assert.True(t, models.IsCode(res.Err, models.CodeValidation))
}

func TestCollection_CreateWithoutSessionWritesNothing(t *testing.T) {
	ctx := context.Background()
	spy := &writeSpy{}
	store := newSpiedStore(t, spy)
	feed := NewPostFeed(store, session.Static(nil))

	res := feed.CreatePost(ctx, "title", "body")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "signed in")
	assert.True(t, models.IsCode(res.Err, models.CodeValidation))
	assert.Equal(t, int64(0), spy.writes.Load())
}

func TestCollection_CreateReportsRemoteFailure(t *testing.T) {
	spy := &writeSpy{}
	spy.failWith(errors.New("unavailable"))
	feed := NewPostFeed(newSpiedStore(t, spy), signedIn("u1", ""))

	res := feed.CreatePost(context.Background(), "title", "")
	assert.False(t, res.Success)
	assert.True(t, models.IsCode(res.Err, models.CodeRemoteWrite))
}

func TestCollection_SubscribeDeliversOrderedItems(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	feed := NewPostFeed(store, signedIn("u1", ""), WithClock(clock))
	defer feed.Close()

	require.NoError(t, feed.Subscribe(ctx, "", docstore.Desc))
	first := feed.CreatePost(ctx, "first", "")
	second := feed.CreatePost(ctx, "second", "")
	require.True(t, first.Success)
	require.True(t, second.Success)

	require.Eventually(t, func() bool { return len(feed.Items()) == 2 }, time.Second, 5*time.Millisecond)
	items := feed.Items()
	assert.Equal(t, second.ID, items[0].ID)
	assert.Equal(t, first.ID, items[1].ID)

	st := feed.State()
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)
}

func TestCollection_NoUpdatesAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	feed := NewPostFeed(store, signedIn("u1", ""))
	defer feed.Close()

	var log stateLog[models.Post]
	cancel := feed.OnChange(log.record)
	defer cancel()

	require.NoError(t, feed.Subscribe(ctx, "", docstore.Desc))
	require.True(t, feed.CreatePost(ctx, "one", "").Success)
	require.Eventually(t, func() bool { return len(feed.Items()) == 1 }, time.Second, 5*time.Millisecond)

	feed.Unsubscribe()
	seen := log.len()

	for i := 0; i < 5; i++ {
		require.True(t, feed.CreatePost(ctx, "later", "").Success)
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, seen, log.len())
	assert.Len(t, feed.Items(), 1)
}

func TestCollection_ResubscribeReplacesQuery(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "a", "u1", nil)
	require.NoError(t, store.Set(ctx, "posts/b", map[string]any{
		"title":     "b",
		"createdAt": time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))
	feed := NewPostFeed(store, signedIn("u1", ""))
	defer feed.Close()

	require.NoError(t, feed.Subscribe(ctx, "", docstore.Asc))
	require.Eventually(t, func() bool { return len(feed.Items()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", feed.Items()[0].ID)

	require.NoError(t, feed.Subscribe(ctx, "", docstore.Desc))
	require.Eventually(t, func() bool {
		items := feed.Items()
		return len(items) == 2 && items[0].ID == "b"
	}, time.Second, 5*time.Millisecond)
}

func TestCollection_SubscriptionErrorKeepsItems(t *testing.T) {
	ctx := context.Background()
	var failing atomic.Bool
	store := docstore.NewMemory(docstore.WithReadHook(func(ctx context.Context, op, path string) error {
		if failing.Load() {
			return errors.New("permission denied")
		}
		return nil
	}))
	defer store.Close()
	seedPost(t, store, "a", "u1", nil)

	feed := NewPostFeed(store, signedIn("u1", ""))
	defer feed.Close()
	require.NoError(t, feed.Subscribe(ctx, "", docstore.Desc))
	require.Eventually(t, func() bool { return len(feed.Items()) == 1 }, time.Second, 5*time.Millisecond)

	failing.Store(true)
	seedPost(t, store, "b", "u1", nil)

	require.Eventually(t, func() bool { return feed.State().Err != nil }, time.Second, 5*time.Millisecond)
	st := feed.State()
	assert.True(t, models.IsCode(st.Err, models.CodeSubscription))
	assert.Len(t, st.Items, 1)
	assert.False(t, st.Loading)
}

func TestEventFeed_SortsClientSide(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for id, ts := range map[string]any{
		"old":    "2026-01-01T00:00:00.000000000Z",
		"newest": time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		"mid":    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, store.Set(ctx, docstore.Join("events", id), map[string]any{"title": id, "createdAt": ts}))
	}

	feed := NewEventFeed(store, signedIn("u1", ""))
	defer feed.Close()
	require.NoError(t, feed.Subscribe(ctx, "", docstore.Desc))
	require.Eventually(t, func() bool { return len(feed.Items()) == 3 }, time.Second, 5*time.Millisecond)

	var got []string
	for _, ev := range feed.Items() {
		got = append(got, ev.ID)
	}
	assert.Equal(t, []string{"newest", "mid", "old"}, got)
}

func TestCollection_IncrementViewIsFireAndForget(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "u1", nil)
	feed := NewPostFeed(store, signedIn("u1", ""))

	feed.IncrementView(ctx, "p1")
	feed.IncrementView(ctx, "p1")
	// Missing documents only log.
	feed.IncrementView(ctx, "missing")
	feed.Close()

	assert.Equal(t, int64(2), statOf(t, store, "posts/p1", models.StatViews))
}

func TestCollection_Delete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "owner", nil)
	require.NoError(t, store.Set(ctx, "posts/p1/comments/c1", map[string]any{"text": "kept"}))

	res := NewPostFeed(store, signedIn("intruder", "")).Delete(ctx, "p1")
	assert.False(t, res.Success)
	assert.True(t, models.IsCode(res.Err, models.CodeForbidden))

	res = NewPostFeed(store, session.Static(nil)).Delete(ctx, "p1")
	assert.True(t, models.IsCode(res.Err, models.CodeUnauthenticated))

	owner := NewPostFeed(store, signedIn("owner", ""))
	res = owner.Delete(ctx, "missing")
	assert.True(t, models.IsCode(res.Err, models.CodeNotFound))

	res = owner.Delete(ctx, "p1")
	require.True(t, res.Success, res.Message)
	_, err := store.Get(ctx, "posts/p1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	_, err = store.Get(ctx, "posts/p1/comments/c1")
	assert.NoError(t, err)
}

func TestCollection_LoadReadsOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "old", "u1", nil)
	require.NoError(t, store.Set(ctx, "posts/new", map[string]any{
		"title": "new", "userId": "u1", "createdAt": time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	feed := NewPostFeed(store, session.Static(nil))
	posts, err := feed.Load(ctx, "", docstore.Desc)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "new", posts[0].ID)
	assert.Equal(t, "old", posts[1].ID)
	assert.False(t, feed.State().Loading)
	assert.Empty(t, feed.Items())
}
