package livesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommentThread_AddCommentIncrementsParent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	seedProfile(t, store, "u1", map[string]any{"primer_nombre": "Ada", "primer_apellido": "Lovelace"})
	thread := NewCommentThread(store, signedIn("u1", "ada@example.com"), models.PostsCollection, "p1")

	res := thread.AddComment(ctx, "  nice  ", nil)
	require.True(t, res.Success, res.Message)

	doc, err := store.Get(ctx, docstore.Join("posts/p1/comments", res.ID))
	require.NoError(t, err)
	c, err := docstore.Decode[models.Comment](doc)
	require.NoError(t, err)
	assert.Equal(t, "nice", c.Text)
	assert.Equal(t, "u1", c.AuthorID)
	assert.Equal(t, "Ada Lovelace", c.AuthorName)
	assert.Nil(t, c.ReplyTo)
	raw, ok := doc.Data["replyTo"]
	assert.True(t, ok, "replyTo is stored as null")
	assert.Nil(t, raw)
	assert.False(t, c.CreatedAt.IsZero())
	assert.Equal(t, int64(1), statOf(t, store, "posts/p1", models.StatComments))
}

func TestCommentThread_ConcurrentAddsCountEveryComment(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	thread := NewCommentThread(store, signedIn("u1", ""), models.PostsCollection, "p1")

	const n = 25
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !thread.AddComment(ctx, "hi", nil).Success {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Equal(t, int64(n), statOf(t, store, "posts/p1", models.StatComments))
	docs, err := store.List(ctx, docstore.Query{Collection: thread.Path()})
	require.NoError(t, err)
	assert.Len(t, docs, n)
}

func TestCommentThread_ReplySnapshotSurvivesEdits(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	alice := NewCommentThread(store, signedIn("alice", ""), models.PostsCollection, "p1")
	bob := NewCommentThread(store, signedIn("bob", ""), models.PostsCollection, "p1")

	res := alice.AddComment(ctx, "original words", nil)
	require.True(t, res.Success)
	original, err := bob.Find(ctx, res.ID)
	require.NoError(t, err)

	reply := bob.AddComment(ctx, "I agree", original)
	require.True(t, reply.Success)

	require.NoError(t, store.Update(ctx, docstore.Join(alice.Path(), res.ID),
		docstore.Update{Path: "text", Value: "edited words"},
		docstore.Update{Path: "authorName", Value: "Alice Renamed"},
	))

	doc, err := store.Get(ctx, docstore.Join(bob.Path(), reply.ID))
	require.NoError(t, err)
	c, err := docstore.Decode[models.Comment](doc)
	require.NoError(t, err)
	require.NotNil(t, c.ReplyTo)
	assert.Equal(t, models.ReplySnapshot{
		ID:         res.ID,
		AuthorID:   "alice",
		AuthorName: models.AnonymousName,
		Text:       "original words",
	}, *c.ReplyTo)
}

func TestCommentThread_ReplyFallsBackToCurrentUser(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	thread := NewCommentThread(store, signedIn("u1", ""), models.PostsCollection, "p1")

	legacy := &models.Comment{ID: "old", Text: "no author id"}
	res := thread.AddComment(ctx, "reply", legacy)
	require.True(t, res.Success)

	c, err := thread.Find(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, c.ReplyTo)
	assert.Equal(t, "u1", c.ReplyTo.AuthorID)
}

func TestCommentThread_AddCommentFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		spy := &writeSpy{}
		store := newSpiedStore(t, spy)
		res := NewCommentThread(store, session.Static(nil), models.PostsCollection, "p1").AddComment(ctx, "hi", nil)
		assert.False(t, res.Success)
		assert.True(t, models.IsCode(res.Err, models.CodeUnauthenticated))
		assert.Zero(t, spy.writes.Load())
	})

	t.Run("empty text", func(t *testing.T) {
		res := NewCommentThread(newStore(t), signedIn("u1", ""), models.PostsCollection, "p1").AddComment(ctx, "   ", nil)
		assert.True(t, models.IsCode(res.Err, models.CodeValidation))
	})

	t.Run("missing parent writes no comment", func(t *testing.T) {
		store := newStore(t)
		thread := NewCommentThread(store, signedIn("u1", ""), models.PostsCollection, "ghost")
		res := thread.AddComment(ctx, "hi", nil)
		assert.True(t, models.IsCode(res.Err, models.CodeNotFound))
		docs, err := store.List(ctx, docstore.Query{Collection: thread.Path()})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("store failure", func(t *testing.T) {
		spy := &writeSpy{}
		store := newSpiedStore(t, spy)
		seedPost(t, store, "p1", "author", nil)
		spy.failWith(errors.New("unavailable"))
		res := NewCommentThread(store, signedIn("u1", ""), models.PostsCollection, "p1").AddComment(ctx, "hi", nil)
		assert.True(t, models.IsCode(res.Err, models.CodeRemoteWrite))
	})
}

func TestCommentThread_HooksSeeCommittedComment(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	thread := NewCommentThread(store, signedIn("u1", "u1@example.com"), models.PostsCollection, "p1")

	var got []models.Comment
	thread.OnCommentAdded(func(_ context.Context, coll, parentID string, c models.Comment) {
		assert.Equal(t, models.PostsCollection, coll)
		assert.Equal(t, "p1", parentID)
		got = append(got, c)
	})

	res := thread.AddComment(ctx, "hello", nil)
	require.True(t, res.Success)
	require.Len(t, got, 1)
	assert.Equal(t, res.ID, got[0].ID)
	assert.Equal(t, "u1@example.com", got[0].AuthorName)

	thread.AddComment(ctx, "", nil)
	assert.Len(t, got, 1)
}

func TestCommentThread_SubscribeRepairsEmailNames(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	seedProfile(t, store, "bob", map[string]any{"userName": "Bob"})
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(ctx, "posts/p1/comments/c1", map[string]any{
		"text": "first", "authorId": "bob", "authorName": "bob@example.com", "createdAt": at,
	}))
	require.NoError(t, store.Set(ctx, "posts/p1/comments/c2", map[string]any{
		"text": "second", "authorId": "carol", "authorName": "carol@example.com", "createdAt": at.Add(time.Minute),
		"replyTo": map[string]any{"id": "c1", "authorId": "bob", "authorName": "bob@example.com", "text": "first"},
	}))

	thread := NewCommentThread(store, signedIn("u1", ""), models.PostsCollection, "p1")
	defer thread.Close()
	require.NoError(t, thread.Subscribe(ctx))

	require.Eventually(t, func() bool {
		cs := thread.Comments()
		return len(cs) == 2 && cs[0].AuthorName == "Bob"
	}, time.Second, 5*time.Millisecond)

	cs := thread.Comments()
	assert.Equal(t, "c1", cs[0].ID)
	require.NotNil(t, cs[1].ReplyTo)
	assert.Equal(t, "Bob", cs[1].ReplyTo.AuthorName)
	// carol has no profile, so the stored name stays.
	assert.Equal(t, "carol@example.com", cs[1].AuthorName)

	doc, err := store.Get(ctx, "posts/p1/comments/c2")
	require.NoError(t, err)
	reply := doc.Data["replyTo"].(map[string]any)
	assert.Equal(t, "bob@example.com", reply["authorName"])
}

func TestCommentThread_NoUpdatesAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	thread := NewCommentThread(store, signedIn("u1", ""), models.PostsCollection, "p1")
	defer thread.Close()

	var log stateLog[models.Comment]
	cancel := thread.OnChange(log.record)
	defer cancel()

	require.NoError(t, thread.Subscribe(ctx))
	require.True(t, thread.AddComment(ctx, "one", nil).Success)
	require.Eventually(t, func() bool { return len(thread.Comments()) == 1 }, time.Second, 5*time.Millisecond)

	thread.Unsubscribe()
	seen := log.len()
	require.True(t, thread.AddComment(ctx, "two", nil).Success)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, seen, log.len())
	assert.Len(t, thread.Comments(), 1)
}

type countingProfiles struct {
	calls atomic.Int32
	names map[string]string
}

func (p *countingProfiles) Profile(_ context.Context, userID string) (*models.Profile, error) {
	p.calls.Add(1)
	name, ok := p.names[userID]
	if !ok {
		return nil, nil
	}
	return &models.Profile{ID: userID, UserName: name}, nil
}

func TestCommentThread_RepairReadsEachAuthorOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Set(ctx, docstore.Join("posts/p1/comments", id), map[string]any{
			"text": id, "authorId": "dan", "authorName": "dan@example.com", "createdAt": at.Add(time.Duration(i) * time.Second),
		}))
	}

	profiles := &countingProfiles{names: map[string]string{"dan": "Dan"}}
	thread := NewCommentThread(store, signedIn("u1", ""), models.PostsCollection, "p1", WithProfiles(profiles))
	defer thread.Close()
	require.NoError(t, thread.Subscribe(ctx))

	require.Eventually(t, func() bool {
		cs := thread.Comments()
		return len(cs) == 3 && cs[2].AuthorName == "Dan"
	}, time.Second, 5*time.Millisecond)
	thread.Close()
	assert.Equal(t, int32(1), profiles.calls.Load())
}

func TestCommentThread_LoadRepairsWithoutSubscribing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	seedProfile(t, store, "bob", map[string]any{"name": "  Robert  "})
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(ctx, "posts/p1/comments/c2", map[string]any{
		"text": "later", "authorId": "u1", "authorName": "Ann", "createdAt": at.Add(time.Minute),
	}))
	require.NoError(t, store.Set(ctx, "posts/p1/comments/c1", map[string]any{
		"text": "first", "authorId": "bob", "authorName": "bob@example.com", "createdAt": at,
	}))

	thread := NewCommentThread(store, session.Static(nil), models.PostsCollection, "p1")
	cs, err := thread.Load(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "c1", cs[0].ID)
	assert.Equal(t, "Robert", cs[0].AuthorName)
	assert.Equal(t, "Ann", cs[1].AuthorName)
	assert.Empty(t, thread.Comments())
}

func TestCommentThread_RepairUsesNamePartsAndPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPost(t, store, "p1", "author", nil)
	seedProfile(t, store, "ada", map[string]any{
		"primer_nombre": "Ada", "primer_apellido": "Lovelace", "email": "ada@example.com",
	})
	seedProfile(t, store, "nameless", map[string]any{"email": "nameless@example.com"})
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(ctx, "posts/p1/comments/c1", map[string]any{
		"text": "first", "authorId": "ada", "authorName": "ada@example.com", "createdAt": at, "replyTo": nil,
	}))
	require.NoError(t, store.Set(ctx, "posts/p1/comments/c2", map[string]any{
		"text": "second", "authorId": "nameless", "authorName": "nameless@example.com", "createdAt": at.Add(time.Minute),
		"replyTo": map[string]any{"id": "c1", "authorId": "ada", "authorName": "ada@example.com", "text": "first"},
	}))

	thread := NewCommentThread(store, session.Static(nil), models.PostsCollection, "p1")
	cs, err := thread.Load(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "Ada Lovelace", cs[0].AuthorName)
	assert.Nil(t, cs[0].ReplyTo)
	assert.Equal(t, models.UnnamedUser, cs[1].AuthorName)
	require.NotNil(t, cs[1].ReplyTo)
	assert.Equal(t, "Ada Lovelace", cs[1].ReplyTo.AuthorName)
}
