package livesync

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/session"

	"golang.org/x/sync/errgroup"
)

// repairConcurrency bounds profile reads per snapshot.
const repairConcurrency = 4

// CommentAddedFunc is called after a comment has been committed.
type CommentAddedFunc func(ctx context.Context, parentCollection, parentID string, c models.Comment)

// CommentThread mirrors the comments of one post or event, oldest first.
//
// Author names that look like email addresses are replaced on display with
// the author's profile name. The stored documents, including reply
// snapshots, are never rewritten.
type CommentThread struct {
	store            docstore.Store
	sessions         session.Source
	opts             options
	parentCollection string
	parentID         string
	path             string
	log              *observability.SyncLogger

	mu        sync.Mutex
	state     State[models.Comment]
	sub       docstore.Subscription
	gen       uint64
	seq       uint64
	listeners map[int]func(State[models.Comment])
	nextID    int
	onAdded   []CommentAddedFunc

	deliverMu sync.Mutex
	repairs   sync.WaitGroup
}

// NewCommentThread binds the comments of parentCollection/parentID.
func NewCommentThread(store docstore.Store, sessions session.Source, parentCollection, parentID string, opts ...Option) *CommentThread {
	return &CommentThread{
		store:            store,
		sessions:         sessions,
		opts:             buildOptions(store, opts),
		parentCollection: parentCollection,
		parentID:         parentID,
		path:             docstore.Join(parentCollection, parentID, models.CommentsCollection),
		log:              observability.NewSyncLogger("comments"),
		listeners:        make(map[int]func(State[models.Comment])),
	}
}

// Path returns the comments collection path.
func (t *CommentThread) Path() string { return t.path }

// OnCommentAdded registers a hook run after every successful AddComment.
func (t *CommentThread) OnCommentAdded(fn CommentAddedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAdded = append(t.onAdded, fn)
}

// Subscribe opens the thread, replacing any previous subscription.
func (t *CommentThread) Subscribe(ctx context.Context) error {
	t.Unsubscribe()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.state.Loading = true
	t.state.Err = nil
	t.mu.Unlock()

	q := docstore.Query{Collection: t.path, OrderBy: DefaultOrderBy, Direction: docstore.Asc}
	sub, err := t.store.Subscribe(ctx, q,
		func(snap docstore.Snapshot) { t.apply(ctx, gen, snap) },
		func(err error) { t.fail(ctx, gen, err) },
	)
	if err != nil {
		t.fail(ctx, gen, err)
		return models.NewSubscriptionError(t.path, err)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()

	observability.ActiveSubscriptions.Inc()
	t.log.LogLifecycle(ctx, "subscribed", t.path)
	return nil
}

// Unsubscribe stops the thread. No listener is notified after it returns.
func (t *CommentThread) Unsubscribe() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.gen++
	t.state.Loading = false
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		observability.ActiveSubscriptions.Dec()
	}
	t.deliverMu.Lock()
	t.deliverMu.Unlock()
}

// Close unsubscribes and waits for in-flight name repairs.
func (t *CommentThread) Close() {
	t.Unsubscribe()
	t.repairs.Wait()
}

func (t *CommentThread) apply(ctx context.Context, gen uint64, snap docstore.Snapshot) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	comments, errs := docstore.DecodeAll[models.Comment](snap.Docs)
	for _, err := range errs {
		t.log.LogWarn(ctx, "skipping undecodable comment",
			slog.String("path", t.path),
			slog.String("error", err.Error()),
		)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.seq++
	seq := t.seq
	t.state = State[models.Comment]{Items: comments}
	st, fns := t.snapshotLocked()
	t.mu.Unlock()

	observability.SnapshotsDelivered.WithLabelValues(models.CommentsCollection).Inc()
	for _, fn := range fns {
		fn(st)
	}

	if needsRepair(comments) {
		t.repairs.Add(1)
		go func() {
			defer t.repairs.Done()
			t.repair(ctx, gen, seq, comments)
		}()
	}
}

func needsRepair(comments []models.Comment) bool {
	for _, c := range comments {
		if models.LooksLikeEmail(c.AuthorName) {
			return true
		}
		if c.ReplyTo != nil && models.LooksLikeEmail(c.ReplyTo.AuthorName) {
			return true
		}
	}
	return false
}

// repair resolves email-like author names from profiles and publishes the
// result unless a newer snapshot has been applied meanwhile.
func (t *CommentThread) repair(ctx context.Context, gen, seq uint64, comments []models.Comment) {
	fixed := t.resolveNames(ctx, comments)

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	if t.gen != gen || t.seq != seq {
		t.mu.Unlock()
		return
	}
	t.state.Items = fixed
	st, fns := t.snapshotLocked()
	t.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// resolveNames returns a copy of comments with email-like author names
// replaced by profile names. A profile without any name yields UnnamedUser.
// Authors whose profile is missing or cannot be read keep the stored name.
func (t *CommentThread) resolveNames(ctx context.Context, comments []models.Comment) []models.Comment {
	seen := make(map[string]bool)
	var ids []string
	want := func(uid, name string) {
		if uid != "" && models.LooksLikeEmail(name) && !seen[uid] {
			seen[uid] = true
			ids = append(ids, uid)
		}
	}
	for _, c := range comments {
		want(c.AuthorID, c.AuthorName)
		if c.ReplyTo != nil {
			want(c.ReplyTo.AuthorID, c.ReplyTo.AuthorName)
		}
	}

	// One read per author per pass.
	var namesMu sync.Mutex
	names := make(map[string]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repairConcurrency)
	for _, uid := range ids {
		g.Go(func() error {
			profile, err := t.opts.profiles.Profile(gctx, uid)
			if err != nil {
				observability.NameRepairs.WithLabelValues("failed").Inc()
				t.log.LogError(gctx, err, "repair_author_name", slog.String("user_id", uid))
				return nil
			}
			if profile == nil {
				return nil
			}
			namesMu.Lock()
			names[uid] = models.ResolveDisplayName(profile, "", models.UnnamedUser)
			namesMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	fixed := make([]models.Comment, len(comments))
	for i, c := range comments {
		if models.LooksLikeEmail(c.AuthorName) {
			if name := names[c.AuthorID]; name != "" {
				c.AuthorName = name
				observability.NameRepairs.WithLabelValues("repaired").Inc()
			} else {
				observability.NameRepairs.WithLabelValues("kept").Inc()
			}
		}
		if c.ReplyTo != nil && models.LooksLikeEmail(c.ReplyTo.AuthorName) {
			if name := names[c.ReplyTo.AuthorID]; name != "" {
				reply := *c.ReplyTo
				reply.AuthorName = name
				c.ReplyTo = &reply
			}
		}
		fixed[i] = c
	}
	return fixed
}

// Load reads the thread once, oldest first, with author names repaired.
// It does not touch the subscription state.
func (t *CommentThread) Load(ctx context.Context) ([]models.Comment, error) {
	docs, err := t.store.List(ctx, docstore.Query{Collection: t.path, OrderBy: DefaultOrderBy, Direction: docstore.Asc})
	if err != nil {
		return nil, models.NewRemoteReadError("load comments", err)
	}
	comments, errs := docstore.DecodeAll[models.Comment](docs)
	for _, err := range errs {
		t.log.LogWarn(ctx, "skipping undecodable comment",
			slog.String("path", t.path),
			slog.String("error", err.Error()),
		)
	}
	if !needsRepair(comments) {
		return comments, nil
	}
	return t.resolveNames(ctx, comments), nil
}

func (t *CommentThread) fail(ctx context.Context, gen uint64, err error) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.state.Loading = false
	t.state.Err = models.NewSubscriptionError(t.path, err)
	st, fns := t.snapshotLocked()
	t.mu.Unlock()

	observability.SubscriptionErrors.WithLabelValues(models.CommentsCollection).Inc()
	t.log.LogError(ctx, err, "subscribe", slog.String("path", t.path))
	for _, fn := range fns {
		fn(st)
	}
}

func (t *CommentThread) snapshotLocked() (State[models.Comment], []func(State[models.Comment])) {
	st := State[models.Comment]{Items: slices.Clone(t.state.Items), Loading: t.state.Loading, Err: t.state.Err}
	fns := make([]func(State[models.Comment]), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	return st, fns
}

// State returns a copy of the current state.
func (t *CommentThread) State() State[models.Comment] {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, _ := t.snapshotLocked()
	return st
}

// Comments returns a copy of the displayed comments.
func (t *CommentThread) Comments() []models.Comment {
	return t.State().Items
}

// OnChange registers fn for every state change.
func (t *CommentThread) OnChange(fn func(State[models.Comment])) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Find returns a comment of the thread by id, reading the store when it is not cached.
func (t *CommentThread) Find(ctx context.Context, id string) (*models.Comment, error) {
	t.mu.Lock()
	for _, c := range t.state.Items {
		if c.ID == id {
			t.mu.Unlock()
			return &c, nil
		}
	}
	t.mu.Unlock()

	doc, err := t.store.Get(ctx, docstore.Join(t.path, id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, models.NewNotFoundError("comment", id)
	}
	if err != nil {
		return nil, models.NewRemoteReadError("load the comment", err)
	}
	c, err := docstore.Decode[models.Comment](doc)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AddComment posts text as the session user, optionally quoting replyTo.
// The comment and the parent's stats.comments increment commit together.
func (t *CommentThread) AddComment(ctx context.Context, text string, replyTo *models.Comment) models.Result {
	sess := t.sessions.Current()
	if sess == nil {
		return models.Fail(models.NewUnauthenticatedError())
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Fail(models.NewMissingFieldError("comment text"))
	}

	name := authorName(ctx, t.opts.profiles, sess, func(err error) {
		t.log.LogError(ctx, err, "resolve_author", slog.String("user_id", sess.UserID))
	})

	id := docstore.NewID()
	data := map[string]any{
		"text":       text,
		"authorId":   sess.UserID,
		"authorName": name,
		"createdAt":  docstore.ServerTimestamp,
	}
	reply := models.SnapshotOf(replyTo, sess.UserID)
	if reply != nil {
		data["replyTo"] = reply.Fields()
	} else {
		data["replyTo"] = nil
	}

	parentPath := docstore.Join(t.parentCollection, t.parentID)
	err := t.store.Batch().
		Set(docstore.Join(t.path, id), data).
		Update(parentPath, docstore.Update{Path: "stats." + models.StatComments, Value: docstore.Increment(1)}).
		Commit(ctx)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Fail(models.NewNotFoundError(t.parentCollection, t.parentID))
	}
	if err != nil {
		t.log.LogError(ctx, err, "add_comment", slog.String("path", t.path))
		return models.Fail(models.NewRemoteWriteError("post your comment", err))
	}

	t.mu.Lock()
	hooks := slices.Clone(t.onAdded)
	t.mu.Unlock()
	comment := models.Comment{
		ID:         id,
		Text:       text,
		AuthorID:   sess.UserID,
		AuthorName: name,
		ReplyTo:    reply,
		CreatedAt:  t.opts.now().UTC(),
	}
	for _, fn := range hooks {
		fn(ctx, t.parentCollection, t.parentID, comment)
	}
	return models.Created(id, "Comment added")
}
