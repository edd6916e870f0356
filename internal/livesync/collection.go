package livesync

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/session"
)

// DefaultOrderBy is the field collections are ordered by when none is given.
const DefaultOrderBy = "createdAt"

// isoLayout renders times so that string order equals time order.
const isoLayout = "2006-01-02T15:04:05.000000000Z07:00"

// State is the observable view of a subscribed collection.
type State[T any] struct {
	Items   []T
	Loading bool
	Err     error
}

// CollectionConfig describes one synced collection.
type CollectionConfig struct {
	// Path is the collection path, e.g. "posts".
	Path string
	// Noun names one item in user-facing messages.
	Noun string
	// Counters are zeroed under stats on create.
	Counters []string
	// ClientSort re-sorts every snapshot locally by createdAt.
	ClientSort bool
}

// Collection mirrors one remote collection into an in-memory list and
// performs the create, counter and delete mutations on it.
//
// Listener callbacks run on the store's delivery goroutine and must not call
// Subscribe or Unsubscribe synchronously.
type Collection[T any] struct {
	store    docstore.Store
	sessions session.Source
	cfg      CollectionConfig
	opts     options
	log      *observability.SyncLogger

	mu        sync.Mutex
	state     State[T]
	sub       docstore.Subscription
	gen       uint64
	listeners map[int]func(State[T])
	nextID    int

	// held while a snapshot is applied and listeners run
	deliverMu sync.Mutex
	bg        sync.WaitGroup
}

// NewCollection binds a collection. Until Subscribe is called the state is
// empty and not loading.
func NewCollection[T any](store docstore.Store, sessions session.Source, cfg CollectionConfig, opts ...Option) *Collection[T] {
	if cfg.Noun == "" {
		cfg.Noun = "item"
	}
	return &Collection[T]{
		store:     store,
		sessions:  sessions,
		cfg:       cfg,
		opts:      buildOptions(store, opts),
		log:       observability.NewSyncLogger("collection"),
		listeners: make(map[int]func(State[T])),
	}
}

// Path returns the collection path.
func (c *Collection[T]) Path() string { return c.cfg.Path }

// Subscribe opens the standing query, replacing any previous subscription.
// An empty orderBy means DefaultOrderBy.
func (c *Collection[T]) Subscribe(ctx context.Context, orderBy string, dir docstore.Direction) error {
	c.Unsubscribe()
	if orderBy == "" {
		orderBy = DefaultOrderBy
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state.Loading = true
	c.state.Err = nil
	c.mu.Unlock()

	q := docstore.Query{Collection: c.cfg.Path, OrderBy: orderBy, Direction: dir}
	sub, err := c.store.Subscribe(ctx, q,
		func(snap docstore.Snapshot) { c.apply(ctx, gen, dir, snap) },
		func(err error) { c.fail(ctx, gen, err) },
	)
	if err != nil {
		c.fail(ctx, gen, err)
		return models.NewSubscriptionError(c.cfg.Path, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()

	observability.ActiveSubscriptions.Inc()
	c.log.LogLifecycle(ctx, "subscribed", c.cfg.Path)
	return nil
}

// Unsubscribe stops the subscription. No listener is notified after it returns.
func (c *Collection[T]) Unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.gen++
	c.state.Loading = false
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		observability.ActiveSubscriptions.Dec()
	}
	// Wait out a delivery that passed the generation check before the bump.
	c.deliverMu.Lock()
	c.deliverMu.Unlock()
}

// Close unsubscribes and waits for background counter writes.
func (c *Collection[T]) Close() {
	c.Unsubscribe()
	c.bg.Wait()
}

func (c *Collection[T]) apply(ctx context.Context, gen uint64, dir docstore.Direction, snap docstore.Snapshot) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	docs := snap.Docs
	if c.cfg.ClientSort {
		docs = sortByCreatedAt(docs, dir)
	}
	items, errs := docstore.DecodeAll[T](docs)
	for _, err := range errs {
		c.log.LogWarn(ctx, "skipping undecodable document",
			slog.String("path", c.cfg.Path),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = State[T]{Items: items}
	st, fns := c.snapshotLocked()
	c.mu.Unlock()

	observability.SnapshotsDelivered.WithLabelValues(c.cfg.Path).Inc()
	for _, fn := range fns {
		fn(st)
	}
}

func (c *Collection[T]) fail(ctx context.Context, gen uint64, err error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	// The last good items stay visible; there is no retry.
	c.state.Loading = false
	c.state.Err = models.NewSubscriptionError(c.cfg.Path, err)
	st, fns := c.snapshotLocked()
	c.mu.Unlock()

	observability.SubscriptionErrors.WithLabelValues(c.cfg.Path).Inc()
	c.log.LogError(ctx, err, "subscribe", slog.String("path", c.cfg.Path))
	for _, fn := range fns {
		fn(st)
	}
}

func (c *Collection[T]) snapshotLocked() (State[T], []func(State[T])) {
	st := State[T]{Items: slices.Clone(c.state.Items), Loading: c.state.Loading, Err: c.state.Err}
	fns := make([]func(State[T]), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return st, fns
}

// State returns a copy of the current state.
func (c *Collection[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, _ := c.snapshotLocked()
	return st
}

// Items returns a copy of the cached list.
func (c *Collection[T]) Items() []T {
	return c.State().Items
}

// OnChange registers fn for every state change.
func (c *Collection[T]) OnChange(fn func(State[T])) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Load reads the collection once without touching the subscription.
// An empty orderBy means DefaultOrderBy.
func (c *Collection[T]) Load(ctx context.Context, orderBy string, dir docstore.Direction) ([]T, error) {
	if orderBy == "" {
		orderBy = DefaultOrderBy
	}
	docs, err := c.store.List(ctx, docstore.Query{Collection: c.cfg.Path, OrderBy: orderBy, Direction: dir})
	if err != nil {
		return nil, models.NewRemoteReadError("load "+c.cfg.Noun+"s", err)
	}
	if c.cfg.ClientSort {
		docs = sortByCreatedAt(docs, dir)
	}
	items, errs := docstore.DecodeAll[T](docs)
	for _, err := range errs {
		c.log.LogWarn(ctx, "skipping undecodable document",
			slog.String("path", c.cfg.Path),
			slog.String("error", err.Error()),
		)
	}
	return items, nil
}

// Get reads one item directly from the store.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	doc, err := c.store.Get(ctx, docstore.Join(c.cfg.Path, id))
	if errors.Is(err, docstore.ErrNotFound) {
		return zero, models.NewNotFoundError(c.cfg.Noun, id)
	}
	if err != nil {
		return zero, models.NewRemoteReadError("load "+c.cfg.Noun, err)
	}
	return docstore.Decode[T](doc)
}

// Create writes a new item authored by the session user. fields holds the
// caller's content; ownership, author name, zeroed stats and createdAt are
// added here. Without a session nothing is written.
func (c *Collection[T]) Create(ctx context.Context, fields map[string]any) models.Result {
	sess := c.sessions.Current()
	if sess == nil {
		return models.Fail(models.NewValidationError("You must be signed in to create a " + c.cfg.Noun))
	}

	name := authorName(ctx, c.opts.profiles, sess, func(err error) {
		c.log.LogError(ctx, err, "resolve_author", slog.String("user_id", sess.UserID))
	})

	data := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		data[k] = v
	}
	data["userId"] = sess.UserID
	data["userName"] = name
	data["stats"] = models.ZeroStats(c.cfg.Counters)
	data["createdAt"] = c.opts.now().UTC()

	id, err := c.store.Add(ctx, c.cfg.Path, data)
	if err != nil {
		c.log.LogError(ctx, err, "create", slog.String("path", c.cfg.Path))
		return models.Fail(models.NewRemoteWriteError("create the "+c.cfg.Noun, err))
	}
	return models.Created(id, "Created successfully")
}

// UpdateCounter adds delta to stats.<counter> in the background. Failures are
// logged and never reported to the caller.
func (c *Collection[T]) UpdateCounter(ctx context.Context, id, counter string, delta int64) {
	ctx = context.WithoutCancel(ctx)
	path := docstore.Join(c.cfg.Path, id)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		err := c.store.Update(ctx, path, docstore.Update{Path: "stats." + counter, Value: docstore.Increment(delta)})
		if err != nil {
			c.log.LogError(ctx, err, "update_counter",
				slog.String("path", path),
				slog.String("counter", counter),
			)
		}
	}()
}

// IncrementView records one view of id.
func (c *Collection[T]) IncrementView(ctx context.Context, id string) {
	c.UpdateCounter(ctx, id, models.StatViews, 1)
}

// Delete removes the item if the session user owns it. Sub-collections
// (likes, comments) are left in place.
func (c *Collection[T]) Delete(ctx context.Context, id string) models.Result {
	sess := c.sessions.Current()
	if sess == nil {
		return models.Fail(models.NewUnauthenticatedError())
	}

	path := docstore.Join(c.cfg.Path, id)
	doc, err := c.store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Fail(models.NewNotFoundError(c.cfg.Noun, id))
	}
	if err != nil {
		return models.Fail(models.NewRemoteReadError("load the "+c.cfg.Noun, err))
	}
	if owner, _ := doc.Data["userId"].(string); owner != sess.UserID {
		return models.Fail(models.NewForbiddenError("Only the author can delete this " + c.cfg.Noun))
	}

	if err := c.store.Delete(ctx, path); err != nil {
		c.log.LogError(ctx, err, "delete", slog.String("path", path))
		return models.Fail(models.NewRemoteWriteError("delete the "+c.cfg.Noun, err))
	}
	return models.OK("Deleted successfully")
}

// sortByCreatedAt orders docs by the ISO-8601 form of createdAt.
func sortByCreatedAt(docs []*docstore.Document, dir docstore.Direction) []*docstore.Document {
	out := slices.Clone(docs)
	key := func(d *docstore.Document) string {
		switch v := d.Data[DefaultOrderBy].(type) {
		case time.Time:
			return v.UTC().Format(isoLayout)
		case string:
			return v
		}
		return ""
	}
	sort.SliceStable(out, func(i, j int) bool {
		if dir == docstore.Desc {
			return key(out[i]) > key(out[j])
		}
		return key(out[i]) < key(out[j])
	})
	return out
}
