package livesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/session"
)

// ErrSessionChanged is reported by ToggleOp.Wait when the signed-in user
// changed before the operation settled.
var ErrSessionChanged = errors.New("livesync: session changed")

// ToggleStatus is where an entity's membership stands relative to the store.
type ToggleStatus int

const (
	// Confirmed means the view equals the last acknowledged remote state.
	Confirmed ToggleStatus = iota
	// PendingApply means the view shows a change the store has not acknowledged.
	PendingApply
	// PendingRevert means a change failed; the view shows the confirmed state
	// while earlier operations drain.
	PendingRevert
)

func (s ToggleStatus) String() string {
	switch s {
	case PendingApply:
		return "pending_apply"
	case PendingRevert:
		return "pending_revert"
	default:
		return "confirmed"
	}
}

// MarshalText renders the status as its name.
func (s ToggleStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ToggleView is what the UI shows for one entity.
type ToggleView struct {
	EntityID string       `json:"id"`
	Member   bool         `json:"member"`
	Count    int64        `json:"count"`
	Status   ToggleStatus `json:"status"`
	Err      error        `json:"-"`
}

type toggleEntity struct {
	id        string
	member    bool
	count     int64
	confirmed struct {
		member bool
		count  int64
	}
	status  ToggleStatus
	pending int
	lastErr error

	queue   []*ToggleOp
	running bool
}

func (e *toggleEntity) view() ToggleView {
	return ToggleView{EntityID: e.id, Member: e.member, Count: e.count, Status: e.status, Err: e.lastErr}
}

// ToggleOp is one requested flip.
type ToggleOp struct {
	// Optimistic is the view right after the flip was applied locally.
	Optimistic ToggleView

	want   bool
	gen    uint64
	entity *toggleEntity
	done   chan struct{}
	result ToggleView
	err    error
}

// Wait blocks until the operation has been acknowledged or rolled back and
// returns the entity's view at that moment.
func (op *ToggleOp) Wait(ctx context.Context) (ToggleView, error) {
	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
		return ToggleView{}, ctx.Err()
	}
}

// Toggle runs optimistic membership flips for the session user. Remote
// operations on one entity run one at a time in the order they were issued,
// so the final remote state is the last requested one.
type Toggle struct {
	model    Membership
	sessions session.Source
	log      *observability.SyncLogger

	// serializes state changes with their notifications
	notifyMu sync.Mutex
	mu       sync.Mutex
	entities map[string]*toggleEntity
	gen      uint64
	userID   string

	listeners map[int]func(ToggleView)
	nextID    int

	stopSession func()
}

// NewToggle binds model to the session. A change of signed-in user drops
// every cached entity.
func NewToggle(model Membership, sessions session.Source) *Toggle {
	t := &Toggle{
		model:     model,
		sessions:  sessions,
		log:       observability.NewSyncLogger("toggle." + model.Kind()),
		entities:  make(map[string]*toggleEntity),
		listeners: make(map[int]func(ToggleView)),
	}
	t.stopSession = sessions.Subscribe(t.onSession)
	return t
}

// Close detaches from the session source.
func (t *Toggle) Close() {
	t.stopSession()
}

func (t *Toggle) onSession(s *session.Session) {
	uid := ""
	if s != nil {
		uid = s.UserID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if uid == t.userID {
		return
	}
	t.userID = uid
	t.gen++
	t.entities = make(map[string]*toggleEntity)
}

// OnChange registers fn for every view change. fn must not call Toggle.
func (t *Toggle) OnChange(fn func(ToggleView)) (cancel func()) {
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

func (t *Toggle) listenersLocked() []func(ToggleView) {
	fns := make([]func(ToggleView), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// ensure returns the entity state, loading the confirmed membership once.
func (t *Toggle) ensure(ctx context.Context, entityID string) (*toggleEntity, uint64, string, error) {
	sess := t.sessions.Current()
	if sess == nil {
		return nil, 0, "", models.NewUnauthenticatedError()
	}

	t.mu.Lock()
	if sess.UserID != t.userID {
		// The session source has not told us yet; catch up now.
		t.userID = sess.UserID
		t.gen++
		t.entities = make(map[string]*toggleEntity)
	}
	gen := t.gen
	if e, ok := t.entities[entityID]; ok {
		t.mu.Unlock()
		return e, gen, sess.UserID, nil
	}
	t.mu.Unlock()

	member, count, err := t.model.Load(ctx, entityID, sess.UserID)
	if err != nil {
		if models.ErrorCode(err) != "" {
			return nil, 0, "", err
		}
		return nil, 0, "", models.NewRemoteReadError("load "+t.model.Kind()+" state", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return nil, 0, "", ErrSessionChanged
	}
	if e, ok := t.entities[entityID]; ok {
		return e, gen, sess.UserID, nil
	}
	e := &toggleEntity{id: entityID, member: member, count: count}
	e.confirmed.member = member
	e.confirmed.count = count
	t.entities[entityID] = e
	return e, gen, sess.UserID, nil
}

// View returns the current view of entityID, loading it on first use.
func (t *Toggle) View(ctx context.Context, entityID string) (ToggleView, error) {
	e, _, _, err := t.ensure(ctx, entityID)
	if err != nil {
		return ToggleView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.view(), nil
}

// Toggle flips the session user's membership of entityID. The flip is shown
// at once; the remote write runs in the background. Without a session it
// fails with an UNAUTHENTICATED error and writes nothing.
func (t *Toggle) Toggle(ctx context.Context, entityID string) (*ToggleOp, error) {
	e, gen, userID, err := t.ensure(ctx, entityID)
	if err != nil {
		return nil, err
	}

	t.notifyMu.Lock()
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		t.notifyMu.Unlock()
		return nil, ErrSessionChanged
	}

	want := !e.member
	e.member = want
	if want {
		e.count++
	} else {
		e.count = clampCount(e.count - 1)
	}
	e.status = PendingApply
	e.lastErr = nil
	e.pending++

	op := &ToggleOp{want: want, gen: gen, entity: e, done: make(chan struct{})}
	op.Optimistic = e.view()
	e.queue = append(e.queue, op)
	start := !e.running
	e.running = true
	fns := t.listenersLocked()
	t.mu.Unlock()

	for _, fn := range fns {
		fn(op.Optimistic)
	}
	t.notifyMu.Unlock()

	if start {
		go t.drain(context.WithoutCancel(ctx), e, userID)
	}
	return op, nil
}

// drain runs the entity's queued operations in order.
func (t *Toggle) drain(ctx context.Context, e *toggleEntity, userID string) {
	for {
		t.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			t.mu.Unlock()
			return
		}
		op := e.queue[0]
		e.queue = e.queue[1:]
		t.mu.Unlock()

		member, count, err := t.model.Apply(ctx, e.id, userID, op.want)
		t.settle(ctx, op, member, count, err)
	}
}

func (t *Toggle) settle(ctx context.Context, op *ToggleOp, member bool, count int64, err error) {
	e := op.entity

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.mu.Lock()

	if t.gen != op.gen {
		t.mu.Unlock()
		op.err = ErrSessionChanged
		close(op.done)
		return
	}

	e.pending--
	if err != nil {
		observability.ToggleOutcomes.WithLabelValues(t.model.Kind(), "rolled_back").Inc()
		t.log.LogError(ctx, err, "toggle_"+t.model.Kind(), slog.String("entity_id", e.id))
		e.member = e.confirmed.member
		e.count = e.confirmed.count
		e.lastErr = models.NewRemoteWriteError("update your "+t.model.Kind(), err)
		e.status = PendingRevert
		op.err = e.lastErr
	} else {
		observability.ToggleOutcomes.WithLabelValues(t.model.Kind(), "confirmed").Inc()
		e.confirmed.member = member
		e.confirmed.count = count
	}

	if e.pending == 0 {
		e.member = e.confirmed.member
		e.count = e.confirmed.count
		e.status = Confirmed
	}

	op.result = e.view()
	v := op.result
	fns := t.listenersLocked()
	t.mu.Unlock()

	close(op.done)
	for _, fn := range fns {
		fn(v)
	}
}
