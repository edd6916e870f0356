package docstore

import (
	"context"
	"sync"
	"time"
)

// Hook is called before an operation reaches the store. Returning an error
// fails the operation without touching any data. Hooks run outside the store
// lock, so they may block to simulate latency.
type Hook func(ctx context.Context, op, path string) error

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for ServerTimestamp.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithWriteHook installs a hook run before every write, batch commit and transaction.
func WithWriteHook(h Hook) MemoryOption {
	return func(m *Memory) { m.writeHook = h }
}

// WithReadHook installs a hook run before every point read and list.
func WithReadHook(h Hook) MemoryOption {
	return func(m *Memory) { m.readHook = h }
}

// Memory is an in-process Store. A single lock gives single-document,
// batch and transaction atomicity.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]map[string]map[string]any // collection -> id -> data
	closed    bool
	now       func() time.Time
	writeHook Hook
	readHook  Hook
	feed      *feed
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs: make(map[string]map[string]map[string]any),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.feed = newFeed(m.snapshot)
	return m
}

func (m *Memory) beforeWrite(ctx context.Context, op, path string) error {
	if m.writeHook != nil {
		return m.writeHook(ctx, op, path)
	}
	return nil
}

func (m *Memory) beforeRead(ctx context.Context, op, path string) error {
	if m.readHook != nil {
		return m.readHook(ctx, op, path)
	}
	return nil
}

func (m *Memory) snapshot(ctx context.Context, q Query) ([]*Document, error) {
	if err := m.beforeRead(ctx, "list", q.Collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	coll := m.docs[q.Collection]
	docs := make([]*Document, 0, len(coll))
	for id, data := range coll {
		docs = append(docs, &Document{ID: id, Path: Join(q.Collection, id), Data: copyData(data)})
	}
	return orderDocs(docs, q), nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	if !IsCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return m.feed.subscribe(ctx, q, onSnapshot, onError), nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, q Query) ([]*Document, error) {
	if !IsCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	return m.snapshot(ctx, q)
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, docPath string) (*Document, error) {
	coll, id, err := SplitDocPath(docPath)
	if err != nil {
		return nil, err
	}
	if err := m.beforeRead(ctx, "get", docPath); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.getLocked(coll, id)
}

func (m *Memory) getLocked(coll, id string) (*Document, error) {
	data, ok := m.docs[coll][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{ID: id, Path: Join(coll, id), Data: copyData(data)}, nil
}

// Add implements Store.
func (m *Memory) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	if !IsCollectionPath(collectionPath) {
		return "", ErrInvalidPath
	}
	id := NewID()
	if err := m.Set(ctx, Join(collectionPath, id), data); err != nil {
		return "", err
	}
	return id, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, docPath string, data map[string]any) error {
	return m.commit(ctx, "set", docPath, []writeOp{{kind: opSet, path: docPath, data: data}})
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, docPath string, updates ...Update) error {
	return m.commit(ctx, "update", docPath, []writeOp{{kind: opUpdate, path: docPath, updates: updates}})
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, docPath string) error {
	return m.commit(ctx, "delete", docPath, []writeOp{{kind: opDelete, path: docPath}})
}

// Batch implements Store.
func (m *Memory) Batch() Batch {
	return newBatch(func(ctx context.Context, ops []writeOp) error {
		return m.commit(ctx, "commit", ops[0].path, ops)
	})
}

func (m *Memory) commit(ctx context.Context, op, path string, ops []writeOp) error {
	for _, o := range ops {
		if err := o.validate(); err != nil {
			return err
		}
	}
	if err := m.beforeWrite(ctx, op, path); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	touched, err := m.applyLocked(ops)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.feed.changed(touched...)
	return nil
}

// applyLocked applies ops all-or-nothing.
func (m *Memory) applyLocked(ops []writeOp) ([]string, error) {
	now := m.now().UTC()
	staged := make(map[string]map[string]any) // path -> data, nil means deleted
	get := func(coll, id, path string) (map[string]any, bool) {
		if data, ok := staged[path]; ok {
			return data, data != nil
		}
		data, ok := m.docs[coll][id]
		if !ok {
			return nil, false
		}
		return copyData(data), true
	}

	for _, op := range ops {
		coll, id, _ := SplitDocPath(op.path)
		switch op.kind {
		case opSet:
			staged[op.path] = resolveData(op.data, now)
		case opUpdate:
			data, ok := get(coll, id, op.path)
			if !ok {
				return nil, ErrNotFound
			}
			if err := applyUpdates(data, op.updates, now); err != nil {
				return nil, err
			}
			staged[op.path] = data
		case opDelete:
			staged[op.path] = nil
		}
	}

	touched := make([]string, 0, len(staged))
	seen := make(map[string]bool)
	for path, data := range staged {
		coll, id, _ := SplitDocPath(path)
		if data == nil {
			delete(m.docs[coll], id)
		} else {
			if m.docs[coll] == nil {
				m.docs[coll] = make(map[string]map[string]any)
			}
			m.docs[coll][id] = data
		}
		if !seen[coll] {
			seen[coll] = true
			touched = append(touched, coll)
		}
	}
	return touched, nil
}

// RunTransaction implements Store. Transactions are serialized by the store lock.
func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := m.beforeWrite(ctx, "transaction", ""); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	tx := &memTx{m: m}
	if err := fn(ctx, tx); err != nil {
		m.mu.Unlock()
		return err
	}
	touched, err := m.applyLocked(tx.ops)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.feed.changed(touched...)
	return nil
}

type memTx struct {
	m   *Memory
	ops []writeOp
}

func (t *memTx) Get(docPath string) (*Document, error) {
	coll, id, err := SplitDocPath(docPath)
	if err != nil {
		return nil, err
	}
	return t.m.getLocked(coll, id)
}

func (t *memTx) Set(docPath string, data map[string]any) error {
	return t.add(writeOp{kind: opSet, path: docPath, data: data})
}

func (t *memTx) Update(docPath string, updates ...Update) error {
	return t.add(writeOp{kind: opUpdate, path: docPath, updates: updates})
}

func (t *memTx) Delete(docPath string) error {
	return t.add(writeOp{kind: opDelete, path: docPath})
}

func (t *memTx) add(op writeOp) error {
	if err := op.validate(); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	return nil
}

// Close stops every subscription and rejects further calls.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.feed.closeAll()
	return nil
}
