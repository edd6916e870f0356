package docstore

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// loadFunc reads the current result of a query.
type loadFunc func(ctx context.Context, q Query) ([]*Document, error)

// feed fans change notifications out to the listeners of each collection.
// Every listener owns one goroutine; notifications coalesce so a slow
// listener only ever sees the latest state.
type feed struct {
	mu        sync.Mutex
	listeners map[string]map[*listener]struct{}
	load      loadFunc
}

func newFeed(load loadFunc) *feed {
	return &feed{
		listeners: make(map[string]map[*listener]struct{}),
		load:      load,
	}
}

type listener struct {
	f          *feed
	q          Query
	onSnapshot func(Snapshot)
	onError    func(error)
	notify     chan struct{}
	done       chan struct{}
	stopped    atomic.Bool
	once       sync.Once
}

func (f *feed) subscribe(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) *listener {
	l := &listener{
		f:          f,
		q:          q,
		onSnapshot: onSnapshot,
		onError:    onError,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	l.notify <- struct{}{}

	f.mu.Lock()
	set, ok := f.listeners[q.Collection]
	if !ok {
		set = make(map[*listener]struct{})
		f.listeners[q.Collection] = set
	}
	set[l] = struct{}{}
	f.mu.Unlock()

	go l.run(ctx)
	return l
}

// changed wakes every listener of the given collections.
func (f *feed) changed(collections ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range collections {
		for l := range f.listeners[c] {
			select {
			case l.notify <- struct{}{}:
			default:
			}
		}
	}
}

func (f *feed) remove(l *listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.listeners[l.q.Collection]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(f.listeners, l.q.Collection)
		}
	}
}

// closeAll stops every listener.
func (f *feed) closeAll() {
	f.mu.Lock()
	all := make([]*listener, 0)
	for _, set := range f.listeners {
		for l := range set {
			all = append(all, l)
		}
	}
	f.mu.Unlock()
	for _, l := range all {
		l.Unsubscribe()
	}
}

func (l *listener) Unsubscribe() {
	l.once.Do(func() {
		l.stopped.Store(true)
		close(l.done)
		l.f.remove(l)
	})
}

func (l *listener) run(ctx context.Context) {
	defer l.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.notify:
		}

		docs, err := l.f.load(ctx, l.q)
		if l.stopped.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			l.deliverError(err)
			return
		}
		l.deliver(Snapshot{Docs: docs})
	}
}

func (l *listener) deliver(snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in snapshot listener for %s: %v\n%s", l.q.Collection, r, debug.Stack())
		}
	}()
	if l.onSnapshot != nil {
		l.onSnapshot(snap)
	}
}

func (l *listener) deliverError(err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in snapshot error handler for %s: %v\n%s", l.q.Collection, r, debug.Stack())
		}
	}()
	if l.onError != nil {
		l.onError(err)
	}
}
