// Package docstore defines the remote document store contract used by the sync
// layer, together with in-memory, SQL (gorm) and Firestore implementations.
//
// Paths are slash separated: an odd number of segments names a collection
// ("posts", "posts/p1/comments"), an even number names a document
// ("posts/p1", "users/u1/notifications/n1").
package docstore

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by point reads and updates on a missing document.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrInvalidPath is returned when a path has the wrong shape for the operation.
	ErrInvalidPath = errors.New("docstore: invalid path")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("docstore: store closed")
)

// Direction is the sort direction of a query.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// ParseDirection accepts "asc" or "desc" (case-insensitive); anything else is Desc.
func ParseDirection(s string) Direction {
	if strings.EqualFold(strings.TrimSpace(s), "asc") {
		return Asc
	}
	return Desc
}

// Query selects an ordered view over one collection.
// Documents that lack the OrderBy field are excluded, as Firestore does.
type Query struct {
	Collection string
	OrderBy    string
	Direction  Direction
	Limit      int
}

// Update is a single field write. Path is dotted ("stats.likes").
type Update struct {
	Path  string
	Value any
}

type incrementOp struct{ n int64 }

// Increment returns a field value that atomically adds n to the stored number.
// A missing field counts as 0.
func Increment(n int64) any { return incrementOp{n: n} }

type serverTimestampOp struct{}

// ServerTimestamp is a field value replaced by the store's commit time.
var ServerTimestamp any = serverTimestampOp{}

// Snapshot is the full ordered result of a subscribed query at one point in time.
type Snapshot struct {
	Docs []*Document
}

// Subscription is a standing query. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Store is the document store consumed by the sync layer.
type Store interface {
	// Subscribe delivers the full snapshot of q on every change until
	// Unsubscribe is called or ctx is done. The first snapshot arrives
	// asynchronously. A read failure is reported once through onError and
	// ends the subscription.
	Subscribe(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error)
	Get(ctx context.Context, docPath string) (*Document, error)
	List(ctx context.Context, q Query) ([]*Document, error)
	Add(ctx context.Context, collectionPath string, data map[string]any) (string, error)
	Set(ctx context.Context, docPath string, data map[string]any) error
	Update(ctx context.Context, docPath string, updates ...Update) error
	Delete(ctx context.Context, docPath string) error
	Batch() Batch
	// RunTransaction runs fn with a transaction whose writes apply atomically
	// when fn returns nil. fn must not call the Store directly.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Batch is an atomic multi-document write.
type Batch interface {
	Set(docPath string, data map[string]any) Batch
	Update(docPath string, updates ...Update) Batch
	Delete(docPath string) Batch
	Commit(ctx context.Context) error
}

// Tx is the handle passed to RunTransaction callbacks.
type Tx interface {
	Get(docPath string) (*Document, error)
	Set(docPath string, data map[string]any) error
	Update(docPath string, updates ...Update) error
	Delete(docPath string) error
}

// NewID returns a fresh document id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func validSegments(segs []string) bool {
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return len(segs) > 0
}

// IsCollectionPath reports whether path names a collection.
func IsCollectionPath(path string) bool {
	segs := segments(path)
	return validSegments(segs) && len(segs)%2 == 1
}

// IsDocumentPath reports whether path names a document.
func IsDocumentPath(path string) bool {
	segs := segments(path)
	return validSegments(segs) && len(segs)%2 == 0
}

// SplitDocPath returns the parent collection path and the id of a document path.
func SplitDocPath(docPath string) (collection, id string, err error) {
	if !IsDocumentPath(docPath) {
		return "", "", ErrInvalidPath
	}
	segs := segments(docPath)
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

type opKind int

const (
	opSet opKind = iota
	opUpdate
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opSet:
		return "set"
	case opUpdate:
		return "update"
	default:
		return "delete"
	}
}

// writeOp is one buffered write of a batch or transaction.
type writeOp struct {
	kind    opKind
	path    string
	data    map[string]any
	updates []Update
}

func (op writeOp) validate() error {
	if !IsDocumentPath(op.path) {
		return ErrInvalidPath
	}
	return nil
}

// opBatch records writes and hands them to a backend-specific commit.
type opBatch struct {
	ops    []writeOp
	commit func(ctx context.Context, ops []writeOp) error
}

func newBatch(commit func(ctx context.Context, ops []writeOp) error) *opBatch {
	return &opBatch{commit: commit}
}

func (b *opBatch) Set(docPath string, data map[string]any) Batch {
	b.ops = append(b.ops, writeOp{kind: opSet, path: docPath, data: data})
	return b
}

func (b *opBatch) Update(docPath string, updates ...Update) Batch {
	b.ops = append(b.ops, writeOp{kind: opUpdate, path: docPath, updates: updates})
	return b
}

func (b *opBatch) Delete(docPath string) Batch {
	b.ops = append(b.ops, writeOp{kind: opDelete, path: docPath})
	return b
}

func (b *opBatch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	for _, op := range b.ops {
		if err := op.validate(); err != nil {
			return err
		}
	}
	return b.commit(ctx, b.ops)
}
