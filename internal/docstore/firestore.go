package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"agora/internal/observability"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is a Store backed by Cloud Firestore. Ordering, listening and
// transactions are delegated to the service.
type Firestore struct {
	client *firestore.Client
	log    *observability.StoreLogger
}

// NewFirestore connects to the given project. FIRESTORE_EMULATOR_HOST is honoured by the client.
func NewFirestore(ctx context.Context, projectID string, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Firestore{client: client, log: observability.NewStoreLogger("firestore")}, nil
}

func (f *Firestore) query(q Query) firestore.Query {
	fq := f.client.Collection(q.Collection).Query
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Direction == Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

// relPath strips the "projects/<p>/databases/<db>/documents/" prefix.
func relPath(full string) string {
	if i := strings.Index(full, "/documents/"); i >= 0 {
		return full[i+len("/documents/"):]
	}
	return full
}

func fromSnapshot(ds *firestore.DocumentSnapshot) *Document {
	return &Document{ID: ds.Ref.ID, Path: relPath(ds.Ref.Path), Data: ds.Data()}
}

func translateErr(err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return err
}

// toFirestoreValue maps store sentinels onto Firestore field transforms.
func toFirestoreValue(v any) any {
	switch tv := v.(type) {
	case incrementOp:
		return firestore.Increment(tv.n)
	case serverTimestampOp:
		return firestore.ServerTimestamp
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = toFirestoreValue(inner)
		}
		return out
	}
	return v
}

func toFirestoreData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return toFirestoreValue(data).(map[string]any)
}

func toFirestoreUpdates(updates []Update) []firestore.Update {
	out := make([]firestore.Update, len(updates))
	for i, u := range updates {
		out[i] = firestore.Update{Path: u.Path, Value: toFirestoreValue(u.Value)}
	}
	return out
}

type firestoreSub struct {
	it      *firestore.QuerySnapshotIterator
	stopped atomic.Bool
}

func (s *firestoreSub) Unsubscribe() {
	if s.stopped.CompareAndSwap(false, true) {
		s.it.Stop()
	}
}

// Subscribe implements Store.
func (f *Firestore) Subscribe(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	if !IsCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	sub := &firestoreSub{it: f.query(q).Snapshots(ctx)}

	go func() {
		defer sub.Unsubscribe()
		for {
			qs, err := sub.it.Next()
			if sub.stopped.Load() || ctx.Err() != nil {
				return
			}
			if err != nil {
				if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
					return
				}
				f.log.LogError(ctx, err, "listen", q.Collection)
				if onError != nil {
					onError(err)
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			snap := Snapshot{Docs: make([]*Document, 0, len(docs))}
			for _, ds := range docs {
				snap.Docs = append(snap.Docs, fromSnapshot(ds))
			}
			if onSnapshot != nil && !sub.stopped.Load() {
				onSnapshot(snap)
			}
		}
	}()
	return sub, nil
}

// Get implements Store.
func (f *Firestore) Get(ctx context.Context, docPath string) (*Document, error) {
	if !IsDocumentPath(docPath) {
		return nil, ErrInvalidPath
	}
	ds, err := f.client.Doc(docPath).Get(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return fromSnapshot(ds), nil
}

// List implements Store.
func (f *Firestore) List(ctx context.Context, q Query) ([]*Document, error) {
	if !IsCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	all, err := f.query(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	docs := make([]*Document, 0, len(all))
	for _, ds := range all {
		docs = append(docs, fromSnapshot(ds))
	}
	return docs, nil
}

// Add implements Store.
func (f *Firestore) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	if !IsCollectionPath(collectionPath) {
		return "", ErrInvalidPath
	}
	ref, _, err := f.client.Collection(collectionPath).Add(ctx, toFirestoreData(data))
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

// Set implements Store.
func (f *Firestore) Set(ctx context.Context, docPath string, data map[string]any) error {
	if !IsDocumentPath(docPath) {
		return ErrInvalidPath
	}
	_, err := f.client.Doc(docPath).Set(ctx, toFirestoreData(data))
	return err
}

// Update implements Store.
func (f *Firestore) Update(ctx context.Context, docPath string, updates ...Update) error {
	if !IsDocumentPath(docPath) {
		return ErrInvalidPath
	}
	_, err := f.client.Doc(docPath).Update(ctx, toFirestoreUpdates(updates))
	return translateErr(err)
}

// Delete implements Store.
func (f *Firestore) Delete(ctx context.Context, docPath string) error {
	if !IsDocumentPath(docPath) {
		return ErrInvalidPath
	}
	_, err := f.client.Doc(docPath).Delete(ctx)
	return err
}

// Batch implements Store. Batches commit through a transaction.
func (f *Firestore) Batch() Batch {
	return newBatch(func(ctx context.Context, ops []writeOp) error {
		return f.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
			for _, op := range ops {
				var err error
				switch op.kind {
				case opSet:
					err = tx.Set(op.path, op.data)
				case opUpdate:
					err = tx.Update(op.path, op.updates...)
				case opDelete:
					err = tx.Delete(op.path)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// RunTransaction implements Store. Firestore may retry fn on contention.
func (f *Firestore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{client: f.client, tx: t})
	})
	return translateErr(err)
}

type firestoreTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
}

func (t *firestoreTx) Get(docPath string) (*Document, error) {
	if !IsDocumentPath(docPath) {
		return nil, ErrInvalidPath
	}
	ds, err := t.tx.Get(t.client.Doc(docPath))
	if err != nil {
		return nil, translateErr(err)
	}
	return fromSnapshot(ds), nil
}

func (t *firestoreTx) Set(docPath string, data map[string]any) error {
	if !IsDocumentPath(docPath) {
		return ErrInvalidPath
	}
	return t.tx.Set(t.client.Doc(docPath), toFirestoreData(data))
}

func (t *firestoreTx) Update(docPath string, updates ...Update) error {
	if !IsDocumentPath(docPath) {
		return ErrInvalidPath
	}
	return t.tx.Update(t.client.Doc(docPath), toFirestoreUpdates(updates))
}

func (t *firestoreTx) Delete(docPath string) error {
	if !IsDocumentPath(docPath) {
		return ErrInvalidPath
	}
	return t.tx.Delete(t.client.Doc(docPath))
}

// Close releases the client.
func (f *Firestore) Close() error {
	return f.client.Close()
}
