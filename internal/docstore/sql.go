package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agora/internal/observability"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sortableTime is a fixed-width UTC layout: lexical order equals time order.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// DocumentRecord is the row backing one document in the SQL store.
type DocumentRecord struct {
	Path       string            `gorm:"primaryKey;size:512"`
	Collection string            `gorm:"size:512;index;not null"`
	DocID      string            `gorm:"column:doc_id;size:128;not null"`
	Data       datatypes.JSONMap `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName implements gorm's tabler.
func (DocumentRecord) TableName() string { return "documents" }

// ChangeFeed propagates collection changes between processes sharing one database.
type ChangeFeed interface {
	PublishCollectionChange(ctx context.Context, collection string) error
	StartCollectionSubscriber(ctx context.Context, onChange func(collection string)) error
}

// SQLOption configures a SQL store.
type SQLOption func(*SQL)

// WithChangeFeed publishes every committed write and listens for writes from other processes.
func WithChangeFeed(cf ChangeFeed) SQLOption {
	return func(s *SQL) { s.changes = cf }
}

// WithSQLClock overrides the time source used for ServerTimestamp.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQL) { s.now = now }
}

// SQL is a Store persisting documents as JSON rows through gorm.
// Ordering is applied in Go after loading the collection.
type SQL struct {
	db      *gorm.DB
	now     func() time.Time
	changes ChangeFeed
	feed    *feed
	log     *observability.StoreLogger
	// sqlite has a single writer; serialize in-process to avoid SQLITE_BUSY.
	writeMu  sync.Mutex
	postgres bool
	cancel   context.CancelFunc
}

// NewSQL migrates the documents table and returns the store.
func NewSQL(db *gorm.DB, opts ...SQLOption) (*SQL, error) {
	if err := db.AutoMigrate(&DocumentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	return newSQL(db, opts...), nil
}

func newSQL(db *gorm.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:       db,
		now:      time.Now,
		log:      observability.NewStoreLogger("sql"),
		postgres: db.Dialector.Name() == "postgres",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.feed = newFeed(s.List)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.changes != nil {
		if err := s.changes.StartCollectionSubscriber(ctx, func(collection string) {
			s.feed.changed(collection)
		}); err != nil {
			s.log.LogError(ctx, err, "subscribe_changes", "")
		}
	}
	return s
}

func toDocument(rec *DocumentRecord) *Document {
	return &Document{ID: rec.DocID, Path: rec.Path, Data: copyData(map[string]any(rec.Data))}
}

// encodeTimes rewrites time values into the sortable string layout.
func encodeTimes(v any) any {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC().Format(sortableTime)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = encodeTimes(inner)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = encodeTimes(inner)
		}
		return out
	}
	return v
}

// Subscribe implements Store.
func (s *SQL) Subscribe(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	if !IsCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	return s.feed.subscribe(ctx, q, onSnapshot, onError), nil
}

// Get implements Store.
func (s *SQL) Get(ctx context.Context, docPath string) (*Document, error) {
	if !IsDocumentPath(docPath) {
		return nil, ErrInvalidPath
	}
	var rec DocumentRecord
	err := s.db.WithContext(ctx).Where("path = ?", docPath).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", docPath, err)
	}
	return toDocument(&rec), nil
}

// List implements Store.
func (s *SQL) List(ctx context.Context, q Query) ([]*Document, error) {
	if !IsCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	var recs []DocumentRecord
	if err := s.db.WithContext(ctx).Where("collection = ?", q.Collection).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	docs := make([]*Document, 0, len(recs))
	for i := range recs {
		docs = append(docs, toDocument(&recs[i]))
	}
	return orderDocs(docs, q), nil
}

// Add implements Store.
func (s *SQL) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	if !IsCollectionPath(collectionPath) {
		return "", ErrInvalidPath
	}
	id := NewID()
	if err := s.Set(ctx, Join(collectionPath, id), data); err != nil {
		return "", err
	}
	return id, nil
}

// Set implements Store.
func (s *SQL) Set(ctx context.Context, docPath string, data map[string]any) error {
	return s.commit(ctx, []writeOp{{kind: opSet, path: docPath, data: data}})
}

// Update implements Store.
func (s *SQL) Update(ctx context.Context, docPath string, updates ...Update) error {
	return s.commit(ctx, []writeOp{{kind: opUpdate, path: docPath, updates: updates}})
}

// Delete implements Store.
func (s *SQL) Delete(ctx context.Context, docPath string) error {
	return s.commit(ctx, []writeOp{{kind: opDelete, path: docPath}})
}

// Batch implements Store.
func (s *SQL) Batch() Batch {
	return newBatch(s.commit)
}

func (s *SQL) commit(ctx context.Context, ops []writeOp) error {
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
	}
	return s.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		st := tx.(*sqlTx)
		st.ops = append(st.ops, ops...)
		return nil
	})
}

// RunTransaction implements Store. Reads inside the transaction lock their
// rows on postgres.
func (s *SQL) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if !s.postgres {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	var touched []string
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		st := &sqlTx{s: s, db: gtx, cache: make(map[string]map[string]any)}
		if err := fn(ctx, st); err != nil {
			return err
		}
		var err error
		touched, err = st.flush()
		return err
	})
	if err != nil {
		return err
	}

	s.feed.changed(touched...)
	if s.changes != nil {
		for _, c := range touched {
			if perr := s.changes.PublishCollectionChange(ctx, c); perr != nil {
				s.log.LogError(ctx, perr, "publish_change", c)
			}
		}
	}
	return nil
}

type sqlTx struct {
	s     *SQL
	db    *gorm.DB
	ops   []writeOp
	cache map[string]map[string]any // rows read in this transaction, nil when absent
}

func (t *sqlTx) load(docPath string) (map[string]any, error) {
	if data, ok := t.cache[docPath]; ok {
		return data, nil
	}
	q := t.db
	if t.s.postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rec DocumentRecord
	err := q.Where("path = ?", docPath).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		t.cache[docPath] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data := map[string]any(rec.Data)
	t.cache[docPath] = data
	return data, nil
}

func (t *sqlTx) Get(docPath string) (*Document, error) {
	_, id, err := SplitDocPath(docPath)
	if err != nil {
		return nil, err
	}
	data, err := t.load(docPath)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", docPath, err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return &Document{ID: id, Path: docPath, Data: copyData(data)}, nil
}

func (t *sqlTx) Set(docPath string, data map[string]any) error {
	return t.add(writeOp{kind: opSet, path: docPath, data: data})
}

func (t *sqlTx) Update(docPath string, updates ...Update) error {
	return t.add(writeOp{kind: opUpdate, path: docPath, updates: updates})
}

func (t *sqlTx) Delete(docPath string) error {
	return t.add(writeOp{kind: opDelete, path: docPath})
}

func (t *sqlTx) add(op writeOp) error {
	if err := op.validate(); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	return nil
}

// flush applies the buffered writes inside the gorm transaction.
func (t *sqlTx) flush() ([]string, error) {
	now := t.s.now().UTC()
	staged := make(map[string]map[string]any)
	order := make([]string, 0, len(t.ops))

	for _, op := range t.ops {
		if _, ok := staged[op.path]; !ok {
			order = append(order, op.path)
		}
		switch op.kind {
		case opSet:
			staged[op.path] = resolveData(op.data, now)
		case opUpdate:
			current, ok := staged[op.path]
			if !ok {
				loaded, err := t.load(op.path)
				if err != nil {
					return nil, err
				}
				current = copyData(loaded)
			}
			if current == nil {
				return nil, ErrNotFound
			}
			if err := applyUpdates(current, op.updates, now); err != nil {
				return nil, err
			}
			staged[op.path] = current
		case opDelete:
			staged[op.path] = nil
		}
	}

	touched := make([]string, 0)
	seen := make(map[string]bool)
	for _, path := range order {
		coll, id, _ := SplitDocPath(path)
		data := staged[path]
		if data == nil {
			if err := t.db.Where("path = ?", path).Delete(&DocumentRecord{}).Error; err != nil {
				return nil, fmt.Errorf("delete %s: %w", path, err)
			}
		} else {
			rec := DocumentRecord{
				Path:       path,
				Collection: coll,
				DocID:      id,
				Data:       datatypes.JSONMap(encodeTimes(data).(map[string]any)),
			}
			err := t.db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "path"}},
				DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
			}).Create(&rec).Error
			if err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
		}
		if !seen[coll] {
			seen[coll] = true
			touched = append(touched, coll)
		}
	}
	return touched, nil
}

// Close stops subscriptions and the change listener. The gorm connection is owned by the caller.
func (s *SQL) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.feed.closeAll()
	return nil
}
