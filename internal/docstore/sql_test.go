package docstore

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSQLiteStore(t *testing.T, opts ...SQLOption) *SQL {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "docs.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s, err := NewSQL(db, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

func TestSQL_SetGetRoundTripsTimes(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)

	created := time.Date(2024, 2, 3, 4, 5, 6, 789, time.UTC)
	require.NoError(t, s.Set(ctx, "posts/p1", map[string]any{
		"title":     "hello",
		"createdAt": created,
		"stats":     map[string]any{"likes": 0},
	}))

	doc, err := s.Get(ctx, "posts/p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", doc.ID)
	assert.Equal(t, created.Format(sortableTime), doc.Data["createdAt"])

	type post struct {
		Title     string    `mapstructure:"title"`
		CreatedAt time.Time `mapstructure:"createdAt"`
	}
	p, err := Decode[post](doc)
	require.NoError(t, err)
	assert.True(t, created.Equal(p.CreatedAt))
}

func TestSQL_ListOrdersByEncodedTime(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// RFC3339Nano trims trailing zeros, so those strings would not sort; the fixed layout does.
	require.NoError(t, s.Set(ctx, "posts/a", map[string]any{"createdAt": base.Add(9 * time.Second)}))
	require.NoError(t, s.Set(ctx, "posts/b", map[string]any{"createdAt": base.Add(10*time.Second + 5*time.Millisecond)}))
	require.NoError(t, s.Set(ctx, "posts/c", map[string]any{"createdAt": base.Add(9*time.Second + 500*time.Millisecond)}))

	docs, err := s.List(ctx, Query{Collection: "posts", OrderBy: "createdAt", Direction: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, ids(docs))

	docs, err = s.List(ctx, Query{Collection: "posts", OrderBy: "createdAt", Direction: Desc, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(docs))
}

func TestSQL_UpdateIncrementAndMissing(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)

	require.NoError(t, s.Set(ctx, "posts/p1", map[string]any{"stats": map[string]any{"views": 0}}))
	require.NoError(t, s.Update(ctx, "posts/p1", Update{Path: "stats.views", Value: Increment(1)}))
	require.NoError(t, s.Update(ctx, "posts/p1", Update{Path: "stats.views", Value: Increment(1)}))

	doc, err := s.Get(ctx, "posts/p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, doc.Data["stats"].(map[string]any)["views"])

	err = s.Update(ctx, "posts/nope", Update{Path: "stats.views", Value: Increment(1)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQL_ConcurrentTransactionsAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)
	require.NoError(t, s.Set(ctx, "posts/p1", map[string]any{"stats": map[string]any{"comments": 0}}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Batch().
				Set(Join("posts/p1/comments", NewID()), map[string]any{"text": "hi", "createdAt": ServerTimestamp}).
				Update("posts/p1", Update{Path: "stats.comments", Value: Increment(1)}).
				Commit(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.Get(ctx, "posts/p1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, doc.Data["stats"].(map[string]any)["comments"])

	comments, err := s.List(ctx, Query{Collection: "posts/p1/comments", OrderBy: "createdAt"})
	require.NoError(t, err)
	assert.Len(t, comments, 10)
}

func TestSQL_DeleteDoesNotCascade(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)

	require.NoError(t, s.Set(ctx, "posts/p1", map[string]any{"title": "x"}))
	require.NoError(t, s.Set(ctx, "posts/p1/likes/u1", map[string]any{"userId": "u1"}))
	require.NoError(t, s.Delete(ctx, "posts/p1"))

	_, err := s.Get(ctx, "posts/p1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "posts/p1/likes/u1")
	assert.NoError(t, err)
}

type fakeChangeFeed struct {
	mu        sync.Mutex
	published []string
	onChange  func(string)
}

func (f *fakeChangeFeed) PublishCollectionChange(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, collection)
	return nil
}

func (f *fakeChangeFeed) StartCollectionSubscriber(ctx context.Context, onChange func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = onChange
	return nil
}

func TestSQL_ChangeFeed(t *testing.T) {
	ctx := context.Background()
	cf := &fakeChangeFeed{}
	s := setupSQLiteStore(t, WithChangeFeed(cf))

	rec := &snapshotRecorder{}
	sub, err := s.Subscribe(ctx, Query{Collection: "posts"}, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Set(ctx, "posts/p1", map[string]any{"title": "x"}))
	cf.mu.Lock()
	assert.Equal(t, []string{"posts"}, cf.published)
	cf.mu.Unlock()
	assert.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)

	// A write made by another process arrives through the feed.
	before := rec.count()
	cf.onChange("posts")
	assert.Eventually(t, func() bool { return rec.count() > before }, time.Second, 5*time.Millisecond)
}

func TestSQL_GetNotFoundOnPostgres(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	s := newSQL(db)
	defer s.Close()
	assert.True(t, s.postgres)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "documents" WHERE path = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"path", "collection", "doc_id", "data"}))

	_, err = s.Get(context.Background(), "posts/p1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
