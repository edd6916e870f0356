package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"agora/internal/config"
	"agora/internal/docstore"
	"agora/internal/livesync"
	"agora/internal/models"
	"agora/internal/notifications"
	"agora/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret-with-at-least-32-characters!"

// MockPushSender is a mock implementation of notifications.PushSender
type MockPushSender struct {
	mock.Mock
}

func (m *MockPushSender) Send(ctx context.Context, msg notifications.PushMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type testEnv struct {
	srv   *Server
	app   *fiber.App
	store *docstore.Memory
	push  *MockPushSender
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("APP_ENV", "test")

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "identity.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider, err := session.NewLocalProvider(db, testSecret, time.Hour, rdb, session.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	store := docstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	push := new(MockPushSender)
	cfg := &config.Config{
		Env:            "test",
		Port:           "0",
		JWTSecret:      testSecret,
		SessionTTL:     time.Hour,
		AllowedOrigins: "http://localhost:8081",
		StoreBackend:   config.StoreMemory,
	}
	srv, err := NewServer(cfg, Deps{Store: store, Identity: provider, DB: db, Redis: rdb, Push: push})
	require.NoError(t, err)
	require.NoError(t, srv.Open(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testEnv{srv: srv, app: srv.App(), store: store, push: push}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) signup(t *testing.T, email, name string) authResponse {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":        email,
		"password":     "secret123",
		"display_name": name,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	var auth authResponse
	require.NoError(t, json.Unmarshal(body, &auth))
	require.NotEmpty(t, auth.Token)
	return auth
}

func (e *testEnv) createPost(t *testing.T, token, title string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/posts", token, map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, code, string(body))
	var res models.Result
	require.NoError(t, json.Unmarshal(body, &res))
	require.True(t, res.Success)
	return res.ID
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestServer(t)

	code, _ := env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body := env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, code)
	ready := decode[struct {
		Status string         `json:"status"`
		Checks map[string]any `json:"checks"`
	}](t, body)
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "healthy", ready.Checks["database"])
	assert.Equal(t, "healthy", ready.Checks["redis"])
}

func TestAuthFlow(t *testing.T) {
	env := newTestServer(t)

	auth := env.signup(t, "ada@example.com", "Ada")
	assert.NotEmpty(t, auth.UserID)

	t.Run("Duplicate Signup", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
			"email": "ada@example.com", "password": "secret123", "display_name": "Ada",
		})
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, models.CodeEmailInUse, decode[models.ErrorResponse](t, body).Code)
	})

	t.Run("Weak Password", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
			"email": "short@example.com", "password": "123", "display_name": "Short",
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Wrong Password", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "ada@example.com", "password": "nope-nope",
		})
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, models.CodeInvalidCredentials, decode[models.ErrorResponse](t, body).Code)
	})

	code, body := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusOK, code)
	login := decode[authResponse](t, body)
	assert.Equal(t, auth.UserID, login.UserID)

	code, _ = env.do(t, http.MethodPost, "/api/auth/logout", login.Token, nil)
	assert.Equal(t, http.StatusOK, code)

	// The revoked token no longer authenticates; the signup token still does.
	code, _ = env.do(t, http.MethodPost, "/api/posts", login.Token, map[string]string{"title": "After logout"})
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = env.do(t, http.MethodPost, "/api/posts", auth.Token, map[string]string{"title": "Still here"})
	assert.Equal(t, http.StatusCreated, code)
}

func TestPosts_CreateAndList(t *testing.T) {
	env := newTestServer(t)
	alice := env.signup(t, "alice@example.com", "Alice")

	id := env.createPost(t, alice.Token, "Hello")

	var posts []models.Post
	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/api/posts", "", nil)
		posts = decode[listResponse[models.Post]](t, body).Items
		return len(posts) == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, id, posts[0].ID)
	assert.Equal(t, "Hello", posts[0].Title)
	assert.Equal(t, alice.UserID, posts[0].UserID)
	assert.Equal(t, "Alice", posts[0].UserName)
	for _, counter := range models.PostCounters {
		assert.Zero(t, posts[0].Stats.Get(counter), counter)
	}

	t.Run("Anonymous Create", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/posts", "", map[string]string{"title": "Nope"})
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, models.CodeUnauthenticated, decode[models.ErrorResponse](t, body).Code)
	})

	t.Run("Missing Title", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/posts", alice.Token, map[string]string{"title": "  "})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, models.CodeValidation, decode[models.ErrorResponse](t, body).Code)
	})

	t.Run("Invalid Body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+alice.Token)
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("View Counter", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, "/api/posts/"+id+"/views", "", nil)
		assert.Equal(t, http.StatusAccepted, code)
		assert.Eventually(t, func() bool {
			doc, err := env.store.Get(context.Background(), docstore.Join(models.PostsCollection, id))
			require.NoError(t, err)
			stats, _ := doc.Data["stats"].(map[string]any)
			return stats["views"] == int64(1)
		}, 2*time.Second, 20*time.Millisecond)
	})
}

func TestPosts_DeleteRequiresOwnership(t *testing.T) {
	env := newTestServer(t)
	alice := env.signup(t, "alice@example.com", "Alice")
	bob := env.signup(t, "bob@example.com", "Bob")
	id := env.createPost(t, alice.Token, "Mine")

	code, body := env.do(t, http.MethodDelete, "/api/posts/"+id, bob.Token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, models.CodeForbidden, decode[models.ErrorResponse](t, body).Code)

	code, _ = env.do(t, http.MethodDelete, "/api/posts/"+id, alice.Token, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, http.MethodDelete, "/api/posts/"+id, alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPosts_LikeToggle(t *testing.T) {
	env := newTestServer(t)
	alice := env.signup(t, "alice@example.com", "Alice")
	id := env.createPost(t, alice.Token, "Like me")
	path := "/api/posts/" + id + "/like"

	code, body := env.do(t, http.MethodGet, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	view := decode[livesync.ToggleView](t, body)
	assert.False(t, view.Member)
	assert.Zero(t, view.Count)

	code, body = env.do(t, http.MethodPost, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	view = decode[livesync.ToggleView](t, body)
	assert.True(t, view.Member)
	assert.Equal(t, int64(1), view.Count)
	assert.Equal(t, livesync.Confirmed, view.Status)

	code, body = env.do(t, http.MethodPost, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	view = decode[livesync.ToggleView](t, body)
	assert.False(t, view.Member)
	assert.Zero(t, view.Count)

	_, err := env.store.Get(context.Background(), docstore.Join(models.PostsCollection, id, models.LikesCollection, alice.UserID))
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	t.Run("Unknown Post", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, "/api/posts/missing/like", alice.Token, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Anonymous", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, code)
	})
}

func TestComments_ReplyAndNotify(t *testing.T) {
	env := newTestServer(t)
	alice := env.signup(t, "alice@example.com", "Alice")
	bob := env.signup(t, "bob@example.com", "Bob")
	postID := env.createPost(t, alice.Token, "Discuss")
	commentsPath := "/api/posts/" + postID + "/comments"

	code, body := env.do(t, http.MethodPost, commentsPath, bob.Token, map[string]string{"text": "nice post"})
	require.Equal(t, http.StatusCreated, code, string(body))
	first := decode[models.Result](t, body).ID

	code, body = env.do(t, http.MethodPost, commentsPath, alice.Token, map[string]string{
		"text":        "thanks",
		"reply_to_id": first,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	reply := decode[models.Result](t, body).ID

	code, body = env.do(t, http.MethodGet, commentsPath, "", nil)
	require.Equal(t, http.StatusOK, code)
	comments := decode[listResponse[models.Comment]](t, body).Items
	require.Len(t, comments, 2)

	byID := make(map[string]models.Comment)
	for _, c := range comments {
		byID[c.ID] = c
	}
	assert.Equal(t, "Bob", byID[first].AuthorName)
	assert.Nil(t, byID[first].ReplyTo)
	require.NotNil(t, byID[reply].ReplyTo)
	assert.Equal(t, first, byID[reply].ReplyTo.ID)
	assert.Equal(t, "nice post", byID[reply].ReplyTo.Text)
	assert.Equal(t, bob.UserID, byID[reply].ReplyTo.AuthorID)

	doc, err := env.store.Get(context.Background(), docstore.Join(models.PostsCollection, postID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Data["stats"].(map[string]any)["comments"])

	// Only bob's comment notifies alice; her own reply does not.
	code, body = env.do(t, http.MethodGet, "/api/notifications", alice.Token, nil)
	require.Equal(t, http.StatusOK, code)
	notes := decode[listResponse[models.Notification]](t, body).Items
	require.Len(t, notes, 1)
	assert.Equal(t, "Bob: nice post", notes[0].Body)
	assert.False(t, notes[0].Read)

	code, _ = env.do(t, http.MethodPost, "/api/notifications/"+notes[0].ID+"/read", alice.Token, nil)
	assert.Equal(t, http.StatusOK, code)
	_, body = env.do(t, http.MethodGet, "/api/notifications", alice.Token, nil)
	assert.True(t, decode[listResponse[models.Notification]](t, body).Items[0].Read)

	code, _ = env.do(t, http.MethodPost, "/api/notifications/"+notes[0].ID+"/read", bob.Token, nil)
	assert.Equal(t, http.StatusNotFound, code)

	t.Run("Unknown Post", func(t *testing.T) {
		code, _ := env.do(t, http.MethodGet, "/api/posts/missing/comments", "", nil)
		assert.Equal(t, http.StatusNotFound, code)
		code, _ = env.do(t, http.MethodPost, "/api/posts/missing/comments", bob.Token, map[string]string{"text": "hi"})
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Unknown Reply Target", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, commentsPath, bob.Token, map[string]string{
			"text": "hi", "reply_to_id": "missing",
		})
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Empty Text", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, commentsPath, bob.Token, map[string]string{"text": " "})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestPushToken_RegistersAndDelivers(t *testing.T) {
	env := newTestServer(t)
	alice := env.signup(t, "alice@example.com", "Alice")
	bob := env.signup(t, "bob@example.com", "Bob")
	const token = "ExponentPushToken[alice]"

	code, body := env.do(t, http.MethodPut, "/api/users/me/push-token", alice.Token, map[string]string{"token": token})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, map[string]bool{"registered": true}, decode[map[string]bool](t, body))

	code, body = env.do(t, http.MethodPut, "/api/users/me/push-token", alice.Token, map[string]string{
		"token": token, "last_known": token,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]bool{"registered": false}, decode[map[string]bool](t, body))

	code, _ = env.do(t, http.MethodPut, "/api/users/me/push-token", alice.Token, map[string]string{"token": ""})
	assert.Equal(t, http.StatusBadRequest, code)

	env.push.On("Send", mock.Anything, mock.MatchedBy(func(msg notifications.PushMessage) bool {
		return msg.To == token && msg.Title == "New comment"
	})).Return(nil).Once()

	postID := env.createPost(t, alice.Token, "Ping me")
	code, _ = env.do(t, http.MethodPost, "/api/posts/"+postID+"/comments", bob.Token, map[string]string{"text": "ping"})
	require.Equal(t, http.StatusCreated, code)

	env.srv.relay.Wait()
	env.push.AssertExpectations(t)
}

func TestEvents_Attendance(t *testing.T) {
	env := newTestServer(t)
	alice := env.signup(t, "alice@example.com", "Alice")

	code, body := env.do(t, http.MethodPost, "/api/events", alice.Token, livesync.EventInput{
		Title:   "Meetup",
		Address: "Main St 1",
		Date:    "2026-11-01",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	id := decode[models.Result](t, body).ID

	code, body = env.do(t, http.MethodPost, "/api/events/"+id+"/attendance", alice.Token, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	view := decode[livesync.ToggleView](t, body)
	assert.True(t, view.Member)
	assert.Equal(t, int64(1), view.Count)

	var events []models.Event
	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/api/events", "", nil)
		events = decode[listResponse[models.Event]](t, body).Items
		return len(events) == 1 && events[0].Stats.Get(models.StatAttendees) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, events[0].IsAttending(alice.UserID))
	assert.Equal(t, "Main St 1", events[0].Address)

	code, body = env.do(t, http.MethodPost, "/api/events/"+id+"/attendance", alice.Token, nil)
	require.Equal(t, http.StatusOK, code)
	view = decode[livesync.ToggleView](t, body)
	assert.False(t, view.Member)
	assert.Zero(t, view.Count)

	code, body = env.do(t, http.MethodPost, "/api/events/"+id+"/like", alice.Token, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, decode[livesync.ToggleView](t, body).Member)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/auth/logout"},
		{http.MethodPost, "/api/posts"},
		{http.MethodPost, "/api/posts/p1/comments"},
		{http.MethodGet, "/api/posts/p1/like"},
		{http.MethodDelete, "/api/posts/p1"},
		{http.MethodPost, "/api/events"},
		{http.MethodPost, "/api/events/e1/attendance"},
		{http.MethodGet, "/api/notifications"},
		{http.MethodPut, "/api/users/me/push-token"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			code, body := env.do(t, tt.method, tt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, code)
			assert.Equal(t, models.CodeUnauthenticated, decode[models.ErrorResponse](t, body).Code)
		})
	}

	t.Run("Plain HTTP On Sync Channel", func(t *testing.T) {
		auth := env.signup(t, "ws@example.com", "Ws")
		code, _ := env.do(t, http.MethodGet, "/api/ws?token="+auth.Token, "", nil)
		assert.Equal(t, http.StatusUpgradeRequired, code)
	})
}
