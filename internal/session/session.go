// Package session owns the signed-in user for the sync layer. The current
// session is pushed to subscribers whenever it changes; nothing polls.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/observability"
)

// Session is an authenticated user.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Source is the read side of a session holder. Subscribe calls fn at once
// with the current value and again on every change.
type Source interface {
	Current() *Session
	Subscribe(fn func(*Session)) (cancel func())
}

// broadcaster fans session changes out to subscribers in publish order.
type broadcaster struct {
	mu      sync.Mutex
	current *Session
	subs    map[int]func(*Session)
	nextID  int
	// held while callbacks run so subscribers observe changes in order
	notifyMu sync.Mutex
}

func (b *broadcaster) Current() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *broadcaster) Subscribe(fn func(*Session)) func() {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]func(*Session))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	cur := b.current
	b.mu.Unlock()

	fn(cur)

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *broadcaster) publish(s *Session) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.publishLocked(s)
}

// replace publishes next only while old is still current.
func (b *broadcaster) replace(old, next *Session) bool {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	if b.Current() != old {
		return false
	}
	b.publishLocked(next)
	return true
}

func (b *broadcaster) publishLocked(s *Session) {
	b.mu.Lock()
	b.current = s
	fns := make([]func(*Session), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// StaticSource is a session holder set directly by the caller.
type StaticSource struct {
	broadcaster
}

// Static returns a source holding s (nil means signed out).
func Static(s *Session) *StaticSource {
	src := &StaticSource{}
	src.current = s
	return src
}

// Set replaces the session and notifies subscribers.
func (s *StaticSource) Set(sess *Session) {
	s.publish(sess)
}

// Manager drives sign-in, sign-up and sign-out against an IdentityProvider
// and keeps the profile document in step. Subscriber callbacks must not call
// back into SignIn, SignUp, SignOut or Restore.
type Manager struct {
	broadcaster
	provider IdentityProvider
	store    docstore.Store
	log      *observability.SyncLogger
	now      func() time.Time

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewManager creates a signed-out manager.
func NewManager(provider IdentityProvider, store docstore.Store) *Manager {
	return &Manager{
		provider: provider,
		store:    store,
		log:      observability.NewSyncLogger("session"),
		now:      time.Now,
	}
}

// UserID returns the current user id, or "" when signed out.
func (m *Manager) UserID() string {
	if s := m.Current(); s != nil {
		return s.UserID
	}
	return ""
}

// SignIn authenticates and, on success, publishes the new session.
func (m *Manager) SignIn(ctx context.Context, email, password string) models.Result {
	email = strings.TrimSpace(email)
	if email == "" {
		return models.Fail(models.NewMissingFieldError("email"))
	}
	if password == "" {
		return models.Fail(models.NewMissingFieldError("password"))
	}

	sess, err := m.provider.SignIn(ctx, email, password)
	if err != nil {
		return models.Fail(err)
	}
	m.adopt(sess)
	return models.OK("Signed in")
}

// SignUp creates the identity and the users/{id} profile, then publishes the session.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) models.Result {
	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	switch {
	case email == "":
		return models.Fail(models.NewMissingFieldError("email"))
	case password == "":
		return models.Fail(models.NewMissingFieldError("password"))
	case displayName == "":
		return models.Fail(models.NewMissingFieldError("display name"))
	}

	sess, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		return models.Fail(err)
	}

	profilePath := docstore.Join(models.UsersCollection, sess.UserID)
	err = m.store.Set(ctx, profilePath, map[string]any{
		"userName":  displayName,
		"email":     sess.Email,
		"createdAt": docstore.ServerTimestamp,
	})
	if err != nil {
		m.log.LogError(ctx, err, "create_profile", "user_id", sess.UserID)
		if delErr := m.provider.DeleteIdentity(ctx, sess.UserID); delErr != nil {
			m.log.LogError(ctx, delErr, "delete_orphan_identity", "user_id", sess.UserID)
		}
		return models.Fail(models.NewRemoteWriteError("create your profile", err))
	}

	m.adopt(sess)
	return models.Created(sess.UserID, "Account created")
}

// SignOut revokes the current token and publishes nil.
func (m *Manager) SignOut(ctx context.Context) models.Result {
	sess := m.Current()
	if sess == nil {
		return models.OK("Signed out")
	}
	if err := m.provider.Revoke(ctx, sess.Token); err != nil {
		m.log.LogError(ctx, err, "revoke_token", "user_id", sess.UserID)
	}
	m.stopTimer()
	m.publish(nil)
	return models.OK("Signed out")
}

// Restore adopts an existing token after verifying it.
func (m *Manager) Restore(ctx context.Context, token string) (*Session, error) {
	sess, err := m.provider.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	m.adopt(sess)
	return sess, nil
}

// Close stops the expiry timer.
func (m *Manager) Close() {
	m.stopTimer()
}

func (m *Manager) adopt(sess *Session) {
	m.timerMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(sess.ExpiresAt.Sub(m.now()), func() { m.expire(sess) })
	m.timerMu.Unlock()

	m.publish(sess)
}

func (m *Manager) expire(sess *Session) {
	if m.replace(sess, nil) {
		m.log.LogLifecycle(context.Background(), "session_expired", docstore.Join(models.UsersCollection, sess.UserID))
	}
}

func (m *Manager) stopTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
