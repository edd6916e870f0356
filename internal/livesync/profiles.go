// Package livesync keeps local, observable copies of remote collections in
// step with the document store and applies user mutations optimistically.
package livesync

import (
	"context"
	"errors"
	"time"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/session"
)

// ProfileReader loads users/{id}. A missing profile is (nil, nil).
type ProfileReader interface {
	Profile(ctx context.Context, userID string) (*models.Profile, error)
}

// StoreProfiles reads profiles straight from the document store.
type StoreProfiles struct {
	store docstore.Store
}

// NewStoreProfiles returns a ProfileReader over store.
func NewStoreProfiles(store docstore.Store) *StoreProfiles {
	return &StoreProfiles{store: store}
}

// Profile implements ProfileReader.
func (p *StoreProfiles) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	doc, err := p.store.Get(ctx, docstore.Join(models.UsersCollection, userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	profile, err := docstore.Decode[models.Profile](doc)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// Option configures the sync components.
type Option func(*options)

type options struct {
	profiles ProfileReader
	now      func() time.Time
}

// WithProfiles overrides where author names are read from (e.g. a redis cache).
func WithProfiles(r ProfileReader) Option {
	return func(o *options) { o.profiles = r }
}

// WithClock overrides the clock used for client-side timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(store docstore.Store, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.profiles == nil {
		o.profiles = NewStoreProfiles(store)
	}
	return o
}

// authorName resolves the display name written next to new content.
// Profile read failures degrade to the session email.
func authorName(ctx context.Context, profiles ProfileReader, sess *session.Session, onErr func(error)) string {
	profile, err := profiles.Profile(ctx, sess.UserID)
	if err != nil {
		if onErr != nil {
			onErr(err)
		}
		profile = nil
	}
	return models.ResolveDisplayName(profile, sess.Email, models.AnonymousName)
}
