package cache

import (
	"context"
	"fmt"
	"time"

	"agora/internal/models"

	"github.com/redis/go-redis/v9"
)

// ProfileTTL is how long a resolved profile stays cached.
const ProfileTTL = 5 * time.Minute

// ProfileSource loads users/{id}; a missing profile is (nil, nil).
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*models.Profile, error)
}

// ProfileCache is a cache-aside layer over a ProfileSource. Cached profiles
// never carry the push token.
type ProfileCache struct {
	rdb  *redis.Client
	next ProfileSource
	ttl  time.Duration
}

// NewProfileCache wraps next. A nil client disables caching.
func NewProfileCache(rdb *redis.Client, next ProfileSource) *ProfileCache {
	return &ProfileCache{rdb: rdb, next: next, ttl: ProfileTTL}
}

// ProfileKey is the redis key of a cached profile.
func ProfileKey(userID string) string {
	return fmt.Sprintf("profile:%s", userID)
}

// cachedProfile also records misses so absent profiles are not re-read.
type cachedProfile struct {
	Found   bool            `json:"found"`
	Profile *models.Profile `json:"profile,omitempty"`
}

// Profile implements the profile reader used by the sync layer.
func (c *ProfileCache) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	var entry cachedProfile
	err := Aside(ctx, c.rdb, ProfileKey(userID), &entry, c.ttl, func() error {
		p, err := c.next.Profile(ctx, userID)
		if err != nil {
			return err
		}
		entry = cachedProfile{Found: p != nil, Profile: p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !entry.Found {
		return nil, nil
	}
	return entry.Profile, nil
}

// Invalidate drops the cached profile of userID.
func (c *ProfileCache) Invalidate(ctx context.Context, userID string) {
	Invalidate(ctx, c.rdb, ProfileKey(userID))
}
