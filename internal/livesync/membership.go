package livesync

import (
	"context"
	"errors"

	"agora/internal/docstore"
	"agora/internal/models"
)

// Membership is the remote model behind a toggle: whether a user belongs to
// an entity's set, and the entity's counter for that set.
type Membership interface {
	// Kind labels metrics and logs ("like", "attendance").
	Kind() string
	// Collection is the entity collection the set belongs to.
	Collection() string
	Load(ctx context.Context, entityID, userID string) (member bool, count int64, err error)
	// Apply moves the user to the wanted membership. It is idempotent: applying
	// the current state changes nothing.
	Apply(ctx context.Context, entityID, userID string, want bool) (member bool, count int64, err error)
}

func statValue(data map[string]any, name string) int64 {
	stats, _ := data["stats"].(map[string]any)
	switch n := stats[name].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func clampCount(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func notFound(collection, id string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return models.NewNotFoundError(collection, id)
	}
	return err
}

// LikeMembership keeps one {collection}/{id}/likes/{userId} record per liker
// and stats.likes on the entity, changed together in one transaction.
type LikeMembership struct {
	store      docstore.Store
	collection string
}

// NewLikeMembership returns the like model for a collection.
func NewLikeMembership(store docstore.Store, collection string) *LikeMembership {
	return &LikeMembership{store: store, collection: collection}
}

// Kind implements Membership.
func (l *LikeMembership) Kind() string { return "like" }

// Collection implements Membership.
func (l *LikeMembership) Collection() string { return l.collection }

func (l *LikeMembership) likePath(entityID, userID string) string {
	return docstore.Join(l.collection, entityID, models.LikesCollection, userID)
}

// Load implements Membership.
func (l *LikeMembership) Load(ctx context.Context, entityID, userID string) (bool, int64, error) {
	entity, err := l.store.Get(ctx, docstore.Join(l.collection, entityID))
	if err != nil {
		return false, 0, notFound(l.collection, entityID, err)
	}
	_, err = l.store.Get(ctx, l.likePath(entityID, userID))
	switch {
	case err == nil:
		return true, statValue(entity.Data, models.StatLikes), nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, statValue(entity.Data, models.StatLikes), nil
	default:
		return false, 0, err
	}
}

// Apply implements Membership.
func (l *LikeMembership) Apply(ctx context.Context, entityID, userID string, want bool) (bool, int64, error) {
	entityPath := docstore.Join(l.collection, entityID)
	likePath := l.likePath(entityID, userID)

	var count int64
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		entity, err := tx.Get(entityPath)
		if err != nil {
			return notFound(l.collection, entityID, err)
		}
		count = statValue(entity.Data, models.StatLikes)

		_, err = tx.Get(likePath)
		liked := err == nil
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if liked == want {
			return nil
		}

		if want {
			if err := tx.Set(likePath, map[string]any{
				"userId":    userID,
				"createdAt": docstore.ServerTimestamp,
			}); err != nil {
				return err
			}
			count++
			return tx.Update(entityPath, docstore.Update{Path: "stats." + models.StatLikes, Value: docstore.Increment(1)})
		}
		if err := tx.Delete(likePath); err != nil {
			return err
		}
		count--
		return tx.Update(entityPath, docstore.Update{Path: "stats." + models.StatLikes, Value: docstore.Increment(-1)})
	})
	if err != nil {
		return false, 0, err
	}
	return want, clampCount(count), nil
}

// AttendanceMembership keeps attendees embedded in the entity as an array,
// updated together with stats.attendees.
type AttendanceMembership struct {
	store      docstore.Store
	collection string
}

// NewAttendanceMembership returns the attendance model for a collection.
func NewAttendanceMembership(store docstore.Store, collection string) *AttendanceMembership {
	return &AttendanceMembership{store: store, collection: collection}
}

// Kind implements Membership.
func (a *AttendanceMembership) Kind() string { return "attendance" }

// Collection implements Membership.
func (a *AttendanceMembership) Collection() string { return a.collection }

func attendeeList(data map[string]any) []string {
	raw, _ := data["attendees"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsUser(ids []string, userID string) bool {
	for _, id := range ids {
		if id == userID {
			return true
		}
	}
	return false
}

// Load implements Membership.
func (a *AttendanceMembership) Load(ctx context.Context, entityID, userID string) (bool, int64, error) {
	entity, err := a.store.Get(ctx, docstore.Join(a.collection, entityID))
	if err != nil {
		return false, 0, notFound(a.collection, entityID, err)
	}
	return containsUser(attendeeList(entity.Data), userID), statValue(entity.Data, models.StatAttendees), nil
}

// Apply implements Membership.
func (a *AttendanceMembership) Apply(ctx context.Context, entityID, userID string, want bool) (bool, int64, error) {
	entityPath := docstore.Join(a.collection, entityID)

	var count int64
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		entity, err := tx.Get(entityPath)
		if err != nil {
			return notFound(a.collection, entityID, err)
		}
		count = statValue(entity.Data, models.StatAttendees)
		attendees := attendeeList(entity.Data)
		if containsUser(attendees, userID) == want {
			return nil
		}

		next := make([]any, 0, len(attendees)+1)
		for _, id := range attendees {
			if id != userID {
				next = append(next, id)
			}
		}
		delta := int64(-1)
		if want {
			next = append(next, userID)
			delta = 1
		}
		count += delta
		return tx.Update(entityPath,
			docstore.Update{Path: "attendees", Value: next},
			docstore.Update{Path: "stats." + models.StatAttendees, Value: docstore.Increment(delta)},
		)
	})
	if err != nil {
		return false, 0, err
	}
	return want, clampCount(count), nil
}
