package livesync

import (
	"context"
	"strings"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/session"
)

// PostFeed is the live posts collection.
type PostFeed struct {
	*Collection[models.Post]
}

// NewPostFeed binds the posts collection.
func NewPostFeed(store docstore.Store, sessions session.Source, opts ...Option) *PostFeed {
	return &PostFeed{NewCollection[models.Post](store, sessions, CollectionConfig{
		Path:     models.PostsCollection,
		Noun:     "post",
		Counters: models.PostCounters,
	}, opts...)}
}

// CreatePost publishes a post by the session user.
func (f *PostFeed) CreatePost(ctx context.Context, title, description string) models.Result {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Fail(models.NewMissingFieldError("title"))
	}
	return f.Create(ctx, map[string]any{
		"title":       title,
		"description": strings.TrimSpace(description),
	})
}

// EventInput is the user-supplied part of a new event.
type EventInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Address     string `json:"address"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	MaxCapacity *int   `json:"maxCapacity"`
	ImageURL    string `json:"imageUrl"`
}

// EventFeed is the live events collection. Snapshots are sorted client-side.
type EventFeed struct {
	*Collection[models.Event]
}

// NewEventFeed binds the events collection.
func NewEventFeed(store docstore.Store, sessions session.Source, opts ...Option) *EventFeed {
	return &EventFeed{NewCollection[models.Event](store, sessions, CollectionConfig{
		Path:       models.EventsCollection,
		Noun:       "event",
		Counters:   models.EventCounters,
		ClientSort: true,
	}, opts...)}
}

// CreateEvent publishes an event by the session user with no attendees.
func (f *EventFeed) CreateEvent(ctx context.Context, in EventInput) models.Result {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return models.Fail(models.NewMissingFieldError("title"))
	}
	if in.MaxCapacity != nil && *in.MaxCapacity < 0 {
		return models.Fail(models.NewValidationError("maxCapacity must not be negative"))
	}

	var capacity any
	if in.MaxCapacity != nil {
		capacity = int64(*in.MaxCapacity)
	}
	return f.Create(ctx, map[string]any{
		"title":       title,
		"description": strings.TrimSpace(in.Description),
		"address":     strings.TrimSpace(in.Address),
		"date":        in.Date,
		"time":        in.Time,
		"maxCapacity": capacity,
		"imageUrl":    in.ImageURL,
		"attendees":   []any{},
	})
}
