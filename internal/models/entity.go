// Package models defines the document shapes and error taxonomy shared by the sync layer and the API.
package models

import (
	"time"
)

// Collection names.
const (
	PostsCollection         = "posts"
	EventsCollection        = "events"
	UsersCollection         = "users"
	LikesCollection         = "likes"
	CommentsCollection      = "comments"
	NotificationsCollection = "notifications"
)

// Counter names stored under stats.
const (
	StatLikes     = "likes"
	StatComments  = "comments"
	StatViews     = "views"
	StatAttendees = "attendees"
)

// PostCounters are zeroed when a post is created.
var PostCounters = []string{StatLikes, StatComments, StatViews}

// EventCounters are zeroed when an event is created.
var EventCounters = []string{StatAttendees, StatLikes, StatComments, StatViews}

// Stats is the map of named counters carried by every entity.
type Stats map[string]int64

// Get returns the named counter, 0 when absent.
func (s Stats) Get(name string) int64 {
	return s[name]
}

// ZeroStats builds a stats map with every named counter at 0.
func ZeroStats(names []string) map[string]any {
	m := make(map[string]any, len(names))
	for _, n := range names {
		m[n] = int64(0)
	}
	return m
}

// Post is a feed entry in the posts collection.
type Post struct {
	ID          string    `json:"id" mapstructure:"id"`
	Title       string    `json:"title" mapstructure:"title"`
	Description string    `json:"description" mapstructure:"description"`
	UserID      string    `json:"userId" mapstructure:"userId"`
	UserName    string    `json:"userName" mapstructure:"userName"`
	Stats       Stats     `json:"stats" mapstructure:"stats"`
	CreatedAt   time.Time `json:"createdAt" mapstructure:"createdAt"`
}

// Event is an entry in the events collection. Attendance is embedded in Attendees.
type Event struct {
	ID          string    `json:"id" mapstructure:"id"`
	Title       string    `json:"title" mapstructure:"title"`
	Description string    `json:"description" mapstructure:"description"`
	Address     string    `json:"address,omitempty" mapstructure:"address"`
	Date        string    `json:"date,omitempty" mapstructure:"date"`
	Time        string    `json:"time,omitempty" mapstructure:"time"`
	MaxCapacity *int      `json:"maxCapacity,omitempty" mapstructure:"maxCapacity"`
	ImageURL    string    `json:"imageUrl,omitempty" mapstructure:"imageUrl"`
	Attendees   []string  `json:"attendees" mapstructure:"attendees"`
	UserID      string    `json:"userId" mapstructure:"userId"`
	UserName    string    `json:"userName" mapstructure:"userName"`
	Stats       Stats     `json:"stats" mapstructure:"stats"`
	CreatedAt   time.Time `json:"createdAt" mapstructure:"createdAt"`
}

// IsAttending reports whether userID is in the attendee list.
func (e *Event) IsAttending(userID string) bool {
	for _, id := range e.Attendees {
		if id == userID {
			return true
		}
	}
	return false
}

// Like is a membership record stored at {collection}/{id}/likes/{userId}.
type Like struct {
	UserID    string    `json:"userId" mapstructure:"userId"`
	CreatedAt time.Time `json:"createdAt" mapstructure:"createdAt"`
}
