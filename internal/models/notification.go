package models

import "time"

// Notification lives in users/{recipient}/notifications.
type Notification struct {
	ID        string    `json:"id" mapstructure:"id"`
	UserID    string    `json:"userId" mapstructure:"userId"`
	Title     string    `json:"title" mapstructure:"title"`
	Body      string    `json:"body" mapstructure:"body"`
	Read      bool      `json:"read" mapstructure:"read"`
	CreatedAt time.Time `json:"createdAt" mapstructure:"createdAt"`
}
