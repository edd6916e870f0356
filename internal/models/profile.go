package models

import (
	"strings"
	"time"
)

// AnonymousName is the last entry of the display-name resolution order.
const AnonymousName = "anonymous"

// UnnamedUser is shown for an author whose profile exists but carries no name.
const UnnamedUser = "user"

// Profile is the users/{id} document. Name parts are stored under
// primer_nombre and primer_apellido.
type Profile struct {
	ID                    string    `json:"id" mapstructure:"id"`
	UserName              string    `json:"userName,omitempty" mapstructure:"userName"`
	Name                  string    `json:"name,omitempty" mapstructure:"name"`
	FirstName             string    `json:"firstName,omitempty" mapstructure:"primer_nombre"`
	LastName              string    `json:"lastName,omitempty" mapstructure:"primer_apellido"`
	Email                 string    `json:"email,omitempty" mapstructure:"email"`
	Img                   string    `json:"img,omitempty" mapstructure:"img"`
	NotificationPushToken string    `json:"-" mapstructure:"notificationPushToken"`
	CreatedAt             time.Time `json:"createdAt" mapstructure:"createdAt"`
}

// ResolveDisplayName picks the name shown for a user. Order:
//
//  1. profile userName (trimmed)
//  2. profile name (trimmed)
//  3. "firstName lastName" (trimmed, either part may be empty)
//  4. the session email
//  5. fallback
//
// A nil profile skips straight to the email.
func ResolveDisplayName(p *Profile, email, fallback string) string {
	if p != nil {
		if v := strings.TrimSpace(p.UserName); v != "" {
			return v
		}
		if v := strings.TrimSpace(p.Name); v != "" {
			return v
		}
		if v := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(email); v != "" {
		return v
	}
	return fallback
}

// LooksLikeEmail reports whether a denormalized name is actually an email address.
func LooksLikeEmail(name string) bool {
	return strings.Contains(name, "@")
}
