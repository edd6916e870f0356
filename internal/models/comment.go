package models

import "time"

// Comment lives in {collection}/{parentId}/comments.
type Comment struct {
	ID         string         `json:"id" mapstructure:"id"`
	Text       string         `json:"text" mapstructure:"text"`
	AuthorID   string         `json:"authorId" mapstructure:"authorId"`
	AuthorName string         `json:"authorName" mapstructure:"authorName"`
	ReplyTo    *ReplySnapshot `json:"replyTo" mapstructure:"replyTo"`
	CreatedAt  time.Time      `json:"createdAt" mapstructure:"createdAt"`
}

// ReplySnapshot is a copy of the quoted comment taken when the reply was written.
// It is never updated afterwards.
type ReplySnapshot struct {
	ID         string `json:"id" mapstructure:"id"`
	AuthorID   string `json:"authorId" mapstructure:"authorId"`
	AuthorName string `json:"authorName" mapstructure:"authorName"`
	Text       string `json:"text" mapstructure:"text"`
}

// SnapshotOf copies the quoted comment. A missing author id falls back to fallbackAuthorID.
func SnapshotOf(c *Comment, fallbackAuthorID string) *ReplySnapshot {
	if c == nil {
		return nil
	}
	authorID := c.AuthorID
	if authorID == "" {
		authorID = fallbackAuthorID
	}
	return &ReplySnapshot{
		ID:         c.ID,
		AuthorID:   authorID,
		AuthorName: c.AuthorName,
		Text:       c.Text,
	}
}

// Fields returns the document representation of the snapshot.
func (r *ReplySnapshot) Fields() map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"id":         r.ID,
		"authorId":   r.AuthorID,
		"authorName": r.AuthorName,
		"text":       r.Text,
	}
}
