// Package seed fills a document store with demo users, posts, comments,
// likes and events. Everything goes through the sync layer, so seeded data
// has the same shape as data written by clients. Development and testing only.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"agora/internal/docstore"
	"agora/internal/livesync"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/session"

	"gopkg.in/yaml.v3"
)

// Fixture describes the data to seed. Authors are referenced by email.
type Fixture struct {
	Users  []UserFixture  `yaml:"users"`
	Posts  []PostFixture  `yaml:"posts"`
	Events []EventFixture `yaml:"events"`
}

// UserFixture is one account.
type UserFixture struct {
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
}

// PostFixture is a post with its thread and likers.
type PostFixture struct {
	Author      string           `yaml:"author"`
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	Comments    []CommentFixture `yaml:"comments"`
	LikedBy     []string         `yaml:"liked_by"`
}

// CommentFixture is one comment. ReplyTo is the 1-based position of an
// earlier comment of the same post; zero means no reply.
type CommentFixture struct {
	Author  string `yaml:"author"`
	Text    string `yaml:"text"`
	ReplyTo int    `yaml:"reply_to"`
}

// EventFixture is an event with its attendees.
type EventFixture struct {
	Author      string   `yaml:"author"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Address     string   `yaml:"address"`
	Date        string   `yaml:"date"`
	Time        string   `yaml:"time"`
	Attendees   []string `yaml:"attendees"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Users       int
	Posts       int
	Comments    int
	Likes       int
	Events      int
	Attendances int
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &f, nil
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFixture(raw)
}

// Seeder writes fixtures through the sync layer, signed in as each author.
type Seeder struct {
	store    docstore.Store
	identity session.IdentityProvider
	sessions map[string]*session.Manager
	log      *observability.SyncLogger
}

// NewSeeder binds the seeder to a store and identity provider.
func NewSeeder(store docstore.Store, identity session.IdentityProvider) *Seeder {
	return &Seeder{
		store:    store,
		identity: identity,
		sessions: make(map[string]*session.Manager),
		log:      observability.NewSyncLogger("seed"),
	}
}

// Close signs every seeded session out of memory. Tokens are not revoked.
func (s *Seeder) Close() {
	for _, m := range s.sessions {
		m.Close()
	}
	s.sessions = make(map[string]*session.Manager)
}

// Apply seeds f. Accounts that already exist are signed in instead of created.
func (s *Seeder) Apply(ctx context.Context, f *Fixture) (Summary, error) {
	var sum Summary

	for _, u := range f.Users {
		created, err := s.signIn(ctx, u)
		if err != nil {
			return sum, fmt.Errorf("user %s: %w", u.Email, err)
		}
		if created {
			sum.Users++
		}
	}

	for i, p := range f.Posts {
		if err := s.seedPost(ctx, p, &sum); err != nil {
			return sum, fmt.Errorf("post %d: %w", i+1, err)
		}
	}

	for i, e := range f.Events {
		if err := s.seedEvent(ctx, e, &sum); err != nil {
			return sum, fmt.Errorf("event %d: %w", i+1, err)
		}
	}
	return sum, nil
}

func (s *Seeder) signIn(ctx context.Context, u UserFixture) (bool, error) {
	if _, ok := s.sessions[u.Email]; ok {
		return false, nil
	}
	m := session.NewManager(s.identity, s.store)

	res := m.SignUp(ctx, u.Email, u.Password, u.DisplayName)
	created := res.Success
	if !res.Success && models.IsCode(res.Err, models.CodeEmailInUse) {
		res = m.SignIn(ctx, u.Email, u.Password)
	}
	if !res.Success {
		m.Close()
		return false, res.Err
	}
	s.sessions[u.Email] = m
	return created, nil
}

func (s *Seeder) as(email string) (*session.Manager, error) {
	m, ok := s.sessions[email]
	if !ok {
		return nil, fmt.Errorf("unknown author %q", email)
	}
	return m, nil
}

func (s *Seeder) seedPost(ctx context.Context, p PostFixture, sum *Summary) error {
	author, err := s.as(p.Author)
	if err != nil {
		return err
	}
	res := livesync.NewPostFeed(s.store, author).CreatePost(ctx, p.Title, p.Description)
	if !res.Success {
		return res.Err
	}
	sum.Posts++
	postID := res.ID

	var added []*models.Comment
	for j, c := range p.Comments {
		commenter, err := s.as(c.Author)
		if err != nil {
			return err
		}
		thread := livesync.NewCommentThread(s.store, commenter, models.PostsCollection, postID)

		var replyTo *models.Comment
		if c.ReplyTo > 0 && c.ReplyTo <= len(added) {
			replyTo = added[c.ReplyTo-1]
		}
		res := thread.AddComment(ctx, c.Text, replyTo)
		if !res.Success {
			thread.Close()
			return fmt.Errorf("comment %d: %w", j+1, res.Err)
		}
		comment, err := thread.Find(ctx, res.ID)
		thread.Close()
		if err != nil {
			return err
		}
		added = append(added, comment)
		sum.Comments++
	}

	for _, email := range p.LikedBy {
		if err := s.flip(ctx, email, livesync.NewLikeMembership(s.store, models.PostsCollection), postID); err != nil {
			return err
		}
		sum.Likes++
	}
	return nil
}

func (s *Seeder) seedEvent(ctx context.Context, e EventFixture, sum *Summary) error {
	author, err := s.as(e.Author)
	if err != nil {
		return err
	}
	res := livesync.NewEventFeed(s.store, author).CreateEvent(ctx, livesync.EventInput{
		Title:       e.Title,
		Description: e.Description,
		Address:     e.Address,
		Date:        e.Date,
		Time:        e.Time,
	})
	if !res.Success {
		return res.Err
	}
	sum.Events++

	for _, email := range e.Attendees {
		if err := s.flip(ctx, email, livesync.NewAttendanceMembership(s.store, models.EventsCollection), res.ID); err != nil {
			return err
		}
		sum.Attendances++
	}
	return nil
}

// flip turns email's membership on and waits for the store to confirm it.
func (s *Seeder) flip(ctx context.Context, email string, model livesync.Membership, entityID string) error {
	m, err := s.as(email)
	if err != nil {
		return err
	}
	t := livesync.NewToggle(model, m)
	defer t.Close()

	view, err := t.View(ctx, entityID)
	if err != nil {
		return err
	}
	if view.Member {
		return nil
	}
	op, err := t.Toggle(ctx, entityID)
	if err != nil {
		return err
	}
	if _, err := op.Wait(ctx); err != nil {
		s.log.LogError(ctx, err, "seed_"+model.Kind(), slog.String("entity_id", entityID))
		return err
	}
	return nil
}
