package seed

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// DefaultPassword is the password of every generated account.
const DefaultPassword = "password123"

// Options sizes a generated fixture.
type Options struct {
	Users           int
	Posts           int
	Events          int
	MaxComments     int
	MaxLikes        int
	MaxAttendees    int
	Seed            int64
	EmailDomain     string
	EmailNamedUsers int
}

// Generate builds a random fixture. The same Seed yields the same fixture.
// The first EmailNamedUsers accounts get their email as display name, which
// the comment views repair.
func Generate(opts Options) *Fixture {
	if opts.Users <= 0 {
		opts.Users = 1
	}
	if opts.EmailDomain == "" {
		opts.EmailDomain = "example.com"
	}
	faker := gofakeit.New(opts.Seed)
	r := rand.New(rand.NewSource(opts.Seed))

	f := &Fixture{}
	for i := 0; i < opts.Users; i++ {
		name := faker.Name()
		email := fmt.Sprintf("%s.%d@%s", strings.ToLower(faker.Username()), i+1, opts.EmailDomain)
		display := name
		if i < opts.EmailNamedUsers {
			display = email
		}
		f.Users = append(f.Users, UserFixture{Email: email, Password: DefaultPassword, DisplayName: display})
	}

	pick := func() string { return f.Users[r.Intn(len(f.Users))].Email }
	// some returns up to limit distinct users
	some := func(limit int) []string {
		if limit <= 0 {
			return nil
		}
		n := r.Intn(min(limit, len(f.Users)) + 1)
		out := make([]string, 0, n)
		for _, idx := range r.Perm(len(f.Users))[:n] {
			out = append(out, f.Users[idx].Email)
		}
		return out
	}

	for i := 0; i < opts.Posts; i++ {
		p := PostFixture{
			Author:      pick(),
			Title:       strings.TrimSuffix(faker.Sentence(5), "."),
			Description: faker.Paragraph(1, 3, 12, " "),
			LikedBy:     some(opts.MaxLikes),
		}
		if opts.MaxComments > 0 {
			for j, n := 0, r.Intn(opts.MaxComments+1); j < n; j++ {
				c := CommentFixture{Author: pick(), Text: faker.Sentence(8)}
				if j > 0 && r.Intn(3) == 0 {
					c.ReplyTo = r.Intn(j) + 1
				}
				p.Comments = append(p.Comments, c)
			}
		}
		f.Posts = append(f.Posts, p)
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < opts.Events; i++ {
		when := faker.DateRange(start, start.AddDate(1, 0, 0))
		f.Events = append(f.Events, EventFixture{
			Author:      pick(),
			Title:       strings.TrimSuffix(faker.Sentence(3), "."),
			Description: faker.Paragraph(1, 2, 10, " "),
			Address:     faker.Street() + ", " + faker.City(),
			Date:        when.Format("2006-01-02"),
			Time:        fmt.Sprintf("%02d:%02d", 8+r.Intn(12), 15*r.Intn(4)),
			Attendees:   some(opts.MaxAttendees),
		})
	}
	return f
}
