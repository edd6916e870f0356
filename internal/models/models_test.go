package models

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDisplayName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		profile  *Profile
		email    string
		expected string
	}{
		{"username wins", &Profile{UserName: "  maria  ", Name: "Maria P", FirstName: "M"}, "m@x.io", "maria"},
		{"name before parts", &Profile{Name: "Maria P", FirstName: "M", LastName: "P"}, "m@x.io", "Maria P"},
		{"parts joined", &Profile{FirstName: "Ana", LastName: "Ruiz"}, "a@x.io", "Ana Ruiz"},
		{"single part", &Profile{LastName: "Ruiz"}, "a@x.io", "Ruiz"},
		{"blank profile falls to email", &Profile{UserName: "   "}, "a@x.io", "a@x.io"},
		{"nil profile falls to email", nil, "a@x.io", "a@x.io"},
		{"nothing left", nil, "", AnonymousName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveDisplayName(tt.profile, tt.email, AnonymousName))
		})
	}
}

func TestLooksLikeEmail(t *testing.T) {
	t.Parallel()
	assert.True(t, LooksLikeEmail("someone@example.com"))
	assert.False(t, LooksLikeEmail("Someone"))
}

func TestSnapshotOf(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SnapshotOf(nil, "u1"))

	original := &Comment{ID: "c1", Text: "first", AuthorName: "Ana"}
	snap := SnapshotOf(original, "current-user")
	require.NotNil(t, snap)
	assert.Equal(t, "current-user", snap.AuthorID)

	original.Text = "edited"
	assert.Equal(t, "first", snap.Text)
	assert.Equal(t, map[string]any{
		"id": "c1", "authorId": "current-user", "authorName": "Ana", "text": "first",
	}, snap.Fields())
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("create post: %w", NewRemoteWriteError("create post", errors.New("boom")))
	assert.True(t, IsCode(wrapped, CodeRemoteWrite))
	assert.Equal(t, http.StatusBadGateway, StatusFor(wrapped))
	assert.True(t, IsAuthError(NewUnauthenticatedError()))
	assert.False(t, IsAuthError(NewValidationError("x")))
	assert.Equal(t, http.StatusConflict, StatusFor(NewAuthError(CodeEmailInUse, "taken")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}

func TestFail(t *testing.T) {
	t.Parallel()

	r := Fail(NewMissingFieldError("title"))
	assert.False(t, r.Success)
	assert.Equal(t, "title is required", r.Message)

	r = Fail(errors.New("driver exploded"))
	assert.Equal(t, "Something went wrong", r.Message)
	assert.EqualError(t, r.Err, "driver exploded")
}

func TestRespondWithError(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return RespondWithError(c, fiber.StatusBadGateway, NewRemoteReadError("load", errors.New("timeout")))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
