package server

import (
	"strings"

	"agora/internal/livesync"
	"agora/internal/middleware"
	"agora/internal/models"
	"agora/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// listResponse is the body of the list endpoints.
type listResponse[T any] struct {
	Items   []T    `json:"items"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

func stateResponse[T any](st livesync.State[T]) listResponse[T] {
	resp := listResponse[T]{Items: nonNil(st.Items), Loading: st.Loading}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

// respondResult maps a mutation result onto the response.
func respondResult(c *fiber.Ctx, res models.Result, okStatus int) error {
	if res.Success {
		return c.Status(okStatus).JSON(res)
	}
	return models.RespondWithError(c, models.StatusFor(res.Err), res.Err)
}

// respondError reports err with the status its code maps to.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// sessionOf returns the request's session as a fixed source; signed out when
// the route is anonymous.
func sessionOf(c *fiber.Ctx) session.Source {
	return session.Static(middleware.SessionFrom(c))
}

// idParam returns the trimmed :id route parameter.
func idParam(c *fiber.Ctx) (string, error) {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return "", models.NewMissingFieldError("id")
	}
	return id, nil
}

func parseBody(c *fiber.Ctx, dest any) error {
	if err := c.BodyParser(dest); err != nil {
		return models.NewValidationError("Invalid request body")
	}
	return nil
}

// requireUpgrade rejects plain HTTP requests on websocket routes.
func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
