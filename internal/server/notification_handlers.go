package server

import (
	"strings"

	"agora/internal/docstore"
	"agora/internal/middleware"
	"agora/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GetNotifications handles GET /api/notifications
// @Summary Notifications of the current user
// @Description Newest first
// @Tags notifications
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{items=[]models.Notification}
// @Router /notifications [get]
func (s *Server) GetNotifications(c *fiber.Ctx) error {
	uid := middleware.UserID(c)
	feed := s.relay.Feed(uid, sessionOf(c), s.syncOptions()...)
	items, err := feed.Load(c.UserContext(), "", docstore.Desc)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(listResponse[models.Notification]{Items: nonNil(items)})
}

// MarkNotificationRead handles POST /api/notifications/:id/read
// @Summary Mark a notification read
// @Tags notifications
// @Security BearerAuth
// @Param id path string true "Notification ID"
// @Success 200 {object} models.Result
// @Failure 404 {object} models.ErrorResponse
// @Router /notifications/{id}/read [post]
func (s *Server) MarkNotificationRead(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.relay.MarkRead(c.UserContext(), middleware.UserID(c), id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(models.OK("Marked as read"))
}

// RegisterPushToken handles PUT /api/users/me/push-token
// @Summary Register the device push token
// @Description Writes only when the token differs from last_known
// @Tags notifications
// @Accept json
// @Security BearerAuth
// @Param request body object{token=string,last_known=string} true "Token"
// @Success 200 {object} object{registered=bool}
// @Failure 400 {object} models.ErrorResponse
// @Router /users/me/push-token [put]
func (s *Server) RegisterPushToken(c *fiber.Ctx) error {
	var req struct {
		Token     string `json:"token"`
		LastKnown string `json:"last_known"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return respondError(c, models.NewMissingFieldError("token"))
	}

	written, err := s.relay.EnsureToken(c.UserContext(), middleware.UserID(c), token, strings.TrimSpace(req.LastKnown))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"registered": written})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
