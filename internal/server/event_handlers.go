package server

import (
	"agora/internal/livesync"
	"agora/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GetEvents handles GET /api/events
// @Summary Live event feed
// @Tags events
// @Produce json
// @Success 200 {object} object{items=[]models.Event,loading=bool}
// @Router /events [get]
func (s *Server) GetEvents(c *fiber.Ctx) error {
	return c.JSON(stateResponse(s.events.State()))
}

// CreateEvent handles POST /api/events
// @Summary Create an event
// @Tags events
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body livesync.EventInput true "Event"
// @Success 201 {object} models.Result
// @Failure 400 {object} models.ErrorResponse
// @Router /events [post]
func (s *Server) CreateEvent(c *fiber.Ctx) error {
	var in livesync.EventInput
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err)
	}
	feed := livesync.NewEventFeed(s.store, sessionOf(c), s.syncOptions()...)
	return respondResult(c, feed.CreateEvent(c.UserContext(), in), fiber.StatusCreated)
}

// DeleteEvent handles DELETE /api/events/:id
// @Summary Delete an own event
// @Tags events
// @Security BearerAuth
// @Param id path string true "Event ID"
// @Success 200 {object} models.Result
// @Failure 403 {object} models.ErrorResponse
// @Router /events/{id} [delete]
func (s *Server) DeleteEvent(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	feed := livesync.NewEventFeed(s.store, sessionOf(c), s.syncOptions()...)
	return respondResult(c, feed.Delete(c.UserContext(), id), fiber.StatusOK)
}

// ToggleAttendance handles POST /api/events/:id/attendance
// @Summary Attend or leave an event
// @Tags events
// @Security BearerAuth
// @Param id path string true "Event ID"
// @Success 200 {object} livesync.ToggleView
// @Router /events/{id}/attendance [post]
func (s *Server) ToggleAttendance(c *fiber.Ctx) error {
	return s.toggleMembership(c, livesync.NewAttendanceMembership(s.store, models.EventsCollection))
}

// ToggleEventLike handles POST /api/events/:id/like
// @Summary Like or unlike an event
// @Tags events
// @Security BearerAuth
// @Param id path string true "Event ID"
// @Success 200 {object} livesync.ToggleView
// @Router /events/{id}/like [post]
func (s *Server) ToggleEventLike(c *fiber.Ctx) error {
	return s.toggleMembership(c, livesync.NewLikeMembership(s.store, models.EventsCollection))
}
