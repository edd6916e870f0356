package server

import (
	"agora/internal/livesync"
	"agora/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GetPosts handles GET /api/posts
// @Summary Live post feed
// @Description Newest first, served from the shared live subscription
// @Tags posts
// @Produce json
// @Success 200 {object} object{items=[]models.Post,loading=bool}
// @Router /posts [get]
func (s *Server) GetPosts(c *fiber.Ctx) error {
	return c.JSON(stateResponse(s.posts.State()))
}

// CreatePost handles POST /api/posts
// @Summary Create a post
// @Tags posts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{title=string,description=string} true "Post"
// @Success 201 {object} models.Result
// @Failure 400 {object} models.ErrorResponse
// @Router /posts [post]
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	feed := livesync.NewPostFeed(s.store, sessionOf(c), s.syncOptions()...)
	return respondResult(c, feed.CreatePost(c.UserContext(), req.Title, req.Description), fiber.StatusCreated)
}

// DeletePost handles DELETE /api/posts/:id
// @Summary Delete an own post
// @Tags posts
// @Security BearerAuth
// @Param id path string true "Post ID"
// @Success 200 {object} models.Result
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id} [delete]
func (s *Server) DeletePost(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	feed := livesync.NewPostFeed(s.store, sessionOf(c), s.syncOptions()...)
	return respondResult(c, feed.Delete(c.UserContext(), id), fiber.StatusOK)
}

// RecordPostView handles POST /api/posts/:id/views
// @Summary Count a view
// @Description Fire-and-forget; always accepted
// @Tags posts
// @Param id path string true "Post ID"
// @Success 202
// @Router /posts/{id}/views [post]
func (s *Server) RecordPostView(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	s.posts.IncrementView(c.UserContext(), id)
	return c.SendStatus(fiber.StatusAccepted)
}

// GetPostLike handles GET /api/posts/:id/like
// @Summary Like state of the current user
// @Tags posts
// @Security BearerAuth
// @Param id path string true "Post ID"
// @Success 200 {object} livesync.ToggleView
// @Router /posts/{id}/like [get]
func (s *Server) GetPostLike(c *fiber.Ctx) error {
	return s.viewMembership(c, livesync.NewLikeMembership(s.store, models.PostsCollection))
}

// TogglePostLike handles POST /api/posts/:id/like
// @Summary Like or unlike a post
// @Description Flips the current user's like and returns the settled state
// @Tags posts
// @Security BearerAuth
// @Param id path string true "Post ID"
// @Success 200 {object} livesync.ToggleView
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id}/like [post]
func (s *Server) TogglePostLike(c *fiber.Ctx) error {
	return s.toggleMembership(c, livesync.NewLikeMembership(s.store, models.PostsCollection))
}

func (s *Server) viewMembership(c *fiber.Ctx, model livesync.Membership) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	toggle := livesync.NewToggle(model, sessionOf(c))
	defer toggle.Close()

	view, err := toggle.View(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

func (s *Server) toggleMembership(c *fiber.Ctx, model livesync.Membership) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	toggle := livesync.NewToggle(model, sessionOf(c))
	defer toggle.Close()

	op, err := toggle.Toggle(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	view, err := op.Wait(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}
