package server

import (
	"errors"
	"strings"

	"agora/internal/docstore"
	"agora/internal/livesync"
	"agora/internal/models"

	"github.com/gofiber/fiber/v2"
)

// postExists reports a NOT_FOUND error for unknown posts.
func (s *Server) postExists(c *fiber.Ctx, id string) error {
	_, err := s.store.Get(c.UserContext(), docstore.Join(models.PostsCollection, id))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.NewNotFoundError("post", id)
	}
	if err != nil {
		return models.NewRemoteReadError("load the post", err)
	}
	return nil
}

// GetComments handles GET /api/posts/:id/comments
// @Summary Comments of a post
// @Description Oldest first; email-like author names are shown as profile names
// @Tags comments
// @Produce json
// @Param id path string true "Post ID"
// @Success 200 {object} object{items=[]models.Comment}
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id}/comments [get]
func (s *Server) GetComments(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.postExists(c, id); err != nil {
		return respondError(c, err)
	}

	thread := livesync.NewCommentThread(s.store, sessionOf(c), models.PostsCollection, id, s.syncOptions()...)
	comments, err := thread.Load(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stateResponse(livesync.State[models.Comment]{Items: comments}))
}

// CreateComment handles POST /api/posts/:id/comments
// @Summary Comment on a post
// @Description Optionally quotes another comment of the thread. The post author is notified.
// @Tags comments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Post ID"
// @Param request body object{text=string,reply_to_id=string} true "Comment"
// @Success 201 {object} models.Result
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id}/comments [post]
func (s *Server) CreateComment(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		Text      string `json:"text"`
		ReplyToID string `json:"reply_to_id"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	thread := livesync.NewCommentThread(s.store, sessionOf(c), models.PostsCollection, id, s.syncOptions()...)
	thread.OnCommentAdded(s.relay.NotifyParentAuthor)

	var replyTo *models.Comment
	if rid := strings.TrimSpace(req.ReplyToID); rid != "" {
		replyTo, err = thread.Find(c.UserContext(), rid)
		if err != nil {
			return respondError(c, err)
		}
	}
	return respondResult(c, thread.AddComment(c.UserContext(), req.Text, replyTo), fiber.StatusCreated)
}
