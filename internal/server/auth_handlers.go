package server

import (
	"time"

	"agora/internal/middleware"
	"agora/internal/models"
	"agora/internal/session"

	"github.com/gofiber/fiber/v2"
)

// authResponse is returned by signup and login.
type authResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func sessionResponse(s *session.Session) authResponse {
	return authResponse{Token: s.Token, UserID: s.UserID, ExpiresAt: s.ExpiresAt}
}

// Signup handles POST /api/auth/signup
// @Summary User signup
// @Description Create an identity and its profile
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object{email=string,password=string,display_name=string} true "Signup request"
// @Success 201 {object} authResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /auth/signup [post]
func (s *Server) Signup(c *fiber.Ctx) error {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	m := session.NewManager(s.identity, s.store)
	defer m.Close()

	res := m.SignUp(c.UserContext(), req.Email, req.Password, req.DisplayName)
	if !res.Success {
		return respondError(c, res.Err)
	}
	return c.Status(fiber.StatusCreated).JSON(sessionResponse(m.Current()))
}

// Login handles POST /api/auth/login
// @Summary User login
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object{email=string,password=string} true "Login request"
// @Success 200 {object} authResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (s *Server) Login(c *fiber.Ctx) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	m := session.NewManager(s.identity, s.store)
	defer m.Close()

	res := m.SignIn(c.UserContext(), req.Email, req.Password)
	if !res.Success {
		return respondError(c, res.Err)
	}
	return c.JSON(sessionResponse(m.Current()))
}

// Logout handles POST /api/auth/logout
// @Summary Revoke the current token
// @Tags auth
// @Security BearerAuth
// @Success 200 {object} models.Result
// @Router /auth/logout [post]
func (s *Server) Logout(c *fiber.Ctx) error {
	sess := middleware.SessionFrom(c)
	if sess == nil {
		return respondError(c, models.NewUnauthenticatedError())
	}

	m := session.NewManager(s.identity, s.store)
	defer m.Close()

	if _, err := m.Restore(c.UserContext(), sess.Token); err != nil {
		return respondError(c, err)
	}
	return respondResult(c, m.SignOut(c.UserContext()), fiber.StatusOK)
}
