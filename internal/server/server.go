// Package server exposes the sync layer over HTTP and a websocket sync channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "agora/docs" // swagger docs
	"agora/internal/cache"
	"agora/internal/config"
	"agora/internal/docstore"
	"agora/internal/livesync"
	"agora/internal/middleware"
	"agora/internal/models"
	"agora/internal/notifications"
	"agora/internal/observability"
	"agora/internal/session"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// wireableHub is implemented by every WebSocket hub that can be wired to
// Redis pub/sub and gracefully shut down.
type wireableHub interface {
	Name() string
	StartWiring(ctx context.Context, n *notifications.Notifier) error
	Shutdown(ctx context.Context) error
}

// Deps are the already-initialized collaborators of a Server.
type Deps struct {
	Store    docstore.Store
	Identity session.IdentityProvider
	// DB backs the identity provider; used for readiness only. May be nil.
	DB *gorm.DB
	// Redis may be nil: rate limits fail open and realtime fan-out is local.
	Redis *redis.Client
	Push  notifications.PushSender
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	store          docstore.Store
	identity       session.IdentityProvider
	profiles       livesync.ProfileReader
	notifier       *notifications.Notifier
	relay          *notifications.Relay
	hub            *notifications.Hub
	hubs           []wireableHub
	promMiddleware *fiberprometheus.FiberPrometheus

	// shared anonymous feeds served by the list endpoints
	posts  *livesync.PostFeed
	events *livesync.EventFeed

	appOnce     sync.Once
	app         *fiber.App
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

// NewServer creates a server from initialized dependencies.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("document store is required")
	}
	if deps.Identity == nil {
		return nil, errors.New("identity provider is required")
	}

	var profiles livesync.ProfileReader = livesync.NewStoreProfiles(deps.Store)
	if deps.Redis != nil {
		profiles = cache.NewProfileCache(deps.Redis, profiles)
	}

	notifier := notifications.NewNotifier(deps.Redis)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         cfg,
		db:             deps.DB,
		redis:          deps.Redis,
		store:          deps.Store,
		identity:       deps.Identity,
		profiles:       profiles,
		notifier:       notifier,
		relay:          notifications.NewRelay(deps.Store, notifier, deps.Push),
		hub:            notifications.NewHub(),
		promMiddleware: middleware.InitMetrics("agora-api"),
		shutdownCtx:    ctx,
		shutdownFn:     cancel,
	}
	s.hubs = []wireableHub{s.hub}

	anonymous := session.Static(nil)
	s.posts = livesync.NewPostFeed(deps.Store, anonymous, s.syncOptions()...)
	s.events = livesync.NewEventFeed(deps.Store, anonymous, s.syncOptions()...)
	return s, nil
}

func (s *Server) syncOptions() []livesync.Option {
	return []livesync.Option{livesync.WithProfiles(s.profiles)}
}

// Open subscribes the shared feeds. It is called by Start; tests call it
// directly before exercising the list endpoints.
func (s *Server) Open(ctx context.Context) error {
	if err := s.posts.Subscribe(ctx, "", docstore.Desc); err != nil {
		return fmt.Errorf("subscribe posts: %w", err)
	}
	if err := s.events.Subscribe(ctx, "", docstore.Desc); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}

// App returns the configured fiber application, building it on first use.
func (s *Server) App() *fiber.App {
	s.appOnce.Do(func() {
		app := fiber.New(fiber.Config{
			AppName:      "Agora Sync API",
			ErrorHandler: s.errorHandler,
		})
		s.SetupMiddleware(app)
		s.SetupRoutes(app)
		s.app = app
	})
	return s.app
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
	}
	observability.Logger.ErrorContext(c.UserContext(), "unhandled error",
		slog.String("path", c.Path()),
		slog.String("error", err.Error()),
	)
	return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())

	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS before anything that can short-circuit so error responses carry the headers.
	app.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.AllowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: s.config.AllowedOrigins != "*",
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || s.config.Env == "test"
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")
	authRequired := middleware.AuthRequired(s.identity)

	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/swagger/*", swagger.HandlerDefault)

	auth := api.Group("/auth")
	auth.Post("/signup", middleware.RateLimit(s.redis, 3, 10*time.Minute, "signup"), s.Signup)
	auth.Post("/login", middleware.RateLimit(s.redis, 10, 5*time.Minute, "login"), s.Login)
	auth.Post("/logout", authRequired, s.Logout)

	posts := api.Group("/posts")
	posts.Get("/", s.GetPosts)
	posts.Post("/", authRequired, middleware.RateLimit(s.redis, 5, 5*time.Minute, "create_post"), s.CreatePost)
	// Specific /:id/:resource routes before generic /:id
	posts.Get("/:id/comments", s.GetComments)
	posts.Post("/:id/comments", authRequired,
		middleware.RateLimit(s.redis, 10, time.Minute, "create_comment"), s.CreateComment)
	posts.Get("/:id/like", authRequired, s.GetPostLike)
	posts.Post("/:id/like", authRequired, s.TogglePostLike)
	posts.Post("/:id/views", s.RecordPostView)
	posts.Delete("/:id", authRequired, s.DeletePost)

	events := api.Group("/events")
	events.Get("/", s.GetEvents)
	events.Post("/", authRequired, middleware.RateLimit(s.redis, 5, 5*time.Minute, "create_event"), s.CreateEvent)
	events.Post("/:id/attendance", authRequired, s.ToggleAttendance)
	events.Post("/:id/like", authRequired, s.ToggleEventLike)
	events.Delete("/:id", authRequired, s.DeleteEvent)

	notes := api.Group("/notifications", authRequired)
	notes.Get("/", s.GetNotifications)
	notes.Post("/:id/read", s.MarkNotificationRead)

	api.Put("/users/me/push-token", authRequired, s.RegisterPushToken)

	ws := api.Group("/ws", middleware.WebSocketAuthRequired(s.identity), requireUpgrade)
	ws.Get("/", s.SyncWebSocketHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports the state of the identity database and redis.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "unavailable"
	if s.db != nil {
		dbStatus = "healthy"
		sqlDB, err := s.db.DB()
		if err != nil {
			dbStatus = "unhealthy"
		} else if err := sqlDB.PingContext(ctx); err != nil {
			dbStatus = "unhealthy"
		}
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database":    dbStatus,
			"redis":       redisStatus,
			"connections": s.hub.Count(),
		},
		"time": time.Now(),
	})
}

// Start opens the feeds, wires the hubs and background sweeps, and listens.
func (s *Server) Start() error {
	if err := s.Open(s.shutdownCtx); err != nil {
		return err
	}

	if s.redis != nil {
		for _, h := range s.hubs {
			go func() {
				if err := h.StartWiring(s.shutdownCtx, s.notifier); err != nil {
					observability.Logger.Error("failed to start hub wiring",
						slog.String("hub", h.Name()),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}

	if s.config.ReconcileInterval > 0 {
		livesync.NewReconciler(s.store).Start(s.shutdownCtx, s.config.ReconcileInterval)
	}

	app := s.App()
	observability.Logger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server. The store and the connections
// in Deps belong to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			observability.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	for _, h := range s.hubs {
		if err := h.Shutdown(ctx); err != nil {
			observability.Logger.Error("error shutting down hub",
				slog.String("hub", h.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.posts.Close()
	s.events.Close()
	s.relay.Wait()

	observability.Logger.Info("server shutdown complete")
	return nil
}
