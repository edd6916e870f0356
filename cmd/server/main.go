// Command server runs the Agora sync gateway.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agora/internal/cache"
	"agora/internal/config"
	"agora/internal/database"
	"agora/internal/docstore"
	"agora/internal/notifications"
	"agora/internal/observability"
	"agora/internal/server"
	"agora/internal/session"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// @title Agora Sync API
// @version 1.0
// @description Realtime feeds, comments, likes, attendance and notifications over a document store.

// @contact.name API Support
// @contact.email support@agora.dev

// @host localhost:8375
// @BasePath /api
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the token.

func main() {
	// A local .env is optional; real environments set variables directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.SetLogger(observability.NewLogger(os.Stdout, cfg.Env))

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "agora-api",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.TracingSampler,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	cache.InitRedis(cfg.RedisURL)
	rdb := cache.GetClient()

	store, err := openStore(cfg, db, rdb)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}

	identity, err := session.NewLocalProvider(db, cfg.JWTSecret, cfg.SessionTTL, rdb)
	if err != nil {
		log.Fatalf("Failed to initialize identity provider: %v", err)
	}

	srv, err := server.NewServer(cfg, server.Deps{
		Store:    store,
		Identity: identity,
		DB:       db,
		Redis:    rdb,
		Push:     notifications.NewExpoPushClient(cfg.PushEndpoint, cfg.PushTimeout),
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := store.Close(); err != nil {
			log.Printf("Document store close error: %v", err)
		}
		if rdb != nil {
			_ = rdb.Close()
		}
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}

// openStore selects the document store backend. Every backend is wrapped
// with metrics and tracing.
func openStore(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreSQL:
		var opts []docstore.SQLOption
		if rdb != nil {
			// Lets every replica see writes made by the others.
			opts = append(opts, docstore.WithChangeFeed(notifications.NewNotifier(rdb)))
		}
		s, err := docstore.NewSQL(db, opts...)
		if err != nil {
			return nil, err
		}
		return docstore.Instrument(s, "sql"), nil
	case config.StoreFirestore:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := docstore.NewFirestore(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, err
		}
		return docstore.Instrument(s, "firestore"), nil
	default:
		return docstore.Instrument(docstore.NewMemory(), "memory"), nil
	}
}
