// Command seed fills the configured document store with demo data.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"agora/internal/config"
	"agora/internal/database"
	"agora/internal/docstore"
	"agora/internal/seed"
	"agora/internal/session"

	"github.com/joho/godotenv"
)

func main() {
	fixturePath := flag.String("fixture", "", "YAML fixture to apply instead of generated data")
	numUsers := flag.Int("users", 20, "Number of users to generate")
	numPosts := flag.Int("posts", 60, "Number of posts to generate")
	numEvents := flag.Int("events", 10, "Number of events to generate")
	emailNamed := flag.Int("email-named", 2, "Generated users whose display name is their email")
	rngSeed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for generated data")
	flag.Parse()

	log.Println("🌱 Document Store Seeder")
	log.Println("========================")

	// A local .env is optional; real environments set variables directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.StoreBackend != config.StoreSQL {
		log.Fatalf("Seeding needs a persistent store; set STORE_BACKEND=%s (got %q)", config.StoreSQL, cfg.StoreBackend)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	store, err := docstore.NewSQL(db)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}
	defer store.Close()

	identity, err := session.NewLocalProvider(db, cfg.JWTSecret, cfg.SessionTTL, nil)
	if err != nil {
		log.Fatalf("Failed to initialize identity provider: %v", err)
	}

	var fixture *seed.Fixture
	if *fixturePath != "" {
		log.Printf("Applying fixture %s", *fixturePath)
		fixture, err = seed.LoadFixture(*fixturePath)
		if err != nil {
			log.Fatalf("❌ Failed to load fixture: %v", err)
		}
	} else {
		log.Printf("Target: %d users, %d posts, %d events (seed %d)", *numUsers, *numPosts, *numEvents, *rngSeed)
		fixture = seed.Generate(seed.Options{
			Users:           *numUsers,
			Posts:           *numPosts,
			Events:          *numEvents,
			MaxComments:     6,
			MaxLikes:        10,
			MaxAttendees:    8,
			Seed:            *rngSeed,
			EmailNamedUsers: *emailNamed,
		})
	}

	s := seed.NewSeeder(store, identity)
	defer s.Close()

	sum, err := s.Apply(context.Background(), fixture)
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Printf("✨ Seeded %d users, %d posts, %d comments, %d likes, %d events, %d attendances",
		sum.Users, sum.Posts, sum.Comments, sum.Likes, sum.Events, sum.Attendances)
	if *fixturePath == "" {
		log.Printf("📧 All generated users have the password: %s", seed.DefaultPassword)
	}
}
