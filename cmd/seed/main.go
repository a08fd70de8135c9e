// seed creates a local development identity from SEED_LOGIN and SEED_PASSWORD.
// Idempotent: an existing identity with that login is left alone.
package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cgb37/quart-mysql-scaffold/internal/config"
	"github.com/cgb37/quart-mysql-scaffold/internal/db"
	"github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	identityrepo "github.com/cgb37/quart-mysql-scaffold/internal/identity/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
)

const (
	defaultLogin    = "dev@example.com"
	defaultPassword = "DevPassword#2024"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Env == "production" {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, db.Config{URL: cfg.DatabaseURL, QueryTimeout: cfg.StoreTimeout()})
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	login, password := cfg.SeedLogin, cfg.SeedPassword
	if login == "" {
		login = defaultLogin
	}
	if password == "" {
		password = defaultPassword
	}
	login = domain.NormalizeLogin(login)

	repo := identityrepo.NewPostgresRepository(conn)
	existing, err := repo.FindByLogin(ctx, login)
	if err != nil {
		log.Fatalf("find identity: %v", err)
	}
	if existing != nil {
		log.Printf("seed: %s already exists (id %s), skipping", login, existing.ID)
		return
	}

	hash, err := security.NewHasher(cfg.BcryptCost).Hash([]byte(password))
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	now := time.Now().UTC()
	roles := domain.NormalizeRoles(append(cfg.DefaultRolesList(), "admin"))
	created, err := repo.Insert(ctx, &domain.Identity{
		ID:           uuid.NewString(),
		Login:        login,
		PasswordHash: hash,
		DisplayName:  "Dev Admin",
		Active:       true,
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		log.Fatalf("insert identity: %v", err)
	}
	log.Printf("seed: created %s (id %s, roles %v)", created.Login, created.ID, created.Roles)
}
