// seed inserts development accounts for local testing: go run ./cmd/seed.
// Idempotent: accounts whose email already exists are left untouched.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"campus-auth/backend/internal/account/domain"
	accountrepo "campus-auth/backend/internal/account/repository"
	"campus-auth/backend/internal/config"
	"campus-auth/backend/internal/db"
	"campus-auth/backend/internal/security"
)

const devPassword = "password123"

var devAccounts = []domain.Account{
	{Email: "admin@example.com", Name: "Dev Admin", Role: domain.RoleSuperAdmin},
	{Email: "teacher@example.com", Name: "Dev Teacher", Role: domain.RoleTeacher, CollegeID: "dev-college-001"},
	{Email: "student@example.com", Name: "Dev Student", Role: domain.RoleStudent, CollegeID: "dev-college-001"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	repo := accountrepo.NewPostgresRepository(conn)
	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	for _, a := range devAccounts {
		a.ID = uuid.NewString()
		a.PasswordHash = passwordHash
		created, err := repo.Create(ctx, &a)
		if err != nil {
			log.Fatalf("create %s: %v", a.Email, err)
		}
		if !created {
			log.Printf("seed: %s already exists, skipping", a.Email)
			continue
		}
		fmt.Printf("Dev login: %s / %s (%s)\n", a.Email, devPassword, a.Role)
	}
	log.Println("Seed completed successfully.")
}
