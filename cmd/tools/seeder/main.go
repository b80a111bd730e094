package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedUsers(db, envOr("SEED_PASSWORD", "password123"))

	log.Println("Seeding completed successfully!")
}

func seedUsers(db *sql.DB, password string) {
	users := []struct {
		Name  string
		Email string
		Role  string
	}{
		{"Print Desk", envOr("SEED_ADMIN_EMAIL", "admin@printease.local"), "admin"},
		{"Counter Staff", "staff@printease.local", "admin"},
		{"Asha Verma", "asha@example.com", "user"},
		{"Rahul Mehta", "rahul@example.com", "user"},
		{"Meera Nair", "meera@example.com", "user"},
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		log.Fatalf("Failed to hash seed password: %v", err)
	}

	fmt.Println("Seeding Users...")
	for _, u := range users {
		_, err := db.Exec(`
			INSERT INTO users (id, name, email, password_hash, role)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (email) DO NOTHING;
		`, uuid.NewString(), u.Name, strings.ToLower(u.Email), hash, u.Role)
		if err != nil {
			log.Printf("Failed to seed user %s: %v", u.Email, err)
		}
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
