// create-superuser bootstraps (or promotes) the initial admin account.
//
// Usage (run from the repo root, DATABASE_URL in the environment or .env):
//
//	go run scripts/create-superuser/main.go admin@example.com 'a-strong-password'
//
// If the email already exists the user is promoted to superuser and
// reactivated; the password is left untouched. Otherwise a new active
// superuser is created.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/storage"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: create-superuser <email> <password>")
		os.Exit(2)
	}
	email, password := os.Args[1], os.Args[2]

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "error: DATABASE_URL is required")
		os.Exit(1)
	}

	if err := model.ValidateEmail(email); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := model.ValidatePassword(password); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	existing, err := db.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		isSuper := true
		isActive := true
		if _, err := db.UpdateUser(ctx, existing.ID, model.UpdateUserRequest{
			IsSuperuser: &isSuper,
			IsActive:    &isActive,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "error: promote user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("promoted %s to superuser\n", email)

	case errors.Is(err, storage.ErrNotFound):
		hash, err := auth.HashPassword(password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: hash password: %v\n", err)
			os.Exit(1)
		}
		user, err := db.CreateUser(ctx, model.User{
			Email:        email,
			PasswordHash: hash,
			IsActive:     true,
			IsSuperuser:  true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: create user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created superuser %s (%s)\n", email, user.ID)

	default:
		fmt.Fprintf(os.Stderr, "error: lookup user: %v\n", err)
		os.Exit(1)
	}
}
