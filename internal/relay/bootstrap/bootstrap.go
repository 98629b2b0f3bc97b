// Package bootstrap seeds a first account so a fresh relay is usable
// before anyone signs up through the API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/id"
	"github.com/homecast/homecast/internal/relay/store"
)

const (
	defaultEmail    = "admin@localhost"
	defaultPassword = "admin"
	defaultName     = "Admin"
)

// Run creates the default admin account if no users exist yet. It is a
// no-op on a database that already has accounts.
func Run(ctx context.Context, st *store.Store) error {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		slog.Info("bootstrap: skipped (accounts already exist)")
		return nil
	}

	hash, err := auth.HashPassword(defaultPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userID := id.UserID()
	if err := st.CreateUser(ctx, store.CreateUserParams{
		ID:           userID,
		Email:        defaultEmail,
		PasswordHash: hash,
		Name:         defaultName,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("bootstrap: created admin account",
		"user_id", userID,
		"email", defaultEmail,
	)
	return nil
}
