package store

import (
	"context"
	"time"
)

// CreateUserParams are the fields required to create a user.
type CreateUserParams struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
}

// CreateUser inserts a new user account.
func (s *Store) CreateUser(ctx context.Context, p CreateUserParams) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (id, email, password_hash, name, is_active, created_at)
		VALUES (?, ?, ?, ?, TRUE, ?)`,
		p.ID, p.Email, p.PasswordHash, p.Name, time.Now().UTC())
	return err
}

const userColumns = `id, email, password_hash, name, settings_json, is_active, last_login_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name,
		&u.SettingsJSON, &u.IsActive, &u.LastLoginAt, &u.CreatedAt)
	return u, err
}

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail looks up a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

// GetUserByPrefix resolves an 8-hex user prefix to the full account.
// The prefix is matched against the leading characters of the user ID.
func (s *Store) GetUserByPrefix(ctx context.Context, prefix string) (User, error) {
	return scanUser(s.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id LIKE ? || '%' LIMIT 1`, prefix))
}

// UpdateUserSettings replaces the user's opaque settings document.
func (s *Store) UpdateUserSettings(ctx context.Context, id, settingsJSON string) error {
	_, err := s.exec(ctx, `UPDATE users SET settings_json = ? WHERE id = ?`, settingsJSON, id)
	return err
}

// TouchLastLogin records a successful login.
func (s *Store) TouchLastLogin(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// CountUsers returns the number of user accounts.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
