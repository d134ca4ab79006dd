package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrUserNotFound = errors.New("user not found")

// Roles the routing layer cares about. Stored as plain strings so new roles
// need no migration.
const (
	RoleAdmin     = "admin"
	RoleEstimator = "estimator"
	RoleFieldWork = "field_worker"
	RoleDesigner  = "designer"
)

func (s *Store) CreateUser(ctx context.Context, name, role string) (*User, error) {
	if name == "" || role == "" {
		return nil, fmt.Errorf("user name and role required")
	}
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, id, name, role); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, created_at FROM users WHERE id = ?;
	`, userID).Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListUsersWithRole returns users in id order, so "pick the first estimator"
// is deterministic across calls.
func (s *Store) ListUsersWithRole(ctx context.Context, role string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, created_at FROM users WHERE role = ? ORDER BY id ASC;
	`, role)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user rows: %w", err)
	}
	return out, nil
}
