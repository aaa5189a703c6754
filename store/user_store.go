package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"eventsite/api/models"
)

type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a new UserStore instance.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser inserts a new account with the given role.
func (s *UserStore) CreateUser(ctx context.Context, email string, hashedPassword []byte, role string) (*models.User, error) {
	user := &models.User{}
	query := `
		INSERT INTO users (email, hashed_password, role)
		VALUES ($1, $2, $3)
		RETURNING id, email, role, created_at, updated_at;
	`
	err := s.db.QueryRowContext(ctx, query, email, hashedPassword, role).Scan(
		&user.ID,
		&user.Email,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return nil, fmt.Errorf("user with email '%s': %w", email, ErrEmailTaken)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	query := `
		SELECT id, email, role, hashed_password, created_at, updated_at
		FROM users
		WHERE lower(email) = lower($1);
	`
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID,
		&user.Email,
		&user.Role,
		&user.HashedPassword,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user with email '%s': %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}
