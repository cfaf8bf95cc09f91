// internal/database/user.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jason-s-yu/typerace/internal/auth"
	"github.com/jason-s-yu/typerace/internal/models"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const userColumns = `id, COALESCE(email, ''), password, username, is_ephemeral, rating, rating_dev, volatility`

// CreateUser inserts u, hashing its password when one is set. A nil id is filled in.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		u.ID = id
	}
	if u.Password != "" {
		hash, err := auth.HashPassword(u.Password, auth.DefaultParams())
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		u.Password = hash
	}
	if u.Rating == 0 {
		u.Rating, u.RatingDev, u.Volatility = 1500, 350, 0.06
	}

	var email *string
	if u.Email != "" {
		email = &u.Email
	}
	q := `INSERT INTO users (id, email, password, username, is_ephemeral, rating, rating_dev, volatility)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q,
			u.ID, email, u.Password, u.Username, u.IsEphemeral,
			u.Rating, u.RatingDev, u.Volatility,
		)
		return execErr
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
}

func (s *Store) getUser(ctx context.Context, q string, arg interface{}) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, q, arg).Scan(
		&u.ID, &u.Email, &u.Password, &u.Username, &u.IsEphemeral,
		&u.Rating, &u.RatingDev, &u.Volatility,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// Authenticate returns the registered user matching email and password.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := auth.VerifyPassword(password, u.Password)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
