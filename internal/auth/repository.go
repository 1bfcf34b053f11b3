package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/interviewlink/backend/internal/models"
)

// ErrProfileNotFound is returned when no account exists for an id.
var ErrProfileNotFound = errors.New("profile not found")

// Repository reads account profiles. Accounts are written by the account service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProfile returns the display name and role of a user.
func (r *Repository) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	const q = `SELECT id, full_name, role FROM users WHERE id = $1`
	var p models.Profile
	var role string
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.FullName, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	p.Role = models.Role(role)
	return &p, nil
}
