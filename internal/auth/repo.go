package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

// Repository defines persistence operations for the auth module.
type Repository interface {
	FindByPrefix(ctx context.Context, prefix string) (*APIKey, error)
	Create(ctx context.Context, key *APIKey) (int64, error)
	Deactivate(ctx context.Context, id int64) error
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByPrefix fetches an API key by its public prefix.
func (r *PGRepository) FindByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, prefix, secret_hash, is_active, created_at, last_used_at
		FROM api_keys
		WHERE prefix = $1`, prefix)

	var key APIKey
	if err := row.Scan(&key.ID, &key.Name, &key.Prefix, &key.SecretHash, &key.IsActive, &key.CreatedAt, &key.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

// Create persists a new API key record.
func (r *PGRepository) Create(ctx context.Context, key *APIKey) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (name, prefix, secret_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		key.Name, key.Prefix, key.SecretHash, key.IsActive, key.CreatedAt).Scan(&id)
	return id, err
}

// Deactivate marks an API key as revoked.
func (r *PGRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// TouchLastUsed records the last successful authentication time.
func (r *PGRepository) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
	return err
}

var _ Repository = (*PGRepository)(nil)
