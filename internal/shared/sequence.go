package shared

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SequenceAllocator hands out gap-free document numbers per scope.
type SequenceAllocator struct {
	pool *pgxpool.Pool
}

// NewSequenceAllocator constructs the allocator.
func NewSequenceAllocator(pool *pgxpool.Pool) *SequenceAllocator {
	return &SequenceAllocator{pool: pool}
}

// Next returns the next formatted number for the scope, e.g. "WH/IN/00042".
// The upsert keeps one counter row per scope and relies on row locking to
// serialize concurrent allocations.
func (s *SequenceAllocator) Next(ctx context.Context, scope, prefix string) (string, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO doc_sequences (scope, value)
		VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE SET value = doc_sequences.value + 1
		RETURNING value`, scope).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("shared: next sequence %s: %w", scope, err)
	}
	return fmt.Sprintf("%s%05d", prefix, value), nil
}
