package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
)

// SuppressionPostgres stores email suppressions in the public schema
type SuppressionPostgres struct {
	pool *pgxpool.Pool
}

// NewSuppressionPostgres creates a new suppression repository
func NewSuppressionPostgres(pool *pgxpool.Pool) *SuppressionPostgres {
	return &SuppressionPostgres{pool: pool}
}

// Add records a suppression
func (r *SuppressionPostgres) Add(ctx context.Context, s *entity.Suppression) error {
	query := `
		INSERT INTO public.email_suppressions (id, email, account_id, event_type, reason, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, query, s.ID, s.Email, s.AccountID, s.EventType, s.Reason, jsonMap(s.Raw), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting suppression: %w", err)
	}
	return nil
}

// IsSuppressed reports whether an address has any suppression
func (r *SuppressionPostgres) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM public.email_suppressions WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking suppression: %w", err)
	}
	return exists, nil
}
