package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSwitcher pins a pooled connection to a schema via search_path
type PostgresSwitcher struct {
	pool *pgxpool.Pool
}

// NewPostgresSwitcher creates a new schema switcher over the pool
func NewPostgresSwitcher(pool *pgxpool.Pool) *PostgresSwitcher {
	return &PostgresSwitcher{pool: pool}
}

// Enter acquires a connection and sets its search_path to schema
func (s *PostgresSwitcher) Enter(ctx context.Context, schema string) (Context, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return Context{}, fmt.Errorf("acquiring connection: %w", err)
	}

	tc := Context{Schema: schema, DB: conn}

	searchPath := pgx.Identifier{schema}.Sanitize() + ", " + PublicSchema
	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", searchPath); err != nil {
		return tc, fmt.Errorf("setting search_path: %w", err)
	}

	return tc, nil
}

// Exit resets search_path to public and returns the connection to the pool
func (s *PostgresSwitcher) Exit(ctx context.Context, tc Context) error {
	conn, ok := tc.DB.(*pgxpool.Conn)
	if !ok || conn == nil {
		return nil
	}

	_, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", PublicSchema)
	if err != nil {
		// A connection with an unknown search_path must never be reused
		conn.Conn().Close(ctx)
	}
	conn.Release()

	if err != nil {
		return fmt.Errorf("resetting search_path: %w", err)
	}
	return nil
}

// StaticSwitcher hands out sessionless contexts; used with non-SQL stores
type StaticSwitcher struct{}

// Enter returns a context naming schema
func (StaticSwitcher) Enter(_ context.Context, schema string) (Context, error) {
	return Context{Schema: schema}, nil
}

// Exit is a no-op
func (StaticSwitcher) Exit(context.Context, Context) error {
	return nil
}
