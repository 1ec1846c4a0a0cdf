package tenant

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleConnPool forces every acquire onto the same backend while it lives
func singleConnPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 1
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func searchPath(t *testing.T, ctx context.Context, db DBTX) string {
	t.Helper()
	var path string
	require.NoError(t, db.QueryRow(ctx, "SHOW search_path").Scan(&path))
	return path
}

func TestPostgresSwitcher_SearchPath(t *testing.T) {
	pool := singleConnPool(t)
	sw := NewPostgresSwitcher(pool)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, sw, "tenant_switch", func(tc Context) error {
		assert.Contains(t, searchPath(t, ctx, tc.DB), "tenant_switch")
		return nil
	})
	require.NoError(t, err)

	// the only connection went back to the pool reset
	assert.Equal(t, "public", searchPath(t, ctx, pool))
}

func TestPostgresSwitcher_ClosesConnectionItCannotReset(t *testing.T) {
	pool := singleConnPool(t)
	sw := NewPostgresSwitcher(pool)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tc, err := sw.Enter(ctx, "tenant_broken")
	require.NoError(t, err)
	conn, ok := tc.DB.(*pgxpool.Conn)
	require.True(t, ok)
	raw := conn.Conn()

	done, stop := context.WithCancel(ctx)
	stop()
	assert.Error(t, sw.Exit(done, tc))
	assert.True(t, raw.IsClosed())

	// the pool replaces the closed connection with a fresh one
	assert.Equal(t, "public", searchPath(t, ctx, pool))
}
