package dao

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

type tenantRow struct {
	id     string
	schema string
}

// RouterPostgres resolves external accounts across tenant schemas.
// public.channel_account_index is consulted first but only as a hint: a hit is
// verified against the tenant schema, and misses or stale entries fall back to
// scanning every tenant.
type RouterPostgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRouterPostgres creates a new account router
func NewRouterPostgres(pool *pgxpool.Pool, logger *slog.Logger) *RouterPostgres {
	return &RouterPostgres{pool: pool, logger: logger}
}

// Schemas lists every tenant schema
func (r *RouterPostgres) Schemas(ctx context.Context) ([]string, error) {
	tenants, err := r.tenants(ctx)
	if err != nil {
		return nil, err
	}
	schemas := make([]string, 0, len(tenants))
	for _, t := range tenants {
		schemas = append(schemas, t.schema)
	}
	return schemas, nil
}

// Resolve finds the tenant owning accountID
func (r *RouterPostgres) Resolve(ctx context.Context, accountID string) (*Route, error) {
	if accountID == "" {
		return nil, entity.ErrNoAccountID
	}

	tenants, err := r.tenants(ctx)
	if err != nil {
		return nil, err
	}

	hint, err := r.indexHint(ctx, accountID)
	if err != nil {
		r.logger.Warn("account index lookup failed", "account_id", accountID, "error", err)
	}

	if hint != "" {
		for _, t := range tenants {
			if t.schema != hint {
				continue
			}
			conn, err := activeConnection(ctx, r.pool, t.schema, accountID)
			if err != nil {
				return nil, fmt.Errorf("verifying index hint: %w", err)
			}
			if conn != nil {
				return &Route{TenantID: t.id, Schema: t.schema, Connection: conn}, nil
			}
		}
		r.logger.Info("stale account index entry", "account_id", accountID, "schema", hint)
	}

	for _, t := range tenants {
		if t.schema == hint {
			continue
		}
		conn, err := activeConnection(ctx, r.pool, t.schema, accountID)
		if err != nil {
			// A broken tenant schema must not make every other tenant unroutable
			r.logger.Warn("scanning tenant schema failed", "schema", t.schema, "error", err)
			continue
		}
		if conn == nil {
			continue
		}
		if err := r.remember(ctx, accountID, t.schema); err != nil {
			r.logger.Warn("refreshing account index failed", "account_id", accountID, "error", err)
		}
		return &Route{TenantID: t.id, Schema: t.schema, Connection: conn}, nil
	}

	if hint != "" {
		if _, err := r.pool.Exec(ctx, `DELETE FROM public.channel_account_index WHERE account_id = $1`, accountID); err != nil {
			r.logger.Warn("dropping stale account index entry failed", "account_id", accountID, "error", err)
		}
	}
	return nil, entity.ErrUnroutable
}

func (r *RouterPostgres) tenants(ctx context.Context) ([]tenantRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, schema_name FROM public.tenants WHERE schema_name <> $1 ORDER BY schema_name`, tenant.PublicSchema)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []tenantRow
	for rows.Next() {
		var t tenantRow
		if err := rows.Scan(&t.id, &t.schema); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}
	return tenants, nil
}

func (r *RouterPostgres) indexHint(ctx context.Context, accountID string) (string, error) {
	var schema string
	err := r.pool.QueryRow(ctx, `SELECT schema_name FROM public.channel_account_index WHERE account_id = $1`, accountID).Scan(&schema)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading account index: %w", err)
	}
	return schema, nil
}

func (r *RouterPostgres) remember(ctx context.Context, accountID, schema string) error {
	query := `
		INSERT INTO public.channel_account_index (account_id, schema_name, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET schema_name = EXCLUDED.schema_name, updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, accountID, schema); err != nil {
		return fmt.Errorf("writing account index: %w", err)
	}
	return nil
}
