package dao

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/unified-comms/internal/tenant"
)

// pgBase is embedded by the tenant-scoped postgres repositories
type pgBase struct {
	pool *pgxpool.Pool
}

// db returns the session pinned by the tenant switcher, or the pool
func (b pgBase) db(tc tenant.Context) tenant.DBTX {
	if tc.DB != nil {
		return tc.DB
	}
	return b.pool
}

// table qualifies a table name with the tenant schema
func table(tc tenant.Context, name string) string {
	schema := tc.Schema
	if schema == "" {
		schema = tenant.PublicSchema
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

// jsonMap keeps NOT NULL jsonb columns from receiving SQL NULL
func jsonMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
