// Package tenant carries the tenant schema a unit of work executes in.
//
// A Context is obtained from a Switcher and released through it; Run pairs
// the two so the session always returns to the public schema, whatever the
// callback does.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PublicSchema is the shared schema every session returns to
const PublicSchema = "public"

// ErrEmptySchema is returned when entering a tenant with no schema name
var ErrEmptySchema = errors.New("tenant schema is empty")

// DBTX is the subset of pgx shared by pooled connections and transactions
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Context is the explicit tenant execution context threaded through every
// tenant-scoped call. DB is a session pinned to Schema; it is nil for
// non-SQL stores.
type Context struct {
	Schema string
	DB     DBTX

	sw Switcher
}

// Fork runs fn in a session of its own bound to the same schema. A pinned
// session serves one caller at a time, so concurrent workers must fork.
// Sessionless contexts and contexts built outside Run are passed through.
func (c Context) Fork(ctx context.Context, fn func(tc Context) error) error {
	if c.sw == nil || c.DB == nil {
		return fn(c)
	}
	return Run(ctx, c.sw, c.Schema, fn)
}

// IsPublic reports whether the context points at the shared schema
func (c Context) IsPublic() bool {
	return c.Schema == "" || c.Schema == PublicSchema
}

// Public returns a context bound to the shared schema without a session
func Public() Context {
	return Context{Schema: PublicSchema}
}

// Switcher enters and leaves tenant schemas
type Switcher interface {
	// Enter binds a session to schema.
	Enter(ctx context.Context, schema string) (Context, error)
	// Exit restores the public schema and releases the session.
	Exit(ctx context.Context, tc Context) error
}

// Run executes fn inside schema. The public schema is restored on every
// exit path, including a failed Enter and a panicking fn.
func Run(ctx context.Context, sw Switcher, schema string, fn func(tc Context) error) (err error) {
	if schema == "" {
		return ErrEmptySchema
	}

	tc, err := sw.Enter(ctx, schema)
	if err != nil {
		if exitErr := sw.Exit(context.WithoutCancel(ctx), tc); exitErr != nil {
			err = errors.Join(err, fmt.Errorf("restoring public schema: %w", exitErr))
		}
		return fmt.Errorf("entering schema %s: %w", schema, err)
	}

	tc.sw = sw
	defer func() {
		if exitErr := sw.Exit(context.WithoutCancel(ctx), tc); exitErr != nil {
			err = errors.Join(err, fmt.Errorf("restoring public schema: %w", exitErr))
		}
	}()

	return fn(tc)
}
