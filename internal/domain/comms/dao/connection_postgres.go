package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

const connectionColumns = `id, user_id, channel_id, external_account_id, channel_type, account_name,
	account_identifier, auth_status, sync_error_count, last_error, is_active, last_sync_at, created_at, updated_at`

// ConnectionPostgres implements user channel connection repository for PostgreSQL
type ConnectionPostgres struct {
	pgBase
}

// NewConnectionPostgres creates a new PostgreSQL connection repository
func NewConnectionPostgres(pool *pgxpool.Pool) *ConnectionPostgres {
	return &ConnectionPostgres{pgBase{pool: pool}}
}

// GetByID retrieves a connection by ID
func (r *ConnectionPostgres) GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.UserChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM ` + table(tc, "user_channel_connections") + ` WHERE id = $1`
	return scanConnection(r.db(tc).QueryRow(ctx, query, id))
}

// GetActiveByAccount retrieves the active connection of an external account
func (r *ConnectionPostgres) GetActiveByAccount(ctx context.Context, tc tenant.Context, accountID string) (*entity.UserChannelConnection, error) {
	return activeConnection(ctx, r.db(tc), tc.Schema, accountID)
}

// ListActiveByUser lists a user's active connections
func (r *ConnectionPostgres) ListActiveByUser(ctx context.Context, tc tenant.Context, userID string) ([]entity.UserChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM ` + table(tc, "user_channel_connections") + `
		WHERE user_id = $1 AND is_active
		ORDER BY created_at`

	rows, err := r.db(tc).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	return scanConnections(rows)
}

// ListStale lists authenticated connections whose last sync is older than before
func (r *ConnectionPostgres) ListStale(ctx context.Context, tc tenant.Context, before time.Time, limit int) ([]entity.UserChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM ` + table(tc, "user_channel_connections") + `
		WHERE is_active AND auth_status = 'authenticated'
		  AND (last_sync_at IS NULL OR last_sync_at < $1)
		ORDER BY last_sync_at ASC NULLS FIRST
		LIMIT $2`

	rows, err := r.db(tc).Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale connections: %w", err)
	}
	defer rows.Close()

	return scanConnections(rows)
}

// MarkAuthenticated sets auth status to authenticated and resets the error counter
func (r *ConnectionPostgres) MarkAuthenticated(ctx context.Context, tc tenant.Context, id, channelID string) error {
	query := `UPDATE ` + table(tc, "user_channel_connections") + `
		SET auth_status = 'authenticated', sync_error_count = 0, last_error = '',
		    channel_id = COALESCE($2, channel_id), updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, nullString(channelID)); err != nil {
		return fmt.Errorf("marking connection authenticated: %w", err)
	}
	return nil
}

// MarkDisconnected sets auth status to disconnected
func (r *ConnectionPostgres) MarkDisconnected(ctx context.Context, tc tenant.Context, id string) error {
	query := `UPDATE ` + table(tc, "user_channel_connections") + `
		SET auth_status = 'disconnected', updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id); err != nil {
		return fmt.Errorf("marking connection disconnected: %w", err)
	}
	return nil
}

// RecordError marks the connection failed and increments its error counter
func (r *ConnectionPostgres) RecordError(ctx context.Context, tc tenant.Context, id, lastError string) error {
	query := `UPDATE ` + table(tc, "user_channel_connections") + `
		SET auth_status = 'failed', sync_error_count = sync_error_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, lastError); err != nil {
		return fmt.Errorf("recording connection error: %w", err)
	}
	return nil
}

// MarkSynced stores the time of the last history sync
func (r *ConnectionPostgres) MarkSynced(ctx context.Context, tc tenant.Context, id string, at time.Time) error {
	query := `UPDATE ` + table(tc, "user_channel_connections") + ` SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("marking connection synced: %w", err)
	}
	return nil
}

// activeConnection looks up an active connection in one schema
func activeConnection(ctx context.Context, db tenant.DBTX, schema, accountID string) (*entity.UserChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM ` + table(tenant.Context{Schema: schema}, "user_channel_connections") + `
		WHERE external_account_id = $1 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1`
	return scanConnection(db.QueryRow(ctx, query, accountID))
}

func scanConnection(row pgx.Row) (*entity.UserChannelConnection, error) {
	c, err := scanConnectionInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection: %w", err)
	}
	return c, nil
}

func scanConnections(rows pgx.Rows) ([]entity.UserChannelConnection, error) {
	var conns []entity.UserChannelConnection
	for rows.Next() {
		c, err := scanConnectionInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection row: %w", err)
		}
		conns = append(conns, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connections: %w", err)
	}
	return conns, nil
}

func scanConnectionInto(row pgx.Row) (*entity.UserChannelConnection, error) {
	var c entity.UserChannelConnection
	var channelID *string
	var channelType, authStatus string

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&channelID,
		&c.ExternalAccountID,
		&channelType,
		&c.AccountName,
		&c.AccountIdentifier,
		&authStatus,
		&c.SyncErrorCount,
		&c.LastError,
		&c.IsActive,
		&c.LastSyncAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ChannelID = derefString(channelID)
	c.ChannelType = entity.ParseChannelType(channelType)
	c.AuthStatus = entity.AuthStatus(authStatus)
	return &c, nil
}
