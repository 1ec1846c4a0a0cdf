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

const channelColumns = `id, name, channel_type, external_account_id, auth_status, owner_user_id, is_active, created_at, updated_at`

// ChannelPostgres implements channel repository for PostgreSQL
type ChannelPostgres struct {
	pgBase
}

// NewChannelPostgres creates a new PostgreSQL channel repository
func NewChannelPostgres(pool *pgxpool.Pool) *ChannelPostgres {
	return &ChannelPostgres{pgBase{pool: pool}}
}

// GetByID retrieves a channel by ID
func (r *ChannelPostgres) GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM ` + table(tc, "channels") + ` WHERE id = $1`
	return scanChannel(r.db(tc).QueryRow(ctx, query, id))
}

// GetByExternalAccount retrieves the channel of an external account
func (r *ChannelPostgres) GetByExternalAccount(ctx context.Context, tc tenant.Context, accountID string, channelType entity.ChannelType) (*entity.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM ` + table(tc, "channels") + `
		WHERE external_account_id = $1 AND channel_type = $2`
	return scanChannel(r.db(tc).QueryRow(ctx, query, accountID, string(channelType)))
}

// GetOrCreate inserts the channel unless one exists for the account and type
func (r *ChannelPostgres) GetOrCreate(ctx context.Context, tc tenant.Context, ch *entity.Channel) (*entity.Channel, error) {
	query := `
		INSERT INTO ` + table(tc, "channels") + ` (` + channelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_account_id, channel_type) DO NOTHING
	`

	now := time.Now()
	_, err := r.db(tc).Exec(ctx, query,
		ch.ID,
		ch.Name,
		string(ch.ChannelType),
		ch.ExternalAccountID,
		string(ch.AuthStatus),
		ch.OwnerUserID,
		ch.IsActive,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting channel: %w", err)
	}

	return r.GetByExternalAccount(ctx, tc, ch.ExternalAccountID, ch.ChannelType)
}

// SetAuthStatus updates auth status and the soft-disable flag
func (r *ChannelPostgres) SetAuthStatus(ctx context.Context, tc tenant.Context, id string, status entity.AuthStatus, active bool) error {
	query := `UPDATE ` + table(tc, "channels") + ` SET auth_status = $2, is_active = $3, updated_at = NOW() WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, string(status), active); err != nil {
		return fmt.Errorf("updating channel auth status: %w", err)
	}
	return nil
}

func scanChannel(row pgx.Row) (*entity.Channel, error) {
	var ch entity.Channel
	var channelType, authStatus string

	err := row.Scan(
		&ch.ID,
		&ch.Name,
		&channelType,
		&ch.ExternalAccountID,
		&authStatus,
		&ch.OwnerUserID,
		&ch.IsActive,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel: %w", err)
	}

	ch.ChannelType = entity.ChannelType(channelType)
	ch.AuthStatus = entity.AuthStatus(authStatus)
	return &ch, nil
}
