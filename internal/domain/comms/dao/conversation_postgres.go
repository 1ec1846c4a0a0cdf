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

const conversationColumns = `c.id, c.channel_id, c.external_thread_id, c.subject, c.primary_contact_record_id,
	c.participant_count, c.message_count, c.last_message_at, c.metadata, c.created_at, c.updated_at, ch.channel_type`

// ConversationPostgres implements conversation repository for PostgreSQL
type ConversationPostgres struct {
	pgBase
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pgBase{pool: pool}}
}

func (r *ConversationPostgres) selectFrom(tc tenant.Context) string {
	return `SELECT ` + conversationColumns + ` FROM ` + table(tc, "conversations") + ` c
		JOIN ` + table(tc, "channels") + ` ch ON ch.id = c.channel_id`
}

// GetByID retrieves a conversation by ID
func (r *ConversationPostgres) GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.Conversation, error) {
	query := r.selectFrom(tc) + ` WHERE c.id = $1`
	return scanConversation(r.db(tc).QueryRow(ctx, query, id))
}

// GetByExternalThread retrieves a conversation by its provider thread id
func (r *ConversationPostgres) GetByExternalThread(ctx context.Context, tc tenant.Context, channelID, externalThreadID string) (*entity.Conversation, error) {
	query := r.selectFrom(tc) + ` WHERE c.channel_id = $1 AND c.external_thread_id = $2`
	return scanConversation(r.db(tc).QueryRow(ctx, query, channelID, externalThreadID))
}

// GetOrCreate inserts the conversation unless the thread already exists
func (r *ConversationPostgres) GetOrCreate(ctx context.Context, tc tenant.Context, conv *entity.Conversation) (*entity.Conversation, bool, error) {
	query := `
		INSERT INTO ` + table(tc, "conversations") + ` (
			id, channel_id, external_thread_id, subject, primary_contact_record_id,
			participant_count, message_count, last_message_at, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8, $8)
		ON CONFLICT (channel_id, external_thread_id) DO NOTHING
		RETURNING id
	`

	var id string
	err := r.db(tc).QueryRow(ctx, query,
		conv.ID,
		conv.ChannelID,
		conv.ExternalThreadID,
		conv.Subject,
		conv.PrimaryContactRecordID,
		conv.LastMessageAt,
		jsonMap(conv.Metadata),
		time.Now(),
	).Scan(&id)

	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
	} else if err != nil {
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	stored, err := r.GetByExternalThread(ctx, tc, conv.ChannelID, conv.ExternalThreadID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, entity.ErrConversationNotFound
	}
	return stored, created, nil
}

// SetPrimaryContactIfEmpty sets primary_contact_record_id once
func (r *ConversationPostgres) SetPrimaryContactIfEmpty(ctx context.Context, tc tenant.Context, id, recordID string) (bool, error) {
	query := `UPDATE ` + table(tc, "conversations") + `
		SET primary_contact_record_id = $2, updated_at = NOW()
		WHERE id = $1 AND primary_contact_record_id IS NULL`

	tag, err := r.db(tc).Exec(ctx, query, id, recordID)
	if err != nil {
		return false, fmt.Errorf("setting primary contact: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddParticipant links a participant and recomputes participant_count
func (r *ConversationPostgres) AddParticipant(ctx context.Context, tc tenant.Context, link entity.ConversationParticipant) (int, error) {
	insert := `
		INSERT INTO ` + table(tc, "conversation_participants") + ` (conversation_id, participant_id, role, is_active, joined_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (conversation_id, participant_id) DO UPDATE SET is_active = TRUE
	`
	joinedAt := link.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	if _, err := r.db(tc).Exec(ctx, insert, link.ConversationID, link.ParticipantID, string(link.Role), joinedAt); err != nil {
		return 0, fmt.Errorf("linking participant: %w", err)
	}

	recount := `
		UPDATE ` + table(tc, "conversations") + ` SET
			participant_count = (
				SELECT COUNT(*) FROM ` + table(tc, "conversation_participants") + `
				WHERE conversation_id = $1 AND is_active
			),
			updated_at = NOW()
		WHERE id = $1
		RETURNING participant_count
	`
	var count int
	if err := r.db(tc).QueryRow(ctx, recount, link.ConversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("recomputing participant count: %w", err)
	}
	return count, nil
}

// RecordMessage bumps message_count and last_message_at
func (r *ConversationPostgres) RecordMessage(ctx context.Context, tc tenant.Context, id string, at time.Time) error {
	query := `UPDATE ` + table(tc, "conversations") + ` SET
			message_count = message_count + 1,
			last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
			updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("recording conversation message: %w", err)
	}
	return nil
}

// MergeMetadata shallow-merges patch into metadata
func (r *ConversationPostgres) MergeMetadata(ctx context.Context, tc tenant.Context, id string, patch map[string]any) error {
	query := `UPDATE ` + table(tc, "conversations") + ` SET metadata = metadata || $2::jsonb, updated_at = NOW() WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, jsonMap(patch)); err != nil {
		return fmt.Errorf("merging conversation metadata: %w", err)
	}
	return nil
}

// ListForRecord lists conversations linked to a CRM record
func (r *ConversationPostgres) ListForRecord(ctx context.Context, tc tenant.Context, recordID string) ([]entity.Conversation, error) {
	query := r.selectFrom(tc) + `
		WHERE c.primary_contact_record_id = $1
		   OR EXISTS (
				SELECT 1 FROM ` + table(tc, "conversation_participants") + ` cp
				JOIN ` + table(tc, "participants") + ` p ON p.id = cp.participant_id
				WHERE cp.conversation_id = c.id
				  AND (p.contact_record_id = $1 OR p.secondary_record_id = $1)
		   )
		   OR EXISTS (
				SELECT 1 FROM ` + table(tc, "messages") + ` m
				WHERE m.conversation_id = c.id AND m.contact_record_id = $1
		   )
		ORDER BY c.created_at, c.id`

	rows, err := r.db(tc).Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("querying record conversations: %w", err)
	}
	defer rows.Close()

	var convs []entity.Conversation
	for rows.Next() {
		conv, err := scanConversationInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

func scanConversation(row pgx.Row) (*entity.Conversation, error) {
	conv, err := scanConversationInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return conv, nil
}

func scanConversationInto(row pgx.Row) (*entity.Conversation, error) {
	var conv entity.Conversation
	var channelType string

	err := row.Scan(
		&conv.ID,
		&conv.ChannelID,
		&conv.ExternalThreadID,
		&conv.Subject,
		&conv.PrimaryContactRecordID,
		&conv.ParticipantCount,
		&conv.MessageCount,
		&conv.LastMessageAt,
		&conv.Metadata,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&channelType,
	)
	if err != nil {
		return nil, err
	}

	conv.ChannelType = entity.ChannelType(channelType)
	return &conv, nil
}
