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

const messageColumns = `id, conversation_id, channel_id, external_message_id, direction, content, subject, status,
	contact_email, contact_phone, sender_name, contact_record_id, metadata, sent_at, created_at`

// MessagePostgres implements message repository for PostgreSQL
type MessagePostgres struct {
	pgBase
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pgBase{pool: pool}}
}

// GetOrCreate inserts a message exactly once per (conversation, external message id).
//
// The key is serialized with a transaction-scoped advisory lock before the row
// lock, because SELECT ... FOR UPDATE cannot lock a row that does not exist yet.
// The second of two concurrent deliveries blocks on the lock, then finds the
// committed row and reports created=false.
func (r *MessagePostgres) GetOrCreate(ctx context.Context, tc tenant.Context, msg *entity.Message) (*entity.Message, bool, error) {
	tx, err := r.db(tc).Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lockKey := tc.Schema + ":" + msg.ConversationID + ":" + msg.ExternalMessageID
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return nil, false, fmt.Errorf("locking message key: %w", err)
	}

	lookup := `SELECT ` + messageColumns + ` FROM ` + table(tc, "messages") + `
		WHERE conversation_id = $1 AND external_message_id = $2
		FOR UPDATE`
	existing, err := scanMessage(tx.QueryRow(ctx, lookup, msg.ConversationID, msg.ExternalMessageID))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("committing message lookup: %w", err)
		}
		return existing, false, nil
	}

	insert := `
		INSERT INTO ` + table(tc, "messages") + ` (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (conversation_id, external_message_id) DO NOTHING
		RETURNING ` + messageColumns

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	created, err := scanMessage(tx.QueryRow(ctx, insert,
		msg.ID,
		msg.ConversationID,
		msg.ChannelID,
		msg.ExternalMessageID,
		string(msg.Direction),
		msg.Content,
		msg.Subject,
		string(msg.Status),
		msg.ContactEmail,
		msg.ContactPhone,
		msg.SenderName,
		msg.ContactRecordID,
		jsonMap(msg.Metadata),
		msg.SentAt,
		createdAt,
	))
	if err != nil {
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}
	if created == nil {
		existing, err = scanMessage(tx.QueryRow(ctx, lookup, msg.ConversationID, msg.ExternalMessageID))
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("committing message lookup: %w", err)
		}
		return existing, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing message: %w", err)
	}
	return created, true, nil
}

// GetByExternalID retrieves the newest message with a provider message id
func (r *MessagePostgres) GetByExternalID(ctx context.Context, tc tenant.Context, externalMessageID string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM ` + table(tc, "messages") + `
		WHERE external_message_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return scanMessage(r.db(tc).QueryRow(ctx, query, externalMessageID))
}

// UpdateStatus moves the status forward; regressions only record the event
func (r *MessagePostgres) UpdateStatus(ctx context.Context, tc tenant.Context, id string, status entity.MessageStatus, event map[string]any) error {
	tx, err := r.db(tc).Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM `+table(tc, "messages")+` WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("locking message status: %w", err)
	}

	next := entity.MessageStatus(current)
	if entity.MessageStatus(current).Advances(status) {
		next = status
	}

	query := `UPDATE ` + table(tc, "messages") + ` SET
			status = $2,
			metadata = jsonb_set(metadata, '{tracking_events}',
				COALESCE(metadata->'tracking_events', '[]'::jsonb) || jsonb_build_array($3::jsonb))
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, string(next), jsonMap(event)); err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message status: %w", err)
	}
	return nil
}

// AppendTrackingEvent appends event to metadata.tracking_events
func (r *MessagePostgres) AppendTrackingEvent(ctx context.Context, tc tenant.Context, id string, event map[string]any) error {
	query := `UPDATE ` + table(tc, "messages") + ` SET
			metadata = jsonb_set(metadata, '{tracking_events}',
				COALESCE(metadata->'tracking_events', '[]'::jsonb) || jsonb_build_array($2::jsonb))
		WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, jsonMap(event)); err != nil {
		return fmt.Errorf("appending tracking event: %w", err)
	}
	return nil
}

// SetContactRecord links a message to a CRM record
func (r *MessagePostgres) SetContactRecord(ctx context.Context, tc tenant.Context, id, recordID string) error {
	query := `UPDATE ` + table(tc, "messages") + ` SET contact_record_id = $2 WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, recordID); err != nil {
		return fmt.Errorf("setting message contact record: %w", err)
	}
	return nil
}

// MergeMetadata shallow-merges patch into metadata; raw_webhook_data is never replaced
func (r *MessagePostgres) MergeMetadata(ctx context.Context, tc tenant.Context, id string, patch map[string]any) error {
	clean := make(map[string]any, len(patch))
	for k, v := range patch {
		if k == entity.MetadataRawWebhook {
			continue
		}
		clean[k] = v
	}
	query := `UPDATE ` + table(tc, "messages") + ` SET metadata = metadata || $2::jsonb WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, clean); err != nil {
		return fmt.Errorf("merging message metadata: %w", err)
	}
	return nil
}

// ListByConversations lists messages of the given conversations in time order
func (r *MessagePostgres) ListByConversations(ctx context.Context, tc tenant.Context, conversationIDs []string) ([]entity.Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + messageColumns + ` FROM ` + table(tc, "messages") + `
		WHERE conversation_id = ANY($1)
		ORDER BY COALESCE(sent_at, created_at), id`

	rows, err := r.db(tc).Query(ctx, query, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []entity.Message
	for rows.Next() {
		msg, err := scanMessageInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// CountByConversation returns the number of messages in a conversation
func (r *MessagePostgres) CountByConversation(ctx context.Context, tc tenant.Context, conversationID string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM ` + table(tc, "messages") + ` WHERE conversation_id = $1`
	if err := r.db(tc).QueryRow(ctx, query, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

func scanMessage(row pgx.Row) (*entity.Message, error) {
	msg, err := scanMessageInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return msg, nil
}

func scanMessageInto(row pgx.Row) (*entity.Message, error) {
	var msg entity.Message
	var direction, status string

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.ChannelID,
		&msg.ExternalMessageID,
		&direction,
		&msg.Content,
		&msg.Subject,
		&status,
		&msg.ContactEmail,
		&msg.ContactPhone,
		&msg.SenderName,
		&msg.ContactRecordID,
		&msg.Metadata,
		&msg.SentAt,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Direction = entity.Direction(direction)
	msg.Status = entity.MessageStatus(status)
	return &msg, nil
}
