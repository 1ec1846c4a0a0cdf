package dao

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

const participantColumns = `id, email, phone, linkedin_member_urn, instagram_username, messenger_id, telegram_id,
	twitter_handle, name, avatar_url, contact_record_id, resolution_confidence, resolution_method,
	secondary_record_id, secondary_confidence, secondary_resolution_method, resolved_at,
	first_seen, last_seen, metadata`

// ParticipantPostgres implements participant repository for PostgreSQL
type ParticipantPostgres struct {
	pgBase
}

// NewParticipantPostgres creates a new PostgreSQL participant repository
func NewParticipantPostgres(pool *pgxpool.Pool) *ParticipantPostgres {
	return &ParticipantPostgres{pgBase{pool: pool}}
}

// GetByID retrieves a participant by ID
func (r *ParticipantPostgres) GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM ` + table(tc, "participants") + ` WHERE id = $1`
	return scanParticipant(r.db(tc).QueryRow(ctx, query, id))
}

// FindByIdentifiers ORs every non-empty identifier; the oldest match wins
func (r *ParticipantPostgres) FindByIdentifiers(ctx context.Context, tc tenant.Context, ids entity.Identifiers) (*entity.Participant, error) {
	var conds []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, column+" = $"+strconv.Itoa(len(args)))
	}
	add("email", ids.Email)
	add("phone", ids.Phone)
	add("linkedin_member_urn", ids.LinkedInMemberURN)
	add("instagram_username", ids.InstagramUsername)
	add("messenger_id", ids.MessengerID)
	add("telegram_id", ids.TelegramID)
	add("twitter_handle", ids.TwitterHandle)

	if len(conds) == 0 {
		return nil, nil
	}

	query := `SELECT ` + participantColumns + ` FROM ` + table(tc, "participants") + `
		WHERE ` + strings.Join(conds, " OR ") + `
		ORDER BY first_seen, id
		LIMIT 1`
	return scanParticipant(r.db(tc).QueryRow(ctx, query, args...))
}

// Create inserts a participant
func (r *ParticipantPostgres) Create(ctx context.Context, tc tenant.Context, p *entity.Participant) error {
	query := `
		INSERT INTO ` + table(tc, "participants") + ` (` + participantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := r.db(tc).Exec(ctx, query,
		p.ID,
		p.Email,
		p.Phone,
		p.LinkedInMemberURN,
		p.InstagramUsername,
		p.MessengerID,
		p.TelegramID,
		p.TwitterHandle,
		p.Name,
		p.AvatarURL,
		p.ContactRecordID,
		p.ResolutionConfidence,
		p.ResolutionMethod,
		p.SecondaryRecordID,
		p.SecondaryConfidence,
		p.SecondaryResolutionMethod,
		p.ResolvedAt,
		p.FirstSeen,
		p.LastSeen,
		jsonMap(p.Metadata),
	)
	if err != nil {
		return fmt.Errorf("inserting participant: %w", err)
	}
	return nil
}

// LockIdentifiers takes a transaction-scoped advisory lock per identifier, in
// a fixed order so overlapping identifier sets cannot deadlock.
func (r *ParticipantPostgres) LockIdentifiers(ctx context.Context, tc tenant.Context, ids entity.Identifiers, fn func(tc tenant.Context) error) error {
	tx, err := r.db(tc).Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range ids.Keys() {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tc.Schema+":participant:"+key); err != nil {
			return fmt.Errorf("locking identifier: %w", err)
		}
	}

	if err := fn(tenant.Context{Schema: tc.Schema, DB: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing participant: %w", err)
	}
	return nil
}

// Update persists identifiers and last_seen
func (r *ParticipantPostgres) Update(ctx context.Context, tc tenant.Context, p *entity.Participant) error {
	query := `UPDATE ` + table(tc, "participants") + ` SET
			email = $2, phone = $3, linkedin_member_urn = $4, instagram_username = $5,
			messenger_id = $6, telegram_id = $7, twitter_handle = $8, name = $9, avatar_url = $10,
			last_seen = $11, metadata = $12
		WHERE id = $1`
	_, err := r.db(tc).Exec(ctx, query,
		p.ID,
		p.Email,
		p.Phone,
		p.LinkedInMemberURN,
		p.InstagramUsername,
		p.MessengerID,
		p.TelegramID,
		p.TwitterHandle,
		p.Name,
		p.AvatarURL,
		p.LastSeen,
		jsonMap(p.Metadata),
	)
	if err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	return nil
}

// SaveResolution stores the linked parts of a resolution
func (r *ParticipantPostgres) SaveResolution(ctx context.Context, tc tenant.Context, id string, res entity.Resolution) error {
	if res.ContactRecordID == nil && res.SecondaryRecordID == nil {
		return nil
	}

	sets := []string{"resolved_at = $2"}
	args := []any{id, res.ResolvedAt}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if res.ContactRecordID != nil {
		set("contact_record_id", *res.ContactRecordID)
		set("resolution_confidence", res.ResolutionConfidence)
		set("resolution_method", res.ResolutionMethod)
	}
	if res.SecondaryRecordID != nil {
		set("secondary_record_id", *res.SecondaryRecordID)
		set("secondary_confidence", res.SecondaryConfidence)
		set("secondary_resolution_method", res.SecondaryResolutionMethod)
	}

	query := `UPDATE ` + table(tc, "participants") + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("saving participant resolution: %w", err)
	}
	return nil
}

// ListUnresolved lists participants with no CRM link, most recently seen first
func (r *ParticipantPostgres) ListUnresolved(ctx context.Context, tc tenant.Context, limit int) ([]entity.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM ` + table(tc, "participants") + `
		WHERE contact_record_id IS NULL AND secondary_record_id IS NULL
		ORDER BY last_seen DESC
		LIMIT $1`
	return r.list(ctx, tc, query, limit)
}

// ListByRecord lists participants linked to a CRM record
func (r *ParticipantPostgres) ListByRecord(ctx context.Context, tc tenant.Context, recordID string) ([]entity.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM ` + table(tc, "participants") + `
		WHERE contact_record_id = $1 OR secondary_record_id = $1
		ORDER BY first_seen`
	return r.list(ctx, tc, query, recordID)
}

func (r *ParticipantPostgres) list(ctx context.Context, tc tenant.Context, query string, args ...any) ([]entity.Participant, error) {
	rows, err := r.db(tc).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []entity.Participant
	for rows.Next() {
		p, err := scanParticipantInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		participants = append(participants, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return participants, nil
}

func scanParticipant(row pgx.Row) (*entity.Participant, error) {
	p, err := scanParticipantInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning participant: %w", err)
	}
	return p, nil
}

func scanParticipantInto(row pgx.Row) (*entity.Participant, error) {
	var p entity.Participant
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.Phone,
		&p.LinkedInMemberURN,
		&p.InstagramUsername,
		&p.MessengerID,
		&p.TelegramID,
		&p.TwitterHandle,
		&p.Name,
		&p.AvatarURL,
		&p.ContactRecordID,
		&p.ResolutionConfidence,
		&p.ResolutionMethod,
		&p.SecondaryRecordID,
		&p.SecondaryConfidence,
		&p.SecondaryResolutionMethod,
		&p.ResolvedAt,
		&p.FirstSeen,
		&p.LastSeen,
		&p.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
