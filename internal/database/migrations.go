package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigratePublic runs idempotent DDL for the shared (non-tenant) tables.
func MigratePublic(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS public.tenants (
			id          TEXT        PRIMARY KEY,
			schema_name TEXT        UNIQUE NOT NULL,
			name        TEXT        NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS public.channel_account_index (
			account_id  TEXT        PRIMARY KEY,
			schema_name TEXT        NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS public.email_suppressions (
			id          TEXT        PRIMARY KEY,
			email       TEXT        NOT NULL,
			account_id  TEXT        NOT NULL DEFAULT '',
			event_type  TEXT        NOT NULL,
			reason      TEXT        NOT NULL DEFAULT '',
			raw         JSONB       NOT NULL DEFAULT '{}'::jsonb,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_suppressions_email ON public.email_suppressions(email)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate public: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// MigrateTenant runs idempotent DDL for one tenant schema.
func MigrateTenant(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	s := pgx.Identifier{schema}.Sanitize()
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + s,

		`CREATE TABLE IF NOT EXISTS ` + s + `.channels (
			id                  TEXT        PRIMARY KEY,
			name                TEXT        NOT NULL DEFAULT '',
			channel_type        TEXT        NOT NULL,
			external_account_id TEXT        NOT NULL,
			auth_status         TEXT        NOT NULL DEFAULT 'pending',
			owner_user_id       TEXT        NOT NULL DEFAULT '',
			is_active           BOOLEAN     NOT NULL DEFAULT TRUE,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (external_account_id, channel_type)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + s + `.user_channel_connections (
			id                  TEXT        PRIMARY KEY,
			user_id             TEXT        NOT NULL,
			channel_id          TEXT,
			external_account_id TEXT        NOT NULL,
			channel_type        TEXT        NOT NULL,
			account_name        TEXT        NOT NULL DEFAULT '',
			account_identifier  TEXT        NOT NULL DEFAULT '',
			auth_status         TEXT        NOT NULL DEFAULT 'pending',
			sync_error_count    INT         NOT NULL DEFAULT 0,
			last_error          TEXT        NOT NULL DEFAULT '',
			is_active           BOOLEAN     NOT NULL DEFAULT TRUE,
			last_sync_at        TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_active_connection ON ` + s + `.user_channel_connections
			(user_id, external_account_id, channel_type) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_connections_account ON ` + s + `.user_channel_connections(external_account_id)`,

		`CREATE TABLE IF NOT EXISTS ` + s + `.conversations (
			id                        TEXT        PRIMARY KEY,
			channel_id                TEXT        NOT NULL REFERENCES ` + s + `.channels(id),
			external_thread_id        TEXT        NOT NULL,
			subject                   TEXT        NOT NULL DEFAULT '',
			primary_contact_record_id TEXT,
			participant_count         INT         NOT NULL DEFAULT 0,
			message_count             INT         NOT NULL DEFAULT 0,
			last_message_at           TIMESTAMPTZ,
			metadata                  JSONB       NOT NULL DEFAULT '{}'::jsonb,
			created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (channel_id, external_thread_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + s + `.messages (
			id                  TEXT        PRIMARY KEY,
			conversation_id     TEXT        NOT NULL REFERENCES ` + s + `.conversations(id),
			channel_id          TEXT        NOT NULL,
			external_message_id TEXT        NOT NULL,
			direction           TEXT        NOT NULL,
			content             TEXT        NOT NULL DEFAULT '',
			subject             TEXT        NOT NULL DEFAULT '',
			status              TEXT        NOT NULL DEFAULT 'sent',
			contact_email       TEXT        NOT NULL DEFAULT '',
			contact_phone       TEXT        NOT NULL DEFAULT '',
			sender_name         TEXT        NOT NULL DEFAULT '',
			contact_record_id   TEXT,
			metadata            JSONB       NOT NULL DEFAULT '{}'::jsonb,
			sent_at             TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (conversation_id, external_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_external ON ` + s + `.messages(external_message_id)`,

		`CREATE TABLE IF NOT EXISTS ` + s + `.participants (
			id                          TEXT        PRIMARY KEY,
			email                       TEXT        NOT NULL DEFAULT '',
			phone                       TEXT        NOT NULL DEFAULT '',
			linkedin_member_urn         TEXT        NOT NULL DEFAULT '',
			instagram_username          TEXT        NOT NULL DEFAULT '',
			messenger_id                TEXT        NOT NULL DEFAULT '',
			telegram_id                 TEXT        NOT NULL DEFAULT '',
			twitter_handle              TEXT        NOT NULL DEFAULT '',
			name                        TEXT        NOT NULL DEFAULT '',
			avatar_url                  TEXT        NOT NULL DEFAULT '',
			contact_record_id           TEXT,
			resolution_confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
			resolution_method           TEXT        NOT NULL DEFAULT '',
			secondary_record_id         TEXT,
			secondary_confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
			secondary_resolution_method TEXT        NOT NULL DEFAULT '',
			resolved_at                 TIMESTAMPTZ,
			first_seen                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen                   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			metadata                    JSONB       NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_email ON ` + s + `.participants(email) WHERE email <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_participants_phone ON ` + s + `.participants(phone) WHERE phone <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_participants_urn ON ` + s + `.participants(linkedin_member_urn) WHERE linkedin_member_urn <> ''`,

		`CREATE TABLE IF NOT EXISTS ` + s + `.conversation_participants (
			conversation_id TEXT        NOT NULL REFERENCES ` + s + `.conversations(id),
			participant_id  TEXT        NOT NULL REFERENCES ` + s + `.participants(id),
			role            TEXT        NOT NULL DEFAULT 'member',
			is_active       BOOLEAN     NOT NULL DEFAULT TRUE,
			joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, participant_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + s + `.sync_jobs (
			id            TEXT        PRIMARY KEY,
			user_id       TEXT        NOT NULL,
			connection_id TEXT        NOT NULL DEFAULT '',
			job_type      TEXT        NOT NULL,
			status        TEXT        NOT NULL DEFAULT 'pending',
			task_id       TEXT        NOT NULL DEFAULT '',
			error_message TEXT        NOT NULL DEFAULT '',
			conversations_processed INT NOT NULL DEFAULT 0,
			messages_processed      INT NOT NULL DEFAULT 0,
			attendees_processed     INT NOT NULL DEFAULT 0,
			started_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate tenant %s: %w\nSQL: %s", schema, err, stmt)
		}
	}
	return nil
}
