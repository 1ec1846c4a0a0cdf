package dao

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/database"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

// pgFixture is a throwaway pair of tenant schemas on a live database
type pgFixture struct {
	pool    *pgxpool.Pool
	schemaA string
	schemaB string
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, database.PoolOptions{MaxConns: 20, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.MigratePublic(ctx, pool))

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	f := &pgFixture{pool: pool, schemaA: "test_a_" + suffix, schemaB: "test_b_" + suffix}
	for _, schema := range []string{f.schemaA, f.schemaB} {
		require.NoError(t, database.MigrateTenant(ctx, pool, schema))
		_, err := pool.Exec(ctx, `INSERT INTO public.tenants (id, schema_name) VALUES ($1, $2)`, schema, schema)
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		for _, schema := range []string{f.schemaA, f.schemaB} {
			_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
			_, _ = pool.Exec(ctx, `DELETE FROM public.tenants WHERE schema_name = $1`, schema)
			_, _ = pool.Exec(ctx, `DELETE FROM public.channel_account_index WHERE schema_name = $1`, schema)
		}
	})
	return f
}

func (f *pgFixture) addConnection(t *testing.T, schema, accountID string) {
	t.Helper()
	query := `INSERT INTO ` + pgx.Identifier{schema, "user_channel_connections"}.Sanitize() + `
		(id, user_id, external_account_id, channel_type, auth_status, is_active)
		VALUES ($1, 'user-1', $2, 'whatsapp', 'authenticated', TRUE)`
	_, err := f.pool.Exec(context.Background(), query, uuid.NewString(), accountID)
	require.NoError(t, err)
}

func (f *pgFixture) setHint(t *testing.T, accountID, schema string) {
	t.Helper()
	_, err := f.pool.Exec(context.Background(), `
		INSERT INTO public.channel_account_index (account_id, schema_name) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET schema_name = EXCLUDED.schema_name`, accountID, schema)
	require.NoError(t, err)
}

func (f *pgFixture) hint(t *testing.T, accountID string) string {
	t.Helper()
	var schema string
	err := f.pool.QueryRow(context.Background(),
		`SELECT schema_name FROM public.channel_account_index WHERE account_id = $1`, accountID).Scan(&schema)
	if err == pgx.ErrNoRows {
		return ""
	}
	require.NoError(t, err)
	return schema
}

func TestRouterPostgres_Resolve(t *testing.T) {
	f := newPGFixture(t)
	router := NewRouterPostgres(f.pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	t.Run("scan fills the index", func(t *testing.T) {
		account := "acc-" + uuid.NewString()
		f.addConnection(t, f.schemaB, account)

		route, err := router.Resolve(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, f.schemaB, route.Schema)
		assert.Equal(t, account, route.Connection.ExternalAccountID)
		assert.Equal(t, f.schemaB, f.hint(t, account))
	})

	t.Run("verified hint is used", func(t *testing.T) {
		account := "acc-" + uuid.NewString()
		f.addConnection(t, f.schemaA, account)
		f.setHint(t, account, f.schemaA)

		route, err := router.Resolve(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, f.schemaA, route.Schema)
	})

	t.Run("stale hint falls back to the scan", func(t *testing.T) {
		account := "acc-" + uuid.NewString()
		f.addConnection(t, f.schemaB, account)
		f.setHint(t, account, f.schemaA)

		route, err := router.Resolve(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, f.schemaB, route.Schema)
		assert.Equal(t, f.schemaB, f.hint(t, account))
	})

	t.Run("stale hint of an unknown account is dropped", func(t *testing.T) {
		account := "acc-" + uuid.NewString()
		f.setHint(t, account, f.schemaA)

		_, err := router.Resolve(ctx, account)
		assert.ErrorIs(t, err, entity.ErrUnroutable)
		assert.Empty(t, f.hint(t, account))
	})
}

func TestMessagePostgres_ConcurrentGetOrCreate(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	tc := tenant.Context{Schema: f.schemaA}

	ch, err := NewChannelPostgres(f.pool).GetOrCreate(ctx, tc, &entity.Channel{
		ID:                uuid.NewString(),
		ChannelType:       entity.ChannelTypeWhatsApp,
		ExternalAccountID: "acc-1",
		AuthStatus:        entity.AuthStatusAuthenticated,
		IsActive:          true,
	})
	require.NoError(t, err)
	conv, _, err := NewConversationPostgres(f.pool).GetOrCreate(ctx, tc, &entity.Conversation{
		ID:               uuid.NewString(),
		ChannelID:        ch.ID,
		ExternalThreadID: "chat-1",
	})
	require.NoError(t, err)

	messages := NewMessagePostgres(f.pool)
	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, ok, err := messages.GetOrCreate(ctx, tc, &entity.Message{
				ID:                uuid.NewString(),
				ConversationID:    conv.ID,
				ChannelID:         ch.ID,
				ExternalMessageID: "wamid-1",
				Direction:         entity.DirectionInbound,
				Status:            entity.StatusSent,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[msg.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	count, err := messages.CountByConversation(ctx, tc, conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestParticipantPostgres_LockIdentifiers(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	tc := tenant.Context{Schema: f.schemaA}
	repo := NewParticipantPostgres(f.pool)
	ids := entity.Identifiers{Phone: "+27820000000"}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.LockIdentifiers(ctx, tc, ids, func(ltc tenant.Context) error {
				existing, err := repo.FindByIdentifiers(ctx, ltc, ids)
				if err != nil || existing != nil {
					return err
				}
				time.Sleep(10 * time.Millisecond)
				return repo.Create(ctx, ltc, entity.NewParticipant(uuid.NewString(), ids, time.Now()))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int
	err := f.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+pgx.Identifier{f.schemaA, "participants"}.Sanitize()+` WHERE phone = $1`,
		ids.Phone).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
