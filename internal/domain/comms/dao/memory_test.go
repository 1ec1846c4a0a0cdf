package dao

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

func seededStore(t *testing.T) (*MemoryStore, tenant.Context) {
	t.Helper()
	store := NewMemoryStore()
	store.AddTenant("t1", "tenant_a")
	store.AddTenant("t2", "tenant_b")
	store.AddChannel("tenant_a", entity.Channel{ID: "ch-1", ChannelType: entity.ChannelTypeWhatsApp, ExternalAccountID: "acc-1", IsActive: true})
	store.AddConnection("tenant_a", entity.UserChannelConnection{
		ID: "conn-1", UserID: "u1", ChannelID: "ch-1", ExternalAccountID: "acc-1",
		ChannelType: entity.ChannelTypeWhatsApp, AuthStatus: entity.AuthStatusAuthenticated, IsActive: true,
	})
	return store, tenant.Context{Schema: "tenant_a"}
}

func TestMemoryStore_Resolve(t *testing.T) {
	store, _ := seededStore(t)
	ctx := context.Background()

	route, err := store.Resolve(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", route.Schema)
	assert.Equal(t, "t1", route.TenantID)
	assert.Equal(t, "conn-1", route.Connection.ID)

	_, err = store.Resolve(ctx, "unknown")
	assert.ErrorIs(t, err, entity.ErrUnroutable)

	_, err = store.Resolve(ctx, "")
	assert.ErrorIs(t, err, entity.ErrNoAccountID)
}

func TestMessageMemory_GetOrCreateConcurrent(t *testing.T) {
	store, tc := seededStore(t)
	ctx := context.Background()

	conv, created, err := store.Conversations().GetOrCreate(ctx, tc, &entity.Conversation{ID: "conv-1", ChannelID: "ch-1", ExternalThreadID: "th-1"})
	require.NoError(t, err)
	require.True(t, created)

	const deliveries = 16
	var wg sync.WaitGroup
	results := make(chan bool, deliveries)
	for i := range deliveries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := store.Messages().GetOrCreate(ctx, tc, &entity.Message{
				ID:                "msg-" + string(rune('a'+i)),
				ConversationID:    conv.ID,
				ExternalMessageID: "ext-1",
				Direction:         entity.DirectionInbound,
			})
			assert.NoError(t, err)
			results <- created
		}(i)
	}
	wg.Wait()
	close(results)

	createdCount := 0
	for c := range results {
		if c {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)
	assert.Equal(t, 1, store.Messages().Count(tc))
}

func TestMessageMemory_StatusNeverRegresses(t *testing.T) {
	store, tc := seededStore(t)
	ctx := context.Background()

	msg, _, err := store.Messages().GetOrCreate(ctx, tc, &entity.Message{
		ID: "m1", ConversationID: "c1", ExternalMessageID: "e1", Status: entity.StatusSent,
		Metadata: map[string]any{entity.MetadataRawWebhook: map[string]any{"id": "e1"}},
	})
	require.NoError(t, err)

	require.NoError(t, store.Messages().UpdateStatus(ctx, tc, msg.ID, entity.StatusRead, map[string]any{"event": "read"}))
	require.NoError(t, store.Messages().UpdateStatus(ctx, tc, msg.ID, entity.StatusDelivered, map[string]any{"event": "delivered"}))

	got, err := store.Messages().GetByExternalID(ctx, tc, "e1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRead, got.Status)
	assert.Len(t, got.Metadata["tracking_events"], 2)

	require.NoError(t, store.Messages().MergeMetadata(ctx, tc, msg.ID, map[string]any{
		entity.MetadataRawWebhook: "overwritten",
		"enriched":                true,
	}))
	got, err = store.Messages().GetByExternalID(ctx, tc, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "e1"}, got.Metadata[entity.MetadataRawWebhook])
	assert.Equal(t, true, got.Metadata["enriched"])
}

func TestParticipantMemory_FindByAnyIdentifier(t *testing.T) {
	store, tc := seededStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Participants().Create(ctx, tc, entity.NewParticipant("p1", entity.Identifiers{
		Email: "jane@acme.io", Phone: "+27820000000",
	}, now)))

	found, err := store.Participants().FindByIdentifiers(ctx, tc, entity.Identifiers{Phone: "+27820000000", Email: "other@acme.io"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "p1", found.ID)

	found, err = store.Participants().FindByIdentifiers(ctx, tc, entity.Identifiers{Name: "Jane"})
	require.NoError(t, err)
	assert.Nil(t, found)

	other := tenant.Context{Schema: "tenant_b"}
	found, err = store.Participants().FindByIdentifiers(ctx, other, entity.Identifiers{Email: "jane@acme.io"})
	require.NoError(t, err)
	assert.Nil(t, found, "tenants must not see each other's participants")
}

func TestConversationMemory_ParticipantCountAndPrimaryContact(t *testing.T) {
	store, tc := seededStore(t)
	ctx := context.Background()

	conv, _, err := store.Conversations().GetOrCreate(ctx, tc, &entity.Conversation{ID: "c1", ChannelID: "ch-1", ExternalThreadID: "th"})
	require.NoError(t, err)
	assert.Equal(t, entity.ChannelTypeWhatsApp, conv.ChannelType)

	n, err := store.Conversations().AddParticipant(ctx, tc, entity.ConversationParticipant{ConversationID: "c1", ParticipantID: "p1", Role: entity.RoleSender})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.Conversations().AddParticipant(ctx, tc, entity.ConversationParticipant{ConversationID: "c1", ParticipantID: "p1", Role: entity.RoleSender})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.Conversations().AddParticipant(ctx, tc, entity.ConversationParticipant{ConversationID: "c1", ParticipantID: "p2", Role: entity.RoleRecipient})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	set, err := store.Conversations().SetPrimaryContactIfEmpty(ctx, tc, "c1", "rec-1")
	require.NoError(t, err)
	assert.True(t, set)
	set, err = store.Conversations().SetPrimaryContactIfEmpty(ctx, tc, "c1", "rec-2")
	require.NoError(t, err)
	assert.False(t, set)

	got, err := store.Conversations().GetByID(ctx, tc, "c1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", *got.PrimaryContactRecordID)
}
