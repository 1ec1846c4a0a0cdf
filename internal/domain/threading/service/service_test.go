package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

type fixture struct {
	store *dao.MemoryStore
	tc    tenant.Context
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := dao.NewMemoryStore()
	store.AddTenant("t1", "tenant_a")
	store.AddChannel("tenant_a", entity.Channel{ID: "ch-mail", ChannelType: entity.ChannelTypeGmail})
	store.AddChannel("tenant_a", entity.Channel{ID: "ch-wa", ChannelType: entity.ChannelTypeWhatsApp})
	tc := tenant.Context{Schema: "tenant_a"}

	record := "rec-1"
	require.NoError(t, store.Participants().Create(ctx, tc, &entity.Participant{
		ID: "p-1", Email: "jane@acme.io", Phone: "+27820000000", ContactRecordID: &record,
	}))

	convs := []entity.Conversation{
		{ID: "conv-mail-1", ChannelID: "ch-mail", ExternalThreadID: "th-1", Subject: "Proposal"},
		{ID: "conv-mail-2", ChannelID: "ch-mail", ExternalThreadID: "th-2", Subject: "RE: Proposal"},
		{ID: "conv-wa", ChannelID: "ch-wa", ExternalThreadID: "chat-1"},
	}
	for _, c := range convs {
		_, _, err := store.Conversations().GetOrCreate(ctx, tc, &c)
		require.NoError(t, err)
		_, err = store.Conversations().AddParticipant(ctx, tc, entity.ConversationParticipant{
			ConversationID: c.ID, ParticipantID: "p-1", Role: entity.RoleSender,
		})
		require.NoError(t, err)
	}

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := t0.Add(d)
		return &v
	}
	msgs := []entity.Message{
		{
			ID: "m1", ConversationID: "conv-mail-1", ChannelID: "ch-mail", ExternalMessageID: "e1",
			Subject: "Proposal", Content: "Please find the proposal attached for review", SentAt: at(0),
			Metadata: map[string]any{entity.MetadataEmailHeaders: map[string]any{"message_id": "a@mail.acme.io"}},
		},
		{
			ID: "m2", ConversationID: "conv-mail-2", ChannelID: "ch-mail", ExternalMessageID: "e2",
			Subject: "RE: Proposal", Content: "Looks good.\n> Please find the proposal attached for review", SentAt: at(time.Hour),
			Metadata: map[string]any{entity.MetadataEmailHeaders: map[string]any{
				"message_id":  "b@mail.acme.io",
				"in_reply_to": "a@mail.acme.io",
				"references":  []any{"a@mail.acme.io"},
			}},
		},
		{
			ID: "m3", ConversationID: "conv-wa", ChannelID: "ch-wa", ExternalMessageID: "w1",
			Content: "Sent you the proposal by email", SentAt: at(2 * time.Hour),
		},
		{
			ID: "m4", ConversationID: "conv-wa", ChannelID: "ch-wa", ExternalMessageID: "w2",
			Content: "Any news?", SentAt: at(48 * time.Hour),
		},
	}
	for _, m := range msgs {
		_, _, err := store.Messages().GetOrCreate(ctx, tc, &m)
		require.NoError(t, err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store: store,
		tc:    tc,
		svc:   New(store.Conversations(), store.Messages(), 4*time.Hour, logger),
	}
}

func groupsBy(groups []ThreadGroup, strategy string) []ThreadGroup {
	var out []ThreadGroup
	for _, g := range groups {
		if g.Strategy == strategy {
			out = append(out, g)
		}
	}
	return out
}

func TestCreateUnifiedThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summary, err := f.svc.CreateUnifiedThread(ctx, f.tc, ThreadInput{RecordID: "rec-1"})
	require.NoError(t, err)

	assert.False(t, summary.Cached)
	assert.Equal(t, 3, summary.Conversations)
	assert.Equal(t, 4, summary.Messages)
	assert.Equal(t, []string{"gmail", "whatsapp"}, summary.Channels)

	record := groupsBy(summary.Groups, StrategyRecord)
	require.Len(t, record, 1)
	assert.Equal(t, 1.0, record[0].Confidence)
	assert.Equal(t, []string{"conv-mail-1", "conv-mail-2", "conv-wa"}, record[0].ConversationIDs)

	refs := groupsBy(summary.Groups, StrategyEmailRefs)
	require.Len(t, refs, 1)
	assert.Equal(t, 0.9, refs[0].Confidence)
	assert.ElementsMatch(t, []string{"m1", "m2"}, refs[0].MessageIDs)

	temporal := groupsBy(summary.Groups, StrategyTemporal)
	require.Len(t, temporal, 1)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, temporal[0].MessageIDs)
	assert.Equal(t, []string{"conv-mail-1", "conv-mail-2", "conv-wa"}, temporal[0].ConversationIDs)

	content := groupsBy(summary.Groups, StrategyContent)
	require.Len(t, content, 1)
	assert.ElementsMatch(t, []string{"m1", "m2"}, content[0].MessageIDs)

	subject := groupsBy(summary.Groups, StrategySubject)
	require.Len(t, subject, 1)
	assert.Equal(t, 0.7, subject[0].Confidence)
	assert.Equal(t, []string{"conv-mail-1", "conv-mail-2"}, subject[0].ConversationIDs)

	wa, err := f.store.Conversations().GetByID(ctx, f.tc, "conv-wa")
	require.NoError(t, err)
	tags, ok := wa.Metadata["thread_groups"].([]any)
	require.True(t, ok)
	assert.Len(t, tags, 2)
	assert.Equal(t, "rec-1", wa.Metadata["threading_record_id"])
	assert.NotEmpty(t, wa.Metadata["threading_computed_at"])
}

func TestCreateUnifiedThread_CacheAndForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateUnifiedThread(ctx, f.tc, ThreadInput{RecordID: "rec-1"})
	require.NoError(t, err)

	cached, err := f.svc.CreateUnifiedThread(ctx, f.tc, ThreadInput{RecordID: "rec-1"})
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Len(t, cached.Groups, len(first.Groups))
	assert.Equal(t, first.StrategyCounts, cached.StrategyCounts)

	forced, err := f.svc.CreateUnifiedThread(ctx, f.tc, ThreadInput{RecordID: "rec-1", ForceRethread: true})
	require.NoError(t, err)
	assert.False(t, forced.Cached)

	ids := func(gs []ThreadGroup) []string {
		var out []string
		for _, g := range gs {
			out = append(out, g.ID)
		}
		return out
	}
	assert.ElementsMatch(t, ids(first.Groups), ids(forced.Groups))
}

func TestCreateUnifiedThread_UnknownRecord(t *testing.T) {
	f := newFixture(t)

	summary, err := f.svc.CreateUnifiedThread(context.Background(), f.tc, ThreadInput{RecordID: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, summary.Conversations)
	assert.Empty(t, summary.Groups)
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Proposal", "proposal"},
		{"RE: Proposal", "proposal"},
		{"Re: Fwd: RE:  Q3   Proposal ", "q3 proposal"},
		{"AW: Angebot", "angebot"},
		{"Re[2]: Angebot", "angebot"},
		{"FW: ", ""},
		{"Regarding the proposal", "regarding the proposal"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.in))
		})
	}
}

func TestGroupID_Deterministic(t *testing.T) {
	assert.Equal(t, GroupID("rec-1", StrategySubject, "proposal"), GroupID("rec-1", StrategySubject, "proposal"))
	assert.NotEqual(t, GroupID("rec-1", StrategySubject, "proposal"), GroupID("rec-2", StrategySubject, "proposal"))
}

func TestQuotedText(t *testing.T) {
	body := "Thanks!\n\nOn Mon, 2 Mar 2026 at 09:00, Jane <jane@acme.io> wrote:\n> Please find the proposal\n> attached for review"
	assert.Equal(t, "please find the proposal attached for review", squash(quotedText(body)))
	assert.Equal(t, "thanks!", squash(unquoted(body)))
}
