package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/domain/sync/broadcaster"
	"github.com/vadim/unified-comms/internal/domain/webhook"
	"github.com/vadim/unified-comms/internal/httpx/upstream/gateway"
	"github.com/vadim/unified-comms/internal/tenant"
)

var tc = tenant.Context{Schema: "tenant_a"}

type fakeGateway struct {
	mu        sync.Mutex
	chats     map[string][]map[string]any // by account id
	messages  map[string][]map[string]any // by chat id
	failOn    map[string]error            // by account id
	attendees []string
}

func (g *fakeGateway) GetConversations(_ context.Context, in gateway.GetConversationsInput) (*gateway.Page, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attendees = append(g.attendees, in.AttendeeID)
	if err := g.failOn[in.AccountID]; err != nil {
		return nil, err
	}
	return &gateway.Page{Items: g.chats[in.AccountID]}, nil
}

func (g *fakeGateway) GetMessages(_ context.Context, in gateway.GetMessagesInput) (*gateway.Page, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gateway.Page{Items: g.messages[in.ChatID]}, nil
}

func (g *fakeGateway) seenAttendees() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]string(nil), g.attendees...)
	sort.Strings(out)
	return out
}

type fakeIngester struct {
	mu       sync.Mutex
	seen     map[string]bool
	payloads []normalize.Payload
}

func (f *fakeIngester) ProcessInTenant(_ context.Context, _ tenant.Context, _ *entity.UserChannelConnection, _ string, p normalize.Payload) webhook.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.payloads = append(f.payloads, p)
	id := p.String("id")
	if f.seen[id] {
		return webhook.Result{Success: true, Duplicate: true}
	}
	f.seen[id] = true
	return webhook.Result{Success: true, Created: true, MessageID: id}
}

type fakeProgress struct {
	mu          sync.Mutex
	progress    []broadcaster.ProgressInput
	completions []broadcaster.CompletionInput
}

func (f *fakeProgress) BroadcastProgress(_ context.Context, in broadcaster.ProgressInput) broadcaster.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, in)
	return broadcaster.Output{Sent: 1}
}

func (f *fakeProgress) BroadcastCompletion(_ context.Context, in broadcaster.CompletionInput) broadcaster.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, in)
	return broadcaster.Output{Sent: 1}
}

type fixture struct {
	store    *dao.MemoryStore
	gateway  *fakeGateway
	ingester *fakeIngester
	progress *fakeProgress
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := dao.NewMemoryStore()
	store.AddTenant("t1", "tenant_a")
	for _, c := range []entity.UserChannelConnection{
		{ID: "conn-wa", UserID: "user-1", ExternalAccountID: "acc-wa", ChannelType: entity.ChannelTypeWhatsApp, AuthStatus: entity.AuthStatusAuthenticated, IsActive: true},
		{ID: "conn-gmail", UserID: "user-1", ExternalAccountID: "acc-gmail", ChannelType: entity.ChannelTypeGmail, AuthStatus: entity.AuthStatusAuthenticated, IsActive: true},
		{ID: "conn-li", UserID: "user-1", ExternalAccountID: "acc-li", ChannelType: entity.ChannelTypeLinkedIn, AuthStatus: entity.AuthStatusDisconnected, IsActive: true},
	} {
		store.AddConnection("tenant_a", c)
	}

	record := "rec-1"
	require.NoError(t, store.Participants().Create(context.Background(), tc, &entity.Participant{
		ID:                "p-1",
		Email:             "bob@example.com",
		Phone:             "+27820000000",
		LinkedInMemberURN: "urn:li:member:1",
		ContactRecordID:   &record,
	}))

	gw := &fakeGateway{
		chats: map[string][]map[string]any{
			"acc-wa":    {{"id": "chat-wa", "attendees": []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}}}},
			"acc-gmail": {{"id": "thread-1"}},
		},
		messages: map[string][]map[string]any{
			"chat-wa":  {{"id": "m-1", "text": "hi"}, {"id": "m-2", "text": "there"}},
			"thread-1": {{"id": "e-1", "subject": "Quote"}},
		},
		failOn: map[string]error{},
	}
	ing := &fakeIngester{}
	prog := &fakeProgress{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		store:    store,
		gateway:  gw,
		ingester: ing,
		progress: prog,
		orch:     New(store.Connections(), store.Participants(), store.SyncJobs(), gw, ing, prog, Config{}, logger),
	}
}

func TestSyncContactHistory_AllChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.orch.SyncContactHistory(ctx, tc, HistoryInput{UserID: "user-1", RecordID: "rec-1", TaskID: "task-1"})
	require.NoError(t, err)

	assert.Equal(t, string(entity.SyncJobCompleted), out.Status)
	assert.Equal(t, 2, out.Conversations)
	assert.Equal(t, 3, out.Messages)
	assert.Equal(t, 3, out.Attendees)
	assert.Equal(t, 2, out.Succeeded)
	assert.Zero(t, out.Failed)
	require.Len(t, out.Channels, 3)

	byConn := map[string]ChannelResult{}
	for _, r := range out.Channels {
		byConn[r.ConnectionID] = r
	}
	assert.True(t, byConn["conn-li"].Skipped)
	assert.Equal(t, 2, byConn["conn-wa"].Messages)
	assert.Equal(t, 1, byConn["conn-gmail"].Messages)

	assert.Equal(t, []string{"27820000000@s.whatsapp.net", "bob@example.com"}, f.gateway.seenAttendees())

	for _, p := range f.ingester.payloads {
		assert.NotEmpty(t, p.String("chat_id"))
		assert.NotEmpty(t, p.String("account_id"))
	}

	job, err := f.store.SyncJobs().GetByID(ctx, tc, out.SyncJobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, entity.SyncJobCompleted, job.Status)
	assert.Equal(t, entity.SyncJobContactHistory, job.JobType)
	assert.Equal(t, 3, job.Progress.MessagesProcessed)
	assert.NotNil(t, job.CompletedAt)

	assert.Len(t, f.progress.progress, 2)
	require.Len(t, f.progress.completions, 1)
	assert.Equal(t, "task-1", f.progress.completions[0].TaskID)
	assert.Equal(t, 3, f.progress.completions[0].Progress.MessagesProcessed)
}

func TestSyncContactHistory_RerunCountsOnlyNewMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := HistoryInput{UserID: "user-1", ParticipantID: "p-1"}

	_, err := f.orch.SyncContactHistory(ctx, tc, in)
	require.NoError(t, err)
	out, err := f.orch.SyncContactHistory(ctx, tc, in)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Conversations)
	assert.Zero(t, out.Messages)
}

func TestSyncContactHistory_ChannelFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.gateway.failOn["acc-gmail"] = errors.New("gateway timeout")

	out, err := f.orch.SyncContactHistory(context.Background(), tc, HistoryInput{UserID: "user-1", RecordID: "rec-1"})
	require.NoError(t, err)

	assert.Equal(t, string(entity.SyncJobCompleted), out.Status)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Messages)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "gateway timeout")
}

func TestSyncContactHistory_EveryChannelFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.failOn["acc-gmail"] = errors.New("gateway timeout")
	f.gateway.failOn["acc-wa"] = errors.New("account suspended")

	out, err := f.orch.SyncContactHistory(ctx, tc, HistoryInput{UserID: "user-1", RecordID: "rec-1"})
	require.NoError(t, err)

	assert.Equal(t, string(entity.SyncJobFailed), out.Status)
	job, err := f.store.SyncJobs().GetByID(ctx, tc, out.SyncJobID)
	require.NoError(t, err)
	assert.Equal(t, entity.SyncJobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "account suspended")
	require.Len(t, f.progress.completions, 1)
	assert.Equal(t, entity.SyncJobFailed, f.progress.completions[0].Status)
}

func TestSyncContactHistory_BadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.SyncContactHistory(ctx, tc, HistoryInput{RecordID: "rec-1"})
	assert.ErrorIs(t, err, entity.ErrInvalidPayload)

	_, err = f.orch.SyncContactHistory(ctx, tc, HistoryInput{UserID: "user-1"})
	assert.ErrorIs(t, err, entity.ErrInvalidPayload)

	_, err = f.orch.SyncContactHistory(ctx, tc, HistoryInput{UserID: "user-1", ParticipantID: "missing"})
	assert.ErrorIs(t, err, entity.ErrParticipantNotFound)

	_, err = f.orch.SyncContactHistory(ctx, tc, HistoryInput{UserID: "user-1", RecordID: "rec-unknown"})
	assert.ErrorIs(t, err, entity.ErrParticipantNotFound)
}

func TestAttendeeID(t *testing.T) {
	p := entity.Participant{
		Email:             "bob@example.com",
		Phone:             "+27820000000",
		LinkedInMemberURN: "urn:li:member:1",
		TelegramID:        "tg-9",
	}

	tests := []struct {
		channel entity.ChannelType
		want    string
	}{
		{entity.ChannelTypeGmail, "bob@example.com"},
		{entity.ChannelTypeOutlook, "bob@example.com"},
		{entity.ChannelTypeWhatsApp, "27820000000@s.whatsapp.net"},
		{entity.ChannelTypeLinkedIn, "urn:li:member:1"},
		{entity.ChannelTypeTelegram, "tg-9"},
		{entity.ChannelTypeInstagram, ""},
		{entity.ChannelType("fax"), ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			assert.Equal(t, tt.want, AttendeeID(p, tt.channel))
		})
	}

	assert.Empty(t, AttendeeID(entity.Participant{}, entity.ChannelTypeWhatsApp))
}
