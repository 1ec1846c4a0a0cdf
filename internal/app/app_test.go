package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/config"
	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/webhook"
	"github.com/vadim/unified-comms/internal/queue"
	"github.com/vadim/unified-comms/internal/tenant"
)

func tenantA() tenant.Context { return tenant.Context{Schema: "tenant_a"} }

func newTestApp(t *testing.T) (*App, *dao.MemoryStore) {
	t.Helper()

	a, err := NewApp(context.Background(), config.Config{Log: config.Log{Level: "error"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.closeInfrastructure() })

	store, ok := a.repos.tenants.(*dao.MemoryStore)
	require.True(t, ok, "app without DATABASE_URL runs on the memory store")

	store.AddTenant("t1", "tenant_a")
	store.AddConnection("tenant_a", entity.UserChannelConnection{
		ID:                "conn-wa",
		UserID:            "user-1",
		ExternalAccountID: "acc-wa",
		ChannelType:       entity.ChannelTypeWhatsApp,
		AuthStatus:        entity.AuthStatusAuthenticated,
		IsActive:          true,
	})
	return a, store
}

func call(t *testing.T, a *App, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestApp_Health(t *testing.T) {
	a, _ := newTestApp(t)

	rec, body := call(t, a, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = call(t, a, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestApp_Webhooks(t *testing.T) {
	a, store := newTestApp(t)

	message := `{
		"account_id": "acc-wa",
		"chat_id": "chat-1",
		"message_id": "wamid-1",
		"message": "hello",
		"sender": {"attendee_provider_id": "27820000000@s.whatsapp.net", "attendee_name": "Thabo"}
	}`

	t.Run("message of an unknown contact is acknowledged but not stored", func(t *testing.T) {
		rec, body := call(t, a, http.MethodPost, "/api/v1/webhooks/message_received", message)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, webhook.NoteNotStored, body["note"])
		assert.Equal(t, 1, store.Participants().Count(tenantA()))
	})

	t.Run("event type in the body", func(t *testing.T) {
		rec, body := call(t, a, http.MethodPost, "/api/v1/webhooks", `{"event":"account_connected","account_id":"acc-wa"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
	})

	t.Run("unknown account", func(t *testing.T) {
		rec, body := call(t, a, http.MethodPost, "/api/v1/webhooks/message_received", strings.Replace(message, "acc-wa", "acc-nobody", 1))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, false, body["success"])
	})

	t.Run("malformed body", func(t *testing.T) {
		rec, _ := call(t, a, http.MethodPost, "/api/v1/webhooks/message_received", `{"account_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestApp_TenantEndpoints(t *testing.T) {
	a, _ := newTestApp(t)

	rec, body := call(t, a, http.MethodPost, "/api/v1/tenants/tenant_a/records/rec-1/threads", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rec-1", body["record_id"])

	rec, body = call(t, a, http.MethodPost, "/api/v1/tenants/tenant_a/participants/resolve", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["total"])

	rec, _ = call(t, a, http.MethodPost, "/api/v1/tenants/tenant_a/contacts/rec-1/history-sync", `{"user_id":"user-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_TasksRunInline(t *testing.T) {
	a, _ := newTestApp(t)

	task, err := queue.NewTask(queue.TaskContactResolution, "tenant_a", queue.ContactResolutionData{
		MessageID:      "missing",
		ConversationID: "missing",
	})
	require.NoError(t, err)

	err = a.handleContactResolution(context.Background(), task)
	assert.ErrorIs(t, err, entity.ErrMessageNotFound)

	bad := task
	bad.Data = []byte(`{`)
	assert.ErrorIs(t, a.handleContactHistorySync(context.Background(), bad), queue.ErrPoison)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel(" warn ").String())
	assert.Equal(t, "INFO", parseLevel("verbose").String())
}
