package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	pservice "github.com/vadim/unified-comms/internal/domain/participant/service"
	"github.com/vadim/unified-comms/internal/domain/sync/orchestrator"
	tservice "github.com/vadim/unified-comms/internal/domain/threading/service"
	"github.com/vadim/unified-comms/internal/domain/webhook"
	"github.com/vadim/unified-comms/internal/tenant"
)

type fakeDispatcher struct {
	eventType string
	payload   normalize.Payload
	result    webhook.Result
}

func (f *fakeDispatcher) ProcessWebhook(_ context.Context, eventType string, payload normalize.Payload) webhook.Result {
	f.eventType = eventType
	f.payload = payload
	return f.result
}

func newRouter(register func(r chi.Router)) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/api/v1", register)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_EventTypeFromPath(t *testing.T) {
	d := &fakeDispatcher{result: webhook.Result{Success: true, Created: true, MessageID: "m-1"}}
	router := newRouter(NewWebhookHandler(d).RegisterRoutes)

	rec := do(t, router, http.MethodPost, "/api/v1/webhooks/message_received", `{"account_id":"acc-1","message_id":"x"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "message_received", d.eventType)
	assert.Equal(t, "acc-1", d.payload.String("account_id"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "m-1", body["message_id"])
}

func TestWebhook_LargeNumericIDsStayExact(t *testing.T) {
	d := &fakeDispatcher{result: webhook.Result{Success: true}}
	router := newRouter(NewWebhookHandler(d).RegisterRoutes)

	rec := do(t, router, http.MethodPost, "/api/v1/webhooks/message_received", `{"account_id":"acc-1","message_id":9007199254740993}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9007199254740993", d.payload.String("message_id"))
}

func TestWebhook_EventTypeFromBody(t *testing.T) {
	d := &fakeDispatcher{result: webhook.Result{Success: true}}
	router := newRouter(NewWebhookHandler(d).RegisterRoutes)

	rec := do(t, router, http.MethodPost, "/api/v1/webhooks", `{"event":"mail_received","account_id":"acc-1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, d.eventType)
	assert.Equal(t, "mail_received", d.payload.String("event"))
}

func TestWebhook_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		result webhook.Result
		want   int
	}{
		{"processed", webhook.Result{Success: true}, http.StatusOK},
		{"ignored", webhook.Result{Success: true, Note: webhook.NoteNotProcessed}, http.StatusOK},
		{"invalid", webhook.Result{Error: "bad", Failure: webhook.FailureInvalid}, http.StatusBadRequest},
		{"unroutable", webhook.Result{Error: "no tenant", Failure: webhook.FailureUnroutable}, http.StatusUnprocessableEntity},
		{"internal", webhook.Result{Error: "internal error", Failure: webhook.FailureInternal}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(NewWebhookHandler(&fakeDispatcher{result: tt.result}).RegisterRoutes)
			rec := do(t, router, http.MethodPost, "/api/v1/webhooks/message_received", `{}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "goroutine")
		})
	}
}

func TestWebhook_MalformedBody(t *testing.T) {
	d := &fakeDispatcher{result: webhook.Result{Success: true}}
	router := newRouter(NewWebhookHandler(d).RegisterRoutes)

	for _, body := range []string{`{not json`, ``, `null`, `[1,2]`} {
		rec := do(t, router, http.MethodPost, "/api/v1/webhooks/message_received", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Nil(t, d.payload)
}

type recordingSwitcher struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSwitcher) Enter(_ context.Context, schema string) (tenant.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "enter:"+schema)
	return tenant.Context{Schema: schema}, nil
}

func (s *recordingSwitcher) Exit(_ context.Context, tc tenant.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "exit:"+tc.Schema)
	return nil
}

type fakeTenantOps struct {
	schema  string
	thread  tservice.ThreadInput
	batch   pservice.BatchInput
	history orchestrator.HistoryInput
	err     error
}

func (f *fakeTenantOps) CreateUnifiedThread(_ context.Context, tc tenant.Context, in tservice.ThreadInput) (*tservice.Summary, error) {
	f.schema, f.thread = tc.Schema, in
	if f.err != nil {
		return nil, f.err
	}
	return &tservice.Summary{RecordID: in.RecordID, Conversations: 2}, nil
}

func (f *fakeTenantOps) ResolveBatch(_ context.Context, tc tenant.Context, in pservice.BatchInput) (*pservice.BatchOutput, error) {
	f.schema, f.batch = tc.Schema, in
	if f.err != nil {
		return nil, f.err
	}
	return &pservice.BatchOutput{Total: len(in.ParticipantIDs), Resolved: 1}, nil
}

func (f *fakeTenantOps) SyncContactHistory(_ context.Context, tc tenant.Context, in orchestrator.HistoryInput) (*orchestrator.HistoryOutput, error) {
	f.schema, f.history = tc.Schema, in
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.HistoryOutput{SyncJobID: "job-1", Status: "completed", Messages: 3}, nil
}

func newTenantRouter(ops *fakeTenantOps, sw *recordingSwitcher) *chi.Mux {
	return newRouter(NewTenantHandler(sw, ops, ops, ops).RegisterRoutes)
}

func TestTenant_Thread(t *testing.T) {
	ops := &fakeTenantOps{}
	sw := &recordingSwitcher{}
	router := newTenantRouter(ops, sw)

	rec := do(t, router, http.MethodPost, "/api/v1/tenants/tenant_a/records/rec-1/threads?force=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant_a", ops.schema)
	assert.Equal(t, tservice.ThreadInput{RecordID: "rec-1", ForceRethread: true}, ops.thread)
	assert.Equal(t, []string{"enter:tenant_a", "exit:tenant_a"}, sw.calls)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rec-1", body["record_id"])
}

func TestTenant_ResolveParticipants(t *testing.T) {
	ops := &fakeTenantOps{}
	router := newTenantRouter(ops, &recordingSwitcher{})

	rec := do(t, router, http.MethodPost, "/api/v1/tenants/tenant_b/participants/resolve",
		`{"participant_ids":["p-1","p-2"],"concurrency":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p-1", "p-2"}, ops.batch.ParticipantIDs)
	assert.Equal(t, 3, ops.batch.Concurrency)

	// an empty body resolves the unresolved backlog
	rec = do(t, router, http.MethodPost, "/api/v1/tenants/tenant_b/participants/resolve", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ops.batch.ParticipantIDs)
}

func TestTenant_SyncHistory(t *testing.T) {
	ops := &fakeTenantOps{}
	router := newTenantRouter(ops, &recordingSwitcher{})

	rec := do(t, router, http.MethodPost, "/api/v1/tenants/tenant_a/contacts/rec-9/history-sync", `{"user_id":"user-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.HistoryInput{UserID: "user-1", RecordID: "rec-9"}, ops.history)

	rec = do(t, router, http.MethodPost, "/api/v1/tenants/tenant_a/contacts/rec-9/history-sync", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenant_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{entity.ErrParticipantNotFound, http.StatusNotFound},
		{entity.ErrInvalidPayload, http.StatusBadRequest},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ops := &fakeTenantOps{err: tt.err}
			router := newTenantRouter(ops, &recordingSwitcher{})
			rec := do(t, router, http.MethodPost, "/api/v1/tenants/tenant_a/contacts/rec-9/history-sync", `{"user_id":"u"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "connection refused")
		})
	}
}

type fakeRelay struct{ group string }

func (f *fakeRelay) Serve(w http.ResponseWriter, _ *http.Request, group string) {
	f.group = group
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func TestRealtime_ChannelName(t *testing.T) {
	relay := &fakeRelay{}
	r := chi.NewRouter()
	NewRealtimeHandler(relay).RegisterRoutes(r)

	rec := do(t, r, http.MethodGet, "/ws/channels/sync_progress_user_user-1", "")
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	assert.Equal(t, "sync_progress_user_user-1", relay.group)

	rec = do(t, r, http.MethodGet, "/ws/channels/bad%20name", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwagger(t *testing.T) {
	r := chi.NewRouter()
	NewSwaggerHandler("Unified Communications API").RegisterRoutes(r)

	rec := do(t, r, http.MethodGet, "/docs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/docs/openapi.yaml")

	rec = do(t, r, http.MethodGet, "/docs/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/v1/webhooks/{eventType}")
}
