package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/httpx/upstream/gateway"
	"github.com/vadim/unified-comms/internal/tenant"
)

type fakeSyncer struct {
	mu     sync.Mutex
	calls  []gateway.SyncHistoryInput
	failOn string
}

func (f *fakeSyncer) SyncHistory(_ context.Context, in gateway.SyncHistoryInput) (*gateway.SyncHistoryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if in.AccountID == f.failOn {
		return nil, errors.New("account not found upstream")
	}
	return &gateway.SyncHistoryOutput{Object: "AccountSync", Status: "accepted"}, nil
}

func (f *fakeSyncer) accounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.AccountID)
	}
	sort.Strings(out)
	return out
}

type recordingJobs struct {
	*dao.SyncJobMemory
	mu  sync.Mutex
	ids map[string]string // job id -> schema
}

func (r *recordingJobs) Create(ctx context.Context, tc tenant.Context, job *entity.SyncJob) error {
	r.mu.Lock()
	r.ids[job.ID] = tc.Schema
	r.mu.Unlock()
	return r.SyncJobMemory.Create(ctx, tc, job)
}

func (r *recordingJobs) all(t *testing.T) []*entity.SyncJob {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.SyncJob
	for id, schema := range r.ids {
		job, err := r.GetByID(context.Background(), tenant.Context{Schema: schema}, id)
		require.NoError(t, err)
		out = append(out, job)
	}
	return out
}

func newScheduler(t *testing.T, syncer *fakeSyncer) (*Scheduler, *dao.MemoryStore, *recordingJobs) {
	t.Helper()

	store := dao.NewMemoryStore()
	store.AddTenant("t1", "tenant_a")
	store.AddTenant("t2", "tenant_b")

	recent := time.Now().UTC().Add(-time.Hour)
	old := time.Now().UTC().Add(-48 * time.Hour)
	for schema, conns := range map[string][]entity.UserChannelConnection{
		"tenant_a": {
			{ID: "a-stale", UserID: "u1", ExternalAccountID: "acc-a1", ChannelType: entity.ChannelTypeWhatsApp, AuthStatus: entity.AuthStatusAuthenticated, IsActive: true, LastSyncAt: &old},
			{ID: "a-fresh", UserID: "u1", ExternalAccountID: "acc-a2", ChannelType: entity.ChannelTypeGmail, AuthStatus: entity.AuthStatusAuthenticated, IsActive: true, LastSyncAt: &recent},
			{ID: "a-down", UserID: "u1", ExternalAccountID: "acc-a3", ChannelType: entity.ChannelTypeLinkedIn, AuthStatus: entity.AuthStatusDisconnected, IsActive: true},
		},
		"tenant_b": {
			{ID: "b-never", UserID: "u2", ExternalAccountID: "acc-b1", ChannelType: entity.ChannelTypeOutlook, AuthStatus: entity.AuthStatusAuthenticated, IsActive: true},
		},
	} {
		for _, c := range conns {
			store.AddConnection(schema, c)
		}
	}

	jobs := &recordingJobs{SyncJobMemory: store.SyncJobs(), ids: map[string]string{}}
	s := New(store, tenant.StaticSwitcher{}, store.Connections(), jobs, syncer,
		Config{SyncAge: 6 * time.Hour, BatchSize: 10},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, store, jobs
}

func TestRunOnce_SyncsStaleConnectionsOfEveryTenant(t *testing.T) {
	syncer := &fakeSyncer{}
	s, store, jobs := newScheduler(t, syncer)
	ctx := context.Background()

	sum := s.RunOnce(ctx)

	assert.Equal(t, Summary{Tenants: 2, Synced: 2}, sum)
	assert.Equal(t, []string{"acc-a1", "acc-b1"}, syncer.accounts())

	conn, err := store.Connections().GetByID(ctx, tenant.Context{Schema: "tenant_b"}, "b-never")
	require.NoError(t, err)
	require.NotNil(t, conn.LastSyncAt)

	recorded := jobs.all(t)
	require.Len(t, recorded, 2)
	for _, job := range recorded {
		assert.Equal(t, entity.SyncJobAccountHistory, job.JobType)
		assert.Equal(t, entity.SyncJobCompleted, job.Status)
		assert.NotEmpty(t, job.ConnectionID)
	}

	// synced connections are no longer stale
	assert.Equal(t, Summary{Tenants: 2}, s.RunOnce(ctx))
}

func TestRunOnce_PassesLastSyncAsSince(t *testing.T) {
	syncer := &fakeSyncer{}
	s, _, _ := newScheduler(t, syncer)

	s.RunOnce(context.Background())

	for _, c := range syncer.calls {
		switch c.AccountID {
		case "acc-a1":
			assert.NotNil(t, c.Since)
		case "acc-b1":
			assert.Nil(t, c.Since)
		}
	}
}

func TestRunOnce_FailedRequestIsRetried(t *testing.T) {
	syncer := &fakeSyncer{failOn: "acc-a1"}
	s, store, jobs := newScheduler(t, syncer)
	ctx := context.Background()

	sum := s.RunOnce(ctx)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 1, sum.Failed)

	conn, err := store.Connections().GetByID(ctx, tenant.Context{Schema: "tenant_a"}, "a-stale")
	require.NoError(t, err)
	assert.Equal(t, entity.AuthStatusAuthenticated, conn.AuthStatus)

	var failed int
	for _, job := range jobs.all(t) {
		if job.Status == entity.SyncJobFailed {
			failed++
			assert.Contains(t, job.ErrorMessage, "account not found upstream")
		}
	}
	assert.Equal(t, 1, failed)

	syncer.failOn = ""
	assert.Equal(t, 1, s.RunOnce(ctx).Synced)
}

func TestStartStop(t *testing.T) {
	syncer := &fakeSyncer{}
	s, _, _ := newScheduler(t, syncer)
	s.startDelay = 10 * time.Millisecond

	s.Start(context.Background())
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return len(syncer.accounts()) == 2 }, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
