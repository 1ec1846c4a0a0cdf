package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

// pinnedSession stands in for an acquired connection and records how many
// statements were running on it at once
type pinnedSession struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *pinnedSession) use() func() {
	n := s.inFlight.Add(1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return func() { s.inFlight.Add(-1) }
}

func (s *pinnedSession) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	defer s.use()()
	return pgconn.CommandTag{}, nil
}

func (s *pinnedSession) Query(context.Context, string, ...any) (pgx.Rows, error) {
	defer s.use()()
	return nil, errors.New("not supported")
}

func (s *pinnedSession) QueryRow(context.Context, string, ...any) pgx.Row {
	defer s.use()()
	return noRow{}
}

func (s *pinnedSession) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not supported")
}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

type sessionPool struct {
	mu       sync.Mutex
	sessions []*pinnedSession
	released int
}

func (p *sessionPool) Enter(_ context.Context, schema string) (tenant.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &pinnedSession{}
	p.sessions = append(p.sessions, s)
	return tenant.Context{Schema: schema, DB: s}, nil
}

func (p *sessionPool) Exit(context.Context, tenant.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func TestResolveBatch_WorkersUseTheirOwnSession(t *testing.T) {
	store := dao.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(dao.NewParticipantPostgres(nil), store.Conversations(), store.Messages(), &fakeResolver{}, nil, DefaultMinConfidence, logger)

	pool := &sessionPool{}
	var out *BatchOutput
	err := tenant.Run(context.Background(), pool, "tenant_a", func(tc tenant.Context) error {
		var err error
		out, err = svc.ResolveBatch(context.Background(), tc, BatchInput{
			ParticipantIDs: []string{"p-1", "p-2", "p-3", "p-4", "p-5"},
			Concurrency:    5,
		})
		return err
	})
	require.NoError(t, err)

	// the rows do not exist, so every participant fails to load
	assert.Equal(t, 5, out.Failed)
	require.Len(t, out.Errors, 5)
	assert.Contains(t, out.Errors[0], entity.ErrParticipantNotFound.Error())

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Len(t, pool.sessions, 6)
	assert.Equal(t, len(pool.sessions), pool.released)
	for i, s := range pool.sessions {
		assert.LessOrEqual(t, s.maxSeen.Load(), int32(1), "session %d", i)
	}
}

// slowLookup widens the gap between finding and creating a participant
type slowLookup struct {
	*dao.ParticipantMemory
}

func (r slowLookup) FindByIdentifiers(ctx context.Context, tc tenant.Context, ids entity.Identifiers) (*entity.Participant, error) {
	p, err := r.ParticipantMemory.FindByIdentifiers(ctx, tc, ids)
	time.Sleep(10 * time.Millisecond)
	return p, err
}

func TestResolveOrCreate_ConcurrentSightingsShareOneParticipant(t *testing.T) {
	store := dao.NewMemoryStore()
	store.AddTenant("t1", "tenant_a")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(slowLookup{store.Participants()}, store.Conversations(), store.Messages(), &fakeResolver{}, nil, DefaultMinConfidence, logger)
	tc := tenant.Context{Schema: "tenant_a"}

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.ResolveOrCreate(context.Background(), tc, ResolveInput{
				Identifiers: entity.Identifiers{Phone: "+27820000000"},
			})
			if assert.NoError(t, err) {
				ids[i] = out.Participant.ID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.Participants().Count(tc))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestIdentifierKeys(t *testing.T) {
	ids := entity.Identifiers{Phone: "+1555", Email: "a@b.com", Name: "ignored"}
	assert.Equal(t, []string{"email:a@b.com", "phone:+1555"}, ids.Keys())
	assert.Empty(t, entity.Identifiers{Name: "x"}.Keys())
}
