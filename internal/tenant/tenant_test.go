package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSwitcher struct {
	mu       sync.Mutex
	calls    []string
	enterErr error
}

func (s *recordingSwitcher) Enter(_ context.Context, schema string) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "enter:"+schema)
	if s.enterErr != nil {
		return Context{}, s.enterErr
	}
	return Context{Schema: schema}, nil
}

func (s *recordingSwitcher) Exit(_ context.Context, tc Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "exit:"+tc.Schema)
	return nil
}

func TestRun(t *testing.T) {
	t.Run("pairs enter and exit on success", func(t *testing.T) {
		sw := &recordingSwitcher{}
		var seen string

		err := Run(context.Background(), sw, "tenant_a", func(tc Context) error {
			seen = tc.Schema
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, "tenant_a", seen)
		assert.Equal(t, []string{"enter:tenant_a", "exit:tenant_a"}, sw.calls)
	})

	t.Run("exits when callback fails", func(t *testing.T) {
		sw := &recordingSwitcher{}
		boom := errors.New("boom")

		err := Run(context.Background(), sw, "tenant_a", func(Context) error { return boom })

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"enter:tenant_a", "exit:tenant_a"}, sw.calls)
	})

	t.Run("exits when callback panics", func(t *testing.T) {
		sw := &recordingSwitcher{}

		assert.Panics(t, func() {
			_ = Run(context.Background(), sw, "tenant_a", func(Context) error { panic("handler bug") })
		})
		assert.Equal(t, []string{"enter:tenant_a", "exit:tenant_a"}, sw.calls)
	})

	t.Run("restores public schema when enter fails", func(t *testing.T) {
		sw := &recordingSwitcher{enterErr: errors.New("no such schema")}
		called := false

		err := Run(context.Background(), sw, "tenant_x", func(Context) error {
			called = true
			return nil
		})

		require.Error(t, err)
		assert.False(t, called)
		assert.Equal(t, []string{"enter:tenant_x", "exit:"}, sw.calls)
	})

	t.Run("rejects empty schema", func(t *testing.T) {
		sw := &recordingSwitcher{}
		err := Run(context.Background(), sw, "", func(Context) error { return nil })
		assert.ErrorIs(t, err, ErrEmptySchema)
		assert.Empty(t, sw.calls)
	})
}

type session struct{ id int }

func (session) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (session) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (session) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (session) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not supported") }

// sessionSwitcher hands out a distinct session per Enter
type sessionSwitcher struct {
	recordingSwitcher
	next int
}

func (s *sessionSwitcher) Enter(ctx context.Context, schema string) (Context, error) {
	if _, err := s.recordingSwitcher.Enter(ctx, schema); err != nil {
		return Context{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return Context{Schema: schema, DB: &session{id: s.next}}, nil
}

func TestContextFork(t *testing.T) {
	t.Run("opens a session of its own", func(t *testing.T) {
		sw := &sessionSwitcher{}

		err := Run(context.Background(), sw, "tenant_a", func(tc Context) error {
			return tc.Fork(context.Background(), func(child Context) error {
				assert.Equal(t, "tenant_a", child.Schema)
				assert.NotSame(t, tc.DB, child.DB)
				return nil
			})
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"enter:tenant_a", "enter:tenant_a", "exit:tenant_a", "exit:tenant_a"}, sw.calls)
	})

	t.Run("returns the callback error", func(t *testing.T) {
		sw := &sessionSwitcher{}
		boom := errors.New("boom")

		err := Run(context.Background(), sw, "tenant_a", func(tc Context) error {
			return tc.Fork(context.Background(), func(Context) error { return boom })
		})

		assert.ErrorIs(t, err, boom)
		assert.Len(t, sw.calls, 4)
	})

	t.Run("sessionless contexts are passed through", func(t *testing.T) {
		sw := &recordingSwitcher{}
		err := Run(context.Background(), sw, "tenant_a", func(tc Context) error {
			return tc.Fork(context.Background(), func(child Context) error {
				assert.Equal(t, tc, child)
				return nil
			})
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"enter:tenant_a", "exit:tenant_a"}, sw.calls)
	})

	t.Run("contexts built outside Run are passed through", func(t *testing.T) {
		tc := Context{Schema: "tenant_a", DB: &session{id: 1}}
		called := false
		err := tc.Fork(context.Background(), func(child Context) error {
			called = true
			assert.Same(t, tc.DB, child.DB)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, called)
	})
}
