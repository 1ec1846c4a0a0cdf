package broadcaster

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

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
)

type recordingLayer struct {
	mu     sync.Mutex
	groups []string
	types  []any
	failOn string
}

func (l *recordingLayer) GroupSend(_ context.Context, group string, message map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if group == l.failOn {
		return errors.New("redis unavailable")
	}
	l.groups = append(l.groups, group)
	l.types = append(l.types, message["type"])
	return nil
}

func (l *recordingLayer) sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]string(nil), l.groups...)
	sort.Strings(out)
	return out
}

func newBroadcaster(layer *recordingLayer) *Broadcaster {
	return New(layer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func progress(conversations, messages, attendees int) entity.SyncJobProgress {
	return entity.SyncJobProgress{
		Provider:               "whatsapp",
		ConversationsProcessed: conversations,
		MessagesProcessed:      messages,
		AttendeesProcessed:     attendees,
	}
}

func TestBroadcastProgress_FansOutToEveryChannel(t *testing.T) {
	layer := &recordingLayer{}
	b := newBroadcaster(layer)

	out := b.BroadcastProgress(context.Background(), ProgressInput{
		SyncJobID: "job-1",
		TaskID:    "task-1",
		UserID:    "user-1",
		Progress:  progress(1, 10, 2),
	})

	assert.False(t, out.Skipped)
	assert.Equal(t, 4, out.Sent)
	assert.Equal(t, []string{
		"sync_job_job-1",
		"sync_progress_task-1",
		"sync_progress_user_user-1",
		"sync_whatsapp_user-1",
	}, layer.sent())
	for _, typ := range layer.types {
		assert.Equal(t, TypeProgress, typ)
	}
}

func TestBroadcastProgress_Throttling(t *testing.T) {
	ctx := context.Background()
	in := ProgressInput{SyncJobID: "job-1", TaskID: "task-1", UserID: "user-1", Progress: progress(1, 10, 2)}

	t.Run("identical counts send nothing", func(t *testing.T) {
		layer := &recordingLayer{}
		b := newBroadcaster(layer)
		b.BroadcastProgress(ctx, in)
		before := len(layer.sent())

		out := b.BroadcastProgress(ctx, in)

		assert.True(t, out.Skipped)
		assert.Len(t, layer.sent(), before)
	})

	t.Run("phase change alone is not progress", func(t *testing.T) {
		layer := &recordingLayer{}
		b := newBroadcaster(layer)
		b.BroadcastProgress(ctx, in)

		next := in
		next.Progress.Phase = "messages"
		assert.True(t, b.BroadcastProgress(ctx, next).Skipped)
	})

	t.Run("force resends", func(t *testing.T) {
		layer := &recordingLayer{}
		b := newBroadcaster(layer)
		b.BroadcastProgress(ctx, in)

		forced := in
		forced.Force = true
		out := b.BroadcastProgress(ctx, forced)

		assert.False(t, out.Skipped)
		assert.Len(t, layer.sent(), 8)
	})

	for _, tt := range []struct {
		name string
		next entity.SyncJobProgress
	}{
		{"conversations", progress(2, 10, 2)},
		{"messages", progress(1, 11, 2)},
		{"attendees", progress(1, 10, 3)},
	} {
		t.Run("changed "+tt.name+" sends once per channel", func(t *testing.T) {
			layer := &recordingLayer{}
			b := newBroadcaster(layer)
			b.BroadcastProgress(ctx, in)

			next := in
			next.Progress = tt.next
			out := b.BroadcastProgress(ctx, next)

			assert.Equal(t, 4, out.Sent)
			assert.Len(t, layer.sent(), 8)
		})
	}

	t.Run("jobs are throttled independently", func(t *testing.T) {
		layer := &recordingLayer{}
		b := newBroadcaster(layer)
		b.BroadcastProgress(ctx, in)

		other := in
		other.SyncJobID = "job-2"
		assert.False(t, b.BroadcastProgress(ctx, other).Skipped)
	})
}

func TestBroadcastProgress_ChannelFailureIsIsolated(t *testing.T) {
	layer := &recordingLayer{failOn: "sync_progress_user_user-1"}
	b := newBroadcaster(layer)

	out := b.BroadcastProgress(context.Background(), ProgressInput{
		SyncJobID: "job-1",
		TaskID:    "task-1",
		UserID:    "user-1",
		Progress:  progress(1, 1, 1),
	})

	assert.Equal(t, 3, out.Sent)
	assert.Equal(t, []string{"sync_progress_user_user-1"}, out.Failed)
	assert.Equal(t, []string{"sync_job_job-1", "sync_progress_task-1", "sync_whatsapp_user-1"}, layer.sent())
}

func TestBroadcastCompletion(t *testing.T) {
	layer := &recordingLayer{}
	b := newBroadcaster(layer)
	ctx := context.Background()
	in := ProgressInput{SyncJobID: "job-1", UserID: "user-1", Progress: progress(3, 30, 3)}
	b.BroadcastProgress(ctx, in)

	out := b.BroadcastCompletion(ctx, CompletionInput{
		SyncJobID: "job-1",
		UserID:    "user-1",
		Status:    entity.SyncJobCompleted,
		Progress:  progress(3, 30, 3),
	})
	require.Equal(t, 3, out.Sent)
	assert.Equal(t, TypeCompleted, layer.types[len(layer.types)-1])

	// counters are forgotten, so a rerun of the job reports again
	assert.False(t, b.BroadcastProgress(ctx, in).Skipped)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, []string{"sync_job_j"}, Channels("j", "", "", "gmail"))
	assert.Equal(t, []string{"sync_progress_t", "sync_progress_user_u", "sync_gmail_u"}, Channels("", "t", "u", "gmail"))
	assert.Empty(t, Channels("", "", "", ""))
}
