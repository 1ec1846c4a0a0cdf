// Package broadcaster fans sync progress out to realtime subscribers.
package broadcaster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
)

// Message types
const (
	TypeProgress  = "sync_progress_update"
	TypeCompleted = "sync_completed"
)

// ChannelLayer delivers realtime messages to named groups
type ChannelLayer interface {
	GroupSend(ctx context.Context, group string, message map[string]any) error
}

// ProgressInput is one progress report of a sync job
type ProgressInput struct {
	SyncJobID string
	TaskID    string
	UserID    string
	Progress  entity.SyncJobProgress
	// Force sends even when the counters did not change
	Force bool
}

// CompletionInput is the final report of a sync job
type CompletionInput struct {
	SyncJobID string
	TaskID    string
	UserID    string
	Status    entity.SyncJobStatus
	Error     string
	Progress  entity.SyncJobProgress
}

// Output reports a fan-out
type Output struct {
	Skipped bool
	Sent    int
	Failed  []string
}

// Broadcaster sends sync progress to every subscriber channel of a job
type Broadcaster struct {
	layer  ChannelLayer
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]entity.SyncJobProgress
}

// New creates a new broadcaster
func New(layer ChannelLayer, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		layer:  layer,
		logger: logger,
		last:   make(map[string]entity.SyncJobProgress),
	}
}

// BroadcastProgress sends progress unless the job's counters are unchanged
// since its last broadcast
func (b *Broadcaster) BroadcastProgress(ctx context.Context, in ProgressInput) Output {
	key := in.SyncJobID
	if key == "" {
		key = in.TaskID
	}

	b.mu.Lock()
	prev, seen := b.last[key]
	if seen && !in.Force && prev.SameCounts(in.Progress) {
		b.mu.Unlock()
		return Output{Skipped: true}
	}
	b.last[key] = in.Progress
	b.mu.Unlock()

	message := map[string]any{
		"type":        TypeProgress,
		"sync_job_id": in.SyncJobID,
		"task_id":     in.TaskID,
		"user_id":     in.UserID,
		"provider":    in.Progress.Provider,
		"phase":       in.Progress.Phase,
		"progress": map[string]any{
			"conversations_processed": in.Progress.ConversationsProcessed,
			"messages_processed":      in.Progress.MessagesProcessed,
			"attendees_processed":     in.Progress.AttendeesProcessed,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return b.fanOut(ctx, Channels(in.SyncJobID, in.TaskID, in.UserID, in.Progress.Provider), message)
}

// BroadcastCompletion sends the final state of a job and forgets its counters
func (b *Broadcaster) BroadcastCompletion(ctx context.Context, in CompletionInput) Output {
	b.mu.Lock()
	delete(b.last, in.SyncJobID)
	delete(b.last, in.TaskID)
	b.mu.Unlock()

	message := map[string]any{
		"type":        TypeCompleted,
		"sync_job_id": in.SyncJobID,
		"task_id":     in.TaskID,
		"user_id":     in.UserID,
		"status":      string(in.Status),
		"provider":    in.Progress.Provider,
		"progress": map[string]any{
			"conversations_processed": in.Progress.ConversationsProcessed,
			"messages_processed":      in.Progress.MessagesProcessed,
			"attendees_processed":     in.Progress.AttendeesProcessed,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if in.Error != "" {
		message["error"] = in.Error
	}
	return b.fanOut(ctx, Channels(in.SyncJobID, in.TaskID, in.UserID, in.Progress.Provider), message)
}

// Channels returns the subscriber channels of a job: per task, per user,
// per job and per provider and user
func Channels(syncJobID, taskID, userID, provider string) []string {
	var out []string
	if taskID != "" {
		out = append(out, "sync_progress_"+taskID)
	}
	if userID != "" {
		out = append(out, "sync_progress_user_"+userID)
	}
	if syncJobID != "" {
		out = append(out, "sync_job_"+syncJobID)
	}
	if provider != "" && userID != "" {
		out = append(out, "sync_"+provider+"_"+userID)
	}
	return out
}

// fanOut sends to all channels at once; a failed channel never blocks the others
func (b *Broadcaster) fanOut(ctx context.Context, channels []string, message map[string]any) Output {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out Output
	)
	for _, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.layer.GroupSend(ctx, ch, message)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Warn("sync broadcast failed", "channel", ch, "type", message["type"], "error", err)
				out.Failed = append(out.Failed, ch)
				return
			}
			out.Sent++
		}()
	}
	wg.Wait()
	return out
}
