// Package orchestrator backfills a contact's history from every channel the
// user has connected.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/domain/sync/broadcaster"
	"github.com/vadim/unified-comms/internal/domain/webhook"
	"github.com/vadim/unified-comms/internal/httpx/upstream/gateway"
	"github.com/vadim/unified-comms/internal/queue"
	"github.com/vadim/unified-comms/internal/tenant"
)

const (
	DefaultConcurrency = 5
	defaultPageSize    = 50
	defaultMaxPages    = 10
	maxErrors          = 10
)

// Gateway lists provider conversations and messages
type Gateway interface {
	GetConversations(ctx context.Context, in gateway.GetConversationsInput) (*gateway.Page, error)
	GetMessages(ctx context.Context, in gateway.GetMessagesInput) (*gateway.Page, error)
}

// Ingester stores provider messages of a known connection
type Ingester interface {
	ProcessInTenant(ctx context.Context, tc tenant.Context, conn *entity.UserChannelConnection, eventType string, payload normalize.Payload) webhook.Result
}

// Progress reports sync progress to subscribers
type Progress interface {
	BroadcastProgress(ctx context.Context, in broadcaster.ProgressInput) broadcaster.Output
	BroadcastCompletion(ctx context.Context, in broadcaster.CompletionInput) broadcaster.Output
}

// Config holds orchestrator limits
type Config struct {
	Concurrency int
	PageSize    int
	MaxPages    int
}

// HistoryInput asks for one contact's history
type HistoryInput struct {
	UserID        string
	RecordID      string
	ParticipantID string
	TaskID        string
}

// ChannelResult is the outcome for one connection
type ChannelResult struct {
	ConnectionID  string             `json:"connection_id"`
	ChannelType   entity.ChannelType `json:"channel_type"`
	Conversations int                `json:"conversations"`
	Messages      int                `json:"messages"`
	Attendees     int                `json:"attendees"`
	Skipped       bool               `json:"skipped,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// HistoryOutput summarizes a backfill
type HistoryOutput struct {
	SyncJobID     string          `json:"sync_job_id"`
	Status        string          `json:"status"`
	Channels      []ChannelResult `json:"channels"`
	Conversations int             `json:"conversations"`
	Messages      int             `json:"messages"`
	Attendees     int             `json:"attendees"`
	Succeeded     int             `json:"succeeded"`
	Failed        int             `json:"failed"`
	Errors        []string        `json:"errors,omitempty"`
}

// Orchestrator runs contact history backfills
type Orchestrator struct {
	connections  dao.ConnectionRepository
	participants dao.ParticipantRepository
	jobs         dao.SyncJobRepository
	gateway      Gateway
	ingester     Ingester
	progress     Progress
	cfg          Config
	logger       *slog.Logger
}

// New creates a new orchestrator; progress may be nil
func New(
	connections dao.ConnectionRepository,
	participants dao.ParticipantRepository,
	jobs dao.SyncJobRepository,
	gw Gateway,
	ingester Ingester,
	progress Progress,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Orchestrator{
		connections:  connections,
		participants: participants,
		jobs:         jobs,
		gateway:      gw,
		ingester:     ingester,
		progress:     progress,
		cfg:          cfg,
		logger:       logger,
	}
}

// HandleTask runs a contact_history_sync task; the caller has entered tc
func (o *Orchestrator) HandleTask(ctx context.Context, tc tenant.Context, data queue.ContactHistorySyncData, taskID string) error {
	_, err := o.SyncContactHistory(ctx, tc, HistoryInput{
		UserID:        data.UserID,
		RecordID:      data.RecordID,
		ParticipantID: data.ParticipantID,
		TaskID:        taskID,
	})
	return err
}

// SyncContactHistory pulls the contact's conversations from every active
// connection of the user at once. A failing connection is reported in the
// summary and never stops the others.
func (o *Orchestrator) SyncContactHistory(ctx context.Context, tc tenant.Context, in HistoryInput) (*HistoryOutput, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: history sync without user", entity.ErrInvalidPayload)
	}

	identities, err := o.identities(ctx, tc, in)
	if err != nil {
		return nil, err
	}

	conns, err := o.connections.ListActiveByUser(ctx, tc, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}

	now := time.Now().UTC()
	job := &entity.SyncJob{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		JobType:   entity.SyncJobContactHistory,
		Status:    entity.SyncJobRunning,
		TaskID:    in.TaskID,
		StartedAt: &now,
		CreatedAt: now,
	}
	if err := o.jobs.Create(ctx, tc, job); err != nil {
		return nil, fmt.Errorf("creating sync job: %w", err)
	}

	o.logger.Info("contact history sync started",
		"schema", tc.Schema,
		"sync_job_id", job.ID,
		"record_id", in.RecordID,
		"connections", len(conns),
	)

	tracker := &progressTracker{o: o, job: job, userID: in.UserID}
	results := make([]ChannelResult, len(conns))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)
	for i := range conns {
		conn := conns[i]
		g.Go(func() error {
			err := tc.Fork(ctx, func(wtc tenant.Context) error {
				results[i] = o.syncConnection(ctx, wtc, &conn, identities, tracker)
				return nil
			})
			if err != nil {
				results[i] = ChannelResult{ConnectionID: conn.ID, ChannelType: conn.ChannelType, Error: err.Error()}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &HistoryOutput{SyncJobID: job.ID, Channels: results}
	for _, r := range results {
		out.Conversations += r.Conversations
		out.Messages += r.Messages
		out.Attendees += r.Attendees
		switch {
		case r.Error != "":
			out.Failed++
			if len(out.Errors) < maxErrors {
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", r.ChannelType, r.Error))
			}
		case !r.Skipped:
			out.Succeeded++
		}
	}

	status := entity.SyncJobCompleted
	errMsg := ""
	if out.Failed > 0 && out.Succeeded == 0 {
		status = entity.SyncJobFailed
		errMsg = strings.Join(out.Errors, "; ")
	}
	out.Status = string(status)

	final := tracker.snapshot()
	finishCtx := context.WithoutCancel(ctx)
	if err := o.jobs.UpdateProgress(finishCtx, tc, job.ID, final); err != nil {
		o.logger.Warn("saving sync progress failed", "sync_job_id", job.ID, "error", err)
	}
	if err := o.jobs.Finish(finishCtx, tc, job.ID, status, errMsg); err != nil {
		return out, fmt.Errorf("finishing sync job: %w", err)
	}
	if o.progress != nil {
		o.progress.BroadcastCompletion(finishCtx, broadcaster.CompletionInput{
			SyncJobID: job.ID,
			TaskID:    in.TaskID,
			UserID:    in.UserID,
			Status:    status,
			Error:     errMsg,
			Progress:  final,
		})
	}

	o.logger.Info("contact history sync finished",
		"schema", tc.Schema,
		"sync_job_id", job.ID,
		"status", status,
		"conversations", out.Conversations,
		"messages", out.Messages,
		"failed", out.Failed,
	)
	return out, nil
}

// identities returns the participants whose history is wanted
func (o *Orchestrator) identities(ctx context.Context, tc tenant.Context, in HistoryInput) ([]entity.Participant, error) {
	if in.ParticipantID != "" {
		p, err := o.participants.GetByID(ctx, tc, in.ParticipantID)
		if err != nil {
			return nil, fmt.Errorf("getting participant: %w", err)
		}
		if p == nil {
			return nil, entity.ErrParticipantNotFound
		}
		return []entity.Participant{*p}, nil
	}
	if in.RecordID == "" {
		return nil, fmt.Errorf("%w: history sync without record or participant", entity.ErrInvalidPayload)
	}
	ps, err := o.participants.ListByRecord(ctx, tc, in.RecordID)
	if err != nil {
		return nil, fmt.Errorf("listing record participants: %w", err)
	}
	if len(ps) == 0 {
		return nil, entity.ErrParticipantNotFound
	}
	return ps, nil
}

func (o *Orchestrator) syncConnection(
	ctx context.Context,
	tc tenant.Context,
	conn *entity.UserChannelConnection,
	identities []entity.Participant,
	tracker *progressTracker,
) ChannelResult {
	res := ChannelResult{ConnectionID: conn.ID, ChannelType: conn.ChannelType}
	if conn.AuthStatus == entity.AuthStatusDisconnected || conn.AuthStatus == entity.AuthStatusFailed {
		res.Skipped = true
		return res
	}

	attendees := make([]string, 0, len(identities))
	for _, p := range identities {
		if id := AttendeeID(p, conn.ChannelType); id != "" {
			attendees = append(attendees, id)
		}
	}
	if len(attendees) == 0 {
		res.Skipped = true
		return res
	}

	var errs []error
	for _, attendee := range attendees {
		if err := o.syncAttendee(ctx, tc, conn, attendee, &res, tracker); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.Warn("channel history sync failed",
			"connection_id", conn.ID,
			"channel_type", conn.ChannelType,
			"error", err,
		)
		res.Error = err.Error()
	}
	return res
}

func (o *Orchestrator) syncAttendee(
	ctx context.Context,
	tc tenant.Context,
	conn *entity.UserChannelConnection,
	attendeeID string,
	res *ChannelResult,
	tracker *progressTracker,
) error {
	cursor := ""
	for page := 0; page < o.cfg.MaxPages; page++ {
		chats, err := o.gateway.GetConversations(ctx, gateway.GetConversationsInput{
			AccountID:  conn.ExternalAccountID,
			AttendeeID: attendeeID,
			Cursor:     cursor,
			Limit:      o.cfg.PageSize,
		})
		if err != nil {
			return fmt.Errorf("listing conversations: %w", err)
		}

		for _, chat := range chats.Items {
			chatID := normalize.Payload(chat).String("id", "chat_id", "provider_id")
			if chatID == "" {
				continue
			}
			stored, err := o.syncChat(ctx, tc, conn, chatID)
			if err != nil {
				return err
			}
			res.Conversations++
			res.Messages += stored
			n := max(len(normalize.Payload(chat).List("attendees")), 1)
			res.Attendees += n
			tracker.add(ctx, tc, conn.ChannelType, 1, stored, n)
		}

		if !chats.HasMore() {
			return nil
		}
		cursor = chats.Cursor
	}
	return nil
}

// syncChat stores every message of a chat and returns how many were new
func (o *Orchestrator) syncChat(ctx context.Context, tc tenant.Context, conn *entity.UserChannelConnection, chatID string) (int, error) {
	created := 0
	cursor := ""
	for page := 0; page < o.cfg.MaxPages; page++ {
		msgs, err := o.gateway.GetMessages(ctx, gateway.GetMessagesInput{
			ChatID: chatID,
			Cursor: cursor,
			Limit:  o.cfg.PageSize,
		})
		if err != nil {
			return created, fmt.Errorf("listing messages of %s: %w", chatID, err)
		}

		for _, item := range msgs.Items {
			payload := normalize.Payload(item)
			if payload.String("chat_id") == "" {
				payload["chat_id"] = chatID
			}
			if payload.String("account_id") == "" {
				payload["account_id"] = conn.ExternalAccountID
			}
			r := o.ingester.ProcessInTenant(ctx, tc, conn, "message_received", payload)
			if !r.Success {
				if r.Failure == webhook.FailureInternal {
					return created, fmt.Errorf("storing message of %s: %s", chatID, r.Error)
				}
				o.logger.Debug("skipped history message", "chat_id", chatID, "error", r.Error)
				continue
			}
			if r.Created {
				created++
			}
		}

		if !msgs.HasMore() {
			return created, nil
		}
		cursor = msgs.Cursor
	}
	return created, nil
}

// AttendeeID returns the provider id of a participant on a channel type
func AttendeeID(p entity.Participant, channelType entity.ChannelType) string {
	switch {
	case channelType.IsEmail():
		return p.Email
	case channelType == entity.ChannelTypeWhatsApp:
		if p.Phone == "" {
			return ""
		}
		return strings.TrimPrefix(p.Phone, "+") + "@s.whatsapp.net"
	case channelType == entity.ChannelTypeLinkedIn:
		return p.LinkedInMemberURN
	case channelType == entity.ChannelTypeInstagram:
		return p.InstagramUsername
	case channelType == entity.ChannelTypeMessenger:
		return p.MessengerID
	case channelType == entity.ChannelTypeTelegram:
		return p.TelegramID
	case channelType == entity.ChannelTypeTwitter:
		return p.TwitterHandle
	}
	return ""
}

// progressTracker accumulates counters across connections and reports them
type progressTracker struct {
	o      *Orchestrator
	job    *entity.SyncJob
	userID string

	mu       sync.Mutex
	progress entity.SyncJobProgress
}

func (t *progressTracker) add(ctx context.Context, tc tenant.Context, channelType entity.ChannelType, conversations, messages, attendees int) {
	t.mu.Lock()
	t.progress.ConversationsProcessed += conversations
	t.progress.MessagesProcessed += messages
	t.progress.AttendeesProcessed += attendees
	t.progress.Provider = string(channelType)
	t.progress.Phase = "conversations"
	snap := t.progress
	t.mu.Unlock()

	if err := t.o.jobs.UpdateProgress(ctx, tc, t.job.ID, snap); err != nil {
		t.o.logger.Warn("saving sync progress failed", "sync_job_id", t.job.ID, "error", err)
	}
	if t.o.progress != nil {
		t.o.progress.BroadcastProgress(ctx, broadcaster.ProgressInput{
			SyncJobID: t.job.ID,
			TaskID:    t.job.TaskID,
			UserID:    t.userID,
			Progress:  snap,
		})
	}
}

func (t *progressTracker) snapshot() entity.SyncJobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.progress
	p.Phase = "completed"
	return p
}
