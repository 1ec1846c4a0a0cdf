// Package writer persists provider messages exactly once.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/queue"
	"github.com/vadim/unified-comms/internal/tenant"
)

// ChannelLayer delivers realtime messages to named groups
type ChannelLayer interface {
	GroupSend(ctx context.Context, group string, message map[string]any) error
}

// Input is one message to persist
type Input struct {
	Conversation      *entity.Conversation
	ExternalMessageID string
	Direction         entity.Direction
	Content           string
	Subject           string
	Status            entity.MessageStatus
	ContactEmail      string
	ContactPhone      string
	SenderName        string
	ContactRecordID   *string
	SentAt            *time.Time
	// Raw is stored verbatim under metadata.raw_webhook_data
	Raw map[string]any
	// Metadata is extracted enrichment stored next to the raw payload
	Metadata map[string]any
}

// Output is the stored message and whether this call created it
type Output struct {
	Message *entity.Message
	Created bool
}

// Writer is the idempotent message writer
type Writer struct {
	messages      dao.MessageRepository
	conversations dao.ConversationRepository
	layer         ChannelLayer
	tasks         queue.Publisher
	logger        *slog.Logger
}

// New creates a new writer; layer and tasks may be nil
func New(
	messages dao.MessageRepository,
	conversations dao.ConversationRepository,
	layer ChannelLayer,
	tasks queue.Publisher,
	logger *slog.Logger,
) *Writer {
	return &Writer{
		messages:      messages,
		conversations: conversations,
		layer:         layer,
		tasks:         tasks,
		logger:        logger,
	}
}

// Write persists the message unless (conversation, external message id) is
// already stored. Side effects run only for the call that created the row;
// duplicates return the stored message with Created=false and do nothing else.
func (w *Writer) Write(ctx context.Context, tc tenant.Context, in Input) (*Output, error) {
	if in.Conversation == nil {
		return nil, fmt.Errorf("%w: message without conversation", entity.ErrInvalidPayload)
	}
	if in.ExternalMessageID == "" {
		return nil, fmt.Errorf("%w: message without external id", entity.ErrInvalidPayload)
	}

	status := in.Status
	if status == "" {
		status = entity.StatusSent
	}

	metadata := make(map[string]any, len(in.Metadata)+1)
	maps.Copy(metadata, in.Metadata)
	if in.Raw != nil {
		metadata[entity.MetadataRawWebhook] = in.Raw
	}

	msg := &entity.Message{
		ID:                uuid.NewString(),
		ConversationID:    in.Conversation.ID,
		ChannelID:         in.Conversation.ChannelID,
		ExternalMessageID: in.ExternalMessageID,
		Direction:         in.Direction,
		Content:           in.Content,
		Subject:           in.Subject,
		Status:            status,
		ContactEmail:      in.ContactEmail,
		ContactPhone:      in.ContactPhone,
		SenderName:        in.SenderName,
		ContactRecordID:   in.ContactRecordID,
		Metadata:          metadata,
		SentAt:            in.SentAt,
		CreatedAt:         time.Now().UTC(),
	}

	stored, created, err := w.messages.GetOrCreate(ctx, tc, msg)
	if err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}
	if !created {
		w.logger.Debug("skipped duplicate message",
			"schema", tc.Schema,
			"conversation_id", stored.ConversationID,
			"external_message_id", stored.ExternalMessageID,
		)
		return &Output{Message: stored, Created: false}, nil
	}

	if err := w.conversations.RecordMessage(ctx, tc, stored.ConversationID, stored.Timestamp()); err != nil {
		w.logger.Warn("updating conversation counters failed", "conversation_id", stored.ConversationID, "error", err)
	}

	w.broadcast(ctx, tc, in.Conversation, stored)
	if stored.ContactRecordID == nil {
		w.enqueueResolution(ctx, tc, stored)
	}

	return &Output{Message: stored, Created: true}, nil
}

// broadcast notifies inbox and conversation subscribers; failures are logged
func (w *Writer) broadcast(ctx context.Context, tc tenant.Context, conv *entity.Conversation, msg *entity.Message) {
	if w.layer == nil {
		return
	}

	body := map[string]any{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"channel_id":      msg.ChannelID,
		"channel_type":    string(conv.ChannelType),
		"direction":       string(msg.Direction),
		"content":         msg.Content,
		"subject":         msg.Subject,
		"sender_name":     msg.SenderName,
		"timestamp":       msg.Timestamp().Format(time.RFC3339),
		"schema":          tc.Schema,
	}

	inbox := maps.Clone(body)
	inbox["type"] = "new_message"
	if err := w.layer.GroupSend(ctx, "inbox_"+msg.ChannelID, inbox); err != nil {
		w.logger.Warn("inbox broadcast failed", "channel_id", msg.ChannelID, "error", err)
	}

	thread := maps.Clone(body)
	thread["type"] = "message_created"
	if err := w.layer.GroupSend(ctx, "conversation_"+msg.ConversationID, thread); err != nil {
		w.logger.Warn("conversation broadcast failed", "conversation_id", msg.ConversationID, "error", err)
	}
}

// enqueueResolution asks the workers to resolve the message's contact
func (w *Writer) enqueueResolution(ctx context.Context, tc tenant.Context, msg *entity.Message) {
	if w.tasks == nil {
		return
	}
	task, err := queue.NewTask(queue.TaskContactResolution, tc.Schema, queue.ContactResolutionData{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		w.logger.Error("building contact resolution task failed", "message_id", msg.ID, "error", err)
		return
	}
	if err := w.tasks.Enqueue(ctx, task); err != nil {
		w.logger.Warn("enqueueing contact resolution failed", "message_id", msg.ID, "error", err)
	}
}
