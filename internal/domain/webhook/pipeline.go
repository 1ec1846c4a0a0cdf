package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/domain/comms/writer"
	pservice "github.com/vadim/unified-comms/internal/domain/participant/service"
	"github.com/vadim/unified-comms/internal/storage"
	"github.com/vadim/unified-comms/internal/tenant"
)

// StorageDecider decides whether a conversation is CRM-relevant
type StorageDecider interface {
	ShouldStoreConversation(ctx context.Context, tc tenant.Context, in pservice.StorageInput) (*pservice.StorageDecision, error)
}

// MessageWriter persists messages exactly once
type MessageWriter interface {
	Write(ctx context.Context, tc tenant.Context, in writer.Input) (*writer.Output, error)
}

// AttachmentArchiver copies provider attachments into object storage
type AttachmentArchiver interface {
	Archive(ctx context.Context, in storage.ArchiveInput) (*storage.UploadOutput, error)
}

// Repositories are the tenant stores the pipeline writes to
type Repositories struct {
	Channels      dao.ChannelRepository
	Connections   dao.ConnectionRepository
	Conversations dao.ConversationRepository
	Messages      dao.MessageRepository
}

// Pipeline is the processing shared by the channel handlers
type Pipeline struct {
	repos    Repositories
	decider  StorageDecider
	writer   MessageWriter
	layer    writer.ChannelLayer
	archiver AttachmentArchiver
	logger   *slog.Logger
}

// NewPipeline creates a new pipeline; layer and archiver may be nil
func NewPipeline(
	repos Repositories,
	decider StorageDecider,
	w MessageWriter,
	layer writer.ChannelLayer,
	archiver AttachmentArchiver,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		repos:    repos,
		decider:  decider,
		writer:   w,
		layer:    layer,
		archiver: archiver,
		logger:   logger,
	}
}

// ingest stores one message. New conversations are created only when at
// least one participant links to a CRM record; messages of conversations
// that already exist are always stored.
func (p *Pipeline) ingest(ctx context.Context, tc tenant.Context, ev Event, msg normalize.MessageEvent) Result {
	conn := ev.Route.Connection
	ch, err := p.channel(ctx, tc, conn)
	if err != nil {
		return failure(fmt.Errorf("ensuring channel: %w", err))
	}

	conv, err := p.repos.Conversations.GetByExternalThread(ctx, tc, ch.ID, msg.ExternalThreadID)
	if err != nil {
		return failure(fmt.Errorf("getting conversation: %w", err))
	}

	decision, err := p.decider.ShouldStoreConversation(ctx, tc, pservice.StorageInput{
		Payload:           ev.Payload,
		ChannelType:       conn.ChannelType,
		UserID:            conn.UserID,
		AccountIdentifier: conn.AccountIdentifier,
	})
	if err != nil {
		if conv == nil {
			return failure(fmt.Errorf("resolving participants: %w", err))
		}
		p.logger.Warn("resolving participants failed", "schema", tc.Schema, "conversation_id", conv.ID, "error", err)
		decision = &pservice.StorageDecision{}
	}

	if conv == nil && !decision.Store {
		p.logger.Info("conversation not stored",
			"schema", tc.Schema,
			"channel_id", ch.ID,
			"external_thread_id", msg.ExternalThreadID,
			"participants", len(decision.Sightings),
		)
		return noted(NoteNotStored)
	}

	now := time.Now().UTC()
	if conv == nil {
		conv, _, err = p.repos.Conversations.GetOrCreate(ctx, tc, &entity.Conversation{
			ID:                     uuid.NewString(),
			ChannelID:              ch.ID,
			ExternalThreadID:       msg.ExternalThreadID,
			Subject:                msg.Subject,
			PrimaryContactRecordID: decision.PrimaryContact(),
			Metadata:               map[string]any{},
			CreatedAt:              now,
			UpdatedAt:              now,
			ChannelType:            ch.ChannelType,
		})
		if err != nil {
			return failure(fmt.Errorf("creating conversation: %w", err))
		}
	} else if rec := decision.PrimaryContact(); rec != nil && conv.PrimaryContactRecordID == nil {
		if _, err := p.repos.Conversations.SetPrimaryContactIfEmpty(ctx, tc, conv.ID, *rec); err != nil {
			p.logger.Warn("setting primary contact failed", "conversation_id", conv.ID, "error", err)
		}
	}
	if conv.ChannelType == "" {
		conv.ChannelType = ch.ChannelType
	}

	for _, s := range decision.Sightings {
		_, err := p.repos.Conversations.AddParticipant(ctx, tc, entity.ConversationParticipant{
			ConversationID: conv.ID,
			ParticipantID:  s.Participant.ID,
			Role:           s.Role,
			IsActive:       true,
			JoinedAt:       now,
		})
		if err != nil {
			p.logger.Warn("linking participant failed",
				"conversation_id", conv.ID,
				"participant_id", s.Participant.ID,
				"error", err,
			)
		}
	}

	outbound := msg.Direction == entity.DirectionOutbound
	contact := normalize.Counterpart(msg.Sender, msg.Attendees, outbound, conn.AccountIdentifier)

	metadata := map[string]any{}
	if msg.Email != nil {
		metadata[entity.MetadataEmailHeaders] = normalize.JSONValue(msg.Email)
	}
	if len(msg.Attachments) > 0 {
		metadata[entity.MetadataAttachments] = normalize.JSONValue(msg.Attachments)
	}

	out, err := p.writer.Write(ctx, tc, writer.Input{
		Conversation:      conv,
		ExternalMessageID: msg.ExternalMessageID,
		Direction:         msg.Direction,
		Content:           msg.Content,
		Subject:           msg.Subject,
		ContactEmail:      contact.Email,
		ContactPhone:      contact.Phone(),
		SenderName:        msg.Sender.Name,
		ContactRecordID:   contactRecord(decision, contact, conn.ChannelType),
		SentAt:            msg.SentAt,
		Raw:               ev.Payload.Clone(),
		Metadata:          metadata,
	})
	if err != nil {
		return failure(fmt.Errorf("writing message: %w", err))
	}

	res := Result{
		Success:        true,
		ConversationID: conv.ID,
		MessageID:      out.Message.ID,
		Created:        out.Created,
	}
	if !out.Created {
		res.Duplicate = true
		res.Note = NoteDuplicate
		return res
	}

	p.archive(ctx, tc, out.Message, msg.Attachments)
	return res
}

// contactRecord returns the contact record of the sighting matching the
// message counterpart
func contactRecord(d *pservice.StorageDecision, contact normalize.Attendee, channelType entity.ChannelType) *string {
	ids := normalize.AttendeeIdentifiers(contact, channelType, "").Normalize()
	if !ids.HasAny() {
		return nil
	}
	for _, s := range d.Sightings {
		if s.Participant.ContactRecordID != nil && s.Participant.Matches(ids) {
			id := *s.Participant.ContactRecordID
			return &id
		}
	}
	return nil
}

// archive copies downloadable attachments to object storage. Failures are
// recorded per attachment and never fail the webhook.
func (p *Pipeline) archive(ctx context.Context, tc tenant.Context, msg *entity.Message, atts []normalize.Attachment) {
	if p.archiver == nil || len(atts) == 0 {
		return
	}

	archived := 0
	entries := make([]any, 0, len(atts))
	for _, a := range atts {
		entry, _ := normalize.JSONValue(a).(map[string]any)
		if entry == nil {
			entry = map[string]any{}
		}
		if a.URL != "" {
			up, err := p.archiver.Archive(ctx, storage.ArchiveInput{
				Schema:    tc.Schema,
				SourceURL: a.URL,
				Filename:  a.Name,
				MimeType:  a.MimeType,
			})
			if err != nil {
				p.logger.Warn("archiving attachment failed", "message_id", msg.ID, "attachment_id", a.ID, "error", err)
				entry["archive_error"] = err.Error()
			} else {
				entry["storage_key"] = up.Key
				entry["storage_url"] = up.URL
				archived++
			}
		}
		entries = append(entries, entry)
	}
	if archived == 0 {
		return
	}

	err := p.repos.Messages.MergeMetadata(ctx, tc, msg.ID, map[string]any{entity.MetadataAttachments: entries})
	if err != nil {
		p.logger.Warn("saving archived attachments failed", "message_id", msg.ID, "error", err)
	}
}

// updateStatus applies a delivery receipt to a stored message
func (p *Pipeline) updateStatus(ctx context.Context, tc tenant.Context, ev Event, status entity.MessageStatus) Result {
	se, err := normalize.ParseStatusEvent(ev.Payload, status)
	if err != nil {
		return failure(err)
	}
	return setStatus(ctx, tc, p.repos.Messages, p.layer, p.logger, se.ExternalMessageID, se.Status,
		normalize.ParseTrackingEvent(string(se.Status), ev.Payload).Record())
}

// setStatus moves a message's status forward and notifies its conversation
func setStatus(
	ctx context.Context,
	tc tenant.Context,
	messages dao.MessageRepository,
	layer writer.ChannelLayer,
	logger *slog.Logger,
	externalID string,
	status entity.MessageStatus,
	event map[string]any,
) Result {
	msg, err := messages.GetByExternalID(ctx, tc, externalID)
	if err != nil {
		return failure(fmt.Errorf("getting message: %w", err))
	}
	if msg == nil {
		logger.Debug("status for unknown message", "schema", tc.Schema, "external_message_id", externalID)
		return noted(NoteUnknownMsg)
	}

	if err := messages.UpdateStatus(ctx, tc, msg.ID, status, event); err != nil {
		return failure(fmt.Errorf("updating message status: %w", err))
	}

	if layer != nil {
		err := layer.GroupSend(ctx, "conversation_"+msg.ConversationID, map[string]any{
			"type":            "message_status",
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
			"status":          string(status),
		})
		if err != nil {
			logger.Warn("status broadcast failed", "message_id", msg.ID, "error", err)
		}
	}

	return Result{Success: true, ConversationID: msg.ConversationID, MessageID: msg.ID}
}

func (p *Pipeline) accountConnected(ctx context.Context, tc tenant.Context, ev Event) Result {
	conn := ev.Route.Connection
	ch, err := p.channel(ctx, tc, conn)
	if err != nil {
		return failure(fmt.Errorf("ensuring channel: %w", err))
	}
	if err := p.repos.Channels.SetAuthStatus(ctx, tc, ch.ID, entity.AuthStatusAuthenticated, true); err != nil {
		return failure(fmt.Errorf("updating channel: %w", err))
	}
	if err := p.repos.Connections.MarkAuthenticated(ctx, tc, conn.ID, ch.ID); err != nil {
		return failure(fmt.Errorf("updating connection: %w", err))
	}
	p.logger.Info("account connected", "schema", tc.Schema, "account_id", conn.ExternalAccountID, "channel_id", ch.ID)
	return Result{Success: true}
}

func (p *Pipeline) accountDisconnected(ctx context.Context, tc tenant.Context, ev Event) Result {
	conn := ev.Route.Connection
	if err := p.repos.Connections.MarkDisconnected(ctx, tc, conn.ID); err != nil {
		return failure(fmt.Errorf("updating connection: %w", err))
	}

	ch, err := p.existingChannel(ctx, tc, conn)
	if err != nil {
		return failure(err)
	}
	if ch != nil {
		if err := p.repos.Channels.SetAuthStatus(ctx, tc, ch.ID, entity.AuthStatusDisconnected, false); err != nil {
			return failure(fmt.Errorf("updating channel: %w", err))
		}
	}
	p.logger.Info("account disconnected", "schema", tc.Schema, "account_id", conn.ExternalAccountID)
	return Result{Success: true}
}

func (p *Pipeline) accountError(ctx context.Context, tc tenant.Context, ev Event) Result {
	conn := ev.Route.Connection
	ae := normalize.ParseAccountEvent(ev.Payload)
	reason := ae.Message
	if reason == "" {
		reason = ae.Status
	}
	if err := p.repos.Connections.RecordError(ctx, tc, conn.ID, reason); err != nil {
		return failure(fmt.Errorf("updating connection: %w", err))
	}

	ch, err := p.existingChannel(ctx, tc, conn)
	if err != nil {
		return failure(err)
	}
	if ch != nil {
		if err := p.repos.Channels.SetAuthStatus(ctx, tc, ch.ID, entity.AuthStatusFailed, ch.IsActive); err != nil {
			return failure(fmt.Errorf("updating channel: %w", err))
		}
	}
	p.logger.Warn("account error", "schema", tc.Schema, "account_id", conn.ExternalAccountID, "reason", reason)
	return Result{Success: true}
}

// channel returns the connection's channel, creating it on first use
func (p *Pipeline) channel(ctx context.Context, tc tenant.Context, conn *entity.UserChannelConnection) (*entity.Channel, error) {
	ch, err := p.existingChannel(ctx, tc, conn)
	if err != nil || ch != nil {
		return ch, err
	}

	status := conn.AuthStatus
	if status == "" {
		status = entity.AuthStatusPending
	}
	name := conn.AccountName
	if name == "" {
		name = conn.ExternalAccountID
	}
	now := time.Now().UTC()
	return p.repos.Channels.GetOrCreate(ctx, tc, &entity.Channel{
		ID:                uuid.NewString(),
		Name:              name,
		ChannelType:       conn.ChannelType,
		ExternalAccountID: conn.ExternalAccountID,
		AuthStatus:        status,
		OwnerUserID:       conn.UserID,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func (p *Pipeline) existingChannel(ctx context.Context, tc tenant.Context, conn *entity.UserChannelConnection) (*entity.Channel, error) {
	if conn.ChannelID != "" {
		ch, err := p.repos.Channels.GetByID(ctx, tc, conn.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("getting channel: %w", err)
		}
		if ch != nil {
			return ch, nil
		}
	}
	ch, err := p.repos.Channels.GetByExternalAccount(ctx, tc, conn.ExternalAccountID, conn.ChannelType)
	if err != nil {
		return nil, fmt.Errorf("getting channel: %w", err)
	}
	return ch, nil
}

// bindAccountEvents adds the account lifecycle events every channel handler shares
func (p *Pipeline) bindAccountEvents(t *eventTable) {
	t.on(OpAccountConnected, shapeAccount, p.accountConnected,
		"account_connected", "creation_success", "reconnected", "account_reconnected", "sync_success")
	t.on(OpAccountDisconnected, shapeAccount, p.accountDisconnected,
		"account_disconnected", "credentials", "account_deleted", "stopped")
	t.on(OpAccountError, shapeAccount, p.accountError,
		"account_error", "error", "connection_error", "sync_error")
}

// bindStatusEvents adds delivery receipts under the given spellings
func (p *Pipeline) bindStatusEvents(t *eventTable, delivered, read, failed []string) {
	t.on(OpMessageDelivered, shapeStatus, func(ctx context.Context, tc tenant.Context, ev Event) Result {
		return p.updateStatus(ctx, tc, ev, entity.StatusDelivered)
	}, delivered...)
	t.on(OpMessageRead, shapeStatus, func(ctx context.Context, tc tenant.Context, ev Event) Result {
		return p.updateStatus(ctx, tc, ev, entity.StatusRead)
	}, read...)
	t.on(OpMessageFailed, shapeStatus, func(ctx context.Context, tc tenant.Context, ev Event) Result {
		return p.updateStatus(ctx, tc, ev, entity.StatusFailed)
	}, failed...)
}
