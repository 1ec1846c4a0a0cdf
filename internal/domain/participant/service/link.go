package service

import (
	"context"
	"fmt"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/queue"
	"github.com/vadim/unified-comms/internal/tenant"
)

// LinkMessage resolves the contact behind a stored message and links the
// message, its conversation and the participant together.
func (s *Service) LinkMessage(ctx context.Context, tc tenant.Context, data queue.ContactResolutionData) error {
	msgs, err := s.messages.ListByConversations(ctx, tc, []string{data.ConversationID})
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	var msg *entity.Message
	for i := range msgs {
		if msgs[i].ID == data.MessageID {
			msg = &msgs[i]
			break
		}
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", entity.ErrMessageNotFound, data.MessageID)
	}
	if msg.ContactRecordID != nil {
		return nil
	}

	var p *entity.Participant
	if data.ParticipantID != "" {
		if p, err = s.participants.GetByID(ctx, tc, data.ParticipantID); err != nil {
			return fmt.Errorf("loading participant: %w", err)
		}
	}
	if p == nil {
		ids := entity.Identifiers{Email: msg.ContactEmail, Phone: msg.ContactPhone, Name: msg.SenderName}
		if !ids.Normalize().HasAny() {
			return nil
		}
		out, err := s.ResolveOrCreate(ctx, tc, ResolveInput{Identifiers: ids})
		if err != nil {
			return fmt.Errorf("resolving message contact: %w", err)
		}
		p = out.Participant
	} else if !p.IsLinked() {
		if _, err := s.resolve(ctx, tc, p); err != nil {
			s.logger.Warn("participant resolution failed", "participant_id", p.ID, "error", err)
		}
	}

	role := entity.RoleSender
	if msg.Direction == entity.DirectionOutbound {
		role = entity.RoleRecipient
	}
	if _, err := s.conversations.AddParticipant(ctx, tc, entity.ConversationParticipant{
		ConversationID: msg.ConversationID,
		ParticipantID:  p.ID,
		Role:           role,
		IsActive:       true,
		JoinedAt:       s.now(),
	}); err != nil {
		return fmt.Errorf("linking participant: %w", err)
	}

	if p.ContactRecordID == nil {
		return nil
	}
	if err := s.messages.SetContactRecord(ctx, tc, msg.ID, *p.ContactRecordID); err != nil {
		return fmt.Errorf("linking message contact: %w", err)
	}
	if _, err := s.conversations.SetPrimaryContactIfEmpty(ctx, tc, msg.ConversationID, *p.ContactRecordID); err != nil {
		return fmt.Errorf("setting primary contact: %w", err)
	}
	return nil
}
