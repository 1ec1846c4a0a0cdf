package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/tenant"
)

// StorageInput is a conversation payload awaiting a storage decision
type StorageInput struct {
	Payload     normalize.Payload
	ChannelType entity.ChannelType
	UserID      string
	// AccountIdentifier is the connected account's own address; it is never
	// treated as a participant
	AccountIdentifier string
}

// Sighting is a participant seen in a payload with its role there
type Sighting struct {
	Participant *entity.Participant
	Role        entity.ParticipantRole
}

// StorageDecision says whether a conversation is CRM-relevant
type StorageDecision struct {
	Store     bool
	Sightings []Sighting
}

// Participants returns the resolved participants in payload order
func (d StorageDecision) Participants() []entity.Participant {
	out := make([]entity.Participant, 0, len(d.Sightings))
	for _, s := range d.Sightings {
		out = append(out, *s.Participant)
	}
	return out
}

// PrimaryContact returns the contact record of the first linked participant
func (d StorageDecision) PrimaryContact() *string {
	for _, s := range d.Sightings {
		if s.Participant.ContactRecordID != nil {
			id := *s.Participant.ContactRecordID
			return &id
		}
	}
	return nil
}

// ShouldStoreConversation resolves every participant named in the payload and
// decides to store the conversation only if at least one of them is linked to
// a contact or secondary record. Participants are persisted either way.
func (s *Service) ShouldStoreConversation(ctx context.Context, tc tenant.Context, in StorageInput) (*StorageDecision, error) {
	decision := &StorageDecision{}
	errs := &errorList{max: 10}

	for _, ids := range normalize.ExtractParticipantIdentifiers(in.Payload, in.ChannelType) {
		if isAccountOwner(ids, in.AccountIdentifier) {
			continue
		}
		out, err := s.ResolveOrCreate(ctx, tc, ResolveInput{Identifiers: ids, UserID: in.UserID})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("resolving payload participant failed", "schema", tc.Schema, "error", err)
			errs.add(err)
			continue
		}

		role := ids.Role
		if role == "" {
			role = entity.RoleMember
		}
		decision.Sightings = append(decision.Sightings, Sighting{Participant: out.Participant, Role: role})
		if out.Participant.IsLinked() {
			decision.Store = true
		}
	}

	if len(decision.Sightings) == 0 && len(errs.all) > 0 {
		return nil, fmt.Errorf("resolving participants: %w", errs.join())
	}
	return decision, nil
}

func isAccountOwner(ids entity.Identifiers, accountIdentifier string) bool {
	id := strings.TrimSpace(accountIdentifier)
	if id == "" {
		return false
	}
	if ids.Email != "" && strings.EqualFold(ids.Email, id) {
		return true
	}
	if ids.LinkedInMemberURN != "" && ids.LinkedInMemberURN == id {
		return true
	}
	phone := normalize.ExtractPhone(id)
	return phone != "" && ids.Phone == phone
}
