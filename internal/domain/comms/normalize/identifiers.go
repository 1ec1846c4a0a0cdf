package normalize

import (
	"strings"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
)

// ExtractParticipantIdentifiers returns the identifiers of every party named in
// a payload, shaped per channel type. The connected account itself is skipped.
func ExtractParticipantIdentifiers(p Payload, channelType entity.ChannelType) []entity.Identifiers {
	var out []entity.Identifiers
	seen := make(map[string]bool)
	add := func(ids entity.Identifiers) {
		ids = ids.Normalize()
		if ids.IsSelf || !ids.HasAny() {
			return
		}
		key := identityKey(ids)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ids)
	}

	switch {
	case channelType.IsEmail():
		m, _ := ParseEmailMessage(p)
		add(AttendeeIdentifiers(m.From, channelType, entity.RoleSender))
		for _, a := range m.To {
			add(AttendeeIdentifiers(a, channelType, entity.RoleRecipient))
		}
		for _, a := range m.CC {
			add(AttendeeIdentifiers(a, channelType, entity.RoleCC))
		}
		for _, a := range m.BCC {
			add(AttendeeIdentifiers(a, channelType, entity.RoleBCC))
		}
	default:
		sender := parseAttendee(p.Map("sender"))
		if sender.ProviderID == "" {
			sender.ProviderID = p.String("sender_id", "from", "sender_urn")
		}
		if sender.Name == "" {
			sender.Name = p.String("sender_name", "pushname")
		}
		add(AttendeeIdentifiers(sender, channelType, entity.RoleSender))
		for _, a := range parseAttendees(p, "attendees") {
			add(AttendeeIdentifiers(a, channelType, entity.RoleMember))
		}
	}
	return out
}

// AttendeeIdentifiers maps an attendee to the identifier fields of its channel
func AttendeeIdentifiers(a Attendee, channelType entity.ChannelType, role entity.ParticipantRole) entity.Identifiers {
	ids := entity.Identifiers{
		Name:   a.Name,
		Role:   role,
		IsSelf: a.IsSelf,
	}
	switch {
	case channelType.IsEmail():
		ids.Email = a.Email
	case channelType == entity.ChannelTypeWhatsApp:
		ids.Phone = a.Phone()
		ids.AvatarURL = a.AvatarURL
	case channelType == entity.ChannelTypeLinkedIn:
		ids.LinkedInMemberURN = a.ProviderID
		ids.AvatarURL = a.AvatarURL
		ids.Occupation = a.Occupation
		ids.Location = a.Location
	case channelType == entity.ChannelTypeInstagram:
		ids.InstagramUsername = a.ProviderID
		ids.AvatarURL = a.AvatarURL
	case channelType == entity.ChannelTypeMessenger:
		ids.MessengerID = a.ProviderID
		ids.AvatarURL = a.AvatarURL
	case channelType == entity.ChannelTypeTelegram:
		ids.TelegramID = a.ProviderID
		ids.AvatarURL = a.AvatarURL
	case channelType == entity.ChannelTypeTwitter:
		ids.TwitterHandle = a.ProviderID
		ids.AvatarURL = a.AvatarURL
	}
	return ids
}

func identityKey(ids entity.Identifiers) string {
	return strings.Join([]string{
		ids.Email, ids.Phone, ids.LinkedInMemberURN, ids.InstagramUsername,
		ids.MessengerID, ids.TelegramID, ids.TwitterHandle,
	}, "|")
}
