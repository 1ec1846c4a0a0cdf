package entity

import (
	"strings"
	"time"
)

// Identifiers is the channel-agnostic identity extracted from a payload
type Identifiers struct {
	Email             string `json:"email,omitempty"`
	Phone             string `json:"phone,omitempty"`
	LinkedInMemberURN string `json:"linkedin_member_urn,omitempty"`
	InstagramUsername string `json:"instagram_username,omitempty"`
	MessengerID       string `json:"messenger_id,omitempty"`
	TelegramID        string `json:"telegram_id,omitempty"`
	TwitterHandle     string `json:"twitter_handle,omitempty"`
	Name              string `json:"name,omitempty"`
	AvatarURL         string `json:"avatar_url,omitempty"`

	// Extraction hints; not part of the identity
	Role       ParticipantRole `json:"role,omitempty"`
	IsSelf     bool            `json:"is_self,omitempty"`
	Occupation string          `json:"occupation,omitempty"`
	Location   string          `json:"location,omitempty"`
}

// Normalize lowercases emails and trims every field
func (i Identifiers) Normalize() Identifiers {
	i.Email = strings.ToLower(strings.TrimSpace(i.Email))
	i.Phone = strings.TrimSpace(i.Phone)
	i.LinkedInMemberURN = strings.TrimSpace(i.LinkedInMemberURN)
	i.InstagramUsername = strings.TrimPrefix(strings.TrimSpace(i.InstagramUsername), "@")
	i.MessengerID = strings.TrimSpace(i.MessengerID)
	i.TelegramID = strings.TrimSpace(i.TelegramID)
	i.TwitterHandle = strings.TrimPrefix(strings.TrimSpace(i.TwitterHandle), "@")
	i.Name = strings.TrimSpace(i.Name)
	i.AvatarURL = strings.TrimSpace(i.AvatarURL)
	return i
}

// HasAny reports whether at least one identifying field is set
func (i Identifiers) HasAny() bool {
	return i.Email != "" || i.Phone != "" || i.LinkedInMemberURN != "" ||
		i.InstagramUsername != "" || i.MessengerID != "" || i.TelegramID != "" ||
		i.TwitterHandle != ""
}

// Keys lists the identifying fields as kind:value pairs in a stable order
func (i Identifiers) Keys() []string {
	var keys []string
	add := func(kind, value string) {
		if value != "" {
			keys = append(keys, kind+":"+value)
		}
	}
	add("email", i.Email)
	add("instagram", i.InstagramUsername)
	add("linkedin", i.LinkedInMemberURN)
	add("messenger", i.MessengerID)
	add("phone", i.Phone)
	add("telegram", i.TelegramID)
	add("twitter", i.TwitterHandle)
	return keys
}

// Participant is a channel-agnostic identity shared by many conversations
type Participant struct {
	ID                string `json:"id"`
	Email             string `json:"email,omitempty"`
	Phone             string `json:"phone,omitempty"`
	LinkedInMemberURN string `json:"linkedin_member_urn,omitempty"`
	InstagramUsername string `json:"instagram_username,omitempty"`
	MessengerID       string `json:"messenger_id,omitempty"`
	TelegramID        string `json:"telegram_id,omitempty"`
	TwitterHandle     string `json:"twitter_handle,omitempty"`
	Name              string `json:"name,omitempty"`
	AvatarURL         string `json:"avatar_url,omitempty"`

	ContactRecordID           *string    `json:"contact_record_id,omitempty"`
	ResolutionConfidence      float64    `json:"resolution_confidence,omitempty"`
	ResolutionMethod          string     `json:"resolution_method,omitempty"`
	SecondaryRecordID         *string    `json:"secondary_record_id,omitempty"`
	SecondaryConfidence       float64    `json:"secondary_confidence,omitempty"`
	SecondaryResolutionMethod string     `json:"secondary_resolution_method,omitempty"`
	ResolvedAt                *time.Time `json:"resolved_at,omitempty"`

	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewParticipant builds a participant from a first sighting
func NewParticipant(id string, ids Identifiers, now time.Time) *Participant {
	p := &Participant{ID: id, FirstSeen: now, LastSeen: now}
	p.FillEmpty(ids)
	return p
}

// IsLinked reports whether the participant resolved to any CRM record
func (p *Participant) IsLinked() bool {
	return p.ContactRecordID != nil || p.SecondaryRecordID != nil
}

// FillEmpty copies identifiers into fields that are currently empty.
// Existing values are never overwritten. It reports whether anything changed.
func (p *Participant) FillEmpty(ids Identifiers) bool {
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&p.Email, ids.Email)
	fill(&p.Phone, ids.Phone)
	fill(&p.LinkedInMemberURN, ids.LinkedInMemberURN)
	fill(&p.InstagramUsername, ids.InstagramUsername)
	fill(&p.MessengerID, ids.MessengerID)
	fill(&p.TelegramID, ids.TelegramID)
	fill(&p.TwitterHandle, ids.TwitterHandle)
	fill(&p.Name, ids.Name)
	fill(&p.AvatarURL, ids.AvatarURL)
	return changed
}

// Matches reports whether any non-empty identifier equals the participant's
func (p *Participant) Matches(ids Identifiers) bool {
	eq := func(a, b string) bool { return a != "" && a == b }
	return eq(ids.Email, p.Email) ||
		eq(ids.Phone, p.Phone) ||
		eq(ids.LinkedInMemberURN, p.LinkedInMemberURN) ||
		eq(ids.InstagramUsername, p.InstagramUsername) ||
		eq(ids.MessengerID, p.MessengerID) ||
		eq(ids.TelegramID, p.TelegramID) ||
		eq(ids.TwitterHandle, p.TwitterHandle)
}

// Resolution is the outcome of linking a participant to CRM records
type Resolution struct {
	ContactRecordID           *string
	ResolutionConfidence      float64
	ResolutionMethod          string
	SecondaryRecordID         *string
	SecondaryConfidence       float64
	SecondaryResolutionMethod string
	ResolvedAt                time.Time
}

// Apply sets the linked fields of the resolution on the participant
func (r Resolution) Apply(p *Participant) {
	if r.ContactRecordID != nil {
		p.ContactRecordID = r.ContactRecordID
		p.ResolutionConfidence = r.ResolutionConfidence
		p.ResolutionMethod = r.ResolutionMethod
	}
	if r.SecondaryRecordID != nil {
		p.SecondaryRecordID = r.SecondaryRecordID
		p.SecondaryConfidence = r.SecondaryConfidence
		p.SecondaryResolutionMethod = r.SecondaryResolutionMethod
	}
	if r.ContactRecordID != nil || r.SecondaryRecordID != nil {
		at := r.ResolvedAt
		p.ResolvedAt = &at
	}
}
