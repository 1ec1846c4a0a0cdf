package entity

import "time"

// Conversation is a thread scoped to one channel, unique by external thread id
type Conversation struct {
	ID               string `json:"id"`
	ChannelID        string `json:"channel_id"`
	ExternalThreadID string `json:"external_thread_id"`
	Subject          string `json:"subject,omitempty"`
	// PrimaryContactRecordID is set automatically at most once
	PrimaryContactRecordID *string        `json:"primary_contact_record_id,omitempty"`
	ParticipantCount       int            `json:"participant_count"`
	MessageCount           int            `json:"message_count"`
	LastMessageAt          *time.Time     `json:"last_message_at,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`

	// ChannelType is denormalized from the owning channel on reads
	ChannelType ChannelType `json:"channel_type,omitempty"`
}

// ParticipantRole is the role of a participant within a conversation
type ParticipantRole string

const (
	RoleSender    ParticipantRole = "sender"
	RoleRecipient ParticipantRole = "recipient"
	RoleCC        ParticipantRole = "cc"
	RoleBCC       ParticipantRole = "bcc"
	RoleMember    ParticipantRole = "member"
)

// ConversationParticipant links a participant into a conversation
type ConversationParticipant struct {
	ConversationID string          `json:"conversation_id"`
	ParticipantID  string          `json:"participant_id"`
	Role           ParticipantRole `json:"role"`
	IsActive       bool            `json:"is_active"`
	JoinedAt       time.Time       `json:"joined_at"`
}
