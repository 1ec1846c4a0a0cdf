package entity

import "time"

// Direction of a message relative to the connected account
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is the delivery state of a message
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders statuses so updates never regress; failed is terminal
func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	}
	return -1
}

// Advances reports whether moving from s to next moves the status forward
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// Message metadata keys
const (
	// MetadataRawWebhook holds the verbatim provider payload
	MetadataRawWebhook = "raw_webhook_data"
	// MetadataEmailHeaders holds the message id and reference chain of an email
	MetadataEmailHeaders = "email_headers"
	MetadataAttachments  = "attachments"
	MetadataTracking     = "tracking_events"
)

// Message is an immutable event record, unique by (ExternalMessageID, ConversationID)
type Message struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversation_id"`
	ChannelID         string         `json:"channel_id"`
	ExternalMessageID string         `json:"external_message_id"`
	Direction         Direction      `json:"direction"`
	Content           string         `json:"content,omitempty"`
	Subject           string         `json:"subject,omitempty"`
	Status            MessageStatus  `json:"status"`
	ContactEmail      string         `json:"contact_email,omitempty"`
	ContactPhone      string         `json:"contact_phone,omitempty"`
	SenderName        string         `json:"sender_name,omitempty"`
	ContactRecordID   *string        `json:"contact_record_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Timestamp returns the provider time when known, else the creation time
func (m Message) Timestamp() time.Time {
	if m.SentAt != nil {
		return *m.SentAt
	}
	return m.CreatedAt
}
