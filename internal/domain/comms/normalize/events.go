package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
)

// Attachment is a file attached to a message
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// EmailHeaders carries the reference chain of an email
type EmailHeaders struct {
	MessageID  string   `json:"message_id,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// MessageEvent is the provider-agnostic form of a message webhook
type MessageEvent struct {
	AccountID         string
	ExternalThreadID  string
	ExternalMessageID string
	Direction         entity.Direction
	Content           string
	Subject           string
	Sender            Attendee
	Attendees         []Attendee
	SentAt            *time.Time
	Attachments       []Attachment
	Email             *EmailHeaders
	Raw               Payload
}

// WhatsAppMessage is a parsed WhatsApp message webhook
type WhatsAppMessage struct {
	AccountID   string
	ChatID      string
	MessageID   string
	Text        string
	Sender      Attendee
	Attendees   []Attendee
	IsSender    bool
	IsGroup     bool
	Timestamp   *time.Time
	Attachments []Attachment
	Raw         Payload
}

// ParseWhatsAppMessage parses a WhatsApp message payload
func ParseWhatsAppMessage(p Payload) (WhatsAppMessage, error) {
	m := WhatsAppMessage{
		AccountID: p.String("account_id"),
		ChatID:    p.String("chat_id", "provider_chat_id", "conversation_id", "thread_id"),
		MessageID: p.String("message_id", "provider_message_id", "id"),
		Text:      p.String("message", "text", "body", "content"),
		IsSender:  p.Bool("is_sender") || p.Bool("from_me") || p.Bool("fromMe"),
		Timestamp: p.Time("timestamp", "date", "sent_at"),
		Raw:       p,
	}

	m.Sender = parseAttendee(p.Map("sender"))
	if m.Sender.ProviderID == "" {
		m.Sender.ProviderID = p.String("sender_id", "from", "sender.id")
	}
	if m.Sender.Name == "" {
		m.Sender.Name = p.String("sender_name", "pushname", "notify_name")
	}
	m.Attendees = parseAttendees(p, "attendees")
	m.IsGroup = IsGroupID(p.String("provider_chat_id", "chat_provider_id")) || p.Bool("is_group")
	m.Attachments = parseAttachments(p)

	if m.ChatID == "" {
		// One-to-one chats without a chat id are keyed by the remote party
		m.ChatID = m.Sender.ProviderID
	}
	if m.MessageID == "" {
		return m, fmt.Errorf("%w: whatsapp message without message_id", entity.ErrInvalidPayload)
	}
	if m.ChatID == "" {
		return m, fmt.Errorf("%w: whatsapp message without chat_id", entity.ErrInvalidPayload)
	}
	return m, nil
}

// Event converts to the provider-agnostic form
func (m WhatsAppMessage) Event() MessageEvent {
	dir := entity.DirectionInbound
	if m.IsSender || m.Sender.IsSelf {
		dir = entity.DirectionOutbound
	}
	return MessageEvent{
		AccountID:         m.AccountID,
		ExternalThreadID:  m.ChatID,
		ExternalMessageID: m.MessageID,
		Direction:         dir,
		Content:           m.Text,
		Sender:            m.Sender,
		Attendees:         m.Attendees,
		SentAt:            m.Timestamp,
		Attachments:       m.Attachments,
		Raw:               m.Raw,
	}
}

// EmailMessage is a parsed mail webhook
type EmailMessage struct {
	AccountID   string
	EmailID     string
	ThreadID    string
	Subject     string
	Body        string
	From        Attendee
	To          []Attendee
	CC          []Attendee
	BCC         []Attendee
	Headers     EmailHeaders
	IsSender    bool
	Date        *time.Time
	Attachments []Attachment
	Raw         Payload
}

// ParseEmailMessage parses a mail payload
func ParseEmailMessage(p Payload) (EmailMessage, error) {
	m := EmailMessage{
		AccountID: p.String("account_id"),
		EmailID:   p.String("email_id", "provider_id", "id", "message_id"),
		ThreadID:  p.String("thread_id", "conversation_id", "provider_thread_id"),
		Subject:   p.String("subject"),
		Body:      p.String("body_plain", "body", "text", "message"),
		IsSender:  p.Bool("is_sender") || strings.EqualFold(p.String("role"), "sent"),
		Date:      p.Time("date", "timestamp", "sent_at"),
		Raw:       p,
	}

	if from := parseAttendees(p, "from_attendee"); len(from) > 0 {
		m.From = from[0]
	} else if from := parseAttendees(p, "from"); len(from) > 0 {
		m.From = from[0]
	}
	m.To = firstAttendees(p, "to_attendees", "to")
	m.CC = firstAttendees(p, "cc_attendees", "cc")
	m.BCC = firstAttendees(p, "bcc_attendees", "bcc")

	m.Headers = EmailHeaders{
		MessageID:  cleanMessageID(p.String("message_id", "headers.message_id", "internet_message_id")),
		InReplyTo:  cleanMessageID(p.String("in_reply_to.message_id", "in_reply_to", "headers.in_reply_to")),
		References: parseReferences(p),
	}
	m.Attachments = parseAttachments(p)

	if m.ThreadID == "" {
		m.ThreadID = threadRoot(m.Headers)
	}
	if m.EmailID == "" {
		return m, fmt.Errorf("%w: email without id", entity.ErrInvalidPayload)
	}
	if m.ThreadID == "" {
		m.ThreadID = m.EmailID
	}
	return m, nil
}

// Event converts to the provider-agnostic form
func (m EmailMessage) Event() MessageEvent {
	dir := entity.DirectionInbound
	if m.IsSender {
		dir = entity.DirectionOutbound
	}
	attendees := make([]Attendee, 0, len(m.To)+len(m.CC)+len(m.BCC))
	attendees = append(attendees, m.To...)
	attendees = append(attendees, m.CC...)
	attendees = append(attendees, m.BCC...)
	headers := m.Headers
	return MessageEvent{
		AccountID:         m.AccountID,
		ExternalThreadID:  m.ThreadID,
		ExternalMessageID: m.EmailID,
		Direction:         dir,
		Content:           m.Body,
		Subject:           m.Subject,
		Sender:            m.From,
		Attendees:         attendees,
		SentAt:            m.Date,
		Attachments:       m.Attachments,
		Email:             &headers,
		Raw:               m.Raw,
	}
}

// LinkedInMessage is a parsed LinkedIn message webhook
type LinkedInMessage struct {
	AccountID   string
	ChatID      string
	MessageID   string
	Text        string
	Subject     string
	Sender      Attendee
	Attendees   []Attendee
	IsSender    bool
	Timestamp   *time.Time
	Attachments []Attachment
	Raw         Payload
}

// ParseLinkedInMessage parses a LinkedIn message payload
func ParseLinkedInMessage(p Payload) (LinkedInMessage, error) {
	m := LinkedInMessage{
		AccountID: p.String("account_id"),
		ChatID:    p.String("chat_id", "provider_chat_id", "conversation_id"),
		MessageID: p.String("message_id", "provider_message_id", "id"),
		Text:      p.String("message", "text", "body"),
		Subject:   p.String("subject", "inmail_subject"),
		IsSender:  p.Bool("is_sender"),
		Timestamp: p.Time("timestamp", "date"),
		Raw:       p,
	}
	m.Sender = parseAttendee(p.Map("sender"))
	if m.Sender.ProviderID == "" {
		m.Sender.ProviderID = p.String("sender_id", "sender_urn")
	}
	m.Attendees = parseAttendees(p, "attendees")
	m.Attachments = parseAttachments(p)

	if m.MessageID == "" || m.ChatID == "" {
		return m, fmt.Errorf("%w: linkedin message without message_id or chat_id", entity.ErrInvalidPayload)
	}
	return m, nil
}

// Event converts to the provider-agnostic form
func (m LinkedInMessage) Event() MessageEvent {
	dir := entity.DirectionInbound
	if m.IsSender || m.Sender.IsSelf {
		dir = entity.DirectionOutbound
	}
	return MessageEvent{
		AccountID:         m.AccountID,
		ExternalThreadID:  m.ChatID,
		ExternalMessageID: m.MessageID,
		Direction:         dir,
		Content:           m.Text,
		Subject:           m.Subject,
		Sender:            m.Sender,
		Attendees:         m.Attendees,
		SentAt:            m.Timestamp,
		Attachments:       m.Attachments,
		Raw:               m.Raw,
	}
}

// StatusEvent is a delivery or read receipt for a known message
type StatusEvent struct {
	AccountID         string
	ExternalMessageID string
	Status            entity.MessageStatus
	Reason            string
	Timestamp         *time.Time
	Raw               Payload
}

// ParseStatusEvent parses a status payload; status is the fallback when the
// payload does not carry one
func ParseStatusEvent(p Payload, status entity.MessageStatus) (StatusEvent, error) {
	e := StatusEvent{
		AccountID:         p.String("account_id"),
		ExternalMessageID: p.String("message_id", "provider_message_id", "email_id", "id"),
		Status:            status,
		Reason:            p.String("reason", "error", "error_message"),
		Timestamp:         p.Time("timestamp", "date"),
		Raw:               p,
	}
	if s := parseStatus(p.String("status", "receipt_status")); s != "" {
		e.Status = s
	}
	if e.ExternalMessageID == "" {
		return e, fmt.Errorf("%w: status event without message_id", entity.ErrInvalidPayload)
	}
	return e, nil
}

// TrackingEvent is an email or link tracking signal
type TrackingEvent struct {
	Kind              string
	AccountID         string
	ExternalMessageID string
	TrackingID        string
	Email             string
	URL               string
	Reason            string
	UserAgent         string
	IP                string
	Timestamp         *time.Time
	Raw               Payload
}

// ParseTrackingEvent parses a tracking payload
func ParseTrackingEvent(kind string, p Payload) TrackingEvent {
	e := TrackingEvent{
		Kind:              kind,
		AccountID:         p.String("account_id"),
		ExternalMessageID: p.String("message_id", "email_id", "provider_message_id"),
		TrackingID:        p.String("tracking_id", "label", "custom_id"),
		Email:             strings.ToLower(p.String("email", "recipient", "recipient_email", "to")),
		URL:               p.String("url", "link", "clicked_url"),
		Reason:            p.String("reason", "bounce_reason", "description"),
		UserAgent:         p.String("user_agent"),
		IP:                p.String("ip", "ip_address"),
		Timestamp:         p.Time("timestamp", "date", "event_time"),
		Raw:               p,
	}
	return e
}

// Record returns the event as a tracking entry for message metadata
func (e TrackingEvent) Record() map[string]any {
	rec := map[string]any{"event": e.Kind}
	put := func(k, v string) {
		if v != "" {
			rec[k] = v
		}
	}
	put("tracking_id", e.TrackingID)
	put("email", e.Email)
	put("url", e.URL)
	put("reason", e.Reason)
	put("user_agent", e.UserAgent)
	put("ip", e.IP)
	if e.Timestamp != nil {
		rec["timestamp"] = e.Timestamp.Format(time.RFC3339)
	}
	return rec
}

// AccountEvent is an account lifecycle webhook
type AccountEvent struct {
	AccountID string
	Status    string
	Message   string
	Raw       Payload
}

// ParseAccountEvent parses an account lifecycle payload
func ParseAccountEvent(p Payload) AccountEvent {
	return AccountEvent{
		AccountID: p.String("account_id", "AccountStatus.account_id"),
		Status:    p.String("status", "message", "AccountStatus.message"),
		Message:   p.String("error", "error_message", "reason", "AccountStatus.message"),
		Raw:       p,
	}
}

func parseStatus(s string) entity.MessageStatus {
	switch EventKey(s) {
	case "sent":
		return entity.StatusSent
	case "delivered", "delivery":
		return entity.StatusDelivered
	case "read", "seen", "opened":
		return entity.StatusRead
	case "failed", "error", "bounced":
		return entity.StatusFailed
	}
	return ""
}

func firstAttendees(p Payload, paths ...string) []Attendee {
	for _, path := range paths {
		if a := parseAttendees(p, path); len(a) > 0 {
			return a
		}
	}
	return nil
}

func parseAttachments(p Payload) []Attachment {
	items := p.List("attachments")
	out := make([]Attachment, 0, len(items))
	for _, item := range items {
		a := Attachment{
			ID:       item.String("id", "attachment_id"),
			Name:     item.String("name", "file_name", "filename"),
			MimeType: item.String("mimetype", "mime_type", "content_type"),
			URL:      item.String("url", "download_url", "attachment_url"),
		}
		if size, ok := number(item["size"]); ok {
			a.Size = int64(size)
		}
		if a.ID == "" && a.URL == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func parseReferences(p Payload) []string {
	var refs []string
	for _, raw := range append(p.Strings("references"), p.Strings("headers.references")...) {
		for _, field := range strings.Fields(raw) {
			if id := cleanMessageID(field); id != "" {
				refs = append(refs, id)
			}
		}
	}
	return refs
}

// cleanMessageID strips angle brackets from an RFC 5322 message id
func cleanMessageID(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "<"), ">")
}

// threadRoot derives a stable thread key from the reference chain
func threadRoot(h EmailHeaders) string {
	if len(h.References) > 0 {
		return h.References[0]
	}
	if h.InReplyTo != "" {
		return h.InReplyTo
	}
	return h.MessageID
}
