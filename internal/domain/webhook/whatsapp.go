package webhook

import (
	"context"
	"log/slog"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/tenant"
)

// ProviderWhatsApp names the WhatsApp handler; it also serves as the default
// for chat channels without a dedicated handler
const ProviderWhatsApp = "whatsapp"

// WhatsAppHandler processes WhatsApp and generic chat events
type WhatsAppHandler struct {
	events   *eventTable
	pipeline *Pipeline
	email    *EmailHandler
}

// NewWhatsAppHandler creates a new handler. Message events of email
// connections are handed to email when it is set.
func NewWhatsAppHandler(p *Pipeline, email *EmailHandler, logger *slog.Logger) *WhatsAppHandler {
	h := &WhatsAppHandler{pipeline: p, email: email}

	t := newEventTable(ProviderWhatsApp, logger)
	t.on(OpMessageReceived, shapeChatMessage, h.messageReceived,
		"message_received", "new_message", "message", "message_created", "messages_upsert")
	t.on(OpMessageSent, shapeChatMessage, h.messageSent,
		"message_sent", "outgoing_message", "message_outgoing")
	p.bindStatusEvents(t,
		[]string{"message_delivered", "delivered", "message_ack"},
		[]string{"message_read", "read", "message_seen"},
		[]string{"message_failed", "failed"},
	)
	p.bindAccountEvents(t)
	h.events = t
	return h
}

func (h *WhatsAppHandler) Provider() string { return ProviderWhatsApp }

func (h *WhatsAppHandler) SupportedEvents() []string { return h.events.supported() }

func (h *WhatsAppHandler) ExtractAccountID(p normalize.Payload) string {
	return p.String("account_id", "accountId", "account.id", "AccountStatus.account_id")
}

func (h *WhatsAppHandler) Validate(eventType string, p normalize.Payload) error {
	return h.events.validate(eventType, p)
}

func (h *WhatsAppHandler) ProcessEvent(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.events.process(ctx, tc, ev)
}

func (h *WhatsAppHandler) messageReceived(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.message(ctx, tc, ev, false)
}

func (h *WhatsAppHandler) messageSent(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.message(ctx, tc, ev, true)
}

// message stores a chat message. The connection decides the provider: an
// email connection is always stored as mail, whatever the event was called.
func (h *WhatsAppHandler) message(ctx context.Context, tc tenant.Context, ev Event, outbound bool) Result {
	if h.email != nil && ev.Route.Connection.ChannelType.IsEmail() {
		return h.email.mail(ctx, tc, ev, outbound)
	}

	m, err := normalize.ParseWhatsAppMessage(ev.Payload)
	if err != nil {
		return failure(err)
	}
	msg := m.Event()
	if outbound {
		msg.Direction = entity.DirectionOutbound
	}
	return h.pipeline.ingest(ctx, tc, ev, msg)
}
