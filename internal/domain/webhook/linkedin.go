package webhook

import (
	"context"
	"log/slog"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/tenant"
)

// ProviderLinkedIn names the LinkedIn handler
const ProviderLinkedIn = "linkedin"

// LinkedInHandler processes LinkedIn messaging and InMail events
type LinkedInHandler struct {
	events   *eventTable
	pipeline *Pipeline
}

// NewLinkedInHandler creates a new handler
func NewLinkedInHandler(p *Pipeline, logger *slog.Logger) *LinkedInHandler {
	h := &LinkedInHandler{pipeline: p}

	t := newEventTable(ProviderLinkedIn, logger)
	t.on(OpMessageReceived, shapeChatMessage, h.messageReceived,
		"message_received", "new_message", "inmail_received", "linkedin_message")
	t.on(OpMessageSent, shapeChatMessage, h.messageSent,
		"message_sent", "inmail_sent")
	p.bindStatusEvents(t,
		[]string{"message_delivered"},
		[]string{"message_read", "message_seen"},
		[]string{"message_failed"},
	)
	p.bindAccountEvents(t)
	h.events = t
	return h
}

func (h *LinkedInHandler) Provider() string { return ProviderLinkedIn }

func (h *LinkedInHandler) SupportedEvents() []string { return h.events.supported() }

func (h *LinkedInHandler) ExtractAccountID(p normalize.Payload) string {
	return p.String("account_id", "account.id", "AccountStatus.account_id")
}

func (h *LinkedInHandler) Validate(eventType string, p normalize.Payload) error {
	return h.events.validate(eventType, p)
}

func (h *LinkedInHandler) ProcessEvent(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.events.process(ctx, tc, ev)
}

func (h *LinkedInHandler) messageReceived(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.message(ctx, tc, ev, false)
}

func (h *LinkedInHandler) messageSent(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.message(ctx, tc, ev, true)
}

func (h *LinkedInHandler) message(ctx context.Context, tc tenant.Context, ev Event, outbound bool) Result {
	m, err := normalize.ParseLinkedInMessage(ev.Payload)
	if err != nil {
		return failure(err)
	}
	msg := m.Event()
	if outbound {
		msg.Direction = entity.DirectionOutbound
	}
	return h.pipeline.ingest(ctx, tc, ev, msg)
}
