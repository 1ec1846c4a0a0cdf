package webhook

import (
	"context"
	"log/slog"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/tenant"
)

// ProviderEmail names the email handler
const ProviderEmail = "email"

// EmailHandler processes mail events of gmail, outlook and imap accounts
type EmailHandler struct {
	events   *eventTable
	pipeline *Pipeline
}

// NewEmailHandler creates a new handler
func NewEmailHandler(p *Pipeline, logger *slog.Logger) *EmailHandler {
	h := &EmailHandler{pipeline: p}

	t := newEventTable(ProviderEmail, logger)
	t.on(OpMessageReceived, shapeEmailMessage, h.mailReceived,
		"mail_received", "email_received", "message_received", "new_email", "mail_created", "new_message")
	t.on(OpMessageSent, shapeEmailMessage, h.mailSent,
		"mail_sent", "email_sent", "message_sent")
	p.bindStatusEvents(t,
		[]string{"mail_delivered", "email_delivered", "message_delivered"},
		[]string{"mail_read", "email_read", "message_read"},
		[]string{"mail_failed", "email_failed", "message_failed", "mail_bounced"},
	)
	p.bindAccountEvents(t)
	h.events = t
	return h
}

func (h *EmailHandler) Provider() string { return ProviderEmail }

func (h *EmailHandler) SupportedEvents() []string { return h.events.supported() }

func (h *EmailHandler) ExtractAccountID(p normalize.Payload) string {
	return p.String("account_id", "mailbox_id", "account.id", "AccountStatus.account_id")
}

func (h *EmailHandler) Validate(eventType string, p normalize.Payload) error {
	return h.events.validate(eventType, p)
}

func (h *EmailHandler) ProcessEvent(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.events.process(ctx, tc, ev)
}

func (h *EmailHandler) mailReceived(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.mail(ctx, tc, ev, false)
}

func (h *EmailHandler) mailSent(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.mail(ctx, tc, ev, true)
}

func (h *EmailHandler) mail(ctx context.Context, tc tenant.Context, ev Event, outbound bool) Result {
	m, err := normalize.ParseEmailMessage(ev.Payload)
	if err != nil {
		return failure(err)
	}
	msg := m.Event()
	if outbound || normalize.IsAccountOwner(m.From, ev.Route.Connection.AccountIdentifier) {
		msg.Direction = entity.DirectionOutbound
	}
	return h.pipeline.ingest(ctx, tc, ev, msg)
}
