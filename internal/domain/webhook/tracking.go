package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/domain/comms/writer"
	"github.com/vadim/unified-comms/internal/tenant"
)

// ProviderTracking names the tracking handler
const ProviderTracking = "tracking"

// TrackingHandler processes delivery, open, click and opt-out signals. It is
// consulted before account routing: opt-outs must be recorded even when no
// tenant owns the account.
type TrackingHandler struct {
	events       *eventTable
	messages     dao.MessageRepository
	suppressions dao.SuppressionRepository
	layer        writer.ChannelLayer
	logger       *slog.Logger
}

// NewTrackingHandler creates a new handler; layer may be nil
func NewTrackingHandler(
	messages dao.MessageRepository,
	suppressions dao.SuppressionRepository,
	layer writer.ChannelLayer,
	logger *slog.Logger,
) *TrackingHandler {
	h := &TrackingHandler{
		messages:     messages,
		suppressions: suppressions,
		layer:        layer,
		logger:       logger,
	}

	t := newEventTable(ProviderTracking, logger)
	t.on(OpTrackDelivery, shapeTracking, h.delivery, "delivery_status")
	t.on(OpTrackOpen, shapeTracking, h.open, "read_receipt", "tracking_pixel", "email_opened", "mail_opened")
	t.on(OpTrackClick, shapeTracking, h.click, "link_click", "link_clicked")
	t.on(OpTrackBounce, shapeTracking, h.bounce, "bounce", "email_bounced")
	t.on(OpTrackOptOut, shapeTracking, h.optOut, "unsubscribe", "spam_report", "complaint")
	h.events = t
	return h
}

func (h *TrackingHandler) Provider() string { return ProviderTracking }

func (h *TrackingHandler) SupportedEvents() []string { return h.events.supported() }

// Handles reports whether eventType is a tracking event
func (h *TrackingHandler) Handles(eventType string) bool {
	_, ok := h.events.lookup(eventType)
	return ok
}

func (h *TrackingHandler) ExtractAccountID(p normalize.Payload) string {
	return p.String("account_id", "mailbox_id", "account.id")
}

func (h *TrackingHandler) Validate(eventType string, p normalize.Payload) error {
	return h.events.validate(eventType, p)
}

func (h *TrackingHandler) ProcessEvent(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.events.process(ctx, tc, ev)
}

// ProcessUnrouted handles a tracking event no tenant owns. Opt-outs and
// bounces are recorded in the public suppression list; anything else fails
// as unroutable.
func (h *TrackingHandler) ProcessUnrouted(ctx context.Context, ev Event) Result {
	op, _ := h.events.lookup(ev.Type)
	switch op {
	case OpTrackBounce, OpTrackOptOut:
		te := normalize.ParseTrackingEvent(normalize.EventKey(ev.Type), ev.Payload)
		if err := h.suppress(ctx, te); err != nil {
			return failure(err)
		}
		res := noted(NoteSuppressed)
		res.EventType = ev.Type
		res.AccountID = ev.AccountID
		return res
	}

	err := entity.ErrUnroutable
	if ev.AccountID == "" {
		err = entity.ErrNoAccountID
	}
	res := failure(fmt.Errorf("tracking event %s: %w", ev.Type, err))
	res.EventType = ev.Type
	res.AccountID = ev.AccountID
	return res
}

func (h *TrackingHandler) delivery(ctx context.Context, tc tenant.Context, ev Event) Result {
	se, err := normalize.ParseStatusEvent(ev.Payload, entity.StatusDelivered)
	if err != nil {
		return failure(err)
	}
	return h.status(ctx, tc, ev, se.ExternalMessageID, se.Status)
}

func (h *TrackingHandler) open(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.status(ctx, tc, ev, h.messageID(ev), entity.StatusRead)
}

func (h *TrackingHandler) bounce(ctx context.Context, tc tenant.Context, ev Event) Result {
	te := normalize.ParseTrackingEvent(normalize.EventKey(ev.Type), ev.Payload)
	if te.Email == "" && te.ExternalMessageID == "" {
		return failure(fmt.Errorf("%w: bounce without recipient or message_id", entity.ErrInvalidPayload))
	}
	if te.Email != "" {
		if err := h.suppress(ctx, te); err != nil {
			return failure(err)
		}
	}
	if te.ExternalMessageID == "" {
		return noted(NoteSuppressed)
	}
	return h.status(ctx, tc, ev, te.ExternalMessageID, entity.StatusFailed)
}

func (h *TrackingHandler) click(ctx context.Context, tc tenant.Context, ev Event) Result {
	return h.append(ctx, tc, ev)
}

func (h *TrackingHandler) optOut(ctx context.Context, tc tenant.Context, ev Event) Result {
	te := normalize.ParseTrackingEvent(normalize.EventKey(ev.Type), ev.Payload)
	if err := h.suppress(ctx, te); err != nil {
		return failure(err)
	}
	res := h.append(ctx, tc, ev)
	if res.Success && res.Note == "" {
		res.Note = NoteSuppressed
	}
	return res
}

func (h *TrackingHandler) messageID(ev Event) string {
	return normalize.ParseTrackingEvent(ev.Type, ev.Payload).ExternalMessageID
}

// status moves a tracked message's status forward
func (h *TrackingHandler) status(ctx context.Context, tc tenant.Context, ev Event, externalID string, status entity.MessageStatus) Result {
	if externalID == "" {
		return failure(fmt.Errorf("%w: tracking event without message_id", entity.ErrInvalidPayload))
	}
	te := normalize.ParseTrackingEvent(normalize.EventKey(ev.Type), ev.Payload)
	return setStatus(ctx, tc, h.messages, h.layer, h.logger, externalID, status, te.Record())
}

// append records the event on the tracked message without a status change
func (h *TrackingHandler) append(ctx context.Context, tc tenant.Context, ev Event) Result {
	te := normalize.ParseTrackingEvent(normalize.EventKey(ev.Type), ev.Payload)
	if te.ExternalMessageID == "" {
		return noted(NoteUnknownMsg)
	}
	msg, err := h.messages.GetByExternalID(ctx, tc, te.ExternalMessageID)
	if err != nil {
		return failure(fmt.Errorf("getting message: %w", err))
	}
	if msg == nil {
		return noted(NoteUnknownMsg)
	}
	if err := h.messages.AppendTrackingEvent(ctx, tc, msg.ID, te.Record()); err != nil {
		return failure(fmt.Errorf("recording tracking event: %w", err))
	}
	return Result{Success: true, ConversationID: msg.ConversationID, MessageID: msg.ID}
}

func (h *TrackingHandler) suppress(ctx context.Context, te normalize.TrackingEvent) error {
	if te.Email == "" {
		return fmt.Errorf("%w: %s without recipient email", entity.ErrInvalidPayload, te.Kind)
	}
	err := h.suppressions.Add(ctx, &entity.Suppression{
		ID:        uuid.NewString(),
		Email:     te.Email,
		AccountID: te.AccountID,
		EventType: te.Kind,
		Reason:    te.Reason,
		Raw:       te.Raw.Clone(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording suppression: %w", err)
	}
	h.logger.Info("suppression recorded", "email", te.Email, "event_type", te.Kind, "account_id", te.AccountID)
	return nil
}
