package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/tenant"
)

// Dispatcher is the webhook entry point
type Dispatcher struct {
	registry *Registry
	tracking *TrackingHandler
	router   dao.AccountRouter
	switcher tenant.Switcher
	logger   *slog.Logger
}

// NewDispatcher creates a new dispatcher; tracking may be nil
func NewDispatcher(
	registry *Registry,
	tracking *TrackingHandler,
	router dao.AccountRouter,
	switcher tenant.Switcher,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		tracking: tracking,
		router:   router,
		switcher: switcher,
		logger:   logger,
	}
}

// ProcessWebhook routes one event to its tenant and handler. It never
// panics and never returns an error; failures come back as a Result with
// Success=false.
func (d *Dispatcher) ProcessWebhook(ctx context.Context, eventType string, payload normalize.Payload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("webhook processing panicked", "event_type", eventType, "panic", r)
			res = Result{
				Success:   false,
				Error:     "internal error",
				EventType: eventType,
				Failure:   FailureInternal,
			}
		}
	}()

	if payload == nil {
		return d.reject(eventType, fmt.Errorf("%w: empty payload", entity.ErrInvalidPayload))
	}
	if strings.TrimSpace(eventType) == "" {
		eventType = normalize.EventType(payload)
	}
	if eventType == "" {
		return d.reject(eventType, fmt.Errorf("%w: missing event type", entity.ErrInvalidPayload))
	}

	if d.tracking != nil && d.tracking.Handles(eventType) {
		return d.processTracking(ctx, eventType, payload)
	}

	accountID := d.registry.ExtractAccountID(payload)
	if accountID == "" {
		return d.reject(eventType, entity.ErrNoAccountID)
	}

	route, err := d.router.Resolve(ctx, accountID)
	if err != nil {
		res := d.reject(eventType, fmt.Errorf("routing account %s: %w", accountID, err))
		res.AccountID = accountID
		return res
	}

	h, err := d.registry.ForChannel(route.Connection.ChannelType)
	if err != nil {
		res := d.reject(eventType, err)
		res.AccountID = accountID
		return res
	}

	if err := h.Validate(eventType, payload); err != nil {
		res := d.reject(eventType, err)
		res.AccountID = accountID
		res.Provider = string(route.Connection.ChannelType)
		return res
	}

	ev := Event{Type: eventType, AccountID: accountID, Route: route, Payload: payload}
	res = d.run(ctx, route.Schema, ev, h.ProcessEvent)
	res.Provider = string(route.Connection.ChannelType)
	d.log(res, route.Schema)
	return res
}

// ProcessInTenant runs an event of a known connection inside tc. Backfills
// use it; they already hold the tenant and need no routing.
func (d *Dispatcher) ProcessInTenant(
	ctx context.Context,
	tc tenant.Context,
	conn *entity.UserChannelConnection,
	eventType string,
	payload normalize.Payload,
) Result {
	h, err := d.registry.ForChannel(conn.ChannelType)
	if err != nil {
		return failure(err)
	}
	if err := h.Validate(eventType, payload); err != nil {
		return failure(err)
	}

	ev := Event{
		Type:      eventType,
		AccountID: conn.ExternalAccountID,
		Route:     &dao.Route{Schema: tc.Schema, Connection: conn},
		Payload:   payload,
	}
	res := h.ProcessEvent(ctx, tc, ev)
	res.Provider = string(conn.ChannelType)
	return res
}

func (d *Dispatcher) processTracking(ctx context.Context, eventType string, payload normalize.Payload) Result {
	if err := d.tracking.Validate(eventType, payload); err != nil {
		return d.reject(eventType, err)
	}

	accountID := d.tracking.ExtractAccountID(payload)
	if accountID == "" {
		accountID = d.registry.ExtractAccountID(payload)
	}
	ev := Event{Type: eventType, AccountID: accountID, Payload: payload}

	if accountID != "" {
		route, err := d.router.Resolve(ctx, accountID)
		switch {
		case err == nil:
			ev.Route = route
		case errors.Is(err, entity.ErrUnroutable), errors.Is(err, entity.ErrNoAccountID):
		default:
			res := d.reject(eventType, fmt.Errorf("routing account %s: %w", accountID, err))
			res.AccountID = accountID
			return res
		}
	}

	var res Result
	schema := ""
	if ev.Route == nil {
		res = d.tracking.ProcessUnrouted(ctx, ev)
	} else {
		schema = ev.Route.Schema
		res = d.run(ctx, schema, ev, d.tracking.ProcessEvent)
	}
	res.Provider = ProviderTracking
	d.log(res, schema)
	return res
}

// run executes fn inside the tenant schema
func (d *Dispatcher) run(ctx context.Context, schema string, ev Event, fn func(context.Context, tenant.Context, Event) Result) Result {
	var res Result
	err := tenant.Run(ctx, d.switcher, schema, func(tc tenant.Context) error {
		res = fn(ctx, tc, ev)
		return nil
	})
	if err != nil {
		res = failure(fmt.Errorf("tenant context %s: %w", schema, err))
		res.Failure = FailureInternal
	}
	res.EventType = ev.Type
	res.AccountID = ev.AccountID
	return res
}

func (d *Dispatcher) reject(eventType string, err error) Result {
	res := failure(err)
	res.EventType = eventType
	d.logger.Warn("webhook rejected", "event_type", eventType, "reason", res.Failure, "error", err)
	return res
}

func (d *Dispatcher) log(res Result, schema string) {
	attrs := []any{
		"event_type", res.EventType,
		"account_id", res.AccountID,
		"provider", res.Provider,
		"schema", schema,
		"conversation_id", res.ConversationID,
		"message_id", res.MessageID,
	}
	switch {
	case !res.Success && res.Failure == FailureInternal:
		d.logger.Error("webhook failed", append(attrs, "error", res.Error)...)
	case !res.Success:
		d.logger.Warn("webhook failed", append(attrs, "error", res.Error)...)
	default:
		d.logger.Info("webhook processed", append(attrs, "created", res.Created, "note", res.Note)...)
	}
}
