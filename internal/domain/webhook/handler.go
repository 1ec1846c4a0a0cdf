package webhook

import (
	"context"
	"log/slog"
	"slices"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/tenant"
)

// Op is the semantic operation an event type maps to
type Op string

const (
	OpMessageReceived     Op = "message_received"
	OpMessageSent         Op = "message_sent"
	OpMessageDelivered    Op = "message_delivered"
	OpMessageRead         Op = "message_read"
	OpMessageFailed       Op = "message_failed"
	OpAccountConnected    Op = "account_connected"
	OpAccountDisconnected Op = "account_disconnected"
	OpAccountError        Op = "account_error"

	OpTrackDelivery Op = "track_delivery"
	OpTrackOpen     Op = "track_open"
	OpTrackClick    Op = "track_click"
	OpTrackBounce   Op = "track_bounce"
	OpTrackOptOut   Op = "track_opt_out"
)

// Event is a routed webhook. Route is nil for tracking events of accounts no
// tenant owns.
type Event struct {
	Type      string
	AccountID string
	Route     *dao.Route
	Payload   normalize.Payload
}

// Handler processes the events of one provider
type Handler interface {
	Provider() string
	// SupportedEvents lists canonical event keys, see normalize.EventKey.
	SupportedEvents() []string
	// ExtractAccountID returns the external account id, "" if the payload has none.
	ExtractAccountID(p normalize.Payload) string
	// Validate checks the payload shape for eventType; unknown events pass.
	Validate(eventType string, p normalize.Payload) error
	ProcessEvent(ctx context.Context, tc tenant.Context, ev Event) Result
}

type eventFunc func(ctx context.Context, tc tenant.Context, ev Event) Result

// eventTable maps event type spellings to operations and operations to
// functions; built once per handler
type eventTable struct {
	provider string
	ops      map[string]Op
	fns      map[Op]eventFunc
	shapes   map[Op]string
	logger   *slog.Logger
}

func newEventTable(provider string, logger *slog.Logger) *eventTable {
	return &eventTable{
		provider: provider,
		ops:      make(map[string]Op),
		fns:      make(map[Op]eventFunc),
		shapes:   make(map[Op]string),
		logger:   logger,
	}
}

// on binds op to fn for every listed spelling; shape names the payload schema
func (t *eventTable) on(op Op, shape string, fn eventFunc, eventTypes ...string) {
	t.fns[op] = fn
	if shape != "" {
		t.shapes[op] = shape
	}
	for _, et := range eventTypes {
		t.ops[normalize.EventKey(et)] = op
	}
}

func (t *eventTable) lookup(eventType string) (Op, bool) {
	op, ok := t.ops[normalize.EventKey(eventType)]
	return op, ok
}

func (t *eventTable) supported() []string {
	keys := make([]string, 0, len(t.ops))
	for k := range t.ops {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (t *eventTable) validate(eventType string, p normalize.Payload) error {
	op, ok := t.lookup(eventType)
	if !ok {
		return nil
	}
	return validateShape(t.shapes[op], p)
}

func (t *eventTable) process(ctx context.Context, tc tenant.Context, ev Event) Result {
	op, ok := t.lookup(ev.Type)
	if !ok {
		t.logger.Warn("unsupported webhook event",
			"provider", t.provider,
			"event_type", ev.Type,
			"account_id", ev.AccountID,
		)
		res := noted(NoteNotProcessed)
		res.EventType = ev.Type
		return res
	}

	res := t.fns[op](ctx, tc, ev)
	if res.EventType == "" {
		res.EventType = ev.Type
	}
	if res.AccountID == "" {
		res.AccountID = ev.AccountID
	}
	return res
}

