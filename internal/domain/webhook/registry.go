package webhook

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
)

// Registry maps channel types to handlers
type Registry struct {
	mu        sync.RWMutex
	handlers  []Handler
	byChannel map[entity.ChannelType]Handler
	fallback  Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byChannel: make(map[entity.ChannelType]Handler)}
}

// NewDefaultRegistry wires the WhatsApp, email and LinkedIn handlers over p.
// The WhatsApp handler also serves chat channels without their own handler.
func NewDefaultRegistry(p *Pipeline, logger *slog.Logger) *Registry {
	email := NewEmailHandler(p, logger)
	whatsapp := NewWhatsAppHandler(p, email, logger)
	linkedin := NewLinkedInHandler(p, logger)

	r := NewRegistry()
	r.Register(whatsapp, entity.ChannelTypeWhatsApp)
	r.Register(email, entity.ChannelTypeGmail, entity.ChannelTypeOutlook, entity.ChannelTypeMail, entity.ChannelTypeEmail)
	r.Register(linkedin, entity.ChannelTypeLinkedIn)
	r.SetDefault(whatsapp)
	return r
}

// Register binds h to channel types; handlers are asked for account ids in
// registration order
func (r *Registry) Register(h Handler, channelTypes ...entity.ChannelType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	for _, t := range channelTypes {
		r.byChannel[t] = h
	}
}

// SetDefault sets the handler for channel types without a binding
func (r *Registry) SetDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// ForChannel returns the handler of a channel type
func (r *Registry) ForChannel(t entity.ChannelType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.byChannel[t]; ok {
		return h, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", entity.ErrNoHandler, t)
}

// ExtractAccountID asks every handler in turn; the first non-empty id wins
func (r *Registry) ExtractAccountID(p normalize.Payload) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if id := h.ExtractAccountID(p); id != "" {
			return id
		}
	}
	return ""
}

// Handlers returns the registered handlers in registration order
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}
