package http

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/unified-comms/internal/httpx/response"
)

var channelName = regexp.MustCompile(`^[A-Za-z0-9_.@:-]{1,200}$`)

// ChannelRelay streams a channel-layer group over a websocket
type ChannelRelay interface {
	Serve(w http.ResponseWriter, r *http.Request, group string)
}

// RealtimeHandler handles websocket subscriptions
type RealtimeHandler struct {
	relay ChannelRelay
}

// NewRealtimeHandler creates a new realtime handler
func NewRealtimeHandler(relay ChannelRelay) *RealtimeHandler {
	return &RealtimeHandler{relay: relay}
}

// RegisterRoutes registers websocket routes
func (h *RealtimeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/channels/{channel}", h.Subscribe())
}

// Subscribe handles GET /ws/channels/{channel}
func (h *RealtimeHandler) Subscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := chi.URLParam(r, "channel")
		if !channelName.MatchString(channel) {
			response.BadRequest(w, "invalid channel name")
			return
		}
		h.relay.Serve(w, r, channel)
	}
}
