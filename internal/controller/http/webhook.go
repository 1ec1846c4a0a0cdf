package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/domain/webhook"
	"github.com/vadim/unified-comms/internal/httpx/response"
)

// WebhookDispatcher processes provider webhooks
type WebhookDispatcher interface {
	ProcessWebhook(ctx context.Context, eventType string, payload normalize.Payload) webhook.Result
}

// WebhookHandler handles provider webhook deliveries
type WebhookHandler struct {
	dispatcher WebhookDispatcher
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(d WebhookDispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: d}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		// Event type carried in the body (event_type, type or event)
		r.Post("/", h.Receive())

		// Event type in the path; the body is the bare payload
		r.Post("/{eventType}", h.Receive())
	})
}

// Receive handles POST /webhooks and POST /webhooks/{eventType}
func (h *WebhookHandler) Receive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := response.Decode(r, &payload); err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		if payload == nil {
			response.BadRequest(w, "payload must be a JSON object")
			return
		}

		res := h.dispatcher.ProcessWebhook(r.Context(), chi.URLParam(r, "eventType"), payload)
		response.JSON(w, webhookStatus(res), res)
	}
}

// webhookStatus maps a result to its HTTP status. Processed and ignored
// events are 200 so providers stop retrying them.
func webhookStatus(res webhook.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Failure {
	case webhook.FailureInvalid:
		return http.StatusBadRequest
	case webhook.FailureUnroutable:
		return http.StatusUnprocessableEntity
	case webhook.FailureInternal:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}
