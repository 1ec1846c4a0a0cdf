package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	pservice "github.com/vadim/unified-comms/internal/domain/participant/service"
	"github.com/vadim/unified-comms/internal/domain/sync/orchestrator"
	tservice "github.com/vadim/unified-comms/internal/domain/threading/service"
	"github.com/vadim/unified-comms/internal/httpx/response"
	"github.com/vadim/unified-comms/internal/tenant"
)

// Threader computes unified threads of a record
type Threader interface {
	CreateUnifiedThread(ctx context.Context, tc tenant.Context, in tservice.ThreadInput) (*tservice.Summary, error)
}

// BatchResolver links many participants to CRM records
type BatchResolver interface {
	ResolveBatch(ctx context.Context, tc tenant.Context, in pservice.BatchInput) (*pservice.BatchOutput, error)
}

// HistorySyncer backfills a contact's history
type HistorySyncer interface {
	SyncContactHistory(ctx context.Context, tc tenant.Context, in orchestrator.HistoryInput) (*orchestrator.HistoryOutput, error)
}

// TenantHandler handles tenant-scoped operations
type TenantHandler struct {
	switcher tenant.Switcher
	threader Threader
	resolver BatchResolver
	history  HistorySyncer
}

// NewTenantHandler creates a new tenant handler
func NewTenantHandler(sw tenant.Switcher, threader Threader, resolver BatchResolver, history HistorySyncer) *TenantHandler {
	return &TenantHandler{
		switcher: sw,
		threader: threader,
		resolver: resolver,
		history:  history,
	}
}

// RegisterRoutes registers tenant routes
func (h *TenantHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tenants/{schema}", func(r chi.Router) {
		// Unified threads of a CRM record
		r.Post("/records/{recordId}/threads", h.Thread())

		// Batch contact resolution
		r.Post("/participants/resolve", h.ResolveParticipants())

		// Contact history backfill
		r.Post("/contacts/{recordId}/history-sync", h.SyncHistory())
	})
}

// Thread handles POST /tenants/{schema}/records/{recordId}/threads
func (h *TenantHandler) Thread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		in := tservice.ThreadInput{
			RecordID:      chi.URLParam(r, "recordId"),
			ForceRethread: force,
		}

		var out *tservice.Summary
		err := h.inTenant(r, func(tc tenant.Context) (err error) {
			out, err = h.threader.CreateUnifiedThread(r.Context(), tc, in)
			return err
		})
		if err != nil {
			handleTenantError(w, err)
			return
		}
		response.OK(w, out)
	}
}

// ResolveParticipantsRequest is the body of a batch resolution
type ResolveParticipantsRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	Limit          int      `json:"limit"`
	Concurrency    int      `json:"concurrency"`
}

// ResolveParticipants handles POST /tenants/{schema}/participants/resolve
func (h *TenantHandler) ResolveParticipants() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveParticipantsRequest
		if err := response.Decode(r, &req); err != nil && !errors.Is(err, response.ErrEmptyBody) {
			response.BadRequest(w, err.Error())
			return
		}

		var out *pservice.BatchOutput
		err := h.inTenant(r, func(tc tenant.Context) (err error) {
			out, err = h.resolver.ResolveBatch(r.Context(), tc, pservice.BatchInput{
				ParticipantIDs: req.ParticipantIDs,
				Limit:          req.Limit,
				Concurrency:    req.Concurrency,
			})
			return err
		})
		if err != nil {
			handleTenantError(w, err)
			return
		}
		response.OK(w, out)
	}
}

// SyncHistoryRequest is the body of a contact history backfill
type SyncHistoryRequest struct {
	UserID        string `json:"user_id"`
	ParticipantID string `json:"participant_id"`
	TaskID        string `json:"task_id"`
}

// SyncHistory handles POST /tenants/{schema}/contacts/{recordId}/history-sync
func (h *TenantHandler) SyncHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncHistoryRequest
		if err := response.Decode(r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		if req.UserID == "" {
			response.BadRequest(w, "user_id is required")
			return
		}

		var out *orchestrator.HistoryOutput
		err := h.inTenant(r, func(tc tenant.Context) (err error) {
			out, err = h.history.SyncContactHistory(r.Context(), tc, orchestrator.HistoryInput{
				UserID:        req.UserID,
				RecordID:      chi.URLParam(r, "recordId"),
				ParticipantID: req.ParticipantID,
				TaskID:        req.TaskID,
			})
			return err
		})
		if err != nil {
			handleTenantError(w, err)
			return
		}
		response.OK(w, out)
	}
}

func (h *TenantHandler) inTenant(r *http.Request, fn func(tc tenant.Context) error) error {
	return tenant.Run(r.Context(), h.switcher, chi.URLParam(r, "schema"), fn)
}

// handleTenantError maps domain errors to HTTP responses
func handleTenantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrEmptySchema), errors.Is(err, entity.ErrInvalidPayload):
		response.BadRequest(w, err.Error())
	case errors.Is(err, entity.ErrParticipantNotFound),
		errors.Is(err, entity.ErrConversationNotFound),
		errors.Is(err, entity.ErrConnectionNotFound):
		response.NotFound(w, err.Error())
	default:
		response.InternalError(w, "internal error")
	}
}
