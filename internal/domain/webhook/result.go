// Package webhook turns provider webhooks into stored conversations.
//
// The Dispatcher is the single entry point. It routes an event to the tenant
// that owns the external account, picks the handler for the connection's
// channel type and runs it inside that tenant's schema. Every outcome, panics
// included, comes back as a Result; nothing is raised past the boundary.
package webhook

import (
	"errors"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
)

// FailureKind classifies a failed result for the transport layer
type FailureKind string

const (
	// FailureInvalid is a malformed payload; it is rejected without processing
	FailureInvalid FailureKind = "invalid"
	// FailureUnroutable means no tenant owns the account
	FailureUnroutable FailureKind = "unroutable"
	// FailureInternal is a storage or tenant-context failure
	FailureInternal FailureKind = "internal"
)

// Result notes
const (
	NoteNotProcessed = "not processed"
	NoteDuplicate    = "skipped duplicate"
	NoteNotStored    = "no linked participants, conversation not stored"
	NoteUnknownMsg   = "message not found"
	NoteSuppressed   = "suppression recorded"
)

// Result is the outcome of one webhook
type Result struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Note           string `json:"note,omitempty"`
	Provider       string `json:"provider,omitempty"`
	EventType      string `json:"event_type,omitempty"`
	AccountID      string `json:"account_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Created        bool   `json:"created,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`

	Failure FailureKind `json:"-"`
}

func noted(note string) Result {
	return Result{Success: true, Note: note}
}

// failure converts err to a failed result, classified by its sentinel
func failure(err error) Result {
	kind := FailureInternal
	switch {
	case errors.Is(err, entity.ErrInvalidPayload):
		kind = FailureInvalid
	case errors.Is(err, entity.ErrUnroutable), errors.Is(err, entity.ErrNoAccountID), errors.Is(err, entity.ErrNoHandler):
		kind = FailureUnroutable
	}
	return Result{Success: false, Error: err.Error(), Failure: kind}
}
