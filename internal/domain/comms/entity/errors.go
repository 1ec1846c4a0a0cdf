package entity

import "errors"

// Domain errors for unified communications
var (
	ErrConnectionNotFound   = errors.New("channel connection not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrNoIdentifiers        = errors.New("no participant identifiers")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrUnroutable           = errors.New("account is not owned by any tenant")
	ErrNoAccountID          = errors.New("no account id in payload")
	ErrNoHandler            = errors.New("no handler for provider")
)
