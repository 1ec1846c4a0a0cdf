package entity

import (
	"strings"
	"time"
)

// ChannelType identifies the external provider behind a channel
type ChannelType string

const (
	ChannelTypeWhatsApp  ChannelType = "whatsapp"
	ChannelTypeGmail     ChannelType = "gmail"
	ChannelTypeOutlook   ChannelType = "outlook"
	ChannelTypeMail      ChannelType = "mail"
	ChannelTypeEmail     ChannelType = "email"
	ChannelTypeLinkedIn  ChannelType = "linkedin"
	ChannelTypeInstagram ChannelType = "instagram"
	ChannelTypeMessenger ChannelType = "messenger"
	ChannelTypeTelegram  ChannelType = "telegram"
	ChannelTypeTwitter   ChannelType = "twitter"
)

// ParseChannelType normalizes a provider-reported channel type
func ParseChannelType(s string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(s)))
}

// IsEmail reports whether the channel carries email
func (t ChannelType) IsEmail() bool {
	switch t {
	case ChannelTypeGmail, ChannelTypeOutlook, ChannelTypeMail, ChannelTypeEmail:
		return true
	}
	return false
}

// AuthStatus is the authentication state of an external account
type AuthStatus string

const (
	AuthStatusPending       AuthStatus = "pending"
	AuthStatusAuthenticated AuthStatus = "authenticated"
	AuthStatusFailed        AuthStatus = "failed"
	AuthStatusExpired       AuthStatus = "expired"
	AuthStatusDisconnected  AuthStatus = "disconnected"
)

// Channel is a configured connection to one external account.
// Channels are soft-disabled, never deleted.
type Channel struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	ChannelType       ChannelType `json:"channel_type"`
	ExternalAccountID string      `json:"external_account_id"`
	AuthStatus        AuthStatus  `json:"auth_status"`
	OwnerUserID       string      `json:"owner_user_id,omitempty"`
	IsActive          bool        `json:"is_active"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// UserChannelConnection binds a CRM user to an external account.
// At most one active connection exists per (user, external account, channel type).
type UserChannelConnection struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	ChannelID         string      `json:"channel_id,omitempty"`
	ExternalAccountID string      `json:"external_account_id"`
	ChannelType       ChannelType `json:"channel_type"`
	AccountName       string      `json:"account_name,omitempty"`
	// AccountIdentifier is the account's own address (phone, email, member urn)
	AccountIdentifier string     `json:"account_identifier,omitempty"`
	AuthStatus        AuthStatus `json:"auth_status"`
	SyncErrorCount    int        `json:"sync_error_count"`
	LastError         string     `json:"last_error,omitempty"`
	IsActive          bool       `json:"is_active"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
