package entity

import "time"

// Suppression records an address that opted out or bounced; kept in the public schema
type Suppression struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	AccountID string         `json:"account_id,omitempty"`
	EventType string         `json:"event_type"`
	Reason    string         `json:"reason,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
