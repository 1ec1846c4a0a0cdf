package entity

import "time"

// SyncJobStatus is the lifecycle state of a backfill
type SyncJobStatus string

const (
	SyncJobPending   SyncJobStatus = "pending"
	SyncJobRunning   SyncJobStatus = "running"
	SyncJobCompleted SyncJobStatus = "completed"
	SyncJobFailed    SyncJobStatus = "failed"
)

// SyncJobType distinguishes backfill flavours
type SyncJobType string

const (
	SyncJobContactHistory SyncJobType = "contact_history"
	SyncJobAccountHistory SyncJobType = "account_history"
)

// SyncJob tracks a long-running backfill
type SyncJob struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id,omitempty"`
	JobType      SyncJobType     `json:"job_type"`
	Status       SyncJobStatus   `json:"status"`
	TaskID       string          `json:"task_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Progress     SyncJobProgress `json:"progress"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SyncJobProgress holds the counters that drive broadcast throttling
type SyncJobProgress struct {
	Provider               string `json:"provider,omitempty"`
	Phase                  string `json:"phase,omitempty"`
	ConversationsProcessed int    `json:"conversations_processed"`
	MessagesProcessed      int    `json:"messages_processed"`
	AttendeesProcessed     int    `json:"attendees_processed"`
}

// SameCounts reports whether the three counters are equal
func (p SyncJobProgress) SameCounts(o SyncJobProgress) bool {
	return p.ConversationsProcessed == o.ConversationsProcessed &&
		p.MessagesProcessed == o.MessagesProcessed &&
		p.AttendeesProcessed == o.AttendeesProcessed
}
