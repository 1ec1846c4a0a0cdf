// Package queue carries fire-and-forget background work over AMQP.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Task types
const (
	TaskContactResolution  = "contact_resolution"
	TaskContactHistorySync = "contact_history_sync"
)

// ErrPoison marks a delivery that can never be processed (bad body, unknown type)
var ErrPoison = errors.New("poison task")

// Meta describes a task envelope
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
}

// Task is the envelope published for background work
type Task struct {
	Meta   Meta            `json:"meta"`
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// NewTask builds a task with a fresh id
func NewTask(taskType, schema string, data any) (Task, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Task{}, err
	}
	return Task{
		Meta: Meta{
			ID:   uuid.NewString(),
			Type: taskType,
			Time: time.Now().UTC(),
		},
		Schema: schema,
		Data:   body,
	}, nil
}

// Decode unmarshals the task data
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Data, v); err != nil {
		return errors.Join(ErrPoison, err)
	}
	return nil
}

// ContactResolutionData asks for a message's contact to be resolved
type ContactResolutionData struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ParticipantID  string `json:"participant_id,omitempty"`
}

// ContactHistorySyncData asks for a contact's history to be backfilled
type ContactHistorySyncData struct {
	UserID        string `json:"user_id"`
	RecordID      string `json:"record_id"`
	ParticipantID string `json:"participant_id"`
}

// Publisher enqueues tasks
type Publisher interface {
	Enqueue(ctx context.Context, task Task) error
	Close() error
}

// Handler processes one task
type Handler func(ctx context.Context, task Task) error
