// Package dao holds the tenant-scoped repositories of the communications domain.
//
// Every tenant-scoped method takes the tenant.Context it runs in; table names are
// qualified with tc.Schema so a call can never touch another tenant's tables.
package dao

import (
	"context"
	"time"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

// ChannelRepository stores channels
type ChannelRepository interface {
	GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.Channel, error)
	GetByExternalAccount(ctx context.Context, tc tenant.Context, accountID string, channelType entity.ChannelType) (*entity.Channel, error)
	// GetOrCreate returns the channel for (external account, type), inserting ch when absent.
	GetOrCreate(ctx context.Context, tc tenant.Context, ch *entity.Channel) (*entity.Channel, error)
	SetAuthStatus(ctx context.Context, tc tenant.Context, id string, status entity.AuthStatus, active bool) error
}

// ConnectionRepository stores user channel connections
type ConnectionRepository interface {
	GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.UserChannelConnection, error)
	// GetActiveByAccount returns the active connection for an external account, nil if none.
	GetActiveByAccount(ctx context.Context, tc tenant.Context, accountID string) (*entity.UserChannelConnection, error)
	ListActiveByUser(ctx context.Context, tc tenant.Context, userID string) ([]entity.UserChannelConnection, error)
	// ListStale returns active authenticated connections not synced since before.
	ListStale(ctx context.Context, tc tenant.Context, before time.Time, limit int) ([]entity.UserChannelConnection, error)
	MarkAuthenticated(ctx context.Context, tc tenant.Context, id, channelID string) error
	MarkDisconnected(ctx context.Context, tc tenant.Context, id string) error
	RecordError(ctx context.Context, tc tenant.Context, id, lastError string) error
	MarkSynced(ctx context.Context, tc tenant.Context, id string, at time.Time) error
}

// ConversationRepository stores conversations and their participant links
type ConversationRepository interface {
	GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.Conversation, error)
	GetByExternalThread(ctx context.Context, tc tenant.Context, channelID, externalThreadID string) (*entity.Conversation, error)
	// GetOrCreate returns the conversation for (channel, external thread) and whether it was inserted.
	GetOrCreate(ctx context.Context, tc tenant.Context, conv *entity.Conversation) (*entity.Conversation, bool, error)
	// SetPrimaryContactIfEmpty sets the primary contact record only when none is set yet.
	SetPrimaryContactIfEmpty(ctx context.Context, tc tenant.Context, id, recordID string) (bool, error)
	// AddParticipant links a participant and returns the recomputed participant count.
	AddParticipant(ctx context.Context, tc tenant.Context, link entity.ConversationParticipant) (int, error)
	RecordMessage(ctx context.Context, tc tenant.Context, id string, at time.Time) error
	// MergeMetadata shallow-merges patch into the conversation metadata.
	MergeMetadata(ctx context.Context, tc tenant.Context, id string, patch map[string]any) error
	// ListForRecord returns conversations linked to a CRM record directly, via a
	// participant or via a message.
	ListForRecord(ctx context.Context, tc tenant.Context, recordID string) ([]entity.Conversation, error)
}

// MessageRepository stores messages
type MessageRepository interface {
	// GetOrCreate inserts msg unless (conversation, external message id) exists.
	// Concurrent calls for the same key are serialized; exactly one reports created.
	GetOrCreate(ctx context.Context, tc tenant.Context, msg *entity.Message) (*entity.Message, bool, error)
	GetByExternalID(ctx context.Context, tc tenant.Context, externalMessageID string) (*entity.Message, error)
	// UpdateStatus moves the status forward and appends event to metadata.tracking_events.
	UpdateStatus(ctx context.Context, tc tenant.Context, id string, status entity.MessageStatus, event map[string]any) error
	AppendTrackingEvent(ctx context.Context, tc tenant.Context, id string, event map[string]any) error
	SetContactRecord(ctx context.Context, tc tenant.Context, id, recordID string) error
	MergeMetadata(ctx context.Context, tc tenant.Context, id string, patch map[string]any) error
	ListByConversations(ctx context.Context, tc tenant.Context, conversationIDs []string) ([]entity.Message, error)
	CountByConversation(ctx context.Context, tc tenant.Context, conversationID string) (int64, error)
}

// ParticipantRepository stores participants
type ParticipantRepository interface {
	GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.Participant, error)
	// FindByIdentifiers matches on any non-empty identifier, nil if none.
	FindByIdentifiers(ctx context.Context, tc tenant.Context, ids entity.Identifiers) (*entity.Participant, error)
	Create(ctx context.Context, tc tenant.Context, p *entity.Participant) error
	// LockIdentifiers runs fn while no other caller holds any of the same
	// identifiers. fn receives a context bound to the locking transaction.
	LockIdentifiers(ctx context.Context, tc tenant.Context, ids entity.Identifiers, fn func(tc tenant.Context) error) error
	// Update persists identifier fields, name, avatar and last_seen.
	Update(ctx context.Context, tc tenant.Context, p *entity.Participant) error
	SaveResolution(ctx context.Context, tc tenant.Context, id string, res entity.Resolution) error
	ListUnresolved(ctx context.Context, tc tenant.Context, limit int) ([]entity.Participant, error)
	ListByRecord(ctx context.Context, tc tenant.Context, recordID string) ([]entity.Participant, error)
}

// SyncJobRepository stores sync jobs
type SyncJobRepository interface {
	Create(ctx context.Context, tc tenant.Context, job *entity.SyncJob) error
	GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.SyncJob, error)
	UpdateProgress(ctx context.Context, tc tenant.Context, id string, progress entity.SyncJobProgress) error
	Finish(ctx context.Context, tc tenant.Context, id string, status entity.SyncJobStatus, errMsg string) error
}

// SuppressionRepository stores public-schema email suppressions
type SuppressionRepository interface {
	Add(ctx context.Context, s *entity.Suppression) error
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

// Route is where an external account lives
type Route struct {
	TenantID   string
	Schema     string
	Connection *entity.UserChannelConnection
}

// AccountRouter maps an external account id to its owning tenant
type AccountRouter interface {
	// Resolve returns entity.ErrUnroutable when no tenant owns accountID.
	Resolve(ctx context.Context, accountID string) (*Route, error)
}

// TenantDirectory lists tenant schemas
type TenantDirectory interface {
	Schemas(ctx context.Context) ([]string, error)
}

var (
	_ ChannelRepository      = (*ChannelPostgres)(nil)
	_ ConnectionRepository   = (*ConnectionPostgres)(nil)
	_ ConversationRepository = (*ConversationPostgres)(nil)
	_ MessageRepository      = (*MessagePostgres)(nil)
	_ ParticipantRepository  = (*ParticipantPostgres)(nil)
	_ SyncJobRepository      = (*SyncJobPostgres)(nil)
	_ SuppressionRepository  = (*SuppressionPostgres)(nil)
	_ AccountRouter          = (*RouterPostgres)(nil)
	_ TenantDirectory        = (*RouterPostgres)(nil)

	_ ChannelRepository      = (*ChannelMemory)(nil)
	_ ConnectionRepository   = (*ConnectionMemory)(nil)
	_ ConversationRepository = (*ConversationMemory)(nil)
	_ MessageRepository      = (*MessageMemory)(nil)
	_ ParticipantRepository  = (*ParticipantMemory)(nil)
	_ SyncJobRepository      = (*SyncJobMemory)(nil)
	_ SuppressionRepository  = (*MemoryStore)(nil)
	_ AccountRouter          = (*MemoryStore)(nil)
	_ TenantDirectory        = (*MemoryStore)(nil)
)
