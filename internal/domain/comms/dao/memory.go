package dao

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

// MemoryStore is an in-process implementation of every repository, partitioned
// by tenant schema. It backs the tests and the service when no DSN is set.
type MemoryStore struct {
	mu           sync.Mutex
	identityMu   sync.Mutex
	tenants      []tenantRow
	data         map[string]*memTenant
	suppressions []entity.Suppression
	touched      map[string]int
	now          func() time.Time
}

type memTenant struct {
	channels      map[string]*entity.Channel
	connections   map[string]*entity.UserChannelConnection
	conversations map[string]*entity.Conversation
	links         map[string]map[string]*entity.ConversationParticipant
	messages      map[string]*entity.Message
	participants  map[string]*entity.Participant
	jobs          map[string]*entity.SyncJob
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]*memTenant),
		touched: make(map[string]int),
		now:     time.Now,
	}
}

// AddTenant registers a tenant schema
func (s *MemoryStore) AddTenant(id, schema string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.schema == schema {
			return
		}
	}
	s.tenants = append(s.tenants, tenantRow{id: id, schema: schema})
	s.data[schema] = newMemTenant()
}

// AddConnection stores a connection in a tenant schema
func (s *MemoryStore) AddConnection(schema string, c entity.UserChannelConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenantLocked(schema)
	t.connections[c.ID] = &c
}

// AddChannel stores a channel in a tenant schema
func (s *MemoryStore) AddChannel(schema string, ch entity.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenantLocked(schema)
	t.channels[ch.ID] = &ch
}

// Touched returns how many repository calls hit each schema
func (s *MemoryStore) Touched() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.touched)
}

// Channels returns the channel repository view
func (s *MemoryStore) Channels() *ChannelMemory { return &ChannelMemory{s} }

// Connections returns the connection repository view
func (s *MemoryStore) Connections() *ConnectionMemory { return &ConnectionMemory{s} }

// Conversations returns the conversation repository view
func (s *MemoryStore) Conversations() *ConversationMemory { return &ConversationMemory{s} }

// Messages returns the message repository view
func (s *MemoryStore) Messages() *MessageMemory { return &MessageMemory{s} }

// Participants returns the participant repository view
func (s *MemoryStore) Participants() *ParticipantMemory { return &ParticipantMemory{s} }

// SyncJobs returns the sync job repository view
func (s *MemoryStore) SyncJobs() *SyncJobMemory { return &SyncJobMemory{s} }

func newMemTenant() *memTenant {
	return &memTenant{
		channels:      make(map[string]*entity.Channel),
		connections:   make(map[string]*entity.UserChannelConnection),
		conversations: make(map[string]*entity.Conversation),
		links:         make(map[string]map[string]*entity.ConversationParticipant),
		messages:      make(map[string]*entity.Message),
		participants:  make(map[string]*entity.Participant),
		jobs:          make(map[string]*entity.SyncJob),
	}
}

// tenantLocked returns the partition of schema; s.mu must be held
func (s *MemoryStore) tenantLocked(schema string) *memTenant {
	t, ok := s.data[schema]
	if !ok {
		t = newMemTenant()
		s.data[schema] = t
	}
	return t
}

// lock acquires the store and returns the partition of tc
func (s *MemoryStore) lock(tc tenant.Context) *memTenant {
	s.mu.Lock()
	s.touched[tc.Schema]++
	return s.tenantLocked(tc.Schema)
}

// Schemas lists tenant schemas
func (s *MemoryStore) Schemas(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schemas := make([]string, 0, len(s.tenants))
	for _, t := range s.tenants {
		schemas = append(schemas, t.schema)
	}
	return schemas, nil
}

// Resolve scans tenants for an active connection of accountID
func (s *MemoryStore) Resolve(_ context.Context, accountID string) (*Route, error) {
	if accountID == "" {
		return nil, entity.ErrNoAccountID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if c := activeByAccount(s.data[t.schema], accountID); c != nil {
			conn := *c
			return &Route{TenantID: t.id, Schema: t.schema, Connection: &conn}, nil
		}
	}
	return nil, entity.ErrUnroutable
}

// Add records a suppression
func (s *MemoryStore) Add(_ context.Context, sup *entity.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = s.now()
	}
	s.suppressions = append(s.suppressions, *sup)
	return nil
}

// IsSuppressed reports whether email has a suppression
func (s *MemoryStore) IsSuppressed(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sup := range s.suppressions {
		if sup.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func activeByAccount(t *memTenant, accountID string) *entity.UserChannelConnection {
	if t == nil {
		return nil
	}
	var found *entity.UserChannelConnection
	for _, c := range t.connections {
		if c.ExternalAccountID != accountID || !c.IsActive {
			continue
		}
		if found == nil || c.UpdatedAt.After(found.UpdatedAt) {
			found = c
		}
	}
	return found
}

// ChannelMemory is the in-memory channel repository
type ChannelMemory struct{ s *MemoryStore }

func (r *ChannelMemory) GetByID(_ context.Context, tc tenant.Context, id string) (*entity.Channel, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if ch, ok := t.channels[id]; ok {
		c := *ch
		return &c, nil
	}
	return nil, nil
}

func (r *ChannelMemory) GetByExternalAccount(_ context.Context, tc tenant.Context, accountID string, channelType entity.ChannelType) (*entity.Channel, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if ch := channelByAccount(t, accountID, channelType); ch != nil {
		c := *ch
		return &c, nil
	}
	return nil, nil
}

func (r *ChannelMemory) GetOrCreate(_ context.Context, tc tenant.Context, ch *entity.Channel) (*entity.Channel, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if existing := channelByAccount(t, ch.ExternalAccountID, ch.ChannelType); existing != nil {
		c := *existing
		return &c, nil
	}
	stored := *ch
	stored.CreatedAt = r.s.now()
	stored.UpdatedAt = stored.CreatedAt
	t.channels[stored.ID] = &stored
	c := stored
	return &c, nil
}

func (r *ChannelMemory) SetAuthStatus(_ context.Context, tc tenant.Context, id string, status entity.AuthStatus, active bool) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if ch, ok := t.channels[id]; ok {
		ch.AuthStatus = status
		ch.IsActive = active
		ch.UpdatedAt = r.s.now()
	}
	return nil
}

func channelByAccount(t *memTenant, accountID string, channelType entity.ChannelType) *entity.Channel {
	for _, ch := range t.channels {
		if ch.ExternalAccountID == accountID && ch.ChannelType == channelType {
			return ch
		}
	}
	return nil
}

// ConnectionMemory is the in-memory connection repository
type ConnectionMemory struct{ s *MemoryStore }

func (r *ConnectionMemory) GetByID(_ context.Context, tc tenant.Context, id string) (*entity.UserChannelConnection, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if c, ok := t.connections[id]; ok {
		conn := *c
		return &conn, nil
	}
	return nil, nil
}

func (r *ConnectionMemory) GetActiveByAccount(_ context.Context, tc tenant.Context, accountID string) (*entity.UserChannelConnection, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if c := activeByAccount(t, accountID); c != nil {
		conn := *c
		return &conn, nil
	}
	return nil, nil
}

func (r *ConnectionMemory) ListActiveByUser(_ context.Context, tc tenant.Context, userID string) ([]entity.UserChannelConnection, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var out []entity.UserChannelConnection
	for _, c := range t.connections {
		if c.UserID == userID && c.IsActive {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ConnectionMemory) ListStale(_ context.Context, tc tenant.Context, before time.Time, limit int) ([]entity.UserChannelConnection, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var out []entity.UserChannelConnection
	for _, c := range t.connections {
		if !c.IsActive || c.AuthStatus != entity.AuthStatusAuthenticated {
			continue
		}
		if c.LastSyncAt == nil || c.LastSyncAt.Before(before) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ConnectionMemory) MarkAuthenticated(_ context.Context, tc tenant.Context, id, channelID string) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if c, ok := t.connections[id]; ok {
		c.AuthStatus = entity.AuthStatusAuthenticated
		c.SyncErrorCount = 0
		c.LastError = ""
		if channelID != "" {
			c.ChannelID = channelID
		}
		c.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *ConnectionMemory) MarkDisconnected(_ context.Context, tc tenant.Context, id string) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if c, ok := t.connections[id]; ok {
		c.AuthStatus = entity.AuthStatusDisconnected
		c.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *ConnectionMemory) RecordError(_ context.Context, tc tenant.Context, id, lastError string) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if c, ok := t.connections[id]; ok {
		c.AuthStatus = entity.AuthStatusFailed
		c.SyncErrorCount++
		c.LastError = lastError
		c.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *ConnectionMemory) MarkSynced(_ context.Context, tc tenant.Context, id string, at time.Time) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if c, ok := t.connections[id]; ok {
		c.LastSyncAt = &at
	}
	return nil
}

// ConversationMemory is the in-memory conversation repository
type ConversationMemory struct{ s *MemoryStore }

func (r *ConversationMemory) GetByID(_ context.Context, tc tenant.Context, id string) (*entity.Conversation, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if conv, ok := t.conversations[id]; ok {
		return copyConversation(t, conv), nil
	}
	return nil, nil
}

func (r *ConversationMemory) GetByExternalThread(_ context.Context, tc tenant.Context, channelID, externalThreadID string) (*entity.Conversation, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if conv := conversationByThread(t, channelID, externalThreadID); conv != nil {
		return copyConversation(t, conv), nil
	}
	return nil, nil
}

func (r *ConversationMemory) GetOrCreate(_ context.Context, tc tenant.Context, conv *entity.Conversation) (*entity.Conversation, bool, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if existing := conversationByThread(t, conv.ChannelID, conv.ExternalThreadID); existing != nil {
		return copyConversation(t, existing), false, nil
	}
	stored := *conv
	stored.Metadata = maps.Clone(conv.Metadata)
	stored.ParticipantCount = 0
	stored.MessageCount = 0
	stored.CreatedAt = r.s.now()
	stored.UpdatedAt = stored.CreatedAt
	t.conversations[stored.ID] = &stored
	return copyConversation(t, &stored), true, nil
}

func (r *ConversationMemory) SetPrimaryContactIfEmpty(_ context.Context, tc tenant.Context, id, recordID string) (bool, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	conv, ok := t.conversations[id]
	if !ok || conv.PrimaryContactRecordID != nil {
		return false, nil
	}
	conv.PrimaryContactRecordID = &recordID
	return true, nil
}

func (r *ConversationMemory) AddParticipant(_ context.Context, tc tenant.Context, link entity.ConversationParticipant) (int, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	conv, ok := t.conversations[link.ConversationID]
	if !ok {
		return 0, entity.ErrConversationNotFound
	}
	byParticipant, ok := t.links[link.ConversationID]
	if !ok {
		byParticipant = make(map[string]*entity.ConversationParticipant)
		t.links[link.ConversationID] = byParticipant
	}
	if existing, ok := byParticipant[link.ParticipantID]; ok {
		existing.IsActive = true
	} else {
		l := link
		l.IsActive = true
		if l.JoinedAt.IsZero() {
			l.JoinedAt = r.s.now()
		}
		byParticipant[link.ParticipantID] = &l
	}

	count := 0
	for _, l := range byParticipant {
		if l.IsActive {
			count++
		}
	}
	conv.ParticipantCount = count
	return count, nil
}

func (r *ConversationMemory) RecordMessage(_ context.Context, tc tenant.Context, id string, at time.Time) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if conv, ok := t.conversations[id]; ok {
		conv.MessageCount++
		if conv.LastMessageAt == nil || at.After(*conv.LastMessageAt) {
			conv.LastMessageAt = &at
		}
	}
	return nil
}

func (r *ConversationMemory) MergeMetadata(_ context.Context, tc tenant.Context, id string, patch map[string]any) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	conv, ok := t.conversations[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	if conv.Metadata == nil {
		conv.Metadata = make(map[string]any, len(patch))
	}
	maps.Copy(conv.Metadata, patch)
	return nil
}

func (r *ConversationMemory) ListForRecord(_ context.Context, tc tenant.Context, recordID string) ([]entity.Conversation, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()

	linked := func(conv *entity.Conversation) bool {
		if conv.PrimaryContactRecordID != nil && *conv.PrimaryContactRecordID == recordID {
			return true
		}
		for pid := range t.links[conv.ID] {
			p, ok := t.participants[pid]
			if !ok {
				continue
			}
			if (p.ContactRecordID != nil && *p.ContactRecordID == recordID) ||
				(p.SecondaryRecordID != nil && *p.SecondaryRecordID == recordID) {
				return true
			}
		}
		for _, m := range t.messages {
			if m.ConversationID == conv.ID && m.ContactRecordID != nil && *m.ContactRecordID == recordID {
				return true
			}
		}
		return false
	}

	var out []entity.Conversation
	for _, conv := range t.conversations {
		if linked(conv) {
			out = append(out, *copyConversation(t, conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Links returns the participant links of a conversation
func (r *ConversationMemory) Links(tc tenant.Context, conversationID string) []entity.ConversationParticipant {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var out []entity.ConversationParticipant
	for _, l := range t.links[conversationID] {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Count returns the number of conversations stored in a schema
func (r *ConversationMemory) Count(tc tenant.Context) int {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	return len(t.conversations)
}

func conversationByThread(t *memTenant, channelID, externalThreadID string) *entity.Conversation {
	for _, conv := range t.conversations {
		if conv.ChannelID == channelID && conv.ExternalThreadID == externalThreadID {
			return conv
		}
	}
	return nil
}

func copyConversation(t *memTenant, conv *entity.Conversation) *entity.Conversation {
	c := *conv
	c.Metadata = maps.Clone(conv.Metadata)
	if ch, ok := t.channels[conv.ChannelID]; ok {
		c.ChannelType = ch.ChannelType
	}
	return &c
}

// MessageMemory is the in-memory message repository
type MessageMemory struct{ s *MemoryStore }

func (r *MessageMemory) GetOrCreate(_ context.Context, tc tenant.Context, msg *entity.Message) (*entity.Message, bool, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	for _, m := range t.messages {
		if m.ConversationID == msg.ConversationID && m.ExternalMessageID == msg.ExternalMessageID {
			return copyMessage(m), false, nil
		}
	}
	stored := *msg
	stored.Metadata = maps.Clone(msg.Metadata)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.s.now()
	}
	t.messages[stored.ID] = &stored
	return copyMessage(&stored), true, nil
}

func (r *MessageMemory) GetByExternalID(_ context.Context, tc tenant.Context, externalMessageID string) (*entity.Message, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var found *entity.Message
	for _, m := range t.messages {
		if m.ExternalMessageID != externalMessageID {
			continue
		}
		if found == nil || m.CreatedAt.After(found.CreatedAt) {
			found = m
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyMessage(found), nil
}

func (r *MessageMemory) UpdateStatus(_ context.Context, tc tenant.Context, id string, status entity.MessageStatus, event map[string]any) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	m, ok := t.messages[id]
	if !ok {
		return entity.ErrMessageNotFound
	}
	if m.Status.Advances(status) {
		m.Status = status
	}
	appendTracking(m, event)
	return nil
}

func (r *MessageMemory) AppendTrackingEvent(_ context.Context, tc tenant.Context, id string, event map[string]any) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	m, ok := t.messages[id]
	if !ok {
		return entity.ErrMessageNotFound
	}
	appendTracking(m, event)
	return nil
}

func (r *MessageMemory) SetContactRecord(_ context.Context, tc tenant.Context, id, recordID string) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if m, ok := t.messages[id]; ok {
		m.ContactRecordID = &recordID
	}
	return nil
}

func (r *MessageMemory) MergeMetadata(_ context.Context, tc tenant.Context, id string, patch map[string]any) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	m, ok := t.messages[id]
	if !ok {
		return entity.ErrMessageNotFound
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if k == entity.MetadataRawWebhook {
			continue
		}
		m.Metadata[k] = v
	}
	return nil
}

func (r *MessageMemory) ListByConversations(_ context.Context, tc tenant.Context, conversationIDs []string) ([]entity.Message, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	want := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = true
	}
	var out []entity.Message
	for _, m := range t.messages {
		if want[m.ConversationID] {
			out = append(out, *copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Timestamp(), out[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MessageMemory) CountByConversation(_ context.Context, tc tenant.Context, conversationID string) (int64, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range t.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

// Count returns the number of messages stored in a schema
func (r *MessageMemory) Count(tc tenant.Context) int {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	return len(t.messages)
}

func appendTracking(m *entity.Message, event map[string]any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	events, _ := m.Metadata[entity.MetadataTracking].([]any)
	m.Metadata[entity.MetadataTracking] = append(events, maps.Clone(event))
}

func copyMessage(m *entity.Message) *entity.Message {
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

// ParticipantMemory is the in-memory participant repository
type ParticipantMemory struct{ s *MemoryStore }

func (r *ParticipantMemory) GetByID(_ context.Context, tc tenant.Context, id string) (*entity.Participant, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if p, ok := t.participants[id]; ok {
		return copyParticipant(p), nil
	}
	return nil, nil
}

func (r *ParticipantMemory) FindByIdentifiers(_ context.Context, tc tenant.Context, ids entity.Identifiers) (*entity.Participant, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var found *entity.Participant
	for _, p := range t.participants {
		if !p.Matches(ids) {
			continue
		}
		if found == nil || p.FirstSeen.Before(found.FirstSeen) ||
			(p.FirstSeen.Equal(found.FirstSeen) && p.ID < found.ID) {
			found = p
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyParticipant(found), nil
}

func (r *ParticipantMemory) Create(_ context.Context, tc tenant.Context, p *entity.Participant) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	t.participants[p.ID] = copyParticipant(p)
	return nil
}

// LockIdentifiers serializes every identity lookup of the store
func (r *ParticipantMemory) LockIdentifiers(_ context.Context, tc tenant.Context, _ entity.Identifiers, fn func(tc tenant.Context) error) error {
	r.s.identityMu.Lock()
	defer r.s.identityMu.Unlock()
	return fn(tc)
}

func (r *ParticipantMemory) Update(_ context.Context, tc tenant.Context, p *entity.Participant) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	stored, ok := t.participants[p.ID]
	if !ok {
		return entity.ErrParticipantNotFound
	}
	stored.Email = p.Email
	stored.Phone = p.Phone
	stored.LinkedInMemberURN = p.LinkedInMemberURN
	stored.InstagramUsername = p.InstagramUsername
	stored.MessengerID = p.MessengerID
	stored.TelegramID = p.TelegramID
	stored.TwitterHandle = p.TwitterHandle
	stored.Name = p.Name
	stored.AvatarURL = p.AvatarURL
	stored.LastSeen = p.LastSeen
	stored.Metadata = maps.Clone(p.Metadata)
	return nil
}

func (r *ParticipantMemory) SaveResolution(_ context.Context, tc tenant.Context, id string, res entity.Resolution) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	p, ok := t.participants[id]
	if !ok {
		return entity.ErrParticipantNotFound
	}
	res.Apply(p)
	return nil
}

func (r *ParticipantMemory) ListUnresolved(_ context.Context, tc tenant.Context, limit int) ([]entity.Participant, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var out []entity.Participant
	for _, p := range t.participants {
		if !p.IsLinked() {
			out = append(out, *copyParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ParticipantMemory) ListByRecord(_ context.Context, tc tenant.Context, recordID string) ([]entity.Participant, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	var out []entity.Participant
	for _, p := range t.participants {
		if (p.ContactRecordID != nil && *p.ContactRecordID == recordID) ||
			(p.SecondaryRecordID != nil && *p.SecondaryRecordID == recordID) {
			out = append(out, *copyParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of participants stored in a schema
func (r *ParticipantMemory) Count(tc tenant.Context) int {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	return len(t.participants)
}

func copyParticipant(p *entity.Participant) *entity.Participant {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// SyncJobMemory is the in-memory sync job repository
type SyncJobMemory struct{ s *MemoryStore }

func (r *SyncJobMemory) Create(_ context.Context, tc tenant.Context, job *entity.SyncJob) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.s.now()
	}
	j := *job
	t.jobs[job.ID] = &j
	return nil
}

func (r *SyncJobMemory) GetByID(_ context.Context, tc tenant.Context, id string) (*entity.SyncJob, error) {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if j, ok := t.jobs[id]; ok {
		job := *j
		return &job, nil
	}
	return nil, nil
}

func (r *SyncJobMemory) UpdateProgress(_ context.Context, tc tenant.Context, id string, progress entity.SyncJobProgress) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return nil
	}
	j.Status = entity.SyncJobRunning
	if j.StartedAt == nil {
		now := r.s.now()
		j.StartedAt = &now
	}
	j.Progress.ConversationsProcessed = progress.ConversationsProcessed
	j.Progress.MessagesProcessed = progress.MessagesProcessed
	j.Progress.AttendeesProcessed = progress.AttendeesProcessed
	return nil
}

func (r *SyncJobMemory) Finish(_ context.Context, tc tenant.Context, id string, status entity.SyncJobStatus, errMsg string) error {
	t := r.s.lock(tc)
	defer r.s.mu.Unlock()
	if j, ok := t.jobs[id]; ok {
		now := r.s.now()
		j.Status = status
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
	}
	return nil
}
