// Package service groups a CRM record's messages into logical threads
// across channels.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
	"github.com/vadim/unified-comms/internal/tenant"
)

// Strategy names and their confidence
const (
	StrategyRecord    = "record"
	StrategyEmailRefs = "email_references"
	StrategyTemporal  = "temporal"
	StrategyContent   = "content_reference"
	StrategySubject   = "subject"
)

var confidence = map[string]float64{
	StrategyRecord:    1.0,
	StrategyEmailRefs: 0.9,
	StrategyTemporal:  0.8,
	StrategyContent:   0.8,
	StrategySubject:   0.7,
}

// Conversation metadata keys written by threading
const (
	metaGroups     = "thread_groups"
	metaComputedAt = "threading_computed_at"
	metaRecordID   = "threading_record_id"
)

// DefaultTemporalWindow bounds the gap between clustered messages
const DefaultTemporalWindow = 4 * time.Hour

var threadNamespace = uuid.MustParse("6f1c2b9e-3d4a-5e7f-8a9b-0c1d2e3f4a5b")

// Service computes unified conversation threads
type Service struct {
	conversations dao.ConversationRepository
	messages      dao.MessageRepository
	window        time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a new threading service
func New(conversations dao.ConversationRepository, messages dao.MessageRepository, window time.Duration, logger *slog.Logger) *Service {
	if window <= 0 {
		window = DefaultTemporalWindow
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		window:        window,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ThreadGroup is one logical thread found by a strategy
type ThreadGroup struct {
	ID              string   `json:"thread_group_id"`
	Strategy        string   `json:"strategy"`
	Confidence      float64  `json:"confidence"`
	ConversationIDs []string `json:"conversation_ids"`
	MessageIDs      []string `json:"message_ids,omitempty"`
}

// ThreadInput selects the record to thread
type ThreadInput struct {
	RecordID string
	// ForceRethread ignores tags left by a previous run
	ForceRethread bool
}

// Summary describes the computed threads of a record
type Summary struct {
	RecordID       string         `json:"record_id"`
	Conversations  int            `json:"conversations"`
	Messages       int            `json:"messages"`
	Channels       []string       `json:"channels"`
	Groups         []ThreadGroup  `json:"thread_groups"`
	StrategyCounts map[string]int `json:"strategy_counts"`
	Cached         bool           `json:"cached"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// storedGroup is the per-conversation tag persisted in metadata
type storedGroup struct {
	ID         string   `json:"thread_group_id"`
	Strategy   string   `json:"strategy"`
	Confidence float64  `json:"confidence"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// CreateUnifiedThread runs every strategy over the record's conversations and
// tags each conversation with the groups it belongs to. Strategies are
// additive; a conversation may sit in several groups.
func (s *Service) CreateUnifiedThread(ctx context.Context, tc tenant.Context, in ThreadInput) (*Summary, error) {
	convs, err := s.conversations.ListForRecord(ctx, tc, in.RecordID)
	if err != nil {
		return nil, fmt.Errorf("listing record conversations: %w", err)
	}

	summary := &Summary{
		RecordID:       in.RecordID,
		Conversations:  len(convs),
		StrategyCounts: make(map[string]int),
		ComputedAt:     s.now(),
	}
	if len(convs) == 0 {
		return summary, nil
	}
	summary.Channels = channelTypes(convs)

	if !in.ForceRethread {
		if cached, at, ok := cachedGroups(convs, in.RecordID); ok {
			summary.Groups = cached
			summary.Cached = true
			summary.ComputedAt = at
			summary.StrategyCounts = countStrategies(cached)
			return summary, nil
		}
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	msgs, err := s.messages.ListByConversations(ctx, tc, ids)
	if err != nil {
		return nil, fmt.Errorf("listing record messages: %w", err)
	}
	summary.Messages = len(msgs)

	byID := make(map[string]entity.Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}

	groups := []ThreadGroup{s.group(in.RecordID, StrategyRecord, "all", ids, messageIDs(msgs))}
	groups = append(groups, s.clusters(in.RecordID, StrategyEmailRefs, emailReferenceClusters(msgs, byID))...)
	groups = append(groups, s.clusters(in.RecordID, StrategyTemporal, temporalClusters(msgs, byID, s.window))...)
	groups = append(groups, s.clusters(in.RecordID, StrategyContent, contentReferenceClusters(msgs))...)
	groups = append(groups, s.clusters(in.RecordID, StrategySubject, subjectClusters(convs, msgs))...)

	if err := s.tag(ctx, tc, convs, groups, in.RecordID, summary.ComputedAt); err != nil {
		return nil, err
	}

	summary.Groups = groups
	summary.StrategyCounts = countStrategies(groups)

	s.logger.Info("record threaded",
		"schema", tc.Schema,
		"record_id", in.RecordID,
		"conversations", summary.Conversations,
		"messages", summary.Messages,
		"groups", len(groups),
	)
	return summary, nil
}

// tag overwrites the threading metadata of every conversation
func (s *Service) tag(ctx context.Context, tc tenant.Context, convs []entity.Conversation, groups []ThreadGroup, recordID string, at time.Time) error {
	perConv := make(map[string][]storedGroup, len(convs))
	for _, g := range groups {
		for _, cid := range g.ConversationIDs {
			perConv[cid] = append(perConv[cid], storedGroup{
				ID:         g.ID,
				Strategy:   g.Strategy,
				Confidence: g.Confidence,
				MessageIDs: g.MessageIDs,
			})
		}
	}

	for _, c := range convs {
		tags := perConv[c.ID]
		if tags == nil {
			tags = []storedGroup{}
		}
		patch := map[string]any{
			metaGroups:     normalize.JSONValue(tags),
			metaComputedAt: at.Format(time.RFC3339Nano),
			metaRecordID:   recordID,
		}
		if err := s.conversations.MergeMetadata(ctx, tc, c.ID, patch); err != nil {
			return fmt.Errorf("tagging conversation %s: %w", c.ID, err)
		}
	}
	return nil
}

// cluster is a set of messages grouped by one strategy
type cluster struct {
	key             string
	conversationIDs []string
	messageIDs      []string
}

func (s *Service) clusters(recordID, strategy string, cs []cluster) []ThreadGroup {
	out := make([]ThreadGroup, 0, len(cs))
	for _, c := range cs {
		out = append(out, s.group(recordID, strategy, c.key, c.conversationIDs, c.messageIDs))
	}
	return out
}

func (s *Service) group(recordID, strategy, key string, conversationIDs, messageIDs []string) ThreadGroup {
	conversationIDs = slices.Clone(conversationIDs)
	sort.Strings(conversationIDs)
	return ThreadGroup{
		ID:              GroupID(recordID, strategy, key),
		Strategy:        strategy,
		Confidence:      confidence[strategy],
		ConversationIDs: slices.Compact(conversationIDs),
		MessageIDs:      messageIDs,
	}
}

// GroupID derives a stable thread group id so reruns produce the same ids
func GroupID(recordID, strategy, key string) string {
	return uuid.NewSHA1(threadNamespace, []byte(recordID+"|"+strategy+"|"+key)).String()
}

// cachedGroups rebuilds groups from a previous run for the same record. All
// conversations must carry tags, otherwise the record changed since.
func cachedGroups(convs []entity.Conversation, recordID string) ([]ThreadGroup, time.Time, bool) {
	var computed time.Time
	index := make(map[string]int)
	var groups []ThreadGroup

	for _, c := range convs {
		if c.Metadata == nil || c.Metadata[metaRecordID] != recordID {
			return nil, time.Time{}, false
		}
		raw, ok := c.Metadata[metaGroups]
		if !ok {
			return nil, time.Time{}, false
		}
		var tags []storedGroup
		if err := fromJSONValue(raw, &tags); err != nil {
			return nil, time.Time{}, false
		}
		if at, ok := c.Metadata[metaComputedAt].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, at); err == nil && t.After(computed) {
				computed = t
			}
		}
		for _, tag := range tags {
			i, seen := index[tag.ID]
			if !seen {
				i = len(groups)
				index[tag.ID] = i
				groups = append(groups, ThreadGroup{
					ID:         tag.ID,
					Strategy:   tag.Strategy,
					Confidence: tag.Confidence,
					MessageIDs: tag.MessageIDs,
				})
			}
			groups[i].ConversationIDs = append(groups[i].ConversationIDs, c.ID)
		}
	}
	if len(groups) == 0 {
		return nil, time.Time{}, false
	}
	for i := range groups {
		sort.Strings(groups[i].ConversationIDs)
	}
	return groups, computed, true
}

func countStrategies(groups []ThreadGroup) map[string]int {
	out := make(map[string]int)
	for _, g := range groups {
		out[g.Strategy]++
	}
	return out
}

func channelTypes(convs []entity.Conversation) []string {
	var out []string
	for _, c := range convs {
		if c.ChannelType != "" {
			out = append(out, string(c.ChannelType))
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func messageIDs(msgs []entity.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func fromJSONValue(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
