// Package service resolves channel participants to CRM records.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/httpx/upstream/resolver"
	"github.com/vadim/unified-comms/internal/queue"
	"github.com/vadim/unified-comms/internal/tenant"
)

// DefaultMinConfidence is the lowest gateway confidence that links a record
const DefaultMinConfidence = 0.7

const linkedInProfileURL = "https://www.linkedin.com/in/"

// Resolver looks up CRM records for a set of identifiers
type Resolver interface {
	ResolveContacts(ctx context.Context, in resolver.ResolveInput) (*resolver.ResolveOutput, error)
}

// Service handles participant identity and CRM resolution
type Service struct {
	participants  dao.ParticipantRepository
	conversations dao.ConversationRepository
	messages      dao.MessageRepository
	resolver      Resolver
	tasks         queue.Publisher
	minConfidence float64
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a new participant service; tasks may be nil
func New(
	participants dao.ParticipantRepository,
	conversations dao.ConversationRepository,
	messages dao.MessageRepository,
	res Resolver,
	tasks queue.Publisher,
	minConfidence float64,
	logger *slog.Logger,
) *Service {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Service{
		participants:  participants,
		conversations: conversations,
		messages:      messages,
		resolver:      res,
		tasks:         tasks,
		minConfidence: minConfidence,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ResolveInput is one participant sighting
type ResolveInput struct {
	Identifiers entity.Identifiers
	// UserID owns the connection the participant was seen on; it scopes
	// the history backfill queued when a contact gets linked.
	UserID string
}

// ResolveOutput is the stored participant after the sighting
type ResolveOutput struct {
	Participant *entity.Participant
	Created     bool
	// NewlyLinked is set when this call linked a contact record
	NewlyLinked bool
}

// ResolveOrCreate finds the participant matching any of the identifiers or
// creates one, then tries to link it to CRM records once. Resolution failures
// are logged and never fail the call.
func (s *Service) ResolveOrCreate(ctx context.Context, tc tenant.Context, in ResolveInput) (*ResolveOutput, error) {
	ids := in.Identifiers.Normalize()
	if !ids.HasAny() {
		return nil, entity.ErrNoIdentifiers
	}

	var p *entity.Participant
	var created bool
	err := s.participants.LockIdentifiers(ctx, tc, ids, func(ltc tenant.Context) error {
		var err error
		p, created, err = s.findOrCreate(ctx, ltc, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &ResolveOutput{Participant: p, Created: created}
	if p.IsLinked() {
		return out, nil
	}

	linked, err := s.resolve(ctx, tc, p)
	if err != nil {
		s.logger.Warn("participant resolution failed",
			"schema", tc.Schema,
			"participant_id", p.ID,
			"error", err,
		)
		return out, nil
	}
	if linked {
		out.NewlyLinked = p.ContactRecordID != nil
		if out.NewlyLinked {
			s.enqueueHistorySync(ctx, tc, in.UserID, p)
		}
	}
	return out, nil
}

func (s *Service) findOrCreate(ctx context.Context, tc tenant.Context, ids entity.Identifiers) (*entity.Participant, bool, error) {
	now := s.now()

	existing, err := s.participants.FindByIdentifiers(ctx, tc, ids)
	if err != nil {
		return nil, false, fmt.Errorf("finding participant: %w", err)
	}

	if existing == nil {
		p := entity.NewParticipant(uuid.NewString(), ids, now)
		p.Metadata = profileMetadata(nil, ids)
		if err := s.participants.Create(ctx, tc, p); err != nil {
			return nil, false, fmt.Errorf("creating participant: %w", err)
		}
		return p, true, nil
	}

	existing.FillEmpty(ids)
	existing.Metadata = profileMetadata(existing.Metadata, ids)
	existing.LastSeen = now
	if err := s.participants.Update(ctx, tc, existing); err != nil {
		return nil, false, fmt.Errorf("updating participant: %w", err)
	}
	return existing, false, nil
}

// profileMetadata keeps the first seen occupation and location
func profileMetadata(md map[string]any, ids entity.Identifiers) map[string]any {
	out := maps.Clone(md)
	if out == nil {
		out = make(map[string]any)
	}
	if _, ok := out["occupation"]; !ok && ids.Occupation != "" {
		out["occupation"] = ids.Occupation
	}
	if _, ok := out["location"]; !ok && ids.Location != "" {
		out["location"] = ids.Location
	}
	return out
}

// resolve asks the gateway for records and links the best match of each
// kind. It reports whether anything was linked.
func (s *Service) resolve(ctx context.Context, tc tenant.Context, p *entity.Participant) (bool, error) {
	ids := ResolutionIdentifiers(p)
	if len(ids) == 0 {
		return false, nil
	}

	out, err := s.resolver.ResolveContacts(ctx, resolver.ResolveInput{
		Schema:        tc.Schema,
		Identifiers:   ids,
		MinConfidence: s.minConfidence,
	})
	if err != nil {
		return false, fmt.Errorf("resolving contacts: %w", err)
	}

	contact, secondary := PartitionMatches(out.Matches)
	res := entity.Resolution{ResolvedAt: s.now()}
	if m, ok := best(contact, s.minConfidence); ok {
		id := m.Record.ID
		res.ContactRecordID = &id
		res.ResolutionConfidence = m.Confidence
		res.ResolutionMethod = method(m)
	}
	if m, ok := best(secondary, s.minConfidence); ok {
		id := m.Record.ID
		res.SecondaryRecordID = &id
		res.SecondaryConfidence = m.Confidence
		res.SecondaryResolutionMethod = method(m)
	}
	if res.ContactRecordID == nil && res.SecondaryRecordID == nil {
		return false, nil
	}

	if err := s.participants.SaveResolution(ctx, tc, p.ID, res); err != nil {
		return false, fmt.Errorf("saving resolution: %w", err)
	}
	res.Apply(p)

	s.logger.Info("participant linked",
		"schema", tc.Schema,
		"participant_id", p.ID,
		"contact_record_id", derefString(p.ContactRecordID),
		"secondary_record_id", derefString(p.SecondaryRecordID),
	)
	return true, nil
}

func (s *Service) enqueueHistorySync(ctx context.Context, tc tenant.Context, userID string, p *entity.Participant) {
	if s.tasks == nil || p.ContactRecordID == nil {
		return
	}
	task, err := queue.NewTask(queue.TaskContactHistorySync, tc.Schema, queue.ContactHistorySyncData{
		UserID:        userID,
		RecordID:      *p.ContactRecordID,
		ParticipantID: p.ID,
	})
	if err != nil {
		s.logger.Error("building history sync task failed", "participant_id", p.ID, "error", err)
		return
	}
	if err := s.tasks.Enqueue(ctx, task); err != nil {
		s.logger.Warn("enqueueing history sync failed", "participant_id", p.ID, "error", err)
	}
}

// ResolutionIdentifiers builds the identifiers sent to the resolution gateway
func ResolutionIdentifiers(p *entity.Participant) map[string]string {
	out := make(map[string]string)
	if p.Email != "" {
		out["email"] = p.Email
		if d := EmailDomain(p.Email); d != "" && !IsPersonalDomain(d) {
			out["domain"] = d
		}
	}
	if p.Phone != "" {
		out["phone"] = p.Phone
	}
	if p.LinkedInMemberURN != "" {
		out["linkedin_url"] = linkedInProfileURL + p.LinkedInMemberURN
	}
	return out
}

var personalProviders = map[string]bool{
	"gmail":      true,
	"googlemail": true,
	"yahoo":      true,
	"hotmail":    true,
	"outlook":    true,
	"aol":        true,
	"icloud":     true,
	"mail":       true,
	"protonmail": true,
	"yandex":     true,
	"live":       true,
	"msn":        true,
	"me":         true,
	"mac":        true,
	"proton":     true,
	"pm":         true,
	"gmx":        true,
}

// secondLevelSuffixes precede a country code in registrable names like yahoo.co.uk
var secondLevelSuffixes = map[string]bool{
	"co":  true,
	"com": true,
	"net": true,
	"org": true,
}

// EmailDomain returns the lowercased domain of an address
func EmailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// IsPersonalDomain reports whether the domain is a consumer mail provider's
// registrable name, such as gmail.com or yahoo.co.uk. Subdomains of other
// organizations (mail.acme.com) never match.
func IsPersonalDomain(domain string) bool {
	labels := strings.Split(strings.Trim(strings.ToLower(domain), "."), ".")
	switch {
	case len(labels) == 2:
		return personalProviders[labels[0]]
	case len(labels) == 3 && secondLevelSuffixes[labels[1]] && len(labels[2]) == 2:
		return personalProviders[labels[0]]
	}
	return false
}

// PartitionMatches splits gateway matches into contact-type and secondary
// (organization) matches. Ambiguous matches count as contacts.
func PartitionMatches(matches []resolver.Match) (contact, secondary []resolver.Match) {
	for _, m := range matches {
		if isSecondary(m) {
			secondary = append(secondary, m)
		} else {
			contact = append(contact, m)
		}
	}
	return contact, secondary
}

func isSecondary(m resolver.Match) bool {
	by := strings.ToLower(m.MatchDetails.MatchedBy)
	field := strings.ToLower(m.MatchDetails.MatchedField)
	slug := strings.ToLower(m.Record.PipelineSlug)

	if by == "email" || strings.Contains(field, "email") || isContactSlug(slug) {
		return false
	}
	return by == "domain" || by == "url" || strings.Contains(field, "domain") || isOrganizationSlug(slug)
}

func isContactSlug(slug string) bool {
	for _, s := range []string{"contact", "people", "person", "candidate"} {
		if strings.Contains(slug, s) {
			return true
		}
	}
	return false
}

func isOrganizationSlug(slug string) bool {
	return strings.Contains(slug, "compan") || strings.Contains(slug, "organi")
}

// best returns the highest-confidence match at or above the threshold
func best(matches []resolver.Match, threshold float64) (resolver.Match, bool) {
	var top resolver.Match
	found := false
	for _, m := range matches {
		if m.Record.ID == "" || m.Confidence < threshold {
			continue
		}
		if !found || m.Confidence > top.Confidence {
			top = m
			found = true
		}
	}
	return top, found
}

func method(m resolver.Match) string {
	if m.MatchDetails.MatchedBy != "" {
		return "gateway:" + m.MatchDetails.MatchedBy
	}
	return "gateway"
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// errorList collects up to max error strings
type errorList struct {
	max   int
	items []string
	all   []error
}

func (l *errorList) add(err error) {
	l.all = append(l.all, err)
	if len(l.items) < l.max {
		l.items = append(l.items, err.Error())
	}
}

func (l *errorList) join() error {
	return errors.Join(l.all...)
}
