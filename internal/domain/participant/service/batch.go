package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

const (
	defaultBatchConcurrency = 5
	defaultBatchLimit       = 100
	maxReportedErrors       = 10
)

// BatchInput selects participants to resolve
type BatchInput struct {
	// ParticipantIDs to resolve; when empty, unresolved participants are listed
	ParticipantIDs []string
	Limit          int
	Concurrency    int
}

// BatchOutput summarizes a batch resolution
type BatchOutput struct {
	Total    int      `json:"total"`
	Resolved int      `json:"resolved"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ResolveBatch resolves many participants with bounded parallelism. One
// participant's failure is recorded and never stops the others.
func (s *Service) ResolveBatch(ctx context.Context, tc tenant.Context, in BatchInput) (*BatchOutput, error) {
	ids := in.ParticipantIDs
	if len(ids) == 0 {
		limit := in.Limit
		if limit <= 0 {
			limit = defaultBatchLimit
		}
		pending, err := s.participants.ListUnresolved(ctx, tc, limit)
		if err != nil {
			return nil, fmt.Errorf("listing unresolved participants: %w", err)
		}
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
	}

	concurrency := in.Concurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	out := &BatchOutput{Total: len(ids)}
	errs := &errorList{max: maxReportedErrors}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			var linked, skipped bool
			err := tc.Fork(gctx, func(wtc tenant.Context) error {
				var err error
				linked, skipped, err = s.resolveOne(gctx, wtc, id)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				out.Failed++
				errs.add(fmt.Errorf("participant %s: %w", id, err))
			case skipped:
				out.Skipped++
			case linked:
				out.Resolved++
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Errors = errs.items
	s.logger.Info("batch resolution finished",
		"schema", tc.Schema,
		"total", out.Total,
		"resolved", out.Resolved,
		"failed", out.Failed,
	)
	return out, nil
}

func (s *Service) resolveOne(ctx context.Context, tc tenant.Context, id string) (linked, skipped bool, err error) {
	p, err := s.participants.GetByID(ctx, tc, id)
	if err != nil {
		return false, false, fmt.Errorf("loading participant: %w", err)
	}
	if p == nil {
		return false, false, entity.ErrParticipantNotFound
	}
	if p.IsLinked() {
		return false, true, nil
	}
	linked, err = s.resolve(ctx, tc, p)
	return linked, false, err
}
