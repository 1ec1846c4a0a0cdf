// Package scheduler periodically asks the gateway to resync accounts whose
// history has gone stale.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/httpx/upstream/gateway"
	"github.com/vadim/unified-comms/internal/tenant"
)

// HistorySyncer triggers a provider-side history resync
type HistorySyncer interface {
	SyncHistory(ctx context.Context, in gateway.SyncHistoryInput) (*gateway.SyncHistoryOutput, error)
}

// Scheduler handles periodic history resyncs across all tenants
type Scheduler struct {
	tenants     dao.TenantDirectory
	switcher    tenant.Switcher
	connections dao.ConnectionRepository
	jobs        dao.SyncJobRepository
	syncer      HistorySyncer
	interval    time.Duration
	syncAge     time.Duration // How old last_sync_at can be before resyncing
	batchSize   int           // Connections per tenant per run
	startDelay  time.Duration
	logger      *slog.Logger
	stopCh      chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	mu          sync.Mutex
	now         func() time.Time
}

// Config holds configuration for the history sync scheduler
type Config struct {
	Interval   time.Duration
	SyncAge    time.Duration
	BatchSize  int
	StartDelay time.Duration
}

// Summary reports one scheduler pass
type Summary struct {
	Tenants int
	Synced  int
	Failed  int
}

// New creates a new history sync scheduler
func New(
	tenants dao.TenantDirectory,
	switcher tenant.Switcher,
	connections dao.ConnectionRepository,
	jobs dao.SyncJobRepository,
	syncer HistorySyncer,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.SyncAge == 0 {
		cfg.SyncAge = 6 * time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.StartDelay == 0 {
		cfg.StartDelay = 15 * time.Second
	}

	return &Scheduler{
		tenants:     tenants,
		switcher:    switcher,
		connections: connections,
		jobs:        jobs,
		syncer:      syncer,
		interval:    cfg.Interval,
		syncAge:     cfg.SyncAge,
		batchSize:   cfg.BatchSize,
		startDelay:  cfg.StartDelay,
		logger:      logger,
		stopCh:      make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("history sync scheduler started", "interval", s.interval, "sync_age", s.syncAge)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for the current pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("history sync scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// first pass after a short delay to let the app initialize
	select {
	case <-time.After(s.startDelay):
		s.RunOnce(ctx)
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce resyncs the stale connections of every tenant
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	var sum Summary

	schemas, err := s.tenants.Schemas(ctx)
	if err != nil {
		s.logger.Error("failed to list tenant schemas", "error", err)
		return sum
	}

	for _, schema := range schemas {
		select {
		case <-ctx.Done():
			return sum
		default:
		}

		sum.Tenants++
		err := tenant.Run(ctx, s.switcher, schema, func(tc tenant.Context) error {
			synced, failed, err := s.processTenant(ctx, tc)
			sum.Synced += synced
			sum.Failed += failed
			return err
		})
		if err != nil {
			s.logger.Error("history sync pass failed", "schema", schema, "error", err)
		}
	}

	if sum.Synced > 0 || sum.Failed > 0 {
		s.logger.Info("history sync pass finished", "tenants", sum.Tenants, "synced", sum.Synced, "failed", sum.Failed)
	}
	return sum
}

func (s *Scheduler) processTenant(ctx context.Context, tc tenant.Context) (synced, failed int, err error) {
	conns, err := s.connections.ListStale(ctx, tc, s.now().Add(-s.syncAge), s.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("listing stale connections: %w", err)
	}
	if len(conns) == 0 {
		s.logger.Debug("no connections need history sync", "schema", tc.Schema)
		return 0, 0, nil
	}

	for i := range conns {
		select {
		case <-ctx.Done():
			return synced, failed, nil
		default:
		}

		if err := s.syncConnection(ctx, tc, &conns[i]); err != nil {
			s.logger.Error("failed to sync account history",
				"schema", tc.Schema,
				"connection_id", conns[i].ID,
				"account_id", conns[i].ExternalAccountID,
				"error", err,
			)
			failed++
			continue
		}
		synced++
	}
	return synced, failed, nil
}

// syncConnection asks for one account's resync and records it as a sync job.
// A failed request leaves last_sync_at untouched so the next pass retries.
func (s *Scheduler) syncConnection(ctx context.Context, tc tenant.Context, conn *entity.UserChannelConnection) error {
	now := s.now()
	job := &entity.SyncJob{
		ID:           uuid.NewString(),
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		JobType:      entity.SyncJobAccountHistory,
		Status:       entity.SyncJobRunning,
		Progress:     entity.SyncJobProgress{Provider: string(conn.ChannelType), Phase: "requested"},
		StartedAt:    &now,
		CreatedAt:    now,
	}
	if err := s.jobs.Create(ctx, tc, job); err != nil {
		return fmt.Errorf("creating sync job: %w", err)
	}

	_, err := s.syncer.SyncHistory(ctx, gateway.SyncHistoryInput{
		AccountID: conn.ExternalAccountID,
		Since:     conn.LastSyncAt,
	})
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		if finishErr := s.jobs.Finish(finishCtx, tc, job.ID, entity.SyncJobFailed, err.Error()); finishErr != nil {
			s.logger.Warn("failed to finish sync job", "sync_job_id", job.ID, "error", finishErr)
		}
		return fmt.Errorf("requesting history sync: %w", err)
	}

	if err := s.connections.MarkSynced(finishCtx, tc, conn.ID, now); err != nil {
		return fmt.Errorf("marking connection synced: %w", err)
	}
	if err := s.jobs.Finish(finishCtx, tc, job.ID, entity.SyncJobCompleted, ""); err != nil {
		return fmt.Errorf("finishing sync job: %w", err)
	}
	return nil
}
