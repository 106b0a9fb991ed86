// Package scheduler runs conduit's housekeeping: crash recovery at startup
// and periodic pruning of expired artifacts, caches, workspaces and
// attempt output.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/pipeline"
)

// Scheduler drives the housekeeping tick loop.
type Scheduler struct {
	cfg     *config.Config
	store   RunStore
	pruners Pruners
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// PruneSummary is the payload of a housekeeping.pruned event.
type PruneSummary struct {
	Artifacts    int   `json:"artifacts"`
	Caches       int   `json:"caches"`
	Workspaces   int   `json:"workspaces"`
	Outputs      int64 `json:"outputs"`
	Reports      int64 `json:"reports"`
	BytesFreed   int64 `json:"bytes_freed"`
	DurationMsec int64 `json:"duration_ms"`
}

// New creates a Scheduler. hub and m may be nil.
func New(cfg *config.Config, store RunStore, pruners Pruners, hub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.Nop{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		pruners: pruners,
		events:  hub,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start performs crash recovery and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.Service.TickInterval)

	if err := s.recoverOrphanedRuns(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Service.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single housekeeping pass. Failures of one store are
// logged and do not stop the others.
func (s *Scheduler) tick(ctx context.Context) PruneSummary {
	s.logger.Debug("Scheduler tick")
	start := s.now()
	var sum PruneSummary

	if p := s.pruners.Artifacts; p != nil {
		rep, err := p.Prune(ctx)
		if err != nil {
			s.logger.Error("Failed to prune artifacts", "error", err)
		}
		sum.Artifacts = rep.Removed
		sum.BytesFreed += rep.Bytes
		s.metrics.ObservePruned("artifact", rep.Removed)
	}

	if p := s.pruners.Caches; p != nil && s.cfg.Artifacts.CacheMaxAge > 0 {
		rep, err := p.Prune(ctx, s.cfg.Artifacts.CacheMaxAge)
		if err != nil {
			s.logger.Error("Failed to prune caches", "error", err)
		}
		sum.Caches = rep.Removed
		sum.BytesFreed += rep.Bytes
		s.metrics.ObservePruned("cache", rep.Removed)
	}

	if w := s.pruners.Workspaces; w != nil && s.cfg.Artifacts.WorkspaceMaxAge > 0 {
		rep, err := w.Cleanup(ctx, s.cfg.Artifacts.WorkspaceMaxAge)
		if err != nil {
			s.logger.Error("Failed to clean up workspaces", "error", err)
		}
		sum.Workspaces = rep.DeletedDirs
		s.metrics.ObservePruned("workspace", rep.DeletedDirs)
	}

	if s.cfg.Service.OutputRetention > 0 {
		n, err := s.store.PruneAttemptOutput(ctx, start.Add(-s.cfg.Service.OutputRetention))
		if err != nil {
			s.logger.Error("Failed to prune attempt output", "error", err)
		}
		sum.Outputs = n
		s.metrics.ObservePruned("output", int(n))
	}

	n, err := s.store.PruneReports(ctx)
	if err != nil {
		s.logger.Error("Failed to prune reports", "error", err)
	}
	sum.Reports = n
	s.metrics.ObservePruned("report", int(n))

	sum.DurationMsec = s.now().Sub(start).Milliseconds()
	s.events.Publish(events.HousekeepingPruned, sum)
	if sum.Artifacts+sum.Caches+sum.Workspaces > 0 || sum.Outputs+sum.Reports > 0 {
		s.logger.Info("Housekeeping pruned",
			"artifacts", sum.Artifacts,
			"caches", sum.Caches,
			"workspaces", sum.Workspaces,
			"outputs", sum.Outputs,
			"reports", sum.Reports,
			"bytes_freed", sum.BytesFreed,
		)
	}
	return sum
}

// recoverOrphanedRuns fails runs a previous process left unfinished.
func (s *Scheduler) recoverOrphanedRuns(ctx context.Context) error {
	s.logger.Info("Performing crash recovery for orphaned runs")

	ids, err := s.store.RecoverOrphans(ctx, string(pipeline.FailureRunnerSystem))
	if err != nil {
		return fmt.Errorf("failed to recover orphaned runs: %w", err)
	}
	if len(ids) == 0 {
		s.logger.Info("No orphaned runs found.")
		return nil
	}

	for _, id := range ids {
		s.logger.Warn("Marked orphaned run as failed", "pipeline_id", id)
		s.events.Publish(events.PipelineFinished, events.PipelineData{
			RunID:  id,
			Status: "failed",
			Error:  "interrupted by a restart",
		})
	}
	return nil
}
