// Package scheduler is the C7 policy scheduler: a cooperative periodic task
// that materializes due policies into PENDING jobs, sweeps expired leases,
// and drains one batch of the auto-record queue per tick.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/internal/telemetry"
	"github.com/wisbric/crawlcoord/pkg/crawldomain"
	"github.com/wisbric/crawlcoord/pkg/jobengine"
)

// pendingKeyPrefix mirrors pendingcache's domain-scoped pending-list key
// namespace, so materialization/sweep can invalidate every variant via SCAN.
const pendingKeyPrefix = "crawl:jobs:pending:"

// RecordDrainer processes one batch of the auto-record queue. Satisfied by
// *autorecord.Processor; declared locally so the scheduler does not depend
// on the concrete autorecord package.
type RecordDrainer interface {
	ProcessBatch(ctx context.Context, batchSize int) (int, error)
	RetryFailed(ctx context.Context, limit int) (int, error)
}

// Config holds the scheduler's tunables, loaded from internal/config.
type Config struct {
	Interval                time.Duration
	PolicyBatchSize         int
	URLPageSize             int
	SweepBatchSize          int
	RecordBatchSize         int
	RetryFailedEveryBatches int
}

// Scheduler runs the single periodic tick that owns policy materialization,
// lease sweeping, and auto-record queue draining.
type Scheduler struct {
	policies crawldomain.PolicyStore
	urls     crawldomain.ProductURLEnumerator
	jobs     crawldomain.JobStore
	engine   *jobengine.Engine
	recorder RecordDrainer
	cache    crawldomain.CacheBackend
	logger   *slog.Logger
	cfg      Config

	tickCount int
}

// New creates a Scheduler.
func New(policies crawldomain.PolicyStore, urls crawldomain.ProductURLEnumerator, jobs crawldomain.JobStore, engine *jobengine.Engine, recorder RecordDrainer, cache crawldomain.CacheBackend, logger *slog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		policies: policies, urls: urls, jobs: jobs, engine: engine, recorder: recorder,
		cache: cache, logger: logger, cfg: cfg,
	}
}

// Run blocks, ticking at cfg.Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick performs one pass: due-policy materialization, lease sweep, and
// auto-record queue drain, in that order.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()
	s.tickCount++

	if err := s.materializeDuePolicies(ctx, now); err != nil {
		s.logger.Error("materializing due policies", "error", err)
	}

	if err := s.sweepLeases(ctx, now); err != nil {
		s.logger.Error("sweeping expired leases", "error", err)
	}

	processed, err := s.recorder.ProcessBatch(ctx, s.cfg.RecordBatchSize)
	if err != nil {
		s.logger.Error("draining auto-record queue", "error", err)
	} else if processed > 0 {
		s.logger.Debug("auto-record batch processed", "count", processed)
	}

	if s.cfg.RetryFailedEveryBatches > 0 && s.tickCount%s.cfg.RetryFailedEveryBatches == 0 {
		if n, err := s.recorder.RetryFailed(ctx, s.cfg.RecordBatchSize); err != nil {
			s.logger.Error("retrying failed auto-record items", "error", err)
		} else if n > 0 {
			s.logger.Info("requeued failed auto-record items", "count", n)
		}
	}

	return nil
}

// materializeDuePolicies loads due policies and emits a PENDING job per
// candidate URL lacking an active job. It is idempotent under re-execution:
// CreateJob no-ops on the (policy_id, product_url_hash) uniqueness conflict.
func (s *Scheduler) materializeDuePolicies(ctx context.Context, now time.Time) error {
	policies, err := s.policies.ListDuePolicies(ctx, now, s.cfg.PolicyBatchSize)
	if err != nil {
		return err
	}

	for _, policy := range policies {
		materialized := 0
		cursor := ""
		for {
			candidates, err := s.urls.ListCandidateURLs(ctx, policy.ID, cursor, s.cfg.URLPageSize)
			if err != nil {
				s.logger.Error("listing candidate urls", "policy_id", policy.ID, "error", err)
				break
			}
			if len(candidates) == 0 {
				break
			}

			for _, c := range candidates {
				job, err := crawldomain.NewCrawlJob(policy, c.URLHash)
				if err != nil {
					s.logger.Error("constructing job", "policy_id", policy.ID, "url_hash", c.URLHash, "error", err)
					continue
				}
				created, err := s.jobs.CreateJob(ctx, job)
				if err != nil {
					s.logger.Error("creating job", "policy_id", policy.ID, "url_hash", c.URLHash, "error", err)
					continue
				}
				if created {
					materialized++
					telemetry.JobsMaterializedTotal.WithLabelValues(policy.ID.String()).Inc()
				}
			}
			cursor = candidates[len(candidates)-1].URLHash
			if len(candidates) < s.cfg.URLPageSize {
				break
			}
		}

		if materialized > 0 && s.cache != nil {
			if err := s.cache.DeletePattern(ctx, pendingKeyPrefix); err != nil {
				s.logger.Warn("invalidating pending cache after materialization", "error", err)
			}
		}

		// Advance next_run_at regardless of how many jobs materialized, so
		// partial success never causes a tight loop.
		nextRun := now.Add(time.Duration(policy.FrequencyHours) * time.Hour)
		if err := s.policies.UpdatePolicySchedule(ctx, policy.ID, nextRun, nil, nil, policy.FailureCount); err != nil {
			s.logger.Error("advancing policy schedule", "policy_id", policy.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) sweepLeases(ctx context.Context, now time.Time) error {
	reclaimed, err := s.engine.Sweep(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}
	if len(reclaimed) > 0 {
		telemetry.LeaseSweepReclaimedTotal.Add(float64(len(reclaimed)))
		s.logger.Info("reclaimed expired leases", "count", len(reclaimed), "job_ids", idStrings(reclaimed))
		if s.cache != nil {
			if err := s.cache.DeletePattern(ctx, pendingKeyPrefix); err != nil {
				s.logger.Warn("invalidating pending cache after sweep", "error", err)
			}
		}
	}
	return nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
