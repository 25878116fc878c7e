// Package botcoord is the C8 bot-coordination service: pull and submit,
// read-through pending-job caching, and the cache/queue side effects each
// operation owns.
package botcoord

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/internal/telemetry"
	"github.com/wisbric/crawlcoord/pkg/crawldomain"
	"github.com/wisbric/crawlcoord/pkg/jobengine"
	"github.com/wisbric/crawlcoord/pkg/pendingcache"
)

// pendingKeyPrefix bounds the SCAN-based invalidation sweep over every
// domain-scoped pending-list cache key (see pendingcache.PendingListKey).
const pendingKeyPrefix = "crawl:jobs:pending:"

const hardCapMaxJobs = 100

// LeasedJob is one job handed back to a bot from Pull.
type LeasedJob struct {
	JobID          uuid.UUID
	URLHash        string
	Priority       int
	MaxRetries     int
	LockTTLSeconds int
	RetryCount     int
	LockedUntil    time.Time
}

// PullResult is the outcome of a Pull call.
type PullResult struct {
	Jobs    []LeasedJob
	Skipped int
}

// SubmitResult is the outcome of a Submit call.
type SubmitResult struct {
	Status       crawldomain.JobState
	ResultID     *uuid.UUID
	RetryCount   int
	MaxRetries   int
	PolicyNextRun *time.Time
	Error        *string
}

// Service implements pull/submit over the job engine, cache, and queue ports.
type Service struct {
	engine  *jobengine.Engine
	jobs    crawldomain.JobStore
	policies crawldomain.PolicyStore
	results crawldomain.ResultStore
	bots    crawldomain.BotStore
	cache   crawldomain.CacheBackend
	queue   crawldomain.AutoRecordQueue
	logger  *slog.Logger

	cacheTTL time.Duration
}

// New creates a Service.
func New(engine *jobengine.Engine, jobs crawldomain.JobStore, policies crawldomain.PolicyStore, results crawldomain.ResultStore, bots crawldomain.BotStore, cache crawldomain.CacheBackend, queue crawldomain.AutoRecordQueue, logger *slog.Logger, cacheTTLSeconds int) *Service {
	if cacheTTLSeconds < 1 {
		cacheTTLSeconds = 60
	}
	return &Service{
		engine: engine, jobs: jobs, policies: policies, results: results, bots: bots,
		cache: cache, queue: queue, logger: logger,
		cacheTTL: time.Duration(cacheTTLSeconds) * time.Second,
	}
}

// Authenticate validates a bot's credential pair, returning its BotConfig.
// Token comparison is constant-time over a SHA-256 digest; no cryptographic
// claims beyond byte-equality are made.
func (s *Service) Authenticate(ctx context.Context, botID, apiToken string) (*crawldomain.BotConfig, error) {
	bot, err := s.bots.GetBotConfig(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.Disabled {
		return nil, fmt.Errorf("%w: bot %s is disabled", crawldomain.ErrAuthentication, botID)
	}
	sum := sha256.Sum256([]byte(apiToken))
	digest := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(digest), []byte(bot.TokenHash)) != 1 {
		return nil, fmt.Errorf("%w: token mismatch for bot %s", crawldomain.ErrAuthentication, botID)
	}
	return bot, nil
}

// Pull leases up to maxJobs PENDING jobs for botID.
func (s *Service) Pull(ctx context.Context, bot *crawldomain.BotConfig, maxJobs int, domainFilter string) (*PullResult, error) {
	botCap := bot.MaxJobsPerPull
	if botCap > hardCapMaxJobs {
		botCap = hardCapMaxJobs
	}
	if maxJobs < 1 {
		maxJobs = 10
	}
	if maxJobs > botCap {
		maxJobs = botCap
	}

	cacheKey := pendingcache.PendingListKey(domainFilter)
	candidates, fromCache := s.loadCandidates(ctx, cacheKey, domainFilter)
	if !fromCache {
		if err := s.populateCache(ctx, cacheKey, candidates); err != nil {
			s.logger.Warn("populating pending cache", "error", err)
		}
	}

	now := time.Now()
	leased := make([]LeasedJob, 0, maxJobs)
	skipped := 0

	for _, id := range candidates {
		if len(leased) >= maxJobs {
			break
		}
		candidate, err := s.jobs.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, crawldomain.ErrNotFound) {
				continue // cached candidate no longer exists
			}
			s.logger.Error("loading candidate job", "job_id", id, "error", err)
			continue
		}
		job, err := s.engine.Lease(ctx, id, bot.BotID, now, candidate.LockTTLSeconds)
		if err != nil {
			if errors.Is(err, crawldomain.ErrAlreadyLeased) {
				skipped++
				continue
			}
			s.logger.Error("leasing candidate job", "job_id", id, "error", err)
			continue
		}
		leased = append(leased, LeasedJob{
			JobID:          job.ID,
			URLHash:        job.ProductURLHash,
			Priority:       job.Priority,
			MaxRetries:     job.MaxRetries,
			LockTTLSeconds: job.LockTTLSeconds,
			RetryCount:     job.RetryCount,
			LockedUntil:    job.LockedAt.Add(time.Duration(job.LockTTLSeconds) * time.Second),
		})
	}

	if len(leased) > 0 {
		if err := s.cache.Delete(ctx, cacheKey); err != nil {
			s.logger.Warn("invalidating pending cache after pull", "error", err)
		}
		telemetry.JobsPulledTotal.WithLabelValues(bot.BotID).Add(float64(len(leased)))
	}

	return &PullResult{Jobs: leased, Skipped: skipped}, nil
}

func (s *Service) loadCandidates(ctx context.Context, cacheKey, domainFilter string) ([]uuid.UUID, bool) {
	raw, err := s.cache.Get(ctx, cacheKey)
	if err == nil {
		var ids []uuid.UUID
		jsonErr := json.Unmarshal(raw, &ids)
		if jsonErr == nil {
			telemetry.PendingCacheHitsTotal.WithLabelValues("hit").Inc()
			return ids, true
		}
		s.logger.Warn("decoding pending cache entry, falling back to store", "key", cacheKey, "error", jsonErr)
	} else {
		s.logger.Warn("reading pending cache, falling back to store", "key", cacheKey, "error", err)
	}
	telemetry.PendingCacheHitsTotal.WithLabelValues("miss").Inc()

	ids, err := s.jobs.FindPendingJobs(ctx, domainFilter, hardCapMaxJobs)
	if err != nil {
		s.logger.Error("finding pending jobs", "error", err)
		return nil, false
	}
	return ids, false
}

func (s *Service) populateCache(ctx context.Context, cacheKey string, ids []uuid.UUID) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cacheKey, raw, s.cacheTTL)
}

// Submit applies a bot's crawl outcome to its leased job.
func (s *Service) Submit(ctx context.Context, bot *crawldomain.BotConfig, jobID uuid.UUID, success bool, price *float64, currency *string, title *string, inStock bool, parsedData crawldomain.ParsedData, rawHTML *string, errMsg *string) (*SubmitResult, error) {
	now := time.Now()

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	urlHash := job.ProductURLHash
	policyID := job.PolicyID

	updated, err := s.engine.Submit(ctx, jobID, bot.BotID, now, success, errMsg)
	if err != nil {
		telemetry.JobsSubmittedTotal.WithLabelValues(bot.BotID, "error").Inc()
		return nil, err
	}

	if err := s.cache.Delete(ctx, pendingcache.JobKey(jobID.String())); err != nil {
		s.logger.Warn("invalidating job cache after submit", "error", err)
	}
	if err := s.cache.DeletePattern(ctx, pendingKeyPrefix); err != nil {
		s.logger.Warn("invalidating pending cache after submit", "error", err)
	}

	result := &SubmitResult{
		Status:     updated.State,
		RetryCount: updated.RetryCount,
		MaxRetries: updated.MaxRetries,
		Error:      errMsg,
	}

	if updated.State == crawldomain.JobDone {
		cr, err := crawldomain.NewCrawlResult(jobID, urlHash, *price, *currency, title, inStock, parsedData, rawHTML, now)
		if err != nil {
			return nil, err
		}
		if err := s.results.CreateResult(ctx, cr); err != nil {
			return nil, err
		}
		if err := s.queue.Enqueue(ctx, cr.ID); err != nil {
			s.logger.Error("enqueueing result for auto-record", "result_id", cr.ID, "error", err)
		}
		result.ResultID = &cr.ID

		if p, err := s.policies.GetPolicy(ctx, policyID); err == nil {
			result.PolicyNextRun = p.NextRunAt
		} else {
			s.logger.Warn("reading policy next_run_at for submit response", "policy_id", policyID, "error", err)
		}
	}

	telemetry.JobsSubmittedTotal.WithLabelValues(bot.BotID, string(updated.State)).Inc()
	return result, nil
}
