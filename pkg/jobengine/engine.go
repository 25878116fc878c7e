// Package jobengine is the C6 state-machine engine: the transition table,
// lease ownership/TTL checks, retry accounting, and the policy-scheduling
// callback.
package jobengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// Engine wraps the persistence port's CAS primitives with the legal
// transition table and the policy next-run bookkeeping.
type Engine struct {
	jobs     crawldomain.JobStore
	policies crawldomain.PolicyStore
}

// New creates an Engine over the given stores.
func New(jobs crawldomain.JobStore, policies crawldomain.PolicyStore) *Engine {
	return &Engine{jobs: jobs, policies: policies}
}

// Lease attempts PENDING|EXPIRED -> LOCKED (or an expired LOCKED -> LOCKED),
// the pull-side half of the C3 CAS primitive.
func (e *Engine) Lease(ctx context.Context, jobID uuid.UUID, botID string, now time.Time, ttlSeconds int) (*crawldomain.CrawlJob, error) {
	return e.jobs.TryLeaseJob(ctx, jobID, botID, now, ttlSeconds)
}

// Submit validates ownership and lease freshness, then advances the job per
// the transition table, running the policy-scheduling callback on the two
// terminal-ish outcomes (DONE, FAILED).
func (e *Engine) Submit(ctx context.Context, jobID uuid.UUID, botID string, now time.Time, success bool, errMsg *string) (*crawldomain.CrawlJob, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != crawldomain.JobLocked {
		return nil, fmt.Errorf("%w: job %s is %s", crawldomain.ErrJobNotLocked, jobID, job.State)
	}
	if job.LockedBy == nil || *job.LockedBy != botID {
		return nil, fmt.Errorf("%w: job %s is leased to a different bot", crawldomain.ErrNotAssigned, jobID)
	}
	if job.LeaseExpired(now) {
		return nil, fmt.Errorf("%w: job %s lease expired", crawldomain.ErrLeaseExpired, jobID)
	}

	if success {
		updated, err := e.jobs.AdvanceJobState(ctx, jobID, crawldomain.JobLocked, crawldomain.JobDone, crawldomain.JobStatePatch{
			ClearLease: true,
		})
		if err != nil {
			return nil, err
		}
		if err := e.schedulePolicySuccess(ctx, job.PolicyID, now); err != nil {
			return nil, err
		}
		return updated, nil
	}

	if job.RetryCount < job.MaxRetries {
		retryCount := job.RetryCount + 1
		updated, err := e.jobs.AdvanceJobState(ctx, jobID, crawldomain.JobLocked, crawldomain.JobPending, crawldomain.JobStatePatch{
			ClearLease: true,
			RetryCount: &retryCount,
			LastError:  errMsg,
		})
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	updated, err := e.jobs.AdvanceJobState(ctx, jobID, crawldomain.JobLocked, crawldomain.JobFailed, crawldomain.JobStatePatch{
		ClearLease: true,
		LastError:  errMsg,
	})
	if err != nil {
		return nil, err
	}
	if err := e.schedulePolicyFailure(ctx, job.PolicyID, now); err != nil {
		return nil, err
	}
	return updated, nil
}

// Sweep reclaims expired leases: LOCKED -> EXPIRED (via the persistence
// port's atomic scan-and-flip), then EXPIRED -> PENDING as a secondary step
// so swept jobs are immediately re-eligible.
func (e *Engine) Sweep(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	expired, err := e.jobs.SweepExpiredLeases(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	reclaimed := make([]uuid.UUID, 0, len(expired))
	for _, id := range expired {
		if _, err := e.jobs.AdvanceJobState(ctx, id, crawldomain.JobExpired, crawldomain.JobPending, crawldomain.JobStatePatch{}); err != nil {
			return reclaimed, fmt.Errorf("reclaiming swept job %s: %w", id, err)
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

func (e *Engine) schedulePolicySuccess(ctx context.Context, policyID uuid.UUID, now time.Time) error {
	p, err := e.policies.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	nextRun := now.Add(time.Duration(p.FrequencyHours) * time.Hour)
	return e.policies.UpdatePolicySchedule(ctx, policyID, nextRun, &now, nil, 0)
}

func (e *Engine) schedulePolicyFailure(ctx context.Context, policyID uuid.UUID, now time.Time) error {
	p, err := e.policies.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	failureCount := p.FailureCount + 1
	nextRun := now.Add(computeBackoff(p.RetryBackoffMinutes, failureCount))
	return e.policies.UpdatePolicySchedule(ctx, policyID, nextRun, nil, &now, failureCount)
}
