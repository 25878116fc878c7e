package jobengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// fakeJobStore is an in-memory crawldomain.JobStore used to test the
// transition table without a live Postgres instance.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*crawldomain.CrawlJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*crawldomain.CrawlJob{}}
}

func (s *fakeJobStore) put(j *crawldomain.CrawlJob) {
	cp := *j
	s.jobs[j.ID] = &cp
}

func (s *fakeJobStore) GetJob(_ context.Context, id uuid.UUID) (*crawldomain.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) SaveJob(_ context.Context, j *crawldomain.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(j)
	return nil
}

func (s *fakeJobStore) FindPendingJobs(context.Context, string, int) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *fakeJobStore) TryLeaseJob(_ context.Context, jobID uuid.UUID, botID string, now time.Time, ttlSeconds int) (*crawldomain.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	leasable := j.State == crawldomain.JobPending || j.State == crawldomain.JobExpired ||
		(j.State == crawldomain.JobLocked && j.LeaseExpired(now))
	if !leasable {
		return nil, crawldomain.ErrAlreadyLeased
	}
	j.State = crawldomain.JobLocked
	b := botID
	j.LockedBy = &b
	t := now
	j.LockedAt = &t
	j.LockTTLSeconds = ttlSeconds
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) AdvanceJobState(_ context.Context, jobID uuid.UUID, from, to crawldomain.JobState, patch crawldomain.JobStatePatch) (*crawldomain.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State != from {
		return nil, crawldomain.ErrIllegalTransition
	}
	j.State = to
	if patch.ClearLease {
		j.LockedBy = nil
		j.LockedAt = nil
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.LastError != nil {
		j.LastError = patch.LastError
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) SweepExpiredLeases(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range s.jobs {
		if len(ids) >= limit {
			break
		}
		if j.State == crawldomain.JobLocked && j.LeaseExpired(now) {
			j.State = crawldomain.JobExpired
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (s *fakeJobStore) HasActiveJob(context.Context, uuid.UUID, string) (bool, error) { return false, nil }

func (s *fakeJobStore) CreateJob(_ context.Context, j *crawldomain.CrawlJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return false, nil
	}
	s.put(j)
	return true, nil
}

// fakePolicyStore is an in-memory crawldomain.PolicyStore.
type fakePolicyStore struct {
	mu       sync.Mutex
	policies map[uuid.UUID]*crawldomain.CrawlPolicy
}

func newFakePolicyStore() *fakePolicyStore {
	return &fakePolicyStore{policies: map[uuid.UUID]*crawldomain.CrawlPolicy{}}
}

func (s *fakePolicyStore) put(p *crawldomain.CrawlPolicy) {
	cp := *p
	s.policies[p.ID] = &cp
}

func (s *fakePolicyStore) GetPolicy(_ context.Context, id uuid.UUID) (*crawldomain.CrawlPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakePolicyStore) GetPolicyByName(context.Context, uuid.UUID, string) (*crawldomain.CrawlPolicy, error) {
	return nil, crawldomain.ErrNotFound
}

func (s *fakePolicyStore) ListDuePolicies(context.Context, time.Time, int) ([]*crawldomain.CrawlPolicy, error) {
	return nil, nil
}

func (s *fakePolicyStore) CountPolicies(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.policies), nil
}

func (s *fakePolicyStore) ListPolicies(context.Context, int, int) ([]*crawldomain.CrawlPolicy, error) {
	return nil, nil
}

func (s *fakePolicyStore) SavePolicy(_ context.Context, p *crawldomain.CrawlPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(p)
	return nil
}

func (s *fakePolicyStore) DeletePolicy(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *fakePolicyStore) UpdatePolicySchedule(_ context.Context, id uuid.UUID, nextRunAt time.Time, lastSuccessAt, lastFailedAt *time.Time, failureCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return crawldomain.ErrNotFound
	}
	p.NextRunAt = &nextRunAt
	if lastSuccessAt != nil {
		p.LastSuccessAt = lastSuccessAt
	}
	if lastFailedAt != nil {
		p.LastFailedAt = lastFailedAt
	}
	p.FailureCount = failureCount
	return nil
}

func seedPolicyAndJob(t *testing.T, js *fakeJobStore, ps *fakePolicyStore, maxRetries int) (*crawldomain.CrawlPolicy, *crawldomain.CrawlJob) {
	t.Helper()
	p, err := crawldomain.NewCrawlPolicy(uuid.New(), "p1", "", 24, 5, maxRetries, 1, 10)
	require.NoError(t, err)
	now := time.Now()
	p.NextRunAt = &now
	ps.put(p)

	j, err := crawldomain.NewCrawlJob(p, "urlhash1")
	require.NoError(t, err)
	js.put(j)
	return p, j
}

// S1 — happy path pull -> submit success.
func TestEngine_SubmitSuccess(t *testing.T) {
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	_, j := seedPolicyAndJob(t, js, ps, 3)
	e := New(js, ps)
	ctx := context.Background()
	now := time.Now()

	leased, err := e.Lease(ctx, j.ID, "bot-1", now, j.LockTTLSeconds)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobLocked, leased.State)
	assert.Equal(t, "bot-1", *leased.LockedBy)

	updated, err := e.Submit(ctx, j.ID, "bot-1", now.Add(time.Second), true, nil)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobDone, updated.State)
	assert.Nil(t, updated.LockedBy)
}

// S2 — contention: a second lease attempt on an already-LOCKED job is rejected.
func TestEngine_LeaseContention(t *testing.T) {
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	_, j := seedPolicyAndJob(t, js, ps, 3)
	e := New(js, ps)
	ctx := context.Background()
	now := time.Now()

	_, err := e.Lease(ctx, j.ID, "bot-1", now, j.LockTTLSeconds)
	require.NoError(t, err)

	_, err = e.Lease(ctx, j.ID, "bot-2", now, j.LockTTLSeconds)
	assert.ErrorIs(t, err, crawldomain.ErrAlreadyLeased)
}

// S3 — retry to exhaustion: max_retries=2, three consecutive failures.
func TestEngine_RetryToExhaustion(t *testing.T) {
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	p, j := seedPolicyAndJob(t, js, ps, 2)
	e := New(js, ps)
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 2; i++ {
		leased, err := e.Lease(ctx, j.ID, "bot-1", now, j.LockTTLSeconds)
		require.NoError(t, err)
		assert.Equal(t, crawldomain.JobLocked, leased.State)

		updated, err := e.Submit(ctx, j.ID, "bot-1", now, false, nil)
		require.NoError(t, err)
		assert.Equal(t, crawldomain.JobPending, updated.State)
		assert.Equal(t, i, updated.RetryCount)
	}

	leased, err := e.Lease(ctx, j.ID, "bot-1", now, j.LockTTLSeconds)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobLocked, leased.State)

	final, err := e.Submit(ctx, j.ID, "bot-1", now, false, nil)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobFailed, final.State)

	updatedPolicy, err := ps.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updatedPolicy.FailureCount)
}

// S4 — lease expiry then sweep: LOCKED -> EXPIRED -> PENDING, then re-leasable.
func TestEngine_SweepReclaims(t *testing.T) {
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	_, j := seedPolicyAndJob(t, js, ps, 3)
	e := New(js, ps)
	ctx := context.Background()
	now := time.Now()

	_, err := e.Lease(ctx, j.ID, "bot-1", now, 1)
	require.NoError(t, err)

	later := now.Add(5 * time.Second)
	reclaimed, err := e.Sweep(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	job, err := js.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobPending, job.State)

	leased, err := e.Lease(ctx, j.ID, "bot-2", later, 60)
	require.NoError(t, err)
	assert.Equal(t, "bot-2", *leased.LockedBy)
}

func TestEngine_Submit_NotAssigned(t *testing.T) {
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	_, j := seedPolicyAndJob(t, js, ps, 3)
	e := New(js, ps)
	ctx := context.Background()
	now := time.Now()

	_, err := e.Lease(ctx, j.ID, "bot-1", now, 60)
	require.NoError(t, err)

	_, err = e.Submit(ctx, j.ID, "bot-2", now, true, nil)
	assert.ErrorIs(t, err, crawldomain.ErrNotAssigned)
}

func TestEngine_Submit_LeaseExpired(t *testing.T) {
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	_, j := seedPolicyAndJob(t, js, ps, 3)
	e := New(js, ps)
	ctx := context.Background()
	now := time.Now()

	_, err := e.Lease(ctx, j.ID, "bot-1", now, 1)
	require.NoError(t, err)

	_, err = e.Submit(ctx, j.ID, "bot-1", now.Add(5*time.Second), true, nil)
	assert.ErrorIs(t, err, crawldomain.ErrLeaseExpired)

	job, err := js.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobLocked, job.State)
}

func TestEngine_Submit_NotLocked(t *testing.T) {
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	_, j := seedPolicyAndJob(t, js, ps, 3)
	e := New(js, ps)
	ctx := context.Background()

	_, err := e.Submit(ctx, j.ID, "bot-1", time.Now(), true, nil)
	assert.True(t, errors.Is(err, crawldomain.ErrJobNotLocked))
}
