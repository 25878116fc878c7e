package botcoord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
	"github.com/wisbric/crawlcoord/pkg/jobengine"
)

// fakeJobStore is an in-memory crawldomain.JobStore.
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

func (s *fakeJobStore) FindPendingJobs(_ context.Context, _ string, max int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range s.jobs {
		if len(ids) >= max {
			break
		}
		if j.State == crawldomain.JobPending {
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
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

func (s *fakeJobStore) SweepExpiredLeases(context.Context, time.Time, int) ([]uuid.UUID, error) {
	return nil, nil
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
	p.FailureCount = failureCount
	return nil
}

// fakeResultStore is an in-memory crawldomain.ResultStore.
type fakeResultStore struct {
	mu      sync.Mutex
	results map[uuid.UUID]*crawldomain.CrawlResult
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{results: map[uuid.UUID]*crawldomain.CrawlResult{}}
}

func (s *fakeResultStore) CreateResult(_ context.Context, r *crawldomain.CrawlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.ID] = &cp
	return nil
}

func (s *fakeResultStore) GetResult(_ context.Context, id uuid.UUID) (*crawldomain.CrawlResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeResultStore) UpdateResultHistoryStatus(context.Context, uuid.UUID, crawldomain.HistoryRecordStatus, *time.Time) error {
	return nil
}

// fakeBotStore is a static crawldomain.BotStore.
type fakeBotStore struct {
	bots map[string]*crawldomain.BotConfig
}

func newFakeBotStore() *fakeBotStore { return &fakeBotStore{bots: map[string]*crawldomain.BotConfig{}} }

func (s *fakeBotStore) GetBotConfig(_ context.Context, botID string) (*crawldomain.BotConfig, error) {
	b, ok := s.bots[botID]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// fakeCache is an in-memory crawldomain.CacheBackend.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	return v, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *fakeCache) DeletePattern(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.data, k)
		}
	}
	return nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }

// fakeAutoRecordQueue is a minimal crawldomain.AutoRecordQueue.
type fakeAutoRecordQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func newFakeAutoRecordQueue() *fakeAutoRecordQueue { return &fakeAutoRecordQueue{} }

func (q *fakeAutoRecordQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, id)
	return nil
}
func (q *fakeAutoRecordQueue) Dequeue(context.Context) (uuid.UUID, bool, error) {
	return uuid.UUID{}, false, nil
}
func (q *fakeAutoRecordQueue) MarkProcessing(context.Context, uuid.UUID) error   { return nil }
func (q *fakeAutoRecordQueue) UnmarkProcessing(context.Context, uuid.UUID) error { return nil }
func (q *fakeAutoRecordQueue) IsProcessing(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}
func (q *fakeAutoRecordQueue) IncrementFailure(context.Context, uuid.UUID) (int, error) {
	return 0, nil
}
func (q *fakeAutoRecordQueue) ClearFailure(context.Context, uuid.UUID) error { return nil }
func (q *fakeAutoRecordQueue) MarkFailed(context.Context, uuid.UUID) error   { return nil }
func (q *fakeAutoRecordQueue) RetryFailed(context.Context, int) (int, error) {
	return 0, nil
}
func (q *fakeAutoRecordQueue) Stats(context.Context) (crawldomain.QueueStats, error) {
	return crawldomain.QueueStats{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *fakeJobStore, *fakePolicyStore, *fakeBotStore, *fakeCache, *fakeAutoRecordQueue) {
	t.Helper()
	js := newFakeJobStore()
	ps := newFakePolicyStore()
	rs := newFakeResultStore()
	bs := newFakeBotStore()
	cache := newFakeCache()
	queue := newFakeAutoRecordQueue()
	engine := jobengine.New(js, ps)
	svc := New(engine, js, ps, rs, bs, cache, queue, discardLogger(), 60)
	return svc, js, ps, bs, cache, queue
}

func seedPolicyAndJob(t *testing.T, js *fakeJobStore, ps *fakePolicyStore) (*crawldomain.CrawlPolicy, *crawldomain.CrawlJob) {
	t.Helper()
	p, err := crawldomain.NewCrawlPolicy(uuid.New(), "p1", "", 24, 5, 3, 1, 10)
	require.NoError(t, err)
	now := time.Now()
	p.NextRunAt = &now
	ps.put(p)
	j, err := crawldomain.NewCrawlJob(p, "urlhash1")
	require.NoError(t, err)
	js.put(j)
	return p, j
}

func TestService_AuthenticateRejectsWrongToken(t *testing.T) {
	svc, _, _, bs, _, _ := newTestService(t)
	bs.bots["bot-1"] = &crawldomain.BotConfig{BotID: "bot-1", TokenHash: hashToken("correct-token"), MaxJobsPerPull: 10}

	_, err := svc.Authenticate(context.Background(), "bot-1", "wrong-token")
	assert.ErrorIs(t, err, crawldomain.ErrAuthentication)

	bot, err := svc.Authenticate(context.Background(), "bot-1", "correct-token")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", bot.BotID)
}

func TestService_AuthenticateRejectsDisabledBot(t *testing.T) {
	svc, _, _, bs, _, _ := newTestService(t)
	bs.bots["bot-1"] = &crawldomain.BotConfig{BotID: "bot-1", TokenHash: hashToken("tok"), Disabled: true, MaxJobsPerPull: 10}

	_, err := svc.Authenticate(context.Background(), "bot-1", "tok")
	assert.ErrorIs(t, err, crawldomain.ErrAuthentication)
}

func TestService_PullLeasesAndSkipsAlreadyLocked(t *testing.T) {
	svc, js, ps, bs, _, _ := newTestService(t)
	bot := &crawldomain.BotConfig{BotID: "bot-1", TokenHash: hashToken("tok"), MaxJobsPerPull: 10}
	bs.bots["bot-1"] = bot

	_, j1 := seedPolicyAndJob(t, js, ps)
	_, j2 := seedPolicyAndJob(t, js, ps)

	// Cache both as candidates, then lease j2 out from under the pull via a
	// competing bot, so the pull sees a stale cached candidate.
	require.NoError(t, svc.populateCache(context.Background(), "crawl:jobs:pending:all", []uuid.UUID{j1.ID, j2.ID}))
	_, err := svc.engine.Lease(context.Background(), j2.ID, "other-bot", time.Now(), 600)
	require.NoError(t, err)

	result, err := svc.Pull(context.Background(), bot, 10, "")
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, j1.ID, result.Jobs[0].JobID)
	assert.Equal(t, 1, result.Skipped)
}

func TestService_PullPreservesConfiguredLockTTL(t *testing.T) {
	svc, js, ps, bs, _, _ := newTestService(t)
	bot := &crawldomain.BotConfig{BotID: "bot-1", TokenHash: hashToken("tok"), MaxJobsPerPull: 10}
	bs.bots["bot-1"] = bot

	_, j := seedPolicyAndJob(t, js, ps)
	wantTTL := j.LockTTLSeconds

	result, err := svc.Pull(context.Background(), bot, 10, "")
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, wantTTL, result.Jobs[0].LockTTLSeconds, "lease must preserve the job's configured TTL, not zero it out")
}

func TestService_PullClampsToHardCap(t *testing.T) {
	svc, js, ps, bs, _, _ := newTestService(t)
	bot := &crawldomain.BotConfig{BotID: "bot-1", TokenHash: hashToken("tok"), MaxJobsPerPull: 1000}
	bs.bots["bot-1"] = bot

	for i := 0; i < hardCapMaxJobs+1; i++ {
		seedPolicyAndJob(t, js, ps)
	}

	result, err := svc.Pull(context.Background(), bot, 5000, "")
	require.NoError(t, err)
	assert.Len(t, result.Jobs, hardCapMaxJobs)
}

func TestService_SubmitSuccessCreatesResultAndEnqueues(t *testing.T) {
	svc, js, ps, bs, cache, queue := newTestService(t)
	bot := &crawldomain.BotConfig{BotID: "bot-1", TokenHash: hashToken("tok"), MaxJobsPerPull: 10}
	bs.bots["bot-1"] = bot

	p, j := seedPolicyAndJob(t, js, ps)
	_, err := svc.engine.Lease(context.Background(), j.ID, "bot-1", time.Now(), j.LockTTLSeconds)
	require.NoError(t, err)
	require.NoError(t, cache.Set(context.Background(), "crawl:job:"+j.ID.String(), []byte("cached"), time.Minute))

	price := 19.99
	currency := "USD"
	result, err := svc.Submit(context.Background(), bot, j.ID, true, &price, &currency, nil, true, crawldomain.ParsedData{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobDone, result.Status)
	require.NotNil(t, result.ResultID)
	assert.Equal(t, 1, len(queue.enqueued))

	// Job-detail cache entry must be invalidated after a successful submit.
	_, err = cache.Get(context.Background(), "crawl:job:"+j.ID.String())
	assert.ErrorIs(t, err, crawldomain.ErrNotFound)

	updatedPolicy, err := ps.GetPolicy(context.Background(), p.ID)
	require.NoError(t, err)
	assert.NotNil(t, updatedPolicy.NextRunAt)
}

func TestService_SubmitFailureRetriesUntilExhausted(t *testing.T) {
	svc, js, ps, bs, _, _ := newTestService(t)
	bot := &crawldomain.BotConfig{BotID: "bot-1", TokenHash: hashToken("tok"), MaxJobsPerPull: 10}
	bs.bots["bot-1"] = bot

	_, j := seedPolicyAndJob(t, js, ps)

	for i := 1; i <= j.MaxRetries; i++ {
		_, err := svc.engine.Lease(context.Background(), j.ID, "bot-1", time.Now(), j.LockTTLSeconds)
		require.NoError(t, err)
		result, err := svc.Submit(context.Background(), bot, j.ID, false, nil, nil, nil, true, crawldomain.ParsedData{}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, crawldomain.JobPending, result.Status)
	}

	_, err := svc.engine.Lease(context.Background(), j.ID, "bot-1", time.Now(), j.LockTTLSeconds)
	require.NoError(t, err)
	errMsg := "timeout"
	result, err := svc.Submit(context.Background(), bot, j.ID, false, nil, nil, nil, true, crawldomain.ParsedData{}, nil, &errMsg)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.JobFailed, result.Status)
	assert.Nil(t, result.ResultID)
}
