package autorecord

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// fakeQueue is an in-memory crawldomain.AutoRecordQueue.
type fakeQueue struct {
	mu         sync.Mutex
	main       []uuid.UUID
	processing map[uuid.UUID]bool
	failures   map[uuid.UUID]int
	failed     map[uuid.UUID]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		processing: map[uuid.UUID]bool{},
		failures:   map[uuid.UUID]int{},
		failed:     map[uuid.UUID]bool{},
	}
}

func (q *fakeQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.main = append(q.main, id)
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.main) == 0 {
		return uuid.UUID{}, false, nil
	}
	id := q.main[0]
	q.main = q.main[1:]
	return id, true, nil
}

func (q *fakeQueue) MarkProcessing(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing[id] = true
	return nil
}

func (q *fakeQueue) UnmarkProcessing(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, id)
	return nil
}

func (q *fakeQueue) IsProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing[id], nil
}

func (q *fakeQueue) IncrementFailure(_ context.Context, id uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures[id]++
	return q.failures[id], nil
}

func (q *fakeQueue) ClearFailure(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.failures, id)
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = true
	return nil
}

func (q *fakeQueue) RetryFailed(_ context.Context, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id := range q.failed {
		if n >= limit {
			break
		}
		delete(q.failed, id)
		q.main = append(q.main, id)
		n++
	}
	return n, nil
}

func (q *fakeQueue) Stats(context.Context) (crawldomain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return crawldomain.QueueStats{QueueDepth: int64(len(q.main))}, nil
}

// fakeResults is an in-memory crawldomain.ResultStore.
type fakeResults struct {
	mu      sync.Mutex
	results map[uuid.UUID]*crawldomain.CrawlResult
}

func newFakeResults() *fakeResults {
	return &fakeResults{results: map[uuid.UUID]*crawldomain.CrawlResult{}}
}

func (r *fakeResults) CreateResult(_ context.Context, res *crawldomain.CrawlResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *res
	r.results[res.ID] = &cp
	return nil
}

func (r *fakeResults) GetResult(_ context.Context, id uuid.UUID) (*crawldomain.CrawlResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *fakeResults) UpdateResultHistoryStatus(_ context.Context, id uuid.UUID, status crawldomain.HistoryRecordStatus, recordedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	if !ok {
		return crawldomain.ErrNotFound
	}
	res.HistoryRecordStatus = status
	res.HistoryRecordedAt = recordedAt
	return nil
}

// fakeHistory is an in-memory crawldomain.PriceHistoryAppender with optional
// forced failures, keyed by urlHash.
type fakeHistory struct {
	mu       sync.Mutex
	appended int
	failWith map[string]error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{failWith: map[string]error{}}
}

func (h *fakeHistory) AppendPriceHistory(_ context.Context, urlHash string, _ float64, _ string, _ bool, _ time.Time, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failWith[urlHash]; ok {
		return err
	}
	h.appended++
	return nil
}

// fakeURLs is a minimal crawldomain.ProductURLEnumerator.
type fakeURLs struct {
	byHash map[string]crawldomain.ProductURLCandidate
}

func newFakeURLs() *fakeURLs { return &fakeURLs{byHash: map[string]crawldomain.ProductURLCandidate{}} }

func (u *fakeURLs) ListCandidateURLs(context.Context, uuid.UUID, string, int) ([]crawldomain.ProductURLCandidate, error) {
	return nil, nil
}

func (u *fakeURLs) URLByHash(_ context.Context, urlHash string) (*crawldomain.ProductURLCandidate, error) {
	c, ok := u.byHash[urlHash]
	if !ok {
		return nil, crawldomain.ErrNotFound
	}
	return &c, nil
}

// fakeConfig is a static crawldomain.ConfigProvider.
type fakeConfig struct {
	autoRecord crawldomain.AutoRecordConfig
	cache      crawldomain.CacheConfig
}

func (c *fakeConfig) AutoRecordConfig(context.Context) (crawldomain.AutoRecordConfig, error) {
	return c.autoRecord, nil
}
func (c *fakeConfig) CacheConfig(context.Context) (crawldomain.CacheConfig, error) {
	return c.cache, nil
}
func (c *fakeConfig) Reload(context.Context) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newResult(t *testing.T, urlHash string, price float64, currency string, inStock bool, parsed crawldomain.ParsedData) *crawldomain.CrawlResult {
	t.Helper()
	r, err := crawldomain.NewCrawlResult(uuid.New(), urlHash, price, currency, nil, inStock, parsed, nil, time.Now())
	require.NoError(t, err)
	return r
}

func TestProcessor_RecordsEligibleResult(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	history := newFakeHistory()
	urls := newFakeURLs()
	cfg := &fakeConfig{autoRecord: crawldomain.DefaultAutoRecordConfig()}
	p := New(queue, results, history, urls, cfg, discardLogger(), 3)

	r := newResult(t, "hash1", 9.99, "USD", true, crawldomain.ParsedData{})
	require.NoError(t, results.CreateResult(context.Background(), r))
	require.NoError(t, queue.Enqueue(context.Background(), r.ID))

	n, err := p.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, history.appended)

	stored, err := results.GetResult(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.HistoryRecorded, stored.HistoryRecordStatus)
}

func TestProcessor_SkipsWhenDisabled(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	history := newFakeHistory()
	urls := newFakeURLs()
	cfg := &fakeConfig{autoRecord: crawldomain.AutoRecordConfig{Enabled: false}}
	p := New(queue, results, history, urls, cfg, discardLogger(), 3)

	r := newResult(t, "hash1", 9.99, "USD", true, crawldomain.ParsedData{})
	require.NoError(t, results.CreateResult(context.Background(), r))
	require.NoError(t, queue.Enqueue(context.Background(), r.ID))

	n, err := p.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, history.appended)

	stored, err := results.GetResult(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.HistoryNone, stored.HistoryRecordStatus)
}

func TestProcessor_SkipsOutOfStockWhenRequired(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	history := newFakeHistory()
	urls := newFakeURLs()
	cfg := &fakeConfig{autoRecord: crawldomain.AutoRecordConfig{Enabled: true, RequireInStock: true}}
	p := New(queue, results, history, urls, cfg, discardLogger(), 3)

	r := newResult(t, "hash1", 9.99, "USD", false, crawldomain.ParsedData{})
	require.NoError(t, results.CreateResult(context.Background(), r))
	require.NoError(t, queue.Enqueue(context.Background(), r.ID))

	_, err := p.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, history.appended)
}

func TestProcessor_AllowedDomainsResolvesViaURLHash(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	history := newFakeHistory()
	urls := newFakeURLs()
	urls.byHash["hash1"] = crawldomain.ProductURLCandidate{URLHash: "hash1", NormalizedURL: "https://blocked.example/p/1"}
	cfg := &fakeConfig{autoRecord: crawldomain.AutoRecordConfig{
		Enabled:        true,
		AllowedDomains: map[string]struct{}{"allowed.example": {}},
	}}
	p := New(queue, results, history, urls, cfg, discardLogger(), 3)

	r := newResult(t, "hash1", 9.99, "USD", true, crawldomain.ParsedData{})
	require.NoError(t, results.CreateResult(context.Background(), r))
	require.NoError(t, queue.Enqueue(context.Background(), r.ID))

	_, err := p.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, history.appended, "domain not in allow-list should be skipped")
}

func TestProcessor_DuplicateMarksResultDuplicate(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	history := newFakeHistory()
	urls := newFakeURLs()
	cfg := &fakeConfig{autoRecord: crawldomain.DefaultAutoRecordConfig()}
	p := New(queue, results, history, urls, cfg, discardLogger(), 3)

	r := newResult(t, "hash1", 9.99, "USD", true, crawldomain.ParsedData{})
	history.failWith["hash1"] = crawldomain.ErrDuplicateHistory
	require.NoError(t, results.CreateResult(context.Background(), r))
	require.NoError(t, queue.Enqueue(context.Background(), r.ID))

	_, err := p.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)

	stored, err := results.GetResult(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.HistoryDuplicate, stored.HistoryRecordStatus)
}

func TestProcessor_RetriesThenMarksFailedAfterMaxRetries(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	history := newFakeHistory()
	urls := newFakeURLs()
	cfg := &fakeConfig{autoRecord: crawldomain.DefaultAutoRecordConfig()}
	p := New(queue, results, history, urls, cfg, discardLogger(), 2)

	r := newResult(t, "hash1", 9.99, "USD", true, crawldomain.ParsedData{})
	history.failWith["hash1"] = assertError{}
	require.NoError(t, results.CreateResult(context.Background(), r))
	require.NoError(t, queue.Enqueue(context.Background(), r.ID))

	// maxRetries=2: the fake queue re-enqueues synchronously, so a single
	// batch drains the retry until it crosses the maxRetries threshold and
	// the item is marked permanently failed.
	_, err := p.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, queue.failed[r.ID])
	assert.Equal(t, 2, queue.failures[r.ID])

	stored, err := results.GetResult(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, crawldomain.HistoryFailed, stored.HistoryRecordStatus)
}

// assertError is a trivial non-duplicate error for forcing the failure path.
type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestProcessor_PoisonByAbsenceClearsFailure(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	history := newFakeHistory()
	urls := newFakeURLs()
	cfg := &fakeConfig{autoRecord: crawldomain.DefaultAutoRecordConfig()}
	p := New(queue, results, history, urls, cfg, discardLogger(), 3)

	missingID := uuid.New()
	require.NoError(t, queue.Enqueue(context.Background(), missingID))
	queue.failures[missingID] = 1

	n, err := p.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, history.appended)
	assert.Zero(t, queue.failures[missingID])
}
