package crawldomain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PolicyStore is the persistence port (C2) for CrawlPolicy.
type PolicyStore interface {
	GetPolicy(ctx context.Context, id uuid.UUID) (*CrawlPolicy, error)
	GetPolicyByName(ctx context.Context, domainID uuid.UUID, name string) (*CrawlPolicy, error)
	ListDuePolicies(ctx context.Context, now time.Time, limit int) ([]*CrawlPolicy, error)
	ListPolicies(ctx context.Context, limit, offset int) ([]*CrawlPolicy, error)
	CountPolicies(ctx context.Context) (int, error)
	SavePolicy(ctx context.Context, p *CrawlPolicy) error
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	// UpdatePolicySchedule advances a policy's scheduling state. At most one of
	// lastSuccessAt/lastFailedAt is non-nil per call (the scheduler's plain
	// next_run_at advance passes neither); failureCount replaces the
	// stored value (atomic reset-to-0 on success, increment-by-caller on failure).
	UpdatePolicySchedule(ctx context.Context, id uuid.UUID, nextRunAt time.Time, lastSuccessAt, lastFailedAt *time.Time, failureCount int) error
}

// JobStore is the persistence port (C2) plus the lease-store primitive (C3) for CrawlJob.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*CrawlJob, error)
	SaveJob(ctx context.Context, j *CrawlJob) error
	// FindPendingJobs returns PENDING job ids ordered priority DESC, created_at ASC.
	// domainFilter, when non-empty, is a substring filter over the job's URL.
	FindPendingJobs(ctx context.Context, domainFilter string, max int) ([]uuid.UUID, error)
	// TryLeaseJob is the C3 atomic CAS primitive. Returns ErrAlreadyLeased if the
	// job could not be leased (not PENDING/EXPIRED and not an expired LOCKED lease).
	TryLeaseJob(ctx context.Context, jobID uuid.UUID, botID string, now time.Time, ttlSeconds int) (*CrawlJob, error)
	// AdvanceJobState performs a CAS on the job's current state, applying patch
	// atomically with the transition. Returns ErrIllegalTransition on CAS mismatch.
	AdvanceJobState(ctx context.Context, jobID uuid.UUID, from, to JobState, patch JobStatePatch) (*CrawlJob, error)
	// SweepExpiredLeases returns ids of LOCKED jobs whose lease has expired as of now.
	SweepExpiredLeases(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	// HasActiveJob reports whether a non-terminal job already exists for (policyID, urlHash).
	HasActiveJob(ctx context.Context, policyID uuid.UUID, urlHash string) (bool, error)
	// CreateJob inserts a new PENDING job, tolerating a unique-constraint race
	// against HasActiveJob by reporting a conflicting active job as created=false
	// with a nil error.
	CreateJob(ctx context.Context, j *CrawlJob) (created bool, err error)
}

// JobStatePatch carries the side-effect fields applied atomically with a state transition.
type JobStatePatch struct {
	LockedBy    *string
	LockedAt    *time.Time
	ClearLease  bool
	RetryCount  *int
	LastError   *string
}

// ResultStore is the persistence port (C2) for CrawlResult.
type ResultStore interface {
	CreateResult(ctx context.Context, r *CrawlResult) error
	GetResult(ctx context.Context, id uuid.UUID) (*CrawlResult, error)
	UpdateResultHistoryStatus(ctx context.Context, id uuid.UUID, status HistoryRecordStatus, recordedAt *time.Time) error
}

// PriceHistoryAppender is a writer (not owner) of the external, shared price-history log.
type PriceHistoryAppender interface {
	// AppendPriceHistory appends an observation. Returns ErrDuplicateHistory if the
	// most recently recorded tuple for urlHash already equals (price, currency, inStock).
	AppendPriceHistory(ctx context.Context, urlHash string, price float64, currency string, inStock bool, recordedAt time.Time, source string) error
}

// BotStore resolves bot credentials for the C10 boundary adapter.
type BotStore interface {
	GetBotConfig(ctx context.Context, botID string) (*BotConfig, error)
}

// ProductURLCandidate is one enumerated URL considered for job materialization.
type ProductURLCandidate struct {
	URLHash       string
	NormalizedURL string
}

// ProductURLEnumerator resolves the weakly-referenced ProductURL/Domain collaborators
// (§3 Ownership) the scheduler needs to materialize jobs. Enumeration is a bounded,
// cursor-paginated scan per policy (Open Question 1 of §9, resolved: bounded cursor).
type ProductURLEnumerator interface {
	// ListCandidateURLs returns up to limit URLs under the policy's domain whose
	// normalized_url matches the policy's url_pattern (empty pattern matches all),
	// ordered by url_hash, starting strictly after afterURLHash (empty = start).
	ListCandidateURLs(ctx context.Context, policyID uuid.UUID, afterURLHash string, limit int) ([]ProductURLCandidate, error)
	// URLByHash resolves a single product URL by its hash, for callers (e.g. C9's
	// allowed_domains check) that only carry the hash forward. ErrNotFound if unknown.
	URLByHash(ctx context.Context, urlHash string) (*ProductURLCandidate, error)
}

// CacheBackend is the cache port (C4). Implementations are advisory: callers must
// fall back to the persistence port on miss, connection error, or deserialization
// failure, logging a warning.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error) // ErrNotFound on miss
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}

// AutoRecordQueue is the async queue port (C5), backed by the three named
// collections and per-id failure counter described in §4.5.
type AutoRecordQueue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	// Dequeue pops the head of the main queue. ok is false when the queue is empty.
	Dequeue(ctx context.Context) (id uuid.UUID, ok bool, err error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	UnmarkProcessing(ctx context.Context, id uuid.UUID) error
	IsProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementFailure(ctx context.Context, id uuid.UUID) (int, error)
	ClearFailure(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	// RetryFailed moves up to limit ids from the failed set back to the tail of the main queue.
	RetryFailed(ctx context.Context, limit int) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// QueueStats reports the size of each AutoRecordQueue collection.
type QueueStats struct {
	QueueDepth    int64
	Processing    int64
	Failed        int64
}

// ConfigProvider exposes immutable snapshots of the operator-edited singleton
// configuration objects, with an explicit reload operation (§9: "Shared-nothing
// per-process singletons with implicit reload" is replaced by this).
type ConfigProvider interface {
	AutoRecordConfig(ctx context.Context) (AutoRecordConfig, error)
	CacheConfig(ctx context.Context) (CacheConfig, error)
	Reload(ctx context.Context) error
}
