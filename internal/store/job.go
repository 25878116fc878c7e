package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// JobStore is the Postgres adapter for crawldomain.JobStore, implementing the
// C3 lease-store CAS primitive via single-statement UPDATE ... WHERE ...
// RETURNING; a scan that finds no row (pgx.ErrNoRows) means the CAS lost.
type JobStore struct {
	db DBTX
}

// NewJobStore creates a JobStore backed by the given connection.
func NewJobStore(db DBTX) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, policy_id, product_url_hash, state, priority, locked_by, locked_at,
	lock_ttl_seconds, retry_count, max_retries, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*crawldomain.CrawlJob, error) {
	var j crawldomain.CrawlJob
	err := row.Scan(
		&j.ID, &j.PolicyID, &j.ProductURLHash, &j.State, &j.Priority, &j.LockedBy, &j.LockedAt,
		&j.LockTTLSeconds, &j.RetryCount, &j.MaxRetries, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob returns a job by id.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*crawldomain.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM job WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", crawldomain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting job: %v", crawldomain.ErrTransientStore, err)
	}
	return j, nil
}

// SaveJob upserts a job by id (used only for initial creation outside CreateJob,
// e.g. seeding/admin tooling; in-flight transitions always go through AdvanceJobState).
func (s *JobStore) SaveJob(ctx context.Context, j *crawldomain.CrawlJob) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO job (id, policy_id, product_url_hash, state, priority, locked_by, locked_at,
			lock_ttl_seconds, retry_count, max_retries, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, priority = EXCLUDED.priority, locked_by = EXCLUDED.locked_by,
			locked_at = EXCLUDED.locked_at, lock_ttl_seconds = EXCLUDED.lock_ttl_seconds,
			retry_count = EXCLUDED.retry_count, max_retries = EXCLUDED.max_retries,
			last_error = EXCLUDED.last_error, updated_at = now()
		RETURNING created_at, updated_at`,
		j.ID, j.PolicyID, j.ProductURLHash, j.State, j.Priority, j.LockedBy, j.LockedAt,
		j.LockTTLSeconds, j.RetryCount, j.MaxRetries, j.LastError,
	)
	if err := row.Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
		return fmt.Errorf("%w: saving job: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}

// FindPendingJobs returns PENDING job ids ordered priority DESC, created_at ASC,
// optionally filtered by a case-insensitive substring match on the job's
// normalized URL (joined through product_url).
func (s *JobStore) FindPendingJobs(ctx context.Context, domainFilter string, max int) ([]uuid.UUID, error) {
	query := `SELECT j.id FROM job j
		LEFT JOIN product_url pu ON pu.url_hash = j.product_url_hash
		WHERE j.state = $1`
	args := []any{crawldomain.JobPending}
	if domainFilter != "" {
		query += ` AND pu.normalized_url ILIKE '%' || $2 || '%'`
		args = append(args, domainFilter)
	}
	query += fmt.Sprintf(` ORDER BY j.priority DESC, j.created_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, max)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: finding pending jobs: %v", crawldomain.ErrTransientStore, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning pending job id: %v", crawldomain.ErrTransientStore, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating pending jobs: %v", crawldomain.ErrTransientStore, err)
	}
	return ids, nil
}

// TryLeaseJob is the C3 atomic CAS primitive: a job is leasable if PENDING,
// EXPIRED, or LOCKED with an elapsed lease. A single UPDATE expresses all
// three cases so no read-then-write race window exists.
func (s *JobStore) TryLeaseJob(ctx context.Context, jobID uuid.UUID, botID string, now time.Time, ttlSeconds int) (*crawldomain.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE job SET state = $4, locked_by = $2, locked_at = $3, lock_ttl_seconds = $5, updated_at = now()
		WHERE id = $1
		  AND (state = 'PENDING' OR state = 'EXPIRED'
		       OR (state = 'LOCKED' AND locked_at + (lock_ttl_seconds || ' seconds')::interval < $3))
		RETURNING `+jobColumns,
		jobID, botID, now, crawldomain.JobLocked, ttlSeconds)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", crawldomain.ErrAlreadyLeased, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: leasing job: %v", crawldomain.ErrTransientStore, err)
	}
	return j, nil
}

// AdvanceJobState performs a CAS on the job's current state, applying patch
// atomically with the transition. The caller (pkg/jobengine) has already
// validated the (from, to) pair against the transition table.
func (s *JobStore) AdvanceJobState(ctx context.Context, jobID uuid.UUID, from, to crawldomain.JobState, patch crawldomain.JobStatePatch) (*crawldomain.CrawlJob, error) {
	lockedBy := patch.LockedBy
	lockedAt := patch.LockedAt
	if patch.ClearLease {
		lockedBy, lockedAt = nil, nil
	}

	row := s.db.QueryRow(ctx, `
		UPDATE job SET state = $3,
			locked_by = CASE WHEN $6 THEN NULL ELSE COALESCE($4, locked_by) END,
			locked_at = CASE WHEN $6 THEN NULL ELSE COALESCE($5, locked_at) END,
			retry_count = COALESCE($7, retry_count),
			last_error = COALESCE($8, last_error),
			updated_at = now()
		WHERE id = $1 AND state = $2
		RETURNING `+jobColumns,
		jobID, from, to, lockedBy, lockedAt, patch.ClearLease, patch.RetryCount, patch.LastError)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s not in state %s", crawldomain.ErrIllegalTransition, jobID, from)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: advancing job state: %v", crawldomain.ErrTransientStore, err)
	}
	return j, nil
}

// SweepExpiredLeases returns ids of LOCKED jobs whose lease has expired as of now,
// transitioning them to EXPIRED in the same statement.
func (s *JobStore) SweepExpiredLeases(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		WITH expired AS (
			SELECT id FROM job
			WHERE state = 'LOCKED' AND locked_at + (lock_ttl_seconds || ' seconds')::interval < $1
			ORDER BY locked_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job SET state = 'EXPIRED', updated_at = now()
		WHERE id IN (SELECT id FROM expired)
		RETURNING id`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: sweeping expired leases: %v", crawldomain.ErrTransientStore, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning swept job id: %v", crawldomain.ErrTransientStore, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating swept jobs: %v", crawldomain.ErrTransientStore, err)
	}
	return ids, nil
}

// HasActiveJob reports whether a non-terminal job already exists for (policyID, urlHash).
func (s *JobStore) HasActiveJob(ctx context.Context, policyID uuid.UUID, urlHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM job
			WHERE policy_id = $1 AND product_url_hash = $2 AND state NOT IN ('DONE', 'FAILED')
		)`, policyID, urlHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: checking active job: %v", crawldomain.ErrTransientStore, err)
	}
	return exists, nil
}

// CreateJob inserts a new PENDING job. The partial unique index on
// (policy_id, product_url_hash) among non-terminal states absorbs races
// against a concurrent HasActiveJob check; a conflict is reported as a no-op
// rather than an error, since materialization is meant to be idempotent.
func (s *JobStore) CreateJob(ctx context.Context, j *crawldomain.CrawlJob) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO job (id, policy_id, product_url_hash, state, priority, lock_ttl_seconds, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT DO NOTHING`,
		j.ID, j.PolicyID, j.ProductURLHash, j.State, j.Priority, j.LockTTLSeconds, j.MaxRetries)
	if err != nil {
		return false, fmt.Errorf("%w: creating job: %v", crawldomain.ErrTransientStore, err)
	}
	return tag.RowsAffected() > 0, nil
}
