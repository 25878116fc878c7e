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

// PolicyStore is the Postgres adapter for crawldomain.PolicyStore.
type PolicyStore struct {
	db DBTX
}

// NewPolicyStore creates a PolicyStore backed by the given connection.
func NewPolicyStore(db DBTX) *PolicyStore {
	return &PolicyStore{db: db}
}

const policyColumns = `id, domain_id, name, url_pattern, frequency_hours, priority,
	max_retries, retry_backoff_minutes, timeout_minutes, enabled, next_run_at,
	last_success_at, last_failed_at, failure_count, created_at, updated_at`

func scanPolicy(row pgx.Row) (*crawldomain.CrawlPolicy, error) {
	var p crawldomain.CrawlPolicy
	err := row.Scan(
		&p.ID, &p.DomainID, &p.Name, &p.URLPattern, &p.FrequencyHours, &p.Priority,
		&p.MaxRetries, &p.RetryBackoffMinutes, &p.TimeoutMinutes, &p.Enabled, &p.NextRunAt,
		&p.LastSuccessAt, &p.LastFailedAt, &p.FailureCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPolicies(rows pgx.Rows) ([]*crawldomain.CrawlPolicy, error) {
	defer rows.Close()
	var items []*crawldomain.CrawlPolicy
	for rows.Next() {
		var p crawldomain.CrawlPolicy
		if err := rows.Scan(
			&p.ID, &p.DomainID, &p.Name, &p.URLPattern, &p.FrequencyHours, &p.Priority,
			&p.MaxRetries, &p.RetryBackoffMinutes, &p.TimeoutMinutes, &p.Enabled, &p.NextRunAt,
			&p.LastSuccessAt, &p.LastFailedAt, &p.FailureCount, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning policy row: %w", err)
		}
		items = append(items, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating policy rows: %w", err)
	}
	return items, nil
}

// GetPolicy returns a policy by id.
func (s *PolicyStore) GetPolicy(ctx context.Context, id uuid.UUID) (*crawldomain.CrawlPolicy, error) {
	row := s.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM policy WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy %s", crawldomain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting policy: %v", crawldomain.ErrTransientStore, err)
	}
	return p, nil
}

// GetPolicyByName returns a policy by its (domain_id, name) unique key.
func (s *PolicyStore) GetPolicyByName(ctx context.Context, domainID uuid.UUID, name string) (*crawldomain.CrawlPolicy, error) {
	row := s.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM policy WHERE domain_id = $1 AND name = $2`, domainID, name)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy %s/%s", crawldomain.ErrNotFound, domainID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting policy by name: %v", crawldomain.ErrTransientStore, err)
	}
	return p, nil
}

// ListDuePolicies returns enabled policies whose next_run_at has elapsed,
// highest priority first, for C7 materialization.
func (s *PolicyStore) ListDuePolicies(ctx context.Context, now time.Time, limit int) ([]*crawldomain.CrawlPolicy, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+policyColumns+` FROM policy
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY priority DESC, next_run_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing due policies: %v", crawldomain.ErrTransientStore, err)
	}
	items, err := scanPolicies(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crawldomain.ErrTransientStore, err)
	}
	return items, nil
}

// ListPolicies returns policies ordered by creation, for the operator CRUD surface.
func (s *PolicyStore) ListPolicies(ctx context.Context, limit, offset int) ([]*crawldomain.CrawlPolicy, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+policyColumns+` FROM policy ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: listing policies: %v", crawldomain.ErrTransientStore, err)
	}
	items, err := scanPolicies(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crawldomain.ErrTransientStore, err)
	}
	return items, nil
}

// CountPolicies returns the total number of policies, for the operator CRUD
// surface's paginated list response.
func (s *PolicyStore) CountPolicies(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM policy`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting policies: %v", crawldomain.ErrTransientStore, err)
	}
	return n, nil
}

// SavePolicy upserts a policy by id.
func (s *PolicyStore) SavePolicy(ctx context.Context, p *crawldomain.CrawlPolicy) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO policy (id, domain_id, name, url_pattern, frequency_hours, priority,
			max_retries, retry_backoff_minutes, timeout_minutes, enabled, next_run_at,
			last_success_at, last_failed_at, failure_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, url_pattern = EXCLUDED.url_pattern,
			frequency_hours = EXCLUDED.frequency_hours, priority = EXCLUDED.priority,
			max_retries = EXCLUDED.max_retries, retry_backoff_minutes = EXCLUDED.retry_backoff_minutes,
			timeout_minutes = EXCLUDED.timeout_minutes, enabled = EXCLUDED.enabled,
			next_run_at = EXCLUDED.next_run_at, last_success_at = EXCLUDED.last_success_at,
			last_failed_at = EXCLUDED.last_failed_at, failure_count = EXCLUDED.failure_count,
			updated_at = now()
		RETURNING created_at, updated_at`,
		p.ID, p.DomainID, p.Name, p.URLPattern, p.FrequencyHours, p.Priority,
		p.MaxRetries, p.RetryBackoffMinutes, p.TimeoutMinutes, p.Enabled, p.NextRunAt,
		p.LastSuccessAt, p.LastFailedAt, p.FailureCount,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("%w: saving policy: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}

// DeletePolicy removes a policy by id.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM policy WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting policy: %v", crawldomain.ErrTransientStore, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: policy %s", crawldomain.ErrNotFound, id)
	}
	return nil
}

// UpdatePolicySchedule advances next_run_at and the success/failure bookkeeping
// atomically, as required after every C7 materialization pass over a policy.
func (s *PolicyStore) UpdatePolicySchedule(ctx context.Context, id uuid.UUID, nextRunAt time.Time, lastSuccessAt, lastFailedAt *time.Time, failureCount int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE policy SET next_run_at = $2,
			last_success_at = COALESCE($3, last_success_at),
			last_failed_at = COALESCE($4, last_failed_at),
			failure_count = $5, updated_at = now()
		WHERE id = $1`,
		id, nextRunAt, lastSuccessAt, lastFailedAt, failureCount)
	if err != nil {
		return fmt.Errorf("%w: updating policy schedule: %v", crawldomain.ErrTransientStore, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: policy %s", crawldomain.ErrNotFound, id)
	}
	return nil
}
