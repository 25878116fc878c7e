// Package policyadmin is the operator-facing CRUD surface for CrawlPolicy,
// mounted at /api/v1/admin/policies behind a static admin-token check.
package policyadmin

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// Service wraps crawldomain.PolicyStore with the constructors admin requests need.
type Service struct {
	policies crawldomain.PolicyStore
}

// NewService creates a Service.
func NewService(policies crawldomain.PolicyStore) *Service {
	return &Service{policies: policies}
}

// CreatePolicyRequest is the operator-supplied shape for creating a policy.
type CreatePolicyRequest struct {
	DomainID            uuid.UUID `json:"domain_id" validate:"required"`
	Name                string    `json:"name" validate:"required,max=200"`
	URLPattern          string    `json:"url_pattern"`
	FrequencyHours      int       `json:"frequency_hours" validate:"required,min=1"`
	Priority            int       `json:"priority" validate:"required,min=1,max=20"`
	MaxRetries          int       `json:"max_retries" validate:"min=0"`
	RetryBackoffMinutes int       `json:"retry_backoff_minutes" validate:"min=1"`
	TimeoutMinutes      int       `json:"timeout_minutes" validate:"required,min=1"`
}

// UpdatePolicyRequest carries the mutable fields an operator may change.
type UpdatePolicyRequest struct {
	Name                string `json:"name" validate:"required,max=200"`
	URLPattern          string `json:"url_pattern"`
	FrequencyHours      int    `json:"frequency_hours" validate:"required,min=1"`
	Priority            int    `json:"priority" validate:"required,min=1,max=20"`
	MaxRetries          int    `json:"max_retries" validate:"min=0"`
	RetryBackoffMinutes int    `json:"retry_backoff_minutes" validate:"min=1"`
	TimeoutMinutes      int    `json:"timeout_minutes" validate:"required,min=1"`
	Enabled             bool   `json:"enabled"`
}

// Create constructs and persists a new CrawlPolicy, due immediately.
func (s *Service) Create(ctx context.Context, req CreatePolicyRequest) (*crawldomain.CrawlPolicy, error) {
	p, err := crawldomain.NewCrawlPolicy(req.DomainID, req.Name, req.URLPattern, req.FrequencyHours, req.Priority, req.MaxRetries, req.RetryBackoffMinutes, req.TimeoutMinutes)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.NextRunAt = &now
	if err := s.policies.SavePolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a policy by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*crawldomain.CrawlPolicy, error) {
	return s.policies.GetPolicy(ctx, id)
}

// List returns a page of policies plus the total count across all pages.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*crawldomain.CrawlPolicy, int, error) {
	items, err := s.policies.ListPolicies(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.policies.CountPolicies(ctx)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Update applies an operator edit to an existing policy, validating the full
// set of invariants as if the policy were being constructed fresh.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdatePolicyRequest) (*crawldomain.CrawlPolicy, error) {
	existing, err := s.policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := crawldomain.NewCrawlPolicy(existing.DomainID, req.Name, req.URLPattern, req.FrequencyHours, req.Priority, req.MaxRetries, req.RetryBackoffMinutes, req.TimeoutMinutes)
	if err != nil {
		return nil, err
	}
	updated.ID = existing.ID
	updated.Enabled = req.Enabled
	updated.NextRunAt = existing.NextRunAt
	updated.LastSuccessAt = existing.LastSuccessAt
	updated.LastFailedAt = existing.LastFailedAt
	updated.FailureCount = existing.FailureCount
	updated.CreatedAt = existing.CreatedAt

	if err := s.policies.SavePolicy(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a policy.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.policies.DeletePolicy(ctx, id)
}
