package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// ProductURLStore is the Postgres adapter for crawldomain.ProductURLEnumerator,
// plus minimal read/write access to the locally-realized domain/product_url
// tables (the core's weak reference to the externally-owned Domain/ProductURL
// entities, materialized here so the module is self-contained — see DESIGN.md).
type ProductURLStore struct {
	db DBTX
}

// NewProductURLStore creates a ProductURLStore backed by the given connection.
func NewProductURLStore(db DBTX) *ProductURLStore {
	return &ProductURLStore{db: db}
}

// ListCandidateURLs returns up to limit URLs under the policy's domain whose
// normalized_url matches the policy's url_pattern (POSIX ERE; empty matches
// all), ordered by url_hash, paginated by a strict-greater-than cursor.
func (s *ProductURLStore) ListCandidateURLs(ctx context.Context, policyID uuid.UUID, afterURLHash string, limit int) ([]crawldomain.ProductURLCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pu.url_hash, pu.normalized_url
		FROM product_url pu
		JOIN policy p ON p.domain_id = pu.domain_id
		WHERE p.id = $1
		  AND (p.url_pattern = '' OR pu.normalized_url ~ p.url_pattern)
		  AND pu.url_hash > $2
		ORDER BY pu.url_hash ASC
		LIMIT $3`, policyID, afterURLHash, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing candidate urls: %v", crawldomain.ErrTransientStore, err)
	}
	defer rows.Close()

	var items []crawldomain.ProductURLCandidate
	for rows.Next() {
		var c crawldomain.ProductURLCandidate
		if err := rows.Scan(&c.URLHash, &c.NormalizedURL); err != nil {
			return nil, fmt.Errorf("%w: scanning candidate url: %v", crawldomain.ErrTransientStore, err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating candidate urls: %v", crawldomain.ErrTransientStore, err)
	}
	return items, nil
}

// URLByHash resolves a single product URL by its hash.
func (s *ProductURLStore) URLByHash(ctx context.Context, urlHash string) (*crawldomain.ProductURLCandidate, error) {
	var c crawldomain.ProductURLCandidate
	err := s.db.QueryRow(ctx, `SELECT url_hash, normalized_url FROM product_url WHERE url_hash = $1`, urlHash).
		Scan(&c.URLHash, &c.NormalizedURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: product url %s", crawldomain.ErrNotFound, urlHash)
		}
		return nil, fmt.Errorf("%w: fetching product url: %v", crawldomain.ErrTransientStore, err)
	}
	return &c, nil
}

// SaveDomain upserts a domain reference, for seeding/admin tooling.
func (s *ProductURLStore) SaveDomain(ctx context.Context, d crawldomain.DomainRef) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO domain (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, d.ID, d.Name)
	if err != nil {
		return fmt.Errorf("%w: saving domain: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}

// SaveProductURL upserts a product URL reference, for seeding/admin tooling.
func (s *ProductURLStore) SaveProductURL(ctx context.Context, ref crawldomain.ProductURLRef) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO product_url (url_hash, normalized_url, domain_id) VALUES ($1, $2, $3)
		ON CONFLICT (url_hash) DO UPDATE SET normalized_url = EXCLUDED.normalized_url, domain_id = EXCLUDED.domain_id`,
		ref.URLHash, ref.NormalizedURL, ref.DomainID)
	if err != nil {
		return fmt.Errorf("%w: saving product url: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}
