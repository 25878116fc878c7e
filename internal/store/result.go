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

// ResultStore is the Postgres adapter for crawldomain.ResultStore and
// crawldomain.PriceHistoryAppender. The price_history table is the local
// realization of the externally-owned price-history sink (see DESIGN.md):
// the core only depends on the PriceHistoryAppender port, so a real remote
// sink is a one-adapter swap.
type ResultStore struct {
	db DBTX
}

// NewResultStore creates a ResultStore backed by the given connection.
func NewResultStore(db DBTX) *ResultStore {
	return &ResultStore{db: db}
}

const resultColumns = `id, job_id, product_url_hash, price, currency, title, in_stock,
	parsed_data, raw_html, crawled_at, history_record_status, history_recorded_at, created_at`

func scanResult(row pgx.Row) (*crawldomain.CrawlResult, error) {
	var r crawldomain.CrawlResult
	var parsedData []byte
	err := row.Scan(
		&r.ID, &r.JobID, &r.ProductURLHash, &r.Price, &r.Currency, &r.Title, &r.InStock,
		&parsedData, &r.RawHTML, &r.CrawledAt, &r.HistoryRecordStatus, &r.HistoryRecordedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ParsedData, err = crawldomain.UnmarshalParsedData(parsedData)
	if err != nil {
		return nil, fmt.Errorf("decoding parsed_data: %w", err)
	}
	return &r, nil
}

// CreateResult inserts a new result, unique by job_id.
func (s *ResultStore) CreateResult(ctx context.Context, r *crawldomain.CrawlResult) error {
	parsedData, err := crawldomain.MarshalParsedData(r.ParsedData)
	if err != nil {
		return fmt.Errorf("encoding parsed_data: %w", err)
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO result (id, job_id, product_url_hash, price, currency, title, in_stock,
			parsed_data, raw_html, crawled_at, history_record_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at`,
		r.ID, r.JobID, r.ProductURLHash, r.Price, r.Currency, r.Title, r.InStock,
		parsedData, r.RawHTML, r.CrawledAt, r.HistoryRecordStatus)
	if err := row.Scan(&r.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: result already exists for job %s", crawldomain.ErrValidation, r.JobID)
		}
		return fmt.Errorf("%w: creating result: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}

// GetResult returns a result by id.
func (s *ResultStore) GetResult(ctx context.Context, id uuid.UUID) (*crawldomain.CrawlResult, error) {
	row := s.db.QueryRow(ctx, `SELECT `+resultColumns+` FROM result WHERE id = $1`, id)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: result %s", crawldomain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting result: %v", crawldomain.ErrTransientStore, err)
	}
	return r, nil
}

// UpdateResultHistoryStatus records the outcome of the C9 auto-record attempt.
func (s *ResultStore) UpdateResultHistoryStatus(ctx context.Context, id uuid.UUID, status crawldomain.HistoryRecordStatus, recordedAt *time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE result SET history_record_status = $2, history_recorded_at = $3 WHERE id = $1`,
		id, status, recordedAt)
	if err != nil {
		return fmt.Errorf("%w: updating result history status: %v", crawldomain.ErrTransientStore, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: result %s", crawldomain.ErrNotFound, id)
	}
	return nil
}

// AppendPriceHistory appends a price observation, returning ErrDuplicateHistory
// when it equals the most recently recorded tuple for url_hash.
func (s *ResultStore) AppendPriceHistory(ctx context.Context, urlHash string, price float64, currency string, inStock bool, recordedAt time.Time, source string) error {
	var lastPrice *float64
	var lastCurrency *string
	var lastInStock *bool
	err := s.db.QueryRow(ctx, `
		SELECT price, currency, in_stock FROM price_history
		WHERE url_hash = $1 ORDER BY recorded_at DESC LIMIT 1`, urlHash,
	).Scan(&lastPrice, &lastCurrency, &lastInStock)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: reading last price history: %v", crawldomain.ErrTransientStore, err)
	}
	if lastPrice != nil && *lastPrice == price && *lastCurrency == currency && *lastInStock == inStock {
		return crawldomain.ErrDuplicateHistory
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO price_history (url_hash, price, currency, in_stock, recorded_at, source)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		urlHash, price, currency, inStock, recordedAt, source)
	if err != nil {
		return fmt.Errorf("%w: appending price history: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
