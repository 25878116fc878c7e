package crawldomain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// CrawlPolicy is the long-lived scheduling recipe for a set of URLs under one domain.
type CrawlPolicy struct {
	ID                  uuid.UUID
	DomainID            uuid.UUID
	Name                string
	URLPattern          string // empty matches all URLs under the domain
	FrequencyHours      int
	Priority            int
	MaxRetries          int
	RetryBackoffMinutes int
	TimeoutMinutes      int
	Enabled             bool
	NextRunAt           *time.Time
	LastSuccessAt       *time.Time
	LastFailedAt        *time.Time
	FailureCount        int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewCrawlPolicy constructs a CrawlPolicy, enforcing the invariants of §3.
func NewCrawlPolicy(domainID uuid.UUID, name, urlPattern string, frequencyHours, priority, maxRetries, retryBackoffMinutes, timeoutMinutes int) (*CrawlPolicy, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: policy name is required", ErrValidation)
	}
	if frequencyHours < 1 {
		return nil, fmt.Errorf("%w: frequency_hours must be >= 1", ErrValidation)
	}
	if priority < 1 || priority > 20 {
		return nil, fmt.Errorf("%w: priority must be in [1, 20]", ErrValidation)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", ErrValidation)
	}
	if timeoutMinutes < 1 {
		return nil, fmt.Errorf("%w: timeout_minutes must be >= 1", ErrValidation)
	}
	if urlPattern != "" {
		if _, err := regexp.Compile(urlPattern); err != nil {
			return nil, fmt.Errorf("%w: invalid url_pattern: %v", ErrValidation, err)
		}
	}

	return &CrawlPolicy{
		ID:                  uuid.New(),
		DomainID:            domainID,
		Name:                name,
		URLPattern:          urlPattern,
		FrequencyHours:      frequencyHours,
		Priority:            priority,
		MaxRetries:          maxRetries,
		RetryBackoffMinutes: retryBackoffMinutes,
		TimeoutMinutes:      timeoutMinutes,
		Enabled:             true,
	}, nil
}

// LockTTLSeconds is the per-job lease TTL this policy hands to new jobs.
func (p *CrawlPolicy) LockTTLSeconds() int {
	return p.TimeoutMinutes * 60
}

// IsDue reports whether the policy should materialize jobs at the given instant.
func (p *CrawlPolicy) IsDue(now time.Time) bool {
	return p.Enabled && p.NextRunAt != nil && !p.NextRunAt.After(now)
}

// CrawlJob is one attempted execution of a URL under a policy.
type CrawlJob struct {
	ID              uuid.UUID
	PolicyID        uuid.UUID
	ProductURLHash  string
	State           JobState
	Priority        int
	LockedBy        *string
	LockedAt        *time.Time
	LockTTLSeconds  int
	RetryCount      int
	MaxRetries      int
	LastError       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewCrawlJob constructs a PENDING CrawlJob materialized from a policy for one URL.
func NewCrawlJob(policy *CrawlPolicy, productURLHash string) (*CrawlJob, error) {
	if productURLHash == "" {
		return nil, fmt.Errorf("%w: product_url_hash is required", ErrValidation)
	}
	return &CrawlJob{
		ID:             uuid.New(),
		PolicyID:       policy.ID,
		ProductURLHash: productURLHash,
		State:          JobPending,
		Priority:       policy.Priority,
		LockTTLSeconds: policy.LockTTLSeconds(),
		MaxRetries:     policy.MaxRetries,
	}, nil
}

// LeaseExpired reports whether a LOCKED job's lease has passed its TTL as of now.
func (j *CrawlJob) LeaseExpired(now time.Time) bool {
	if j.State != JobLocked || j.LockedAt == nil {
		return false
	}
	return now.Sub(*j.LockedAt) >= time.Duration(j.LockTTLSeconds)*time.Second
}

// ParsedData is the structured parsed_data blob: the price_sources list and
// per-extractor metadata.
type ParsedData struct {
	PriceSources    []string                  `json:"price_sources,omitempty"`
	PriceExtraction map[string]PriceExtractor `json:"price_extraction,omitempty"`
}

// PriceExtractor carries per-source extraction metadata, notably ML confidence.
type PriceExtractor struct {
	Confidence float64 `json:"confidence"`
}

// MLSourceName is the entry expected in ParsedData.PriceSources when an ML
// extractor contributed a price.
const MLSourceName = "html_ml"

// mlExtractionKey is the key under ParsedData.PriceExtraction holding the ML
// extractor's confidence. It is distinct from MLSourceName: price_sources
// carries the short source name, price_extraction is keyed by the full
// extractor function name.
const mlExtractionKey = "extract_price_from_html_ml"

// MLConfidence returns the confidence reported by the html_ml extractor, if present.
func (p ParsedData) MLConfidence() (float64, bool) {
	ex, ok := p.PriceExtraction[mlExtractionKey]
	if !ok {
		return 0, false
	}
	return ex.Confidence, true
}

// CrawlResult is a single successful submission, one-to-one with a job.
type CrawlResult struct {
	ID                  uuid.UUID
	JobID               uuid.UUID
	ProductURLHash      string
	Price               float64
	Currency            string
	Title               *string
	InStock             bool
	ParsedData          ParsedData
	RawHTML             *string
	CrawledAt           time.Time
	HistoryRecordStatus HistoryRecordStatus
	HistoryRecordedAt   *time.Time
	CreatedAt           time.Time
}

// NewCrawlResult constructs a CrawlResult, enforcing the invariants of §3.
func NewCrawlResult(jobID uuid.UUID, productURLHash string, price float64, currency string, title *string, inStock bool, parsedData ParsedData, rawHTML *string, crawledAt time.Time) (*CrawlResult, error) {
	if price < 0 {
		return nil, fmt.Errorf("%w: price must be >= 0", ErrValidation)
	}
	if !currencyPattern.MatchString(currency) {
		return nil, fmt.Errorf("%w: currency must match ^[A-Z]{3}$", ErrValidation)
	}
	return &CrawlResult{
		ID:                  uuid.New(),
		JobID:                jobID,
		ProductURLHash:      productURLHash,
		Price:               price,
		Currency:            currency,
		Title:               title,
		InStock:             inStock,
		ParsedData:          parsedData,
		RawHTML:             rawHTML,
		CrawledAt:           crawledAt,
		HistoryRecordStatus: HistoryNone,
	}, nil
}

// AutoRecordConfig is the single process-wide configuration for C9's should_auto_record predicate.
type AutoRecordConfig struct {
	Enabled           bool
	AllowedSources    map[string]struct{}
	MinConfidence     float64
	RequireInStock    bool
	AllowedDomains    map[string]struct{}
	CurrencyWhitelist map[string]struct{}
}

// DefaultAutoRecordConfig returns a permissive configuration (everything allowed).
func DefaultAutoRecordConfig() AutoRecordConfig {
	return AutoRecordConfig{
		Enabled:           true,
		AllowedSources:    map[string]struct{}{},
		MinConfidence:     0,
		RequireInStock:    false,
		AllowedDomains:    map[string]struct{}{},
		CurrencyWhitelist: map[string]struct{}{},
	}
}

// CacheConfig describes the cache backend and per-strategy TTL overrides.
type CacheConfig struct {
	Enabled              bool
	DefaultTTLSeconds    int
	PendingListsEnabled  bool
	PendingListsTTL      int
	JobDetailsEnabled    bool
	JobDetailsTTL        int
	URLDetailsEnabled    bool
	URLDetailsTTL        int
}

// DefaultCacheConfig returns the cache configuration used absent an operator override.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:             true,
		DefaultTTLSeconds:   60,
		PendingListsEnabled: true,
		PendingListsTTL:     60,
		JobDetailsEnabled:   true,
		JobDetailsTTL:       60,
		URLDetailsEnabled:   true,
		URLDetailsTTL:       300,
	}
}

// BotConfig is the credential and per-pull policy record for one registered bot.
type BotConfig struct {
	BotID          string
	TokenHash      string // sha256 of the opaque api_token, hex-encoded
	Disabled       bool
	MaxJobsPerPull int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewBotConfig constructs a BotConfig from a bot id and a pre-hashed token.
func NewBotConfig(botID, tokenHash string, maxJobsPerPull int) (*BotConfig, error) {
	if botID == "" || len(botID) > 100 {
		return nil, fmt.Errorf("%w: bot_id must be nonempty and <= 100 chars", ErrValidation)
	}
	if tokenHash == "" {
		return nil, fmt.Errorf("%w: token hash is required", ErrValidation)
	}
	if maxJobsPerPull < 1 {
		maxJobsPerPull = 10
	}
	return &BotConfig{
		BotID:          botID,
		TokenHash:      tokenHash,
		MaxJobsPerPull: maxJobsPerPull,
	}, nil
}

// ProductURLRef is a weak reference to an externally-owned ProductURL.
type ProductURLRef struct {
	URLHash       string
	NormalizedURL string
	DomainID      uuid.UUID
}

// DomainRef is a weak reference to an externally-owned Domain.
type DomainRef struct {
	ID   uuid.UUID
	Name string
}

// MarshalParsedData and UnmarshalParsedData round-trip ParsedData through the
// opaque JSON blob stored alongside CrawlResult.
func MarshalParsedData(p ParsedData) ([]byte, error) {
	return json.Marshal(p)
}

func UnmarshalParsedData(raw []byte) (ParsedData, error) {
	var p ParsedData
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshaling parsed_data: %w", err)
	}
	return p, nil
}
