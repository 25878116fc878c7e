package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// ConfigProvider loads AutoRecordConfig/CacheConfig from their single-row
// tables and caches an immutable snapshot, reloaded only on an explicit call
// (§9 "Shared-nothing... replace with an explicit ConfigProvider" redesign).
type ConfigProvider struct {
	db DBTX

	mu       sync.Mutex
	snapshot atomic.Pointer[configSnapshot]
}

type configSnapshot struct {
	autoRecord crawldomain.AutoRecordConfig
	cache      crawldomain.CacheConfig
}

// NewConfigProvider creates a ConfigProvider backed by the given connection.
// It does not load eagerly; callers must Reload once at startup.
func NewConfigProvider(db DBTX) *ConfigProvider {
	return &ConfigProvider{db: db}
}

// Reload re-reads both configuration rows and atomically swaps the cached snapshot.
func (p *ConfigProvider) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ar crawldomain.AutoRecordConfig
	var allowedSources, allowedDomains, currencyWhitelist []string
	err := p.db.QueryRow(ctx, `
		SELECT enabled, allowed_sources, min_confidence, require_in_stock, allowed_domains, currency_whitelist
		FROM autorecord_config WHERE id = true`).Scan(
		&ar.Enabled, &allowedSources, &ar.MinConfidence, &ar.RequireInStock, &allowedDomains, &currencyWhitelist)
	if err != nil {
		return fmt.Errorf("%w: loading autorecord config: %v", crawldomain.ErrTransientStore, err)
	}
	ar.AllowedSources = toSet(allowedSources)
	ar.AllowedDomains = toSet(allowedDomains)
	ar.CurrencyWhitelist = toSet(currencyWhitelist)

	var cc crawldomain.CacheConfig
	err = p.db.QueryRow(ctx, `
		SELECT enabled, default_ttl_seconds, pending_lists_enabled, pending_lists_ttl,
			job_details_enabled, job_details_ttl, url_details_enabled, url_details_ttl
		FROM cache_config WHERE id = true`).Scan(
		&cc.Enabled, &cc.DefaultTTLSeconds, &cc.PendingListsEnabled, &cc.PendingListsTTL,
		&cc.JobDetailsEnabled, &cc.JobDetailsTTL, &cc.URLDetailsEnabled, &cc.URLDetailsTTL)
	if err != nil {
		return fmt.Errorf("%w: loading cache config: %v", crawldomain.ErrTransientStore, err)
	}

	p.snapshot.Store(&configSnapshot{autoRecord: ar, cache: cc})
	return nil
}

// AutoRecordConfig returns the cached auto-record configuration, falling back
// to a permissive default if Reload has never run (e.g. an empty test fixture).
func (p *ConfigProvider) AutoRecordConfig(_ context.Context) (crawldomain.AutoRecordConfig, error) {
	snap := p.snapshot.Load()
	if snap == nil {
		return crawldomain.DefaultAutoRecordConfig(), nil
	}
	return snap.autoRecord, nil
}

// CacheConfig returns the cached cache configuration, falling back to the
// default if Reload has never run.
func (p *ConfigProvider) CacheConfig(_ context.Context) (crawldomain.CacheConfig, error) {
	snap := p.snapshot.Load()
	if snap == nil {
		return crawldomain.DefaultCacheConfig(), nil
	}
	return snap.cache, nil
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}
