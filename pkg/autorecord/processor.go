// Package autorecord is the C9 pipeline: it drains the auto-record queue,
// decides whether each crawl result should be written into price history via
// should_auto_record, and records the outcome back onto the result.
package autorecord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/internal/telemetry"
	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// Processor drains crawldomain.AutoRecordQueue and evaluates each result
// against the current AutoRecordConfig before appending to price history.
type Processor struct {
	queue      crawldomain.AutoRecordQueue
	results    crawldomain.ResultStore
	history    crawldomain.PriceHistoryAppender
	urls       crawldomain.ProductURLEnumerator
	config     crawldomain.ConfigProvider
	logger     *slog.Logger
	maxRetries int
}

// New creates a Processor.
func New(queue crawldomain.AutoRecordQueue, results crawldomain.ResultStore, history crawldomain.PriceHistoryAppender, urls crawldomain.ProductURLEnumerator, config crawldomain.ConfigProvider, logger *slog.Logger, maxRetries int) *Processor {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Processor{queue: queue, results: results, history: history, urls: urls, config: config, logger: logger, maxRetries: maxRetries}
}

// ProcessBatch drains up to batchSize items from the queue, returning how
// many were dequeued (regardless of whether they were recorded, skipped, or
// failed) so the caller can log throughput.
func (p *Processor) ProcessBatch(ctx context.Context, batchSize int) (int, error) {
	if err := p.config.Reload(ctx); err != nil {
		p.logger.Warn("reloading auto-record config, using last snapshot", "error", err)
	}
	cfg, err := p.config.AutoRecordConfig(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading auto-record config: %w", err)
	}

	processed := 0
	for i := 0; i < batchSize; i++ {
		id, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		processed++
		p.processOne(ctx, id, cfg)
	}
	return processed, nil
}

// RetryFailed re-queues up to limit permanently-failed ids for another pass.
func (p *Processor) RetryFailed(ctx context.Context, limit int) (int, error) {
	return p.queue.RetryFailed(ctx, limit)
}

func (p *Processor) processOne(ctx context.Context, id uuid.UUID, cfg crawldomain.AutoRecordConfig) {
	already, err := p.queue.IsProcessing(ctx, id)
	if err != nil {
		p.logger.Error("checking processing set", "result_id", id, "error", err)
		return
	}
	if already {
		p.logger.Debug("result already in flight this pass, skipping", "result_id", id)
		return
	}
	if err := p.queue.MarkProcessing(ctx, id); err != nil {
		p.logger.Error("marking processing", "result_id", id, "error", err)
		return
	}
	defer func() {
		if err := p.queue.UnmarkProcessing(ctx, id); err != nil {
			p.logger.Error("unmarking processing", "result_id", id, "error", err)
		}
	}()

	result, err := p.results.GetResult(ctx, id)
	if err != nil {
		// Poison by absence: the result row is gone (or never existed). There is
		// nothing left to retry, so drop the failure counter and move on.
		if err := p.queue.ClearFailure(ctx, id); err != nil {
			p.logger.Error("clearing failure count for missing result", "result_id", id, "error", err)
		}
		p.logger.Warn("auto-record result not found", "result_id", id, "error", err)
		return
	}

	if !p.shouldAutoRecord(ctx, result, cfg) {
		if err := p.queue.ClearFailure(ctx, id); err != nil {
			p.logger.Error("clearing failure count for skipped result", "result_id", id, "error", err)
		}
		telemetry.AutoRecordProcessedTotal.WithLabelValues("skipped").Inc()
		return
	}

	recordedAt := time.Now()
	appendErr := p.history.AppendPriceHistory(ctx, result.ProductURLHash, result.Price, result.Currency, result.InStock, result.CrawledAt, "AUTO")
	switch {
	case appendErr == nil:
		if err := p.results.UpdateResultHistoryStatus(ctx, id, crawldomain.HistoryRecorded, &recordedAt); err != nil {
			p.logger.Error("marking result recorded", "result_id", id, "error", err)
		}
		if err := p.queue.ClearFailure(ctx, id); err != nil {
			p.logger.Error("clearing failure count", "result_id", id, "error", err)
		}
		telemetry.AutoRecordProcessedTotal.WithLabelValues("recorded").Inc()

	case isDuplicate(appendErr):
		if err := p.results.UpdateResultHistoryStatus(ctx, id, crawldomain.HistoryDuplicate, &recordedAt); err != nil {
			p.logger.Error("marking result duplicate", "result_id", id, "error", err)
		}
		if err := p.queue.ClearFailure(ctx, id); err != nil {
			p.logger.Error("clearing failure count", "result_id", id, "error", err)
		}
		telemetry.AutoRecordProcessedTotal.WithLabelValues("duplicate").Inc()

	default:
		k, incErr := p.queue.IncrementFailure(ctx, id)
		if incErr != nil {
			p.logger.Error("incrementing failure count", "result_id", id, "error", incErr)
		}
		if k < p.maxRetries {
			if err := p.queue.Enqueue(ctx, id); err != nil {
				p.logger.Error("re-enqueueing after failure", "result_id", id, "error", err)
			}
			p.logger.Warn("auto-record append failed, retrying", "result_id", id, "attempt", k, "error", appendErr)
			telemetry.AutoRecordProcessedTotal.WithLabelValues("retried").Inc()
			return
		}
		if err := p.queue.MarkFailed(ctx, id); err != nil {
			p.logger.Error("marking result permanently failed", "result_id", id, "error", err)
		}
		if err := p.results.UpdateResultHistoryStatus(ctx, id, crawldomain.HistoryFailed, nil); err != nil {
			p.logger.Error("marking result history failed", "result_id", id, "error", err)
		}
		p.logger.Error("auto-record append exhausted retries", "result_id", id, "error", appendErr)
		telemetry.AutoRecordProcessedTotal.WithLabelValues("failed").Inc()
	}
}

func isDuplicate(err error) bool {
	return errors.Is(err, crawldomain.ErrDuplicateHistory)
}

// shouldAutoRecord implements spec §4.9's fail-fast rule chain.
func (p *Processor) shouldAutoRecord(ctx context.Context, r *crawldomain.CrawlResult, cfg crawldomain.AutoRecordConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if cfg.RequireInStock && !r.InStock {
		return false
	}
	if len(cfg.CurrencyWhitelist) > 0 {
		if _, ok := cfg.CurrencyWhitelist[strings.ToUpper(r.Currency)]; !ok {
			return false
		}
	}
	if len(cfg.AllowedDomains) > 0 {
		if _, ok := cfg.AllowedDomains[p.domainOf(ctx, r.ProductURLHash)]; !ok {
			return false
		}
	}
	sources := r.ParsedData.PriceSources
	if len(cfg.AllowedSources) > 0 {
		matched := false
		for _, s := range sources {
			if _, ok := cfg.AllowedSources[s]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if conf, ok := r.ParsedData.MLConfidence(); ok && cfg.MinConfidence > 0 {
		if conf < cfg.MinConfidence {
			return false
		}
	}
	if r.Price <= 0 {
		return false
	}
	return true
}

// domainOf resolves the host for the allowed_domains check by looking the
// product URL back up via its hash. An unresolvable hash fails the domain
// check rather than panicking, since allowed_domains is itself opt-in.
func (p *Processor) domainOf(ctx context.Context, urlHash string) string {
	ref, err := p.urls.URLByHash(ctx, urlHash)
	if err != nil {
		p.logger.Warn("resolving product url for allowed_domains check", "url_hash", urlHash, "error", err)
		return ""
	}
	u, err := url.Parse(ref.NormalizedURL)
	if err != nil {
		return ""
	}
	return u.Host
}
