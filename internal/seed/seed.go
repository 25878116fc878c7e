// Package seed populates a development database with a demo domain, bot
// credential, and crawl policy, so the API and scheduler have something to
// coordinate against out of the box. It is idempotent: re-running it against
// an already-seeded database updates the same rows rather than duplicating
// them.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/internal/store"
	"github.com/wisbric/crawlcoord/pkg/crawldomain"
	"github.com/wisbric/crawlcoord/pkg/policyadmin"
)

// DevBotToken is the raw bot API token seeded for development/testing.
// It is only created by the seed command and should never be used in production.
const DevBotToken = "crawlcoord_dev_seed_token_do_not_use_in_production"

// devDomainID is fixed so repeated seed runs resolve to the same domain row
// instead of minting a new uuid every time.
var devDomainID = uuid.MustParse("00000000-0000-0000-0000-0000000000d1")

var devProductURLs = []string{
	"https://example-shop.test/products/widget-1",
	"https://example-shop.test/products/widget-2",
	"https://example-shop.test/products/widget-3",
}

// Run provisions a demo domain, a handful of product URLs under it, a bot
// credential, and a crawl policy targeting the domain. Logger is used for
// step-by-step progress, matching the ambient logging style used elsewhere
// in the module.
func Run(ctx context.Context, productURLs *store.ProductURLStore, bots *store.BotStore, policyStore *store.PolicyStore, policies *policyadmin.Service, logger *slog.Logger) error {
	if err := productURLs.SaveDomain(ctx, crawldomain.DomainRef{ID: devDomainID, Name: "example-shop.test"}); err != nil {
		return fmt.Errorf("seeding demo domain: %w", err)
	}
	logger.Info("seed: saved demo domain", "domain_id", devDomainID)

	for _, raw := range devProductURLs {
		ref := crawldomain.ProductURLRef{
			URLHash:       hashURL(raw),
			NormalizedURL: raw,
			DomainID:      devDomainID,
		}
		if err := productURLs.SaveProductURL(ctx, ref); err != nil {
			return fmt.Errorf("seeding product url %q: %w", raw, err)
		}
	}
	logger.Info("seed: saved demo product urls", "count", len(devProductURLs))

	botCfg, err := crawldomain.NewBotConfig("seed-bot", hashToken(DevBotToken), 10)
	if err != nil {
		return fmt.Errorf("building demo bot config: %w", err)
	}
	if err := bots.SaveBotConfig(ctx, botCfg); err != nil {
		return fmt.Errorf("seeding demo bot: %w", err)
	}
	logger.Info("seed: saved demo bot credential", "bot_id", botCfg.BotID, "raw_token", DevBotToken)

	const policyName = "example-shop-demo"
	if existing, err := policyStore.GetPolicyByName(ctx, devDomainID, policyName); err == nil {
		logger.Info("seed: demo policy already exists, skipping", "policy_id", existing.ID)
		return nil
	} else if !errors.Is(err, crawldomain.ErrNotFound) {
		return fmt.Errorf("checking for existing demo policy: %w", err)
	}

	p, err := policies.Create(ctx, policyadmin.CreatePolicyRequest{
		DomainID:            devDomainID,
		Name:                policyName,
		URLPattern:          "",
		FrequencyHours:      24,
		Priority:            5,
		MaxRetries:          3,
		RetryBackoffMinutes: 5,
		TimeoutMinutes:      10,
	})
	if err != nil {
		return fmt.Errorf("seeding demo policy: %w", err)
	}
	logger.Info("seed: saved demo policy", "policy_id", p.ID, "name", p.Name)

	logger.Info("seed: completed successfully",
		"domain", "example-shop.test",
		"product_urls", len(devProductURLs),
		"bots", 1,
		"policies", 1,
	)
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
