package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// BotStore is the Postgres adapter for crawldomain.BotStore and the backing
// store for the policyadmin bot-registration surface.
type BotStore struct {
	db DBTX
}

// NewBotStore creates a BotStore backed by the given connection.
func NewBotStore(db DBTX) *BotStore {
	return &BotStore{db: db}
}

const botColumns = `bot_id, token_hash, disabled, max_jobs_per_pull, created_at, updated_at`

// GetBotConfig resolves a bot's credential record by id.
func (s *BotStore) GetBotConfig(ctx context.Context, botID string) (*crawldomain.BotConfig, error) {
	row := s.db.QueryRow(ctx, `SELECT `+botColumns+` FROM bot_config WHERE bot_id = $1`, botID)
	var b crawldomain.BotConfig
	err := row.Scan(&b.BotID, &b.TokenHash, &b.Disabled, &b.MaxJobsPerPull, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: bot %s", crawldomain.ErrAuthentication, botID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting bot config: %v", crawldomain.ErrTransientStore, err)
	}
	return &b, nil
}

// SaveBotConfig upserts a bot's credential record, for operator provisioning.
func (s *BotStore) SaveBotConfig(ctx context.Context, b *crawldomain.BotConfig) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO bot_config (bot_id, token_hash, disabled, max_jobs_per_pull)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (bot_id) DO UPDATE SET
			token_hash = EXCLUDED.token_hash, disabled = EXCLUDED.disabled,
			max_jobs_per_pull = EXCLUDED.max_jobs_per_pull, updated_at = now()
		RETURNING created_at, updated_at`,
		b.BotID, b.TokenHash, b.Disabled, b.MaxJobsPerPull)
	if err := row.Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("%w: saving bot config: %v", crawldomain.ErrTransientStore, err)
	}
	return nil
}
