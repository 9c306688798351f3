package payer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/platform/cache"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
)

// RuleCache holds each payer's active rule set, keyed per tenant. Cache
// failures are logged and fall through to the repository.
type RuleCache struct {
	store  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRuleCache(store cache.Store, ttl time.Duration, logger zerolog.Logger) *RuleCache {
	return &RuleCache{store: store, ttl: ttl, logger: logger}
}

func ruleSetKey(ctx context.Context, payerID uuid.UUID) string {
	return "rules:" + db.TenantFromContext(ctx) + ":" + payerID.String()
}

func (c *RuleCache) get(ctx context.Context, payerID uuid.UUID) ([]*Rule, bool) {
	if c == nil {
		return nil, false
	}
	var rules []*Rule
	ok, err := c.store.Get(ctx, ruleSetKey(ctx, payerID), &rules)
	if err != nil {
		c.logger.Warn().Err(err).Str("payer_id", payerID.String()).Msg("rule cache read failed")
		return nil, false
	}
	return rules, ok
}

func (c *RuleCache) put(ctx context.Context, payerID uuid.UUID, rules []*Rule) {
	if c == nil {
		return
	}
	if err := c.store.Set(ctx, ruleSetKey(ctx, payerID), rules, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("payer_id", payerID.String()).Msg("rule cache write failed")
	}
}

// Invalidate drops the cached rule set for payerID.
func (c *RuleCache) Invalidate(ctx context.Context, payerID uuid.UUID) {
	if c == nil {
		return
	}
	if err := c.store.Delete(ctx, ruleSetKey(ctx, payerID)); err != nil {
		c.logger.Warn().Err(err).Str("payer_id", payerID.String()).Msg("rule cache invalidation failed")
	}
}
