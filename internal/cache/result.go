package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ResultCache caches scoring results keyed by transaction ID. It sits in
// front of the scoring path at the API layer; repeated lookups for the same
// transaction avoid re-running the detectors.
type ResultCache struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewResultCache wraps a cache for storing fraud results.
func NewResultCache(c domain.Cache, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ResultCache{cache: c, ttl: ttl}
}

func resultKey(txID string) string {
	return "result:" + txID
}

// GetResult returns the cached result for a transaction, or nil on miss.
func (rc *ResultCache) GetResult(ctx context.Context, txID string) (*domain.FraudResult, error) {
	data, err := rc.cache.Get(ctx, resultKey(txID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var result domain.FraudResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &result, nil
}

// SetResult stores a scoring result.
func (rc *ResultCache) SetResult(ctx context.Context, result *domain.FraudResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return rc.cache.Set(ctx, resultKey(result.TransactionID), data, rc.ttl)
}
