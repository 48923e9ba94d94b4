package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// DefaultSnapshotTTL bounds how long a cached snapshot may be served after
// the poller stops refreshing it.
const DefaultSnapshotTTL = 10 * time.Minute

// SnapshotCache implements domain.SnapshotCache using one JSON string per
// market.
//
// Key schema:
//
//	snapshot:{lower-hex address} - JSON-encoded domain.MarketSnapshot
type SnapshotCache struct {
	c   *Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client. A
// non-positive ttl uses DefaultSnapshotTTL.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{c: c, ttl: ttl}
}

func (sc *SnapshotCache) key(market common.Address) string {
	return sc.c.Key("snapshot", strings.ToLower(market.Hex()))
}

// Set stores snap, replacing whatever was cached for its market. An older
// block never overwrites a newer one.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.MarketSnapshot) error {
	addr := snap.Market.LedgerAddress
	if prev, err := sc.Get(ctx, addr); err == nil && prev.BlockNumber > snap.BlockNumber {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", addr.Hex(), err)
	}
	if err := sc.c.rdb.Set(ctx, sc.key(addr), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", addr.Hex(), err)
	}
	return nil
}

// Get returns the cached snapshot for market, or domain.ErrNotFound.
func (sc *SnapshotCache) Get(ctx context.Context, market common.Address) (domain.MarketSnapshot, error) {
	data, err := sc.c.rdb.Get(ctx, sc.key(market)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		}
		return domain.MarketSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", market.Hex(), err)
	}

	var snap domain.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", market.Hex(), err)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot for market.
func (sc *SnapshotCache) Invalidate(ctx context.Context, market common.Address) error {
	if err := sc.c.rdb.Del(ctx, sc.key(market)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %s: %w", market.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
