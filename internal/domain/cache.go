package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotCache keeps the latest ledger snapshot per market so a restart can
// show something while the first fresh read is in flight.
type SnapshotCache interface {
	Set(ctx context.Context, snap MarketSnapshot) error
	Get(ctx context.Context, market common.Address) (MarketSnapshot, error)
	Invalidate(ctx context.Context, market common.Address) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// ProofRegistry remembers which proof nullifiers this client has already
// spent on the ledger.
type ProofRegistry interface {
	MarkConsumed(ctx context.Context, nullifier string) (bool, error)
	IsConsumed(ctx context.Context, nullifier string) (bool, error)
}

// Channel names used on the SignalBus.
const (
	ChannelMarketPrefix  = "market:"
	ChannelAttemptPrefix = "attempt:"
	StreamAttempts       = "stream:attempts"
)
