package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// ProofRegistry implements domain.ProofRegistry. Entries never expire: a
// nullifier spent on the ledger stays spent.
//
// Key schema:
//
//	proof:nullifier:{lower-hex nullifier} - RFC3339 time it was consumed
type ProofRegistry struct {
	c *Client
}

// NewProofRegistry creates a ProofRegistry backed by the given Client.
func NewProofRegistry(c *Client) *ProofRegistry {
	return &ProofRegistry{c: c}
}

func (pr *ProofRegistry) key(nullifier string) string {
	return pr.c.Key("proof", "nullifier", strings.ToLower(nullifier))
}

// MarkConsumed records nullifier. It returns false if it was already there.
func (pr *ProofRegistry) MarkConsumed(ctx context.Context, nullifier string) (bool, error) {
	if nullifier == "" {
		return false, fmt.Errorf("redis: mark consumed: empty nullifier")
	}
	ok, err := pr.c.rdb.SetNX(ctx, pr.key(nullifier), time.Now().UTC().Format(time.RFC3339), 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark consumed: %w", err)
	}
	return ok, nil
}

// IsConsumed reports whether nullifier was recorded.
func (pr *ProofRegistry) IsConsumed(ctx context.Context, nullifier string) (bool, error) {
	if nullifier == "" {
		return false, nil
	}
	n, err := pr.c.rdb.Exists(ctx, pr.key(nullifier)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: is consumed: %w", err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.ProofRegistry = (*ProofRegistry)(nil)
