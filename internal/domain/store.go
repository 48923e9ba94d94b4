package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ListingStore persists off-chain market metadata.
type ListingStore interface {
	CreateListing(ctx context.Context, l Listing) (string, error)
	GetByAddress(ctx context.Context, market common.Address) (Listing, error)
	List(ctx context.Context, opts ListOpts) ([]Listing, error)
	Count(ctx context.Context) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     common.Address `json:"actor"`
	Market    common.Address `json:"market"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log of action outcomes.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	ListByMarket(ctx context.Context, market common.Address, opts ListOpts) ([]AuditEntry, error)
}

// IdentityStore records which actors have a verified identity bound to
// their address.
type IdentityStore interface {
	Bind(ctx context.Context, actor common.Address, commitment string) error
	IsBound(ctx context.Context, actor common.Address) (bool, error)
}
