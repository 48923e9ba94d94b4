package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL.
type ListingStore struct {
	db DB
}

// NewListingStore creates a new ListingStore.
func NewListingStore(db DB) *ListingStore {
	return &ListingStore{db: db}
}

const listingColumns = `id, market_address, seller, kind, title, description,
	image_url, shipping_regions, created_tx_hash, created_at`

// CreateListing inserts l. A second listing for the same market address
// returns domain.ErrAlreadyExists.
func (s *ListingStore) CreateListing(ctx context.Context, l domain.Listing) (string, error) {
	if l.MarketAddress == (common.Address{}) {
		return "", fmt.Errorf("postgres: create listing: market address is required")
	}
	regions := l.ShippingRegions
	if regions == nil {
		regions = []string{}
	}

	const query = `
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	var id string
	err := s.db.QueryRow(ctx, query,
		l.ID, addrKey(l.MarketAddress), addrKey(l.Seller), string(l.Kind),
		l.Title, l.Description, l.ImageURL, regions,
		l.CreatedTxHash, l.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("postgres: create listing %s: %w", l.MarketAddress.Hex(), mapErr(err))
	}
	return id, nil
}

// GetByAddress returns the listing of market, or domain.ErrNotFound.
func (s *ListingStore) GetByAddress(ctx context.Context, market common.Address) (domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE market_address = $1`
	l, err := scanListing(s.db.QueryRow(ctx, query, addrKey(market)))
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", market.Hex(), mapErr(err))
	}
	return l, nil
}

// List returns listings newest first.
func (s *ListingStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	query, args := appendListOpts(`SELECT `+listingColumns+` FROM listings WHERE 1=1`, nil, opts, "created_at")

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list listings rows: %w", err)
	}
	return out, nil
}

// Count returns the number of listings.
func (s *ListingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count listings: %w", err)
	}
	return n, nil
}

func scanListing(row pgx.Row) (domain.Listing, error) {
	var (
		l              domain.Listing
		market, seller string
		kind           string
	)
	err := row.Scan(
		&l.ID, &market, &seller, &kind, &l.Title, &l.Description,
		&l.ImageURL, &l.ShippingRegions, &l.CreatedTxHash, &l.CreatedAt,
	)
	if err != nil {
		return domain.Listing{}, err
	}
	l.MarketAddress = common.HexToAddress(market)
	l.Seller = common.HexToAddress(seller)
	l.Kind = domain.MarketKind(kind)
	return l, nil
}

// Compile-time interface check.
var _ domain.ListingStore = (*ListingStore)(nil)
