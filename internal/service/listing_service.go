package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/ledger"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
)

// Receipts looks up transactions and decodes factory receipts.
type Receipts interface {
	Lookup(ctx context.Context, hash common.Hash) (ledger.TxLookup, error)
	MarketAddressFromReceipt(receipt *types.Receipt) (common.Address, error)
}

// Archive lists the archived records of a market.
type Archive interface {
	Records(ctx context.Context, market common.Address) ([]domain.BlobInfo, error)
}

// ErrArchiveDisabled is returned by Records when no archive is configured.
var ErrArchiveDisabled = errors.New("archive disabled")

// ErrReceiptNotFinal is returned by ReconcileListing while the creation
// transaction is unknown or unmined.
var ErrReceiptNotFinal = errors.New("creation receipt not final")

// ListingService serves the off-chain market listings.
type ListingService struct {
	listings  domain.ListingStore
	receipts  Receipts
	snapshots Snapshots
	archive   Archive
	logger    *slog.Logger
}

// NewListingService creates a ListingService. snapshots may be nil, in
// which case reconciled listings are not tracked. archive may be nil.
func NewListingService(
	listings domain.ListingStore,
	receipts Receipts,
	snapshots Snapshots,
	archive Archive,
	logger *slog.Logger,
) *ListingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListingService{
		listings:  listings,
		receipts:  receipts,
		snapshots: snapshots,
		archive:   archive,
		logger:    logger,
	}
}

// Records lists the archived records of market.
func (s *ListingService) Records(ctx context.Context, market common.Address) ([]domain.BlobInfo, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	infos, err := s.archive.Records(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("listing_service: records %s: %w", market.Hex(), err)
	}
	return infos, nil
}

// Get returns the listing of market.
func (s *ListingService) Get(ctx context.Context, market common.Address) (domain.Listing, error) {
	l, err := s.listings.GetByAddress(ctx, market)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: get %s: %w", market.Hex(), err)
	}
	return l, nil
}

// List returns listings newest first.
func (s *ListingService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	ls, err := s.listings.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing_service: list: %w", err)
	}
	return ls, nil
}

// Count returns the number of listings.
func (s *ListingService) Count(ctx context.Context) (int64, error) {
	n, err := s.listings.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing_service: count: %w", err)
	}
	return n, nil
}

// ReconcileListing repairs a create whose listing was not persisted. The
// market address is read again from the creation receipt; a listing that
// already exists for it is returned unchanged.
func (s *ListingService) ReconcileListing(ctx context.Context, txHash common.Hash, listing domain.Listing) (domain.Listing, error) {
	lk, err := s.receipts.Lookup(ctx, txHash)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: reconcile %s: %w", txHash.Hex(), err)
	}
	if lk.State != ledger.LookupFinal {
		return domain.Listing{}, fmt.Errorf("listing_service: reconcile %s: %w (%s)", txHash.Hex(), ErrReceiptNotFinal, lk.State)
	}
	if lk.Reverted {
		return domain.Listing{}, fmt.Errorf("listing_service: reconcile %s: creation reverted", txHash.Hex())
	}

	addr, err := s.receipts.MarketAddressFromReceipt(lk.Receipt)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: reconcile %s: %w", txHash.Hex(), err)
	}

	if existing, err := s.listings.GetByAddress(ctx, addr); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Listing{}, fmt.Errorf("listing_service: reconcile %s: %w", txHash.Hex(), err)
	}

	l := orchestrator.CompleteListing(listing, listing.Seller, addr, txHash.Hex())
	if _, err := s.listings.CreateListing(ctx, l); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return s.Get(ctx, addr)
		}
		return domain.Listing{}, fmt.Errorf("listing_service: reconcile %s: %w", txHash.Hex(), err)
	}

	if s.snapshots != nil {
		s.snapshots.Track(addr)
	}
	s.logger.InfoContext(ctx, "listing_service: listing reconciled",
		slog.String("market", addr.Hex()),
		slog.String("tx", txHash.Hex()),
	)
	return l, nil
}
