package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// largeWriter is a BlobWriter that can also pick multipart for big payloads.
type largeWriter interface {
	domain.BlobWriter
	PutLarge(ctx context.Context, path string, data []byte, contentType string) error
}

// Archiver writes immutable market records to object storage.
//
// Layout:
//
//	markets/{lower-hex address}/final.json           - first terminal snapshot
//	markets/{lower-hex address}/creation/{tx}.json  - creation receipt bundle
type Archiver struct {
	writer largeWriter
	reader domain.BlobReader
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer largeWriter, reader domain.BlobReader, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// MarketPrefix is the folder holding every record of market.
func MarketPrefix(market common.Address) string {
	return "markets/" + strings.ToLower(market.Hex()) + "/"
}

// FinalSnapshotPath is where the terminal snapshot of market is kept.
func FinalSnapshotPath(market common.Address) string {
	return MarketPrefix(market) + "final.json"
}

// CreationReceiptPath is where the creation receipt of market is kept.
func CreationReceiptPath(market common.Address, txHash common.Hash) string {
	return MarketPrefix(market) + "creation/" + txHash.Hex() + ".json"
}

// ArchiveFinal stores snap as the market's final snapshot. It returns false
// without writing when a final snapshot is already stored.
func (a *Archiver) ArchiveFinal(ctx context.Context, snap domain.MarketSnapshot) (bool, error) {
	path := FinalSnapshotPath(snap.Market.LedgerAddress)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive final: %w", err)
	}
	if exists {
		return false, nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive final marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return false, fmt.Errorf("s3blob: archive final: %w", err)
	}

	a.logger.InfoContext(ctx, "final snapshot archived",
		slog.String("market", snap.Market.LedgerAddress.Hex()),
		slog.String("status", string(snap.Market.Status)),
		slog.Uint64("block", snap.BlockNumber),
	)
	return true, nil
}

// creationRecord is the archived form of a market creation.
type creationRecord struct {
	Market     common.Address `json:"market"`
	Listing    domain.Listing `json:"listing"`
	Receipt    *types.Receipt `json:"receipt"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// ArchiveCreation stores the receipt that created market together with its
// listing. Receipts with many logs go through multipart upload.
func (a *Archiver) ArchiveCreation(ctx context.Context, market common.Address, listing domain.Listing, receipt *types.Receipt) error {
	if receipt == nil {
		return fmt.Errorf("s3blob: archive creation %s: nil receipt", market.Hex())
	}
	data, err := json.Marshal(creationRecord{
		Market:     market,
		Listing:    listing,
		Receipt:    receipt,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("s3blob: archive creation marshal: %w", err)
	}

	path := CreationReceiptPath(market, receipt.TxHash)
	if err := a.writer.PutLarge(ctx, path, data, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive creation: %w", err)
	}
	return nil
}

// LoadFinal reads back the archived final snapshot of market.
func (a *Archiver) LoadFinal(ctx context.Context, market common.Address) (domain.MarketSnapshot, error) {
	rc, err := a.reader.Get(ctx, FinalSnapshotPath(market))
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	defer rc.Close()

	var snap domain.MarketSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("s3blob: decode final %s: %w", market.Hex(), err)
	}
	return snap, nil
}

// Records lists what is archived for market: the final snapshot and any
// creation receipts.
func (a *Archiver) Records(ctx context.Context, market common.Address) ([]domain.BlobInfo, error) {
	infos, err := a.reader.List(ctx, MarketPrefix(market))
	if err != nil {
		return nil, fmt.Errorf("s3blob: records %s: %w", market.Hex(), err)
	}
	return infos, nil
}
