package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	db DB
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log appends entry. The detail map is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, entry domain.AuditEntry) error {
	var detailJSON []byte
	if entry.Detail != nil {
		var err error
		if detailJSON, err = json.Marshal(entry.Detail); err != nil {
			return fmt.Errorf("postgres: marshal audit detail: %w", err)
		}
	}

	const query = `INSERT INTO audit_log (event, actor, market, detail) VALUES ($1, $2, $3, $4)`
	_, err := s.db.Exec(ctx, query, entry.Event, optionalAddr(entry.Actor), optionalAddr(entry.Market), detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", entry.Event, err)
	}
	return nil
}

// ListByMarket returns the audit trail of market, newest first.
func (s *AuditStore) ListByMarket(ctx context.Context, market common.Address, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := appendListOpts(
		`SELECT id, event, actor, market, detail, created_at FROM audit_log WHERE market = $1`,
		[]any{addrKey(market)}, opts, "created_at",
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e          domain.AuditEntry
			actor, mkt string
			detailJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &actor, &mkt, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if actor != "" {
			e.Actor = common.HexToAddress(actor)
		}
		if mkt != "" {
			e.Market = common.HexToAddress(mkt)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

func optionalAddr(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return addrKey(a)
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
