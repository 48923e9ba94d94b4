package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// IdentityStore implements domain.IdentityStore. One commitment binds to
// exactly one actor.
type IdentityStore struct {
	db DB
}

// NewIdentityStore creates a new IdentityStore.
func NewIdentityStore(db DB) *IdentityStore {
	return &IdentityStore{db: db}
}

// Bind records that actor holds the identity behind commitment. Rebinding
// the same pair is a no-op; a commitment already bound to another actor
// returns domain.ErrAlreadyExists.
func (s *IdentityStore) Bind(ctx context.Context, actor common.Address, commitment string) error {
	commitment = strings.ToLower(strings.TrimSpace(commitment))
	if commitment == "" {
		return fmt.Errorf("postgres: bind identity: empty commitment")
	}

	const query = `
		INSERT INTO identity_bindings (actor, commitment) VALUES ($1, $2)
		ON CONFLICT (actor) DO UPDATE SET commitment = EXCLUDED.commitment
		WHERE identity_bindings.commitment = EXCLUDED.commitment`
	tag, err := s.db.Exec(ctx, query, addrKey(actor), commitment)
	if err != nil {
		return fmt.Errorf("postgres: bind identity %s: %w", actor.Hex(), mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: bind identity %s: actor bound to another commitment: %w", actor.Hex(), domain.ErrAlreadyExists)
	}
	return nil
}

// IsBound reports whether actor has a bound identity.
func (s *IdentityStore) IsBound(ctx context.Context, actor common.Address) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM identity_bindings WHERE actor = $1)`,
		addrKey(actor),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: identity %s: %w", actor.Hex(), err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.IdentityStore = (*IdentityStore)(nil)
