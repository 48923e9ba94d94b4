package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// EnterAction is the oracle action id used for market entry proofs.
const EnterAction = "enter-market"

// ContextSignal binds a proof to one market. The lower-case hex address is
// what the ledger hashes as the external nullifier input.
func ContextSignal(market common.Address) string {
	return strings.ToLower(market.Hex())
}

// Adapter acquires market-bound proofs and tracks spent nullifiers.
type Adapter struct {
	oracle   Oracle
	registry domain.ProofRegistry
	logger   *slog.Logger
}

// NewAdapter wires an oracle to a nullifier registry.
func NewAdapter(oracle Oracle, registry domain.ProofRegistry, logger *slog.Logger) *Adapter {
	return &Adapter{
		oracle:   oracle,
		registry: registry,
		logger:   logger.With(slog.String("component", "verify")),
	}
}

// Acquire obtains a fresh proof for actor entering market. A proof whose
// nullifier this client already spent is reported as already_used.
func (a *Adapter) Acquire(ctx context.Context, market, actor common.Address) (domain.VerificationProof, error) {
	signal := ContextSignal(market)
	proof, err := a.oracle.RequestProof(ctx, ProofRequest{Action: EnterAction, Signal: signal, Actor: actor})
	if err != nil {
		var oe *domain.OracleError
		if errors.As(err, &oe) {
			return domain.VerificationProof{}, err
		}
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofUnknown, Err: err}
	}
	if proof.Signal != signal {
		return domain.VerificationProof{}, &domain.OracleError{
			Kind: domain.ProofVerificationFailed,
			Err:  fmt.Errorf("proof bound to %q, want %q", proof.Signal, signal),
		}
	}

	used, err := a.registry.IsConsumed(ctx, proof.Nullifier())
	if err != nil {
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofUnknown, Err: fmt.Errorf("nullifier registry: %w", err)}
	}
	if used {
		a.logger.InfoContext(ctx, "proof already used for market",
			"market", market.Hex(), "actor", actor.Hex())
		return domain.VerificationProof{}, &domain.OracleError{
			Kind: domain.ProofAlreadyUsed,
			Err:  fmt.Errorf("nullifier %s already consumed", proof.Nullifier()),
		}
	}
	return proof, nil
}

// Consume records the proof's nullifier as spent. Call it only after the
// entry that used it confirmed.
func (a *Adapter) Consume(ctx context.Context, proof domain.VerificationProof) error {
	fresh, err := a.registry.MarkConsumed(ctx, proof.Nullifier())
	if err != nil {
		return fmt.Errorf("verify: consume nullifier: %w", err)
	}
	if !fresh {
		a.logger.WarnContext(ctx, "nullifier was already marked consumed", "signal", proof.Signal)
	}
	return nil
}

// IsTerminal reports whether err is an oracle failure that retrying cannot
// fix.
func IsTerminal(err error) bool {
	var oe *domain.OracleError
	return errors.As(err, &oe) && oe.Terminal()
}

// IsRetryable reports whether err is an oracle failure worth retrying.
func IsRetryable(err error) bool {
	var oe *domain.OracleError
	return errors.As(err, &oe) && !oe.Terminal()
}
