// Package verify wraps the external human-verification oracle. Proofs are
// bound to a single market through the context signal and their nullifiers
// are tracked so a spent proof is never replayed.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// ProofRequest asks the oracle for a proof that actor is a unique verified
// identity acting under signal.
type ProofRequest struct {
	Action string
	Signal string
	Actor  common.Address
}

// Oracle issues one-time verification proofs.
type Oracle interface {
	RequestProof(ctx context.Context, req ProofRequest) (domain.VerificationProof, error)
}

// HTTPOracle talks to a proof service over HTTP.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPOracle creates an oracle client. auth may be nil.
func NewHTTPOracle(baseURL string, auth *crypto.HMACAuth, timeout time.Duration, logger *slog.Logger) *HTTPOracle {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	logger = logger.With(slog.String("component", "oracle"))
	return &HTTPOracle{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		hmacAuth:   auth,
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "proof-oracle",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("oracle breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
}

type proofRequestBody struct {
	Action string `json:"action"`
	Signal string `json:"signal"`
	Actor  string `json:"actor"`
}

type proofResponseBody struct {
	MerkleRoot    string   `json:"merkle_root"`
	NullifierHash string   `json:"nullifier_hash"`
	Proof         []string `json:"proof"`
}

type errorResponseBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RequestProof posts the request to {base}/v1/proofs. Every failure is
// returned as *domain.OracleError.
func (o *HTTPOracle) RequestProof(ctx context.Context, req ProofRequest) (domain.VerificationProof, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofUnknown, Err: err}
	}

	// A classified 4xx is an answer, not an outage; it does not count
	// against the breaker.
	var answer error
	out, err := o.breaker.Execute(func() (interface{}, error) {
		proof, err := o.post(ctx, req)
		var oe *domain.OracleError
		if errors.As(err, &oe) && oe.Kind != domain.ProofUnknown {
			answer = err
			return domain.VerificationProof{}, nil
		}
		return proof, err
	})
	if answer != nil {
		return domain.VerificationProof{}, answer
	}
	if err != nil {
		var oe *domain.OracleError
		if errors.As(err, &oe) {
			return domain.VerificationProof{}, err
		}
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofUnknown, Err: err}
	}
	return out.(domain.VerificationProof), nil
}

func (o *HTTPOracle) post(ctx context.Context, req ProofRequest) (domain.VerificationProof, error) {
	payload, err := json.Marshal(proofRequestBody{
		Action: req.Action,
		Signal: req.Signal,
		Actor:  req.Actor.Hex(),
	})
	if err != nil {
		return domain.VerificationProof{}, fmt.Errorf("verify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/proofs", bytes.NewReader(payload))
	if err != nil {
		return domain.VerificationProof{}, fmt.Errorf("verify: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.hmacAuth != nil {
		o.hmacAuth.Apply(httpReq, payload)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofUnknown, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofUnknown, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return domain.VerificationProof{}, classifyResponse(resp.StatusCode, body)
	}

	var pr proofResponseBody
	if err := json.Unmarshal(body, &pr); err != nil {
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofUnknown, Err: fmt.Errorf("decode proof: %w", err)}
	}
	proof, err := pr.toDomain(req.Signal)
	if err != nil {
		return domain.VerificationProof{}, &domain.OracleError{Kind: domain.ProofVerificationFailed, Err: err}
	}
	return proof, nil
}

func (pr proofResponseBody) toDomain(signal string) (domain.VerificationProof, error) {
	root, ok := new(big.Int).SetString(pr.MerkleRoot, 0)
	if !ok {
		return domain.VerificationProof{}, fmt.Errorf("invalid merkle_root %q", pr.MerkleRoot)
	}
	nullifier, ok := new(big.Int).SetString(pr.NullifierHash, 0)
	if !ok {
		return domain.VerificationProof{}, fmt.Errorf("invalid nullifier_hash %q", pr.NullifierHash)
	}
	if len(pr.Proof) != 8 {
		return domain.VerificationProof{}, fmt.Errorf("proof has %d elements, want 8", len(pr.Proof))
	}
	proof := domain.VerificationProof{
		Signal:        signal,
		Root:          root,
		NullifierHash: nullifier,
		ObtainedAt:    time.Now().UTC(),
	}
	for i, s := range pr.Proof {
		v, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return domain.VerificationProof{}, fmt.Errorf("invalid proof element %d", i)
		}
		proof.Proof[i] = v
	}
	return proof, nil
}

// classifyResponse maps a non-200 oracle reply onto the error taxonomy.
// Server errors and unrecognised codes are unknown, which is retryable.
func classifyResponse(status int, body []byte) *domain.OracleError {
	var er errorResponseBody
	_ = json.Unmarshal(body, &er)

	msg := er.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	err := errors.New(msg)

	if status >= 500 {
		return &domain.OracleError{Kind: domain.ProofUnknown, Err: err}
	}
	switch domain.ProofErrorKind(er.Code) {
	case domain.ProofUserRejected,
		domain.ProofVerificationFailed,
		domain.ProofAlreadyUsed,
		domain.ProofCredentialUnavailable:
		return &domain.OracleError{Kind: domain.ProofErrorKind(er.Code), Err: err}
	}
	return &domain.OracleError{Kind: domain.ProofUnknown, Err: err}
}
