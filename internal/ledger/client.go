// Package ledger reads and writes the raffle market contracts over an
// Ethereum JSON-RPC endpoint.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	// fallbackGasLimit is used when estimation fails for reasons other than
	// a revert.
	fallbackGasLimit = uint64(400_000)
	// defaultGasPrice is the last resort when the node cannot suggest one.
	defaultGasPrice = int64(30_000_000_000)
)

// Backend is the subset of *ethclient.Client the ledger client uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Network identifies the chain and the factory contract. It is built once at
// start from configuration.
type Network struct {
	ChainID int64
	Factory common.Address
}

// Options tunes RPC pacing and the circuit breaker.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	BreakerName       string
	// BreakerTrips is the number of consecutive failures that opens the
	// breaker.
	BreakerTrips   uint32
	BreakerTimeout time.Duration
}

// DefaultOptions returns conservative pacing for a public RPC endpoint.
func DefaultOptions() Options {
	return Options{
		RequestsPerSecond: 20,
		Burst:             10,
		BreakerName:       "ledger-rpc",
		BreakerTrips:      5,
		BreakerTimeout:    30 * time.Second,
	}
}

// Client talks to the market and factory contracts.
type Client struct {
	backend Backend
	network Network
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Dial connects to rpcURL and checks the node serves the configured chain.
func Dial(ctx context.Context, rpcURL string, network Network, opts Options, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial rpc: %w", err)
	}
	id, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("ledger: chain id: %w", err)
	}
	if id.Int64() != network.ChainID {
		ec.Close()
		return nil, fmt.Errorf("ledger: rpc serves chain %s, configured %d", id, network.ChainID)
	}
	return New(ec, network, opts, logger), nil
}

// New wraps an existing backend.
func New(backend Backend, network Network, opts Options, logger *slog.Logger) *Client {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultOptions().RequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultOptions().Burst
	}
	if opts.BreakerTrips == 0 {
		opts.BreakerTrips = DefaultOptions().BreakerTrips
	}
	if opts.BreakerName == "" {
		opts.BreakerName = DefaultOptions().BreakerName
	}
	logger = logger.With(slog.String("component", "ledger"))

	c := &Client{
		backend: backend,
		network: network,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    opts.BreakerName,
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				logger.Warn("rpc seems down, stop allowing requests", slog.String("breaker", name))
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				logger.Info("checking rpc status", slog.String("breaker", name))
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				logger.Info("rpc seems ok, restart allowing requests", slog.String("breaker", name))
			}
		},
	})
	return c
}

// Network returns the configured network.
func (c *Client) Network() Network { return c.network }

// guarded runs fn behind the rate limiter and the circuit breaker. Lookups
// that find nothing and calls that revert are answers from a healthy node,
// so they are passed through without counting as breaker failures.
func guarded[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("ledger: rate limiter: %w", err)
	}

	var answer error
	out, err := c.breaker.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		if err != nil && (errors.Is(err, ethereum.NotFound) || isRevert(err)) {
			answer = err
			return v, nil
		}
		return v, err
	})
	if err != nil {
		return zero, err
	}
	if answer != nil {
		return zero, answer
	}
	v, _ := out.(T)
	return v, nil
}

// revertError matches JSON-RPC errors that carry revert data.
type revertError interface {
	ErrorData() interface{}
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var re revertError
	if errors.As(err, &re) && re.ErrorData() != nil {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
