package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

var (
	marketAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	factoryAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	sellerAddr  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	aliceAddr   = common.HexToAddress("0x4000000000000000000000000000000000000004")
	bobAddr     = common.HexToAddress("0x5000000000000000000000000000000000000005")
)

type revertErr struct{ data string }

func (e revertErr) Error() string          { return "execution reverted" }
func (e revertErr) ErrorData() interface{} { return e.data }

func revertWith(t *testing.T, reason string) error {
	t.Helper()
	strTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	enc, err := abi.Arguments{{Type: strTy}}.Pack(reason)
	require.NoError(t, err)
	return revertErr{data: hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, enc...))}
}

type fakeBackend struct {
	mu sync.Mutex

	views      map[string][]interface{}
	callErr    error
	estimate   uint64
	estErr     error
	nonce      uint64
	gasPrice   *big.Int
	head       uint64
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	pending    map[common.Hash]bool
	rpcErr     error
	callBlocks []*big.Int
	estimates  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		views:    map[string][]interface{}{},
		estimate: 100_000,
		gasPrice: big.NewInt(1_000_000_000),
		head:     42,
		receipts: map[common.Hash]*types.Receipt{},
		pending:  map[common.Hash]bool{},
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callBlocks = append(f.callBlocks, block)
	if f.callErr != nil {
		return nil, f.callErr
	}
	if len(msg.Data) < 4 {
		return nil, nil
	}
	m, err := marketABI.MethodById(msg.Data[:4])
	if err != nil {
		// writes on the factory simulate cleanly
		return nil, nil
	}
	vals, ok := f.views[m.Name]
	if !ok {
		return nil, nil
	}
	return m.Outputs.Pack(vals...)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimates++
	return f.estimate, f.estErr
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rpcErr != nil {
		return nil, false, f.rpcErr
	}
	if f.pending[h] {
		return types.NewTransaction(0, common.Address{}, big.NewInt(0), 0, big.NewInt(0), nil), true, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(b Backend) *Client {
	return New(b, Network{ChainID: 31337, Factory: factoryAddr}, Options{
		RequestsPerSecond: 10_000,
		Burst:             1_000,
		BreakerTrips:      3,
		BreakerTimeout:    time.Minute,
	}, testLogger())
}

func seedMarket(f *fakeBackend, status uint8) {
	f.views["status"] = []interface{}{status}
	f.views["kind"] = []interface{}{uint8(1)}
	f.views["seller"] = []interface{}{sellerAddr}
	f.views["ticketPrice"] = []interface{}{big.NewInt(1_000)}
	f.views["goalAmount"] = []interface{}{big.NewInt(10_000)}
	f.views["prizePool"] = []interface{}{big.NewInt(1_900)}
	f.views["participantDeposit"] = []interface{}{big.NewInt(100)}
	f.views["sellerDeposit"] = []interface{}{big.NewInt(1_500)}
	f.views["preparedQuantity"] = []interface{}{big.NewInt(2)}
	f.views["endTime"] = []interface{}{big.NewInt(1_700_000_000)}
	f.views["getParticipants"] = []interface{}{[]common.Address{aliceAddr, bobAddr}}
	f.views["getWinners"] = []interface{}{[]common.Address{}}
	f.views["participantInfo"] = []interface{}{true, false, big.NewInt(1_100), false}
}

func TestReadMarket(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	seedMarket(f, 1)
	c := newTestClient(f)

	snap, err := c.ReadMarket(context.Background(), marketAddr)
	require.NoError(t, err)

	m := snap.Market
	assert.Equal(t, uint64(42), snap.BlockNumber)
	assert.Equal(t, domain.StatusOpen, m.Status)
	assert.Equal(t, domain.MarketKindQuantityBased, m.Kind)
	assert.Equal(t, sellerAddr, m.Seller)
	assert.Equal(t, marketAddr, m.LedgerAddress)
	assert.Equal(t, int64(1_000), m.TicketPrice.Int64())
	assert.Equal(t, int64(1_500), m.SellerDeposit.Int64())
	assert.Equal(t, uint64(2), m.PreparedQuantity)
	assert.Equal(t, int64(1_700_000_000), m.EndTime.Unix())
	assert.Equal(t, uint64(2), m.ParticipantCount())
	assert.Empty(t, m.Winners)

	for _, b := range f.callBlocks {
		require.NotNil(t, b)
		require.Equal(t, int64(42), b.Int64())
	}
}

func TestReadMarketRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	seedMarket(f, 9)
	c := newTestClient(f)

	_, err := c.ReadMarket(context.Background(), marketAddr)
	require.ErrorIs(t, err, domain.ErrUnknownStatus)
}

func TestReadMarketWithoutContractIsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeBackend())

	_, err := c.ReadMarket(context.Background(), marketAddr)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReadParticipant(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	seedMarket(f, 1)
	c := newTestClient(f)

	rec, err := c.ReadParticipant(context.Background(), marketAddr, aliceAddr)
	require.NoError(t, err)
	assert.True(t, rec.HasEntered)
	assert.False(t, rec.IsWinner)
	assert.False(t, rec.DepositRefunded)
	assert.Equal(t, int64(1_100), rec.PaidAmount.Int64())
	assert.Equal(t, aliceAddr, rec.Address)
}

func TestSimulateRevertIsSimulationError(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	f.callErr = revertWith(t, "market not open")
	c := newTestClient(f)

	call, err := c.SettleCall(marketAddr, aliceAddr)
	require.NoError(t, err)

	_, err = c.Simulate(context.Background(), call)
	var simErr *domain.SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, domain.ActionSettle, simErr.Action)
	assert.Equal(t, "market not open", simErr.Reason)
	assert.Zero(t, f.estimates)
}

func TestSimulateAddsGasBuffer(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	c := newTestClient(f)

	call, err := c.OpenMarketCall(marketAddr, sellerAddr, big.NewInt(1_500))
	require.NoError(t, err)

	sim, err := c.Simulate(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, uint64(120_000), sim.Gas)

	f.estErr = errors.New("estimator unavailable")
	sim, err = c.Simulate(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, fallbackGasLimit*12/10, sim.Gas)
}

func TestBuildTx(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	f.nonce = 7
	c := newTestClient(f)

	call, err := c.ClaimRefundCall(marketAddr, aliceAddr)
	require.NoError(t, err)
	call.Gas = 50_000

	tx, err := c.BuildTx(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(50_000), tx.Gas())
	assert.Equal(t, int64(1_100_000_000), tx.GasPrice().Int64())
	assert.Equal(t, marketAddr, *tx.To())
	assert.Zero(t, tx.Value().Sign())
	assert.Equal(t, int64(1_000_000_000), f.gasPrice.Int64())
}

func TestCreateMarketCallPacksArguments(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeBackend())
	end := time.Unix(1_800_000_000, 0)
	call, err := c.CreateMarketCall(sellerAddr, CreateMarketParams{
		Kind:             domain.MarketKindQuantityBased,
		TicketPrice:      big.NewInt(1e15),
		GoalAmount:       big.NewInt(1e16),
		PreparedQuantity: 3,
		EndTime:          end,
	}, big.NewInt(15e14))
	require.NoError(t, err)
	assert.Equal(t, factoryAddr, call.To)
	assert.Equal(t, int64(15e14), call.Value.Int64())

	m, err := factoryABI.MethodById(call.Data[:4])
	require.NoError(t, err)
	require.Equal(t, "createMarket", m.Name)
	args, err := m.Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, uint8(1), args[0])
	assert.Equal(t, int64(1e15), args[1].(*big.Int).Int64())
	assert.Equal(t, int64(3), args[3].(*big.Int).Int64())
	assert.Equal(t, end.Unix(), args[4].(*big.Int).Int64())

	_, err = c.CreateMarketCall(sellerAddr, CreateMarketParams{Kind: domain.MarketKindGoalBased}, nil)
	require.ErrorIs(t, err, domain.ErrNilAmount)
}

func TestEnterCallRequiresCompleteProof(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeBackend())
	proof := domain.VerificationProof{Root: big.NewInt(1), NullifierHash: big.NewInt(2)}
	_, err := c.EnterCall(marketAddr, aliceAddr, proof, big.NewInt(1_100))
	require.Error(t, err)

	for i := range proof.Proof {
		proof.Proof[i] = big.NewInt(int64(i))
	}
	call, err := c.EnterCall(marketAddr, aliceAddr, proof, big.NewInt(1_100))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionEnter, call.Action)
	assert.Equal(t, int64(1_100), call.Value.Int64())
}

func TestLookupDistinguishesStates(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	c := newTestClient(f)
	ctx := context.Background()

	unknown := common.HexToHash("0x01")
	pending := common.HexToHash("0x02")
	mined := common.HexToHash("0x03")
	reverted := common.HexToHash("0x04")
	f.pending[pending] = true
	f.receipts[mined] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: mined}
	f.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: reverted}

	got, err := c.Lookup(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, LookupNotFound, got.State)

	got, err = c.Lookup(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, LookupPending, got.State)

	got, err = c.Lookup(ctx, mined)
	require.NoError(t, err)
	assert.Equal(t, LookupFinal, got.State)
	assert.False(t, got.Reverted)

	got, err = c.Lookup(ctx, reverted)
	require.NoError(t, err)
	assert.Equal(t, LookupFinal, got.State)
	assert.True(t, got.Reverted)
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	c := newTestClient(f)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		got, err := c.Lookup(ctx, common.HexToHash("0xdead"))
		require.NoError(t, err)
		require.Equal(t, LookupNotFound, got.State)
	}
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())

	f.rpcErr = errors.New("connection refused")
	for i := 0; i < 3; i++ {
		_, err := c.Lookup(ctx, common.HexToHash("0xdead"))
		require.Error(t, err)
	}
	_, err := c.Lookup(ctx, common.HexToHash("0xdead"))
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestMarketAddressFromReceipt(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeBackend())
	created := common.HexToAddress("0x9000000000000000000000000000000000000009")
	ev := factoryABI.Events[marketCreatedEvent]
	data, err := ev.Inputs.NonIndexed().Pack(uint8(1))
	require.NoError(t, err)

	pad := func(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

	tests := []struct {
		name    string
		logs    []*types.Log
		want    common.Address
		wantErr bool
	}{
		{
			name: "structured",
			logs: []*types.Log{
				{Address: created, Topics: []common.Hash{common.HexToHash("0xabc")}},
				{Address: factoryAddr, Topics: []common.Hash{ev.ID, pad(created), pad(sellerAddr)}, Data: data},
			},
			want: created,
		},
		{
			name: "raw_topic_when_topics_truncated",
			logs: []*types.Log{
				{Address: factoryAddr, Topics: []common.Hash{ev.ID, pad(created)}, Data: data},
			},
			want: created,
		},
		{
			name: "raw_data_word",
			logs: []*types.Log{
				{Address: factoryAddr, Topics: []common.Hash{common.HexToHash("0xfeed")}, Data: common.LeftPadBytes(created.Bytes(), 32)},
			},
			want: created,
		},
		{
			name: "foreign_logs_ignored",
			logs: []*types.Log{
				{Address: aliceAddr, Topics: []common.Hash{common.HexToHash("0xfeed"), pad(bobAddr)}},
			},
			wantErr: true,
		},
		{
			name:    "empty",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.MarketAddressFromReceipt(&types.Receipt{Logs: tt.logs})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMarketAddressNotFound)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err = c.MarketAddressFromReceipt(nil)
	require.ErrorIs(t, err, ErrMarketAddressNotFound)
}

func TestSendAndDirectResolve(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	c := newTestClient(f)

	tx := types.NewTransaction(1, marketAddr, big.NewInt(0), 21_000, big.NewInt(1), nil)
	sub, err := c.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, sub.Final)
	assert.Equal(t, tx.Hash(), sub.TxHash)
	require.Len(t, f.sent, 1)

	h, ok, err := c.Resolve(context.Background(), sub.ProvisionalID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tx.Hash(), h)
}
