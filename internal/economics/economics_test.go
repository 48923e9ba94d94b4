package economics_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/economics"
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func mustParams(t *testing.T, deposit *big.Int) economics.Params {
	t.Helper()
	p, err := economics.NewParams(deposit, economics.DefaultPlatformFeeBps, economics.DefaultCreatorFeeBps)
	require.NoError(t, err)
	return p
}

func TestRequiredEntryValue(t *testing.T) {
	t.Parallel()

	deposit := pow10(15)
	p := mustParams(t, deposit)

	v, err := p.RequiredEntryValue(big.NewInt(0))
	require.NoError(t, err)
	require.Zero(t, v.Cmp(deposit))

	v, err = p.RequiredEntryValue(pow10(16))
	require.NoError(t, err)
	require.Zero(t, v.Cmp(new(big.Int).Add(pow10(16), deposit)))

	_, err = p.RequiredEntryValue(big.NewInt(-1))
	require.ErrorIs(t, err, domain.ErrNegativeAmount)

	_, err = p.RequiredEntryValue(nil)
	require.ErrorIs(t, err, domain.ErrNilAmount)
}

func TestRequiredEntryValueDoesNotAliasDeposit(t *testing.T) {
	t.Parallel()

	deposit := big.NewInt(7)
	p := mustParams(t, deposit)
	deposit.SetInt64(1000)

	v, err := p.RequiredEntryValue(big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, int64(7), v.Int64())

	v.SetInt64(99)
	require.Equal(t, int64(7), p.ParticipantDeposit().Int64())
}

func TestNewParamsRejectsBadFees(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		platform int64
		creator  int64
	}{
		{"negative_platform", -1, 200},
		{"negative_creator", 300, -5},
		{"over_denominator", 9000, 1001},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := economics.NewParams(big.NewInt(1), tt.platform, tt.creator)
			require.ErrorIs(t, err, economics.ErrInvalidFeeBps)
		})
	}

	_, err := economics.NewParams(big.NewInt(-1), 300, 200)
	require.ErrorIs(t, err, domain.ErrNegativeAmount)
}

func TestSellerDepositFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goal     *big.Int
		expected *big.Int
	}{
		{big.NewInt(0), big.NewInt(0)},
		{big.NewInt(99), big.NewInt(14)}, // 14.85 floors
		{pow10(16), new(big.Int).Mul(big.NewInt(15), pow10(14))},
		{pow10(18), new(big.Int).Mul(big.NewInt(15), pow10(16))},
		{pow10(24), new(big.Int).Mul(big.NewInt(15), pow10(22))},
		{pow10(40), new(big.Int).Mul(big.NewInt(15), pow10(38))},
	}
	for _, tt := range tests {
		got, err := economics.SellerDepositFor(tt.goal, domain.MarketKindQuantityBased)
		require.NoError(t, err)
		require.Zerof(t, got.Cmp(tt.expected), "goal %s: got %s want %s", tt.goal, got, tt.expected)

		got, err = economics.SellerDepositFor(tt.goal, domain.MarketKindGoalBased)
		require.NoError(t, err)
		require.Zero(t, got.Sign())
	}

	_, err := economics.SellerDepositFor(big.NewInt(-10), domain.MarketKindQuantityBased)
	require.ErrorIs(t, err, domain.ErrNegativeAmount)

	_, err = economics.SellerDepositFor(big.NewInt(10), domain.MarketKind("LOTTO"))
	require.Error(t, err)
}

func TestWinnerCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		kind         domain.MarketKind
		prepared     uint64
		participants uint64
		expected     uint64
	}{
		{"quantity_fewer_entrants", domain.MarketKindQuantityBased, 10, 3, 3},
		{"quantity_more_entrants", domain.MarketKindQuantityBased, 5, 10, 5},
		{"quantity_no_entrants", domain.MarketKindQuantityBased, 5, 0, 0},
		{"goal_based", domain.MarketKindGoalBased, 0, 40, 1},
		{"goal_based_ignores_prepared", domain.MarketKindGoalBased, 7, 2, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.expected, economics.WinnerCount(tt.kind, tt.prepared, tt.participants))
		})
	}
}

func TestRefundAmount(t *testing.T) {
	t.Parallel()

	prices := []*big.Int{big.NewInt(0), big.NewInt(1), pow10(15), pow10(30)}
	deposits := []*big.Int{big.NewInt(0), big.NewInt(3), pow10(14)}

	for _, p := range prices {
		for _, d := range deposits {
			for _, status := range domain.AllStatuses {
				got, err := economics.RefundAmount(status, p, d)
				require.NoError(t, err)

				var want *big.Int
				switch status {
				case domain.StatusFailed:
					want = new(big.Int).Add(p, d)
				case domain.StatusCompleted:
					want = d
				default:
					want = big.NewInt(0)
				}
				require.Zerof(t, got.Cmp(want), "status %s p=%s d=%s", status, p, d)
			}
		}
	}

	_, err := economics.RefundAmount(domain.StatusFailed, big.NewInt(-1), big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrNegativeAmount)
}

func TestPrizePoolAfterFeesSingleFloor(t *testing.T) {
	t.Parallel()

	p := mustParams(t, big.NewInt(0))

	tests := []struct {
		sales    int64
		expected int64
	}{
		{0, 0},
		{10_000, 9_500},
		// 5% of 19 = 0.95 combined -> fee 0, pool 19. Two separate floors
		// (0.57 and 0.38) would give the same here but diverge below.
		{19, 19},
		// 3% of 50 = 1.5, 2% of 50 = 1.0 -> sequential floors 1+1 = 2,
		// combined floor(2.5) = 2.
		{50, 48},
		// 3% of 70 = 2.1, 2% of 70 = 1.4 -> sequential 2+1 = 3,
		// combined floor(3.5) = 3.
		{70, 67},
		// 3% of 30 = 0.9, 2% of 30 = 0.6 -> sequential 0+0 = 0,
		// combined floor(1.5) = 1.
		{30, 29},
	}
	for _, tt := range tests {
		got, err := p.PrizePoolAfterFees(big.NewInt(tt.sales))
		require.NoError(t, err)
		require.Equalf(t, tt.expected, got.Int64(), "sales %d", tt.sales)
	}
}

func TestFeeBreakdownSumsToSales(t *testing.T) {
	t.Parallel()

	p := mustParams(t, big.NewInt(0))

	for _, sales := range []*big.Int{big.NewInt(0), big.NewInt(1), big.NewInt(30), big.NewInt(12345), pow10(21)} {
		split, err := p.FeeBreakdown(sales)
		require.NoError(t, err)

		sum := new(big.Int).Add(split.PlatformFee, split.CreatorFee)
		sum.Add(sum, split.PrizePool)
		require.Zero(t, sum.Cmp(sales))
		require.GreaterOrEqual(t, split.CreatorFee.Sign(), 0)
	}

	split, err := p.FeeBreakdown(big.NewInt(10_000))
	require.NoError(t, err)
	require.Equal(t, int64(300), split.PlatformFee.Int64())
	require.Equal(t, int64(200), split.CreatorFee.Int64())
	require.Equal(t, int64(9_500), split.PrizePool.Int64())
}

func TestGrossSalesAndGoalReached(t *testing.T) {
	t.Parallel()

	sales, err := economics.GrossSales(pow10(15), 4)
	require.NoError(t, err)
	require.Zero(t, sales.Cmp(new(big.Int).Mul(big.NewInt(4), pow10(15))))

	goal := domain.Market{
		Kind:       domain.MarketKindGoalBased,
		PrizePool:  big.NewInt(100),
		GoalAmount: big.NewInt(100),
	}
	ok, err := economics.GoalReached(goal)
	require.NoError(t, err)
	require.True(t, ok)

	goal.PrizePool = big.NewInt(99)
	ok, err = economics.GoalReached(goal)
	require.NoError(t, err)
	require.False(t, ok)

	raffle := domain.Market{Kind: domain.MarketKindQuantityBased}
	ok, err = economics.GoalReached(raffle)
	require.NoError(t, err)
	require.False(t, ok)
}
