package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

type pagedListings struct {
	total   int
	failAt  int // offset that errors; -1 for never
	offsets []int
}

func (p *pagedListings) CreateListing(context.Context, domain.Listing) (string, error) {
	return "", nil
}

func (p *pagedListings) GetByAddress(context.Context, common.Address) (domain.Listing, error) {
	return domain.Listing{}, domain.ErrNotFound
}

func (p *pagedListings) List(_ context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	p.offsets = append(p.offsets, opts.Offset)
	if opts.Offset == p.failAt {
		return nil, errors.New("db down")
	}
	var out []domain.Listing
	for i := opts.Offset; i < p.total && i < opts.Offset+opts.Limit; i++ {
		out = append(out, domain.Listing{MarketAddress: common.BigToAddress(big.NewInt(int64(i + 1)))})
	}
	return out, nil
}

func (p *pagedListings) Count(context.Context) (int64, error) { return int64(p.total), nil }

func TestSeedFromListings(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		store   *pagedListings
		want    int
		offsets []int
	}{
		{"empty", &pagedListings{failAt: -1}, 0, []int{0}},
		{"one page", &pagedListings{total: 3, failAt: -1}, 3, []int{0}},
		{"exact page boundary", &pagedListings{total: seedPageSize, failAt: -1}, seedPageSize, []int{0, seedPageSize}},
		{"two pages", &pagedListings{total: seedPageSize + 2, failAt: -1}, seedPageSize + 2, []int{0, seedPageSize}},
		{"error keeps what was seeded", &pagedListings{total: seedPageSize + 2, failAt: seedPageSize}, seedPageSize, []int{0, seedPageSize}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tracked := map[common.Address]bool{}
			n := seedFromListings(context.Background(), tt.store, func(a common.Address) { tracked[a] = true }, logger)
			assert.Equal(t, tt.want, n)
			assert.Len(t, tracked, tt.want)
			assert.Equal(t, tt.offsets, tt.store.offsets)
		})
	}
}
