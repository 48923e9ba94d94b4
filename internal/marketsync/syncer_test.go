package marketsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/marketsync"
)

var addr = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func snapshot(status domain.MarketStatus, block uint64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Market: domain.Market{
			LedgerAddress:      addr,
			Kind:               domain.MarketKindQuantityBased,
			TicketPrice:        big.NewInt(1000),
			ParticipantDeposit: big.NewInt(10),
			SellerDeposit:      big.NewInt(150),
			PrizePool:          big.NewInt(0),
			GoalAmount:         big.NewInt(1000),
			PreparedQuantity:   1,
			Status:             status,
		},
		BlockNumber: block,
	}
}

type scriptedReader struct {
	mu    sync.Mutex
	snaps []domain.MarketSnapshot
	err   error
	calls int
}

func (r *scriptedReader) ReadMarket(context.Context, common.Address) (domain.MarketSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return domain.MarketSnapshot{}, r.err
	}
	s := r.snaps[0]
	if len(r.snaps) > 1 {
		r.snaps = r.snaps[1:]
	}
	return s, nil
}

type memCache struct {
	mu    sync.Mutex
	snaps map[common.Address]domain.MarketSnapshot
}

func newMemCache() *memCache { return &memCache{snaps: map[common.Address]domain.MarketSnapshot{}} }

func (c *memCache) Set(_ context.Context, s domain.MarketSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[s.Market.LedgerAddress] = s
	return nil
}

func (c *memCache) Get(_ context.Context, a common.Address) (domain.MarketSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[a]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func (c *memCache) Invalidate(_ context.Context, a common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, a)
	return nil
}

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newRecordingBus() *recordingBus { return &recordingBus{published: map[string][][]byte{}} }

func (b *recordingBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], p)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *recordingBus) StreamAppend(context.Context, string, []byte) error        { return nil }
func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count(ch string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[ch])
}

type countingArchive struct {
	mu     sync.Mutex
	stored map[common.Address]domain.MarketSnapshot
	calls  int
}

func (a *countingArchive) ArchiveFinal(_ context.Context, s domain.MarketSnapshot) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.stored == nil {
		a.stored = map[common.Address]domain.MarketSnapshot{}
	}
	if _, ok := a.stored[s.Market.LedgerAddress]; ok {
		return false, nil
	}
	a.stored[s.Market.LedgerAddress] = s
	return true, nil
}

func TestViewStatesProgress(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{snaps: []domain.MarketSnapshot{snapshot(domain.StatusOpen, 10)}}
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{Reader: reader, Logger: discard()})

	v := s.View(addr)
	assert.Equal(t, marketsync.Uninitialized, v.State)
	assert.False(t, v.Decided())
	assert.Equal(t, domain.MarketStatus(""), v.Status())

	s.Track(addr)
	assert.Equal(t, marketsync.Uninitialized, s.View(addr).State)

	snap, err := s.Refresh(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, snap.Market.Status)

	v = s.View(addr)
	assert.Equal(t, marketsync.Ready, v.State)
	assert.True(t, v.Decided())
	assert.Equal(t, domain.StatusOpen, v.Status())

	s.Untrack(context.Background(), addr)
	assert.Equal(t, marketsync.Uninitialized, s.View(addr).State)
}

func TestMissingMarketIsUntracked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := newMemCache()
	require.NoError(t, cache.Set(ctx, snapshot(domain.StatusOpen, 5)))

	reader := &scriptedReader{err: fmt.Errorf("status: no market contract: %w", domain.ErrNotFound)}
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{Reader: reader, Cache: cache, Logger: discard()})

	s.Track(addr)
	require.True(t, s.Warm(ctx, addr).Stale)

	_, err := s.Refresh(ctx, addr)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, s.Tracked())
	assert.Equal(t, marketsync.Uninitialized, s.View(addr).State)

	_, err = cache.Get(ctx, addr)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFailedFirstReadStaysLoading(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{err: errors.New("rpc down")}
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{Reader: reader, Logger: discard()})

	_, err := s.Refresh(context.Background(), addr)
	require.Error(t, err)

	v := s.View(addr)
	assert.Equal(t, marketsync.Loading, v.State)
	assert.False(t, v.Decided())
	assert.Contains(t, v.LastError, "rpc down")
}

func TestWarmIsStaleAndUndecided(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	require.NoError(t, cache.Set(context.Background(), snapshot(domain.StatusOpen, 5)))

	reader := &scriptedReader{snaps: []domain.MarketSnapshot{snapshot(domain.StatusClosed, 9)}}
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{Reader: reader, Cache: cache, Logger: discard()})

	v := s.Warm(context.Background(), addr)
	assert.Equal(t, marketsync.Loading, v.State)
	assert.True(t, v.Stale)
	require.NotNil(t, v.Snapshot)
	assert.False(t, v.Decided())

	_, err := s.Refresh(context.Background(), addr)
	require.NoError(t, err)
	v = s.View(addr)
	assert.True(t, v.Decided())
	assert.False(t, v.Stale)
	assert.Equal(t, domain.StatusClosed, v.Status())

	cached, err := cache.Get(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), cached.BlockNumber)

	// Warming a decided view leaves it alone.
	assert.True(t, s.Warm(context.Background(), addr).Decided())
}

func TestTerminalRegressionKeepsTerminalSnapshot(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{snaps: []domain.MarketSnapshot{
		snapshot(domain.StatusFailed, 10),
		snapshot(domain.StatusOpen, 11),
	}}
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{Reader: reader, Logger: discard()})
	ctx := context.Background()

	_, err := s.Refresh(ctx, addr)
	require.NoError(t, err)

	snap, err := s.Refresh(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, snap.Market.Status)
	assert.Equal(t, domain.StatusFailed, s.View(addr).Status())
}

func TestOlderBlockIgnored(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{snaps: []domain.MarketSnapshot{
		snapshot(domain.StatusClosed, 20),
		snapshot(domain.StatusOpen, 19),
	}}
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{Reader: reader, Logger: discard()})
	ctx := context.Background()

	_, err := s.Refresh(ctx, addr)
	require.NoError(t, err)
	snap, err := s.Refresh(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), snap.BlockNumber)
	assert.Equal(t, domain.StatusClosed, s.View(addr).Status())
}

func TestPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{snaps: []domain.MarketSnapshot{
		snapshot(domain.StatusOpen, 1),
		snapshot(domain.StatusOpen, 2),
		snapshot(domain.StatusClosed, 3),
	}}
	bus := newRecordingBus()
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{Reader: reader, Bus: bus, Logger: discard()})
	updates, cancel := s.Subscribe()
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Refresh(ctx, addr)
		require.NoError(t, err)
	}

	ch := marketsync.MarketChannel(addr)
	assert.Equal(t, "market:0xabcdef0000000000000000000000000000000001", ch)
	assert.Equal(t, 2, bus.count(ch))

	var got domain.MarketSnapshot
	require.NoError(t, json.Unmarshal(bus.published[ch][1], &got))
	assert.Equal(t, domain.StatusClosed, got.Market.Status)

	assert.Equal(t, domain.StatusOpen, (<-updates).Market.Status)
	assert.Equal(t, domain.StatusClosed, (<-updates).Market.Status)
}

func TestArchivesFirstTerminalSnapshotOnce(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{snaps: []domain.MarketSnapshot{
		snapshot(domain.StatusRevealed, 1),
		snapshot(domain.StatusCompleted, 2),
		snapshot(domain.StatusCompleted, 3),
	}}
	archive := &countingArchive{}
	reg := prometheus.NewRegistry()
	s := marketsync.New(marketsync.Config{}, marketsync.Deps{
		Reader:  reader,
		Archive: archive,
		Metrics: marketsync.NewMetrics(reg),
		Logger:  discard(),
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Refresh(ctx, addr)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, archive.calls)
	assert.Equal(t, uint64(2), archive.stored[addr].BlockNumber)
}

func TestRunPollsTrackedMarkets(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{snaps: []domain.MarketSnapshot{snapshot(domain.StatusOpen, 1)}}
	s := marketsync.New(marketsync.Config{Interval: 10 * time.Millisecond}, marketsync.Deps{Reader: reader, Logger: discard()})
	s.Track(addr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return reader.calls >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, s.View(addr).Decided())
}

func TestViewStateJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(marketsync.View{State: marketsync.Loading})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"loading"`)
}
