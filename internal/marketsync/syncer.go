// Package marketsync keeps a local, observable mirror of ledger market state.
// The ledger is the source of truth: every guard reads through Fresh, and the
// Redis cache only fills the gap while the first read of a market is in
// flight.
package marketsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/lifecycle"
)

// Reader performs one consistent ledger read of a market.
type Reader interface {
	ReadMarket(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error)
}

// FinalArchiver stores the first terminal snapshot of a market. It returns
// false when one is already stored.
type FinalArchiver interface {
	ArchiveFinal(ctx context.Context, snap domain.MarketSnapshot) (bool, error)
}

// Config tunes the poll loop.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Deps groups the syncer's collaborators. Cache, Bus, Archive and Metrics
// are optional.
type Deps struct {
	Reader  Reader
	Cache   domain.SnapshotCache
	Bus     domain.SignalBus
	Archive FinalArchiver
	Metrics *Metrics
	Logger  *slog.Logger
}

type entry struct {
	refreshMu sync.Mutex
	view      View
	archived  bool
}

// Syncer polls tracked markets and fans snapshots out to subscribers.
type Syncer struct {
	reader  Reader
	cache   domain.SnapshotCache
	bus     domain.SignalBus
	archive FinalArchiver
	metrics *Metrics
	logger  *slog.Logger

	interval    time.Duration
	concurrency int

	mu      sync.RWMutex
	entries map[common.Address]*entry
	subs    map[int]chan domain.MarketSnapshot
	nextSub int
}

// New creates a Syncer.
func New(cfg Config, deps Deps) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		reader:      deps.Reader,
		cache:       deps.Cache,
		bus:         deps.Bus,
		archive:     deps.Archive,
		metrics:     deps.Metrics,
		logger:      logger.With(slog.String("component", "marketsync")),
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		entries:     make(map[common.Address]*entry),
		subs:        make(map[int]chan domain.MarketSnapshot),
	}
}

// Track adds addr to the poll set. Tracking a market twice is a no-op.
func (s *Syncer) Track(addr common.Address) {
	s.entryFor(addr)
}

func (s *Syncer) entryFor(addr common.Address) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok {
		e = &entry{}
		s.entries[addr] = e
		s.metrics.setTracked(len(s.entries))
	}
	return e
}

// Untrack drops addr and its cached snapshot. Its view reverts to
// Uninitialized.
func (s *Syncer) Untrack(ctx context.Context, addr common.Address) {
	s.mu.Lock()
	delete(s.entries, addr)
	s.metrics.setTracked(len(s.entries))
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, addr); err != nil {
		s.logger.WarnContext(ctx, "snapshot cache invalidate failed",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// Tracked lists the tracked markets.
func (s *Syncer) Tracked() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.entries))
	for addr := range s.entries {
		out = append(out, addr)
	}
	return out
}

// View returns a copy of the current view of addr.
func (s *Syncer) View(addr common.Address) View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[addr]
	if !ok {
		return View{State: Uninitialized}
	}
	return e.view.clone()
}

// Warm seeds an undecided view from the snapshot cache. The result stays
// Loading and is flagged Stale until a ledger read lands.
func (s *Syncer) Warm(ctx context.Context, addr common.Address) View {
	e := s.entryFor(addr)
	if s.cache == nil {
		return s.View(addr)
	}

	snap, err := s.cache.Get(ctx, addr)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "snapshot cache read failed",
				slog.String("market", addr.Hex()),
				slog.String("error", err.Error()),
			)
		}
		return s.View(addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.view.State != Ready {
		e.view = View{State: Loading, Snapshot: &snap, Stale: true, UpdatedAt: time.Now().UTC()}
	}
	return e.view.clone()
}

// Fresh returns a snapshot read from the ledger now. Guards use it instead of
// the view.
func (s *Syncer) Fresh(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	return s.Refresh(ctx, addr)
}

// Refresh reads addr from the ledger, bypassing the cache, and folds the
// result into the view. A snapshot that would move a terminal market back
// out of its terminal status is dropped and the terminal one returned. An
// address with no market contract is untracked.
func (s *Syncer) Refresh(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	e := s.entryFor(addr)
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	s.mu.Lock()
	if e.view.State == Uninitialized {
		e.view.State = Loading
		e.view.UpdatedAt = time.Now().UTC()
	}
	var prev *domain.MarketSnapshot
	if e.view.State == Ready && e.view.Snapshot != nil {
		p := *e.view.Snapshot
		prev = &p
	}
	s.mu.Unlock()

	snap, err := s.reader.ReadMarket(ctx, addr)
	if errors.Is(err, domain.ErrNotFound) && prev == nil {
		s.metrics.refresh("not_found")
		s.logger.WarnContext(ctx, "no market at address; untracking", slog.String("market", addr.Hex()))
		s.Untrack(ctx, addr)
		return domain.MarketSnapshot{}, fmt.Errorf("marketsync: refresh %s: %w", addr.Hex(), err)
	}
	if err != nil {
		s.metrics.refresh("error")
		s.mu.Lock()
		e.view.LastError = err.Error()
		s.mu.Unlock()
		return domain.MarketSnapshot{}, fmt.Errorf("marketsync: refresh %s: %w", addr.Hex(), err)
	}

	if prev != nil {
		if snap.BlockNumber < prev.BlockNumber {
			s.metrics.refresh("stale")
			return *prev, nil
		}
		if err := lifecycle.CheckObserved(prev.Market.Status, snap.Market.Status); err != nil {
			if errors.Is(err, domain.ErrTerminalStatus) {
				s.metrics.refresh("regression")
				s.logger.ErrorContext(ctx, "terminal status regression ignored",
					slog.String("market", addr.Hex()),
					slog.String("kept", string(prev.Market.Status)),
					slog.String("observed", string(snap.Market.Status)),
					slog.Uint64("block", snap.BlockNumber),
				)
				return *prev, nil
			}
			s.logger.WarnContext(ctx, "unexpected status move",
				slog.String("market", addr.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	changed := prev == nil || !sameMarket(prev.Market, snap.Market)

	s.mu.Lock()
	e.view = View{State: Ready, Snapshot: &snap, UpdatedAt: time.Now().UTC()}
	s.mu.Unlock()
	s.metrics.refresh("ok")

	if s.cache != nil {
		if err := s.cache.Set(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "snapshot cache write failed",
				slog.String("market", addr.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	if changed {
		s.publish(ctx, snap)
	}

	if lifecycle.IsTerminal(snap.Market.Status) && !e.archived {
		e.archived = s.archiveFinal(ctx, snap)
	}

	return snap, nil
}

// RefreshAll refreshes every tracked market, at most Concurrency at a time.
// Failures are logged, not returned.
func (s *Syncer) RefreshAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, addr := range s.Tracked() {
		addr := addr
		g.Go(func() error {
			if _, err := s.Refresh(gctx, addr); err != nil && gctx.Err() == nil {
				s.logger.WarnContext(gctx, "market refresh failed",
					slog.String("market", addr.Hex()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run polls all tracked markets every Interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "market sync started", slog.Duration("interval", s.interval))
	s.RefreshAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("market sync stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// Subscribe returns a channel of changed snapshots and a cancel func that
// closes it. A slow subscriber misses updates rather than blocking the poll.
func (s *Syncer) Subscribe() (<-chan domain.MarketSnapshot, func()) {
	ch := make(chan domain.MarketSnapshot, 64)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// MarketChannel is the SignalBus channel carrying snapshots of addr.
func MarketChannel(addr common.Address) string {
	return domain.ChannelMarketPrefix + strings.ToLower(addr.Hex())
}

func (s *Syncer) publish(ctx context.Context, snap domain.MarketSnapshot) {
	s.mu.RLock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	s.mu.RUnlock()

	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal snapshot", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, MarketChannel(snap.Market.LedgerAddress), payload); err != nil {
		s.logger.WarnContext(ctx, "snapshot publish failed",
			slog.String("market", snap.Market.LedgerAddress.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Syncer) archiveFinal(ctx context.Context, snap domain.MarketSnapshot) bool {
	if s.archive == nil {
		return true
	}
	wrote, err := s.archive.ArchiveFinal(ctx, snap)
	if err != nil {
		s.logger.WarnContext(ctx, "final snapshot archive failed",
			slog.String("market", snap.Market.LedgerAddress.Hex()),
			slog.String("error", err.Error()),
		)
		return false
	}
	if wrote {
		s.metrics.archivedFinal()
	}
	return true
}

// sameMarket compares the observable fields of two reads by their encoded
// form, so equal amounts with different big.Int internals still match.
func sameMarket(a, b domain.Market) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
