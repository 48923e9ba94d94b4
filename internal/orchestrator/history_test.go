package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
)

// streamBus keeps appended payloads in memory with ids "<n>-0".
type streamBus struct {
	mu      sync.Mutex
	entries [][]byte
	reads   int
}

func (b *streamBus) Publish(context.Context, string, []byte) error { return nil }

func (b *streamBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *streamBus) StreamAppend(_ context.Context, _ string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, p)
	return nil
}

func (b *streamBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	after, err := strconv.Atoi(strings.TrimSuffix(lastID, "-0"))
	if err != nil {
		return nil, err
	}
	var out []domain.StreamMessage
	for i := after; i < len(b.entries) && len(out) < count; i++ {
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i+1), Payload: b.entries[i]})
	}
	return out, nil
}

func TestHistoryListsActorTransitionsNewestFirst(t *testing.T) {
	t.Parallel()

	bus := &streamBus{}
	f := newFixture(t, func(d *orchestrator.Deps) { d.Bus = bus })
	f.ledger.setLookups(final(false))

	_, err := f.orch.Execute(context.Background(), orchestrator.Request{Key: key, Prepare: prepare})
	require.NoError(t, err)

	other := orchestrator.State{
		Key:  orchestrator.Key{Actor: common.HexToAddress("0x07"), Market: market, Action: domain.ActionEnter},
		Step: orchestrator.StepError,
	}
	payload, err := json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamAttempts, payload))
	require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamAttempts, []byte("not json")))

	got, err := f.orch.History(context.Background(), actor, 0)
	require.NoError(t, err)
	steps := make([]orchestrator.Step, 0, len(got))
	for _, e := range got {
		assert.Equal(t, key, e.Key)
		steps = append(steps, e.Step)
	}
	assert.Equal(t, []orchestrator.Step{orchestrator.StepSuccess, orchestrator.StepConfirming, orchestrator.StepSigning}, steps)
	assert.Equal(t, "3-0", got[0].StreamID)

	got, err = f.orch.History(context.Background(), actor, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orchestrator.StepSuccess, got[0].Step)
}

func TestHistoryPagesThroughTheStream(t *testing.T) {
	t.Parallel()

	bus := &streamBus{}
	f := newFixture(t, func(d *orchestrator.Deps) { d.Bus = bus })

	for i := 0; i < 1200; i++ {
		payload, err := json.Marshal(orchestrator.State{Key: key, Step: orchestrator.StepError, TxHash: strconv.Itoa(i)})
		require.NoError(t, err)
		require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamAttempts, payload))
	}

	got, err := f.orch.History(context.Background(), actor, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, "1199", got[0].TxHash)
	assert.Equal(t, 3, bus.reads)
}

func TestHistoryWithoutBus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.orch.History(context.Background(), actor, 10)
	require.ErrorIs(t, err, orchestrator.ErrNoHistory)
}
