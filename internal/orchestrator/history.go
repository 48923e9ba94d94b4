package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

const historyBatch = 500

// ErrNoHistory means no signal bus is configured, so no transitions were
// recorded.
var ErrNoHistory = errors.New("orchestrator: attempt history unavailable")

// HistoryEntry is one attempt transition read back from the attempt stream.
type HistoryEntry struct {
	StreamID string `json:"stream_id"`
	stateJSON
}

// History returns the recorded transitions of actor, newest first. A
// non-positive limit returns all of them. The stream is capped, so old
// transitions fall off.
func (o *Orchestrator) History(ctx context.Context, actor common.Address, limit int) ([]HistoryEntry, error) {
	if o.bus == nil {
		return nil, ErrNoHistory
	}

	var out []HistoryEntry
	last := "0"
	for {
		msgs, err := o.bus.StreamRead(ctx, domain.StreamAttempts, last, historyBatch)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: attempt history: %w", err)
		}
		for _, m := range msgs {
			var st stateJSON
			if err := json.Unmarshal(m.Payload, &st); err != nil {
				o.logger.WarnContext(ctx, "skipping undecodable attempt record", slog.String("id", m.ID))
				continue
			}
			if st.Key.Actor == actor {
				out = append(out, HistoryEntry{StreamID: m.ID, stateJSON: st})
			}
		}
		if len(msgs) < historyBatch {
			break
		}
		last = msgs[len(msgs)-1].ID
	}

	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
