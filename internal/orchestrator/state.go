package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Step is where an attempt stands.
type Step string

const (
	StepIdle       Step = "idle"
	StepSigning    Step = "signing"
	StepConfirming Step = "confirming"
	StepSuccess    Step = "success"
	StepError      Step = "error"
	// StepPending means confirmation ran out of time. The write may still
	// land; check again later.
	StepPending Step = "pending"
)

// Busy reports whether the step holds the key.
func (s Step) Busy() bool { return s == StepSigning || s == StepConfirming }

// Failure says why an attempt ended in error or pending.
type Failure string

const (
	FailureNone       Failure = "none"
	FailureGuard      Failure = "guard"
	FailureSimulation Failure = "simulation"
	FailureRejected   Failure = "rejected"
	FailureReverted   Failure = "reverted"
	FailureTimeout    Failure = "timeout"
	FailureSubmit     Failure = "submit"
)

// Key identifies the slot an attempt occupies. At most one attempt per key
// is in signing or confirming at any time.
type Key struct {
	Actor  common.Address    `json:"actor"`
	Market common.Address    `json:"market"`
	Action domain.ActionKind `json:"action"`
}

// String is the lock name of k.
func (k Key) String() string {
	return "attempt:" + strings.ToLower(k.Actor.Hex()) + ":" + strings.ToLower(k.Market.Hex()) + ":" + string(k.Action)
}

// State is the one observable value describing an attempt.
type State struct {
	Key           Key
	AttemptID     string
	Step          Step
	ProvisionalID string
	TxHash        string
	Failure       Failure
	Err           error
	MarketAddress common.Address
	Warning       *domain.ReconciliationWarning
	UpdatedAt     time.Time
}

// Idle reports whether a new attempt may start on this state.
func (s State) Idle() bool {
	return s.Step == "" || s.Step == StepIdle || s.Step == StepSuccess
}

type stateJSON struct {
	Key           Key       `json:"key"`
	AttemptID     string    `json:"attempt_id,omitempty"`
	Step          Step      `json:"step"`
	ProvisionalID string    `json:"provisional_id,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Failure       Failure   `json:"failure,omitempty"`
	Error         string    `json:"error,omitempty"`
	MarketAddress string    `json:"market_address,omitempty"`
	Warning       string    `json:"warning,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MarshalJSON flattens errors to messages.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		Key:           s.Key,
		AttemptID:     s.AttemptID,
		Step:          s.Step,
		ProvisionalID: s.ProvisionalID,
		TxHash:        s.TxHash,
		Failure:       s.Failure,
		UpdatedAt:     s.UpdatedAt,
	}
	if out.Step == "" {
		out.Step = StepIdle
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	if s.MarketAddress != (common.Address{}) {
		out.MarketAddress = s.MarketAddress.Hex()
	}
	if s.Warning != nil {
		out.Warning = s.Warning.Error()
	}
	return json.Marshal(out)
}
