package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLockHeld           = errors.New("lock already held")
	ErrAttemptInFlight    = errors.New("attempt already in flight")
	ErrResetRequired      = errors.New("previous attempt failed; reset required")
	ErrSignatureAbandoned = errors.New("signature request abandoned")
	ErrNegativeAmount     = errors.New("negative amount")
	ErrNilAmount          = errors.New("missing amount")
	ErrUnknownStatus      = errors.New("unknown market status")
	ErrTerminalStatus     = errors.New("market status is terminal")
)

// GuardError reports an action whose precondition is false. It is a user
// facing ineligibility: nothing was sent to the ledger.
type GuardError struct {
	Action ActionKind
	Status MarketStatus
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s not allowed in status %s: %s", e.Action, e.Status, e.Reason)
}

// ProofErrorKind classifies verification oracle failures.
type ProofErrorKind string

const (
	ProofUserRejected          ProofErrorKind = "user_rejected"
	ProofVerificationFailed    ProofErrorKind = "verification_failed"
	ProofAlreadyUsed           ProofErrorKind = "already_used"
	ProofCredentialUnavailable ProofErrorKind = "credential_unavailable"
	ProofUnknown               ProofErrorKind = "unknown"
)

// OracleError wraps a failed proof acquisition.
type OracleError struct {
	Kind ProofErrorKind
	Err  error
}

func (e *OracleError) Error() string {
	if e.Err == nil {
		return "oracle: " + string(e.Kind)
	}
	return fmt.Sprintf("oracle: %s: %v", e.Kind, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// Terminal reports whether retrying with the same identity and context can
// never succeed.
func (e *OracleError) Terminal() bool {
	return e.Kind == ProofAlreadyUsed || e.Kind == ProofCredentialUnavailable
}

// SimulationError means the prepared call would revert against current
// ledger state.
type SimulationError struct {
	Action ActionKind
	Reason string
	Err    error
}

func (e *SimulationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("simulate %s: reverted: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("simulate %s: %v", e.Action, e.Err)
}

func (e *SimulationError) Unwrap() error { return e.Err }

// SubmissionStage tells which part of signing or confirmation failed.
type SubmissionStage string

const (
	StageRejected SubmissionStage = "rejected"
	StageSubmit   SubmissionStage = "submit"
	StageReverted SubmissionStage = "reverted"
	StageTimeout  SubmissionStage = "timeout"
)

// SubmissionError covers signature rejection, failed broadcast, on-chain
// revert and confirmation timeout.
type SubmissionError struct {
	Stage  SubmissionStage
	TxHash string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("submission %s (tx %s): %v", e.Stage, e.TxHash, e.Err)
	}
	return fmt.Sprintf("submission %s: %v", e.Stage, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Retryable reports whether the user may safely try again after a reset.
// A timeout is not: the write may still land.
func (e *SubmissionError) Retryable() bool {
	return e.Stage != StageTimeout
}

// ReconciliationWarning reports a failed non-authoritative step after the
// on-chain effect already succeeded.
type ReconciliationWarning struct {
	Step   string
	TxHash string
	Err    error
}

func (e *ReconciliationWarning) Error() string {
	return fmt.Sprintf("reconcile %s (tx %s): %v", e.Step, e.TxHash, e.Err)
}

func (e *ReconciliationWarning) Unwrap() error { return e.Err }
