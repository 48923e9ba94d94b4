// Package retry provides a bounded exponential-backoff poller that returns a
// tagged outcome instead of collapsing "not there yet" into "failed".
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome tags the result of a poll.
type Outcome int

const (
	// NotYetVisible means the probe found nothing final yet; keep polling.
	NotYetVisible Outcome = iota
	// Found means the probe produced its value.
	Found
	// TimedOut means attempts or the overall ceiling ran out while the
	// target was still not visible.
	TimedOut
	// Failed means the probe reported an error that polling cannot fix.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotYetVisible:
		return "not_yet_visible"
	case Found:
		return "found"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Policy bounds a poll.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration // per probe call; zero means none
	Ceiling        time.Duration // whole poll; zero means none
}

// DefaultPolicy suits receipt polling on a chain with a few-second block
// time.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    30,
		InitialDelay:   time.Second,
		MaxDelay:       15 * time.Second,
		Multiplier:     1.6,
		AttemptTimeout: 10 * time.Second,
		Ceiling:        3 * time.Minute,
	}
}

// Probe runs one attempt. It returns Found with a value, NotYetVisible to
// keep polling, or Failed with an error. An error returned alongside
// NotYetVisible is treated as transient and remembered in the result.
type Probe[T any] func(ctx context.Context) (T, Outcome, error)

// Result is the tagged outcome of Poll.
type Result[T any] struct {
	Outcome  Outcome
	Value    T
	Attempts int
	Err      error
}

// Poll runs probe until it reports Found or Failed, or until the policy is
// exhausted. Context cancellation yields Failed wrapping ctx.Err().
func Poll[T any](ctx context.Context, p Policy, probe Probe[T]) Result[T] {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}

	pollCtx := ctx
	if p.Ceiling > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.Ceiling)
		defer cancel()
	}

	var res Result[T]
	delay := p.InitialDelay

	for res.Attempts < p.MaxAttempts {
		res.Attempts++

		v, outcome, err := runAttempt(pollCtx, p.AttemptTimeout, probe)
		switch outcome {
		case Found:
			res.Outcome, res.Value, res.Err = Found, v, nil
			return res
		case Failed:
			if ctx.Err() != nil {
				res.Outcome, res.Err = Failed, ctx.Err()
				return res
			}
			if pollCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
				res.Outcome = TimedOut
				return res
			}
			res.Outcome, res.Err = Failed, err
			return res
		}
		if err != nil {
			res.Err = err
		}

		if res.Attempts >= p.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				res.Outcome, res.Err = Failed, ctx.Err()
				return res
			}
			res.Outcome = TimedOut
			return res
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	res.Outcome = TimedOut
	return res
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, probe Probe[T]) (T, Outcome, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, Failed, err
	}
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, outcome, err := probe(attemptCtx)
	// A probe that blew its own per-attempt deadline is slow, not broken.
	if outcome == Failed && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return v, NotYetVisible, err
	}
	return v, outcome, err
}
