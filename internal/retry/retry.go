// Package retry implements the RetryManager: deciding whether a failed
// TaskRun gets another attempt, computing its backoff delay, and folding
// the failure into previousAttempts. The exponential branch reuses
// cenkalti/backoff/v4's exponential curve rather than hand-rolling one, the
// way the platform/resilience package already leans on a generic jittered
// helper for its own retry use rather than ad hoc doubling.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/store"
)

// Input is the parameter set accepted by ScheduleRetry.
type Input struct {
	RunID        string
	TaskID       string
	Attempt      int
	MaxRetries   int
	RetryBackoff domain.RetryBackoff
	RetryDelayMs int64
	MaxRetryDelayMs int64
	Error        string
	ErrorCode    string
}

// Manager is the RetryManager component.
type Manager struct {
	store *store.Store
}

// New builds a Manager.
func New(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Delay computes the backoff before the next attempt. Fixed backoff
// returns retryDelayMs unconditionally; exponential backoff is driven by a
// cenkalti/backoff/v4 ExponentialBackOff seeded so its curve matches
// retryDelayMs * 2^(attempt-1), capped at maxRetryDelayMs.
func Delay(backoffKind domain.RetryBackoff, attempt int, retryDelayMs, maxRetryDelayMs int64) time.Duration {
	if backoffKind == domain.BackoffFixed {
		return time.Duration(retryDelayMs) * time.Millisecond
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(retryDelayMs) * time.Millisecond
	eb.MaxInterval = time.Duration(maxRetryDelayMs) * time.Millisecond
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0 // deterministic delay; the spec's curve has no jitter term

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	if d > time.Duration(maxRetryDelayMs)*time.Millisecond {
		d = time.Duration(maxRetryDelayMs) * time.Millisecond
	}
	return d
}

// Outcome reports whether ScheduleRetry armed another attempt or the run
// exhausted its budget and must be handed to the DLQ.
type Outcome struct {
	Result       domain.ScheduleOutcome
	ScheduledFor time.Time
	NextAttempt  int
}

// ScheduleRetry decides and (if scheduled) applies the next attempt for a
// failed run. Exhausted runs are left untouched here — the caller (the
// dispatcher's failure path) is responsible for handing an exhausted run
// to the DLQ and marking it failed.
func (m *Manager) ScheduleRetry(ctx context.Context, in Input) (Outcome, error) {
	if in.Attempt >= in.MaxRetries+1 {
		return Outcome{Result: domain.ScheduleExhausted}, nil
	}

	delay := Delay(in.RetryBackoff, in.Attempt, in.RetryDelayMs, in.MaxRetryDelayMs)
	now := time.Now().UTC()
	scheduledFor := now.Add(delay)
	nextAttempt := in.Attempt + 1

	record := domain.AttemptRecord{Attempt: in.Attempt, Error: in.Error, ErrorCode: in.ErrorCode, Timestamp: now}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal attempt record: %w", err)
	}

	_, err = m.store.Exec(ctx, `
		UPDATE task_runs SET
			status = 'pending',
			attempt = $2,
			scheduled_for = $3,
			error = NULL,
			error_code = NULL,
			previous_attempts = previous_attempts || $4::jsonb
		WHERE id = $1
	`, in.RunID, nextAttempt, scheduledFor, recordJSON)
	if err != nil {
		return Outcome{}, fmt.Errorf("schedule retry for %s: %w", in.RunID, err)
	}

	return Outcome{Result: domain.ScheduleScheduled, ScheduledFor: scheduledFor, NextAttempt: nextAttempt}, nil
}
