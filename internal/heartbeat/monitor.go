package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipeweave/pipeweave/internal/store"
)

// TimeoutHandler is invoked once a run's heartbeat deadline passes and the
// run is still running. It is the dispatcher/executor's job to fold this
// into the retry-or-DLQ failure path; the monitor itself only owns the
// timing and the running->timeout transition.
type TimeoutHandler func(ctx context.Context, runID, taskID string)

// Monitor is the HeartbeatMonitor component: one timer per tracked run,
// guarded by a mutex since timers fire concurrently with callback-driven
// cancels and renewals.
type Monitor struct {
	store   *store.Store
	journal *Journal
	log     *slog.Logger
	onTimeout TimeoutHandler

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New builds a Monitor. journal may be nil (the startup sweep then skips
// logging overdue runs from a prior process; both sweeps always scan the
// database).
func New(st *store.Store, journal *Journal, log *slog.Logger, onTimeout TimeoutHandler) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{store: st, journal: journal, log: log, onTimeout: onTimeout, timers: make(map[string]*time.Timer)}
}

// StartTracking arms a timer for 2x heartbeatIntervalMs.
func (m *Monitor) StartTracking(runID, taskID string, heartbeatIntervalMs int64) {
	deadline := time.Duration(2*heartbeatIntervalMs) * time.Millisecond

	m.mu.Lock()
	if existing, ok := m.timers[runID]; ok {
		existing.Stop()
	}
	m.timers[runID] = time.AfterFunc(deadline, func() { m.fire(runID, taskID) })
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.Arm(runID, taskID, time.Now().Add(deadline)); err != nil {
			m.log.Warn("heartbeat journal arm failed", "runId", runID, "error", err)
		}
	}
}

// RecordHeartbeat resets the timer and records progress metadata.
func (m *Monitor) RecordHeartbeat(ctx context.Context, runID string, heartbeatIntervalMs int64, percent *int, message string) error {
	m.mu.Lock()
	if existing, ok := m.timers[runID]; ok {
		existing.Stop()
		delete(m.timers, runID)
	}
	m.mu.Unlock()

	progress := map[string]any{}
	if percent != nil {
		progress["percent"] = *percent
	}
	if message != "" {
		progress["message"] = message
	}
	patch, err := json.Marshal(map[string]any{"progress": progress})
	if err != nil {
		return fmt.Errorf("marshal heartbeat progress for %s: %w", runID, err)
	}
	_, err = m.store.Exec(ctx, `
		UPDATE task_runs SET heartbeat_at = now(), metadata = metadata || $2::jsonb
		WHERE id = $1 AND status = 'running'
	`, runID, patch)
	if err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", runID, err)
	}

	var taskID string
	if err := m.store.Get(ctx, &taskID, `SELECT task_id FROM task_runs WHERE id = $1`, runID); err == nil {
		m.StartTracking(runID, taskID, heartbeatIntervalMs)
	}
	return nil
}

// CancelTracking stops the timer for runID without touching its status.
func (m *Monitor) CancelTracking(runID string) {
	m.mu.Lock()
	if existing, ok := m.timers[runID]; ok {
		existing.Stop()
		delete(m.timers, runID)
	}
	m.mu.Unlock()
	if m.journal != nil {
		if err := m.journal.Disarm(runID); err != nil {
			m.log.Warn("heartbeat journal disarm failed", "runId", runID, "error", err)
		}
	}
}

func (m *Monitor) fire(runID, taskID string) {
	m.mu.Lock()
	delete(m.timers, runID)
	m.mu.Unlock()
	if m.journal != nil {
		if err := m.journal.Disarm(runID); err != nil {
			m.log.Warn("heartbeat journal disarm failed on fire", "runId", runID, "error", err)
		}
	}

	ctx := context.Background()
	applied, err := m.markTimeout(ctx, runID)
	if err != nil {
		m.log.Error("mark timeout failed", "runId", runID, "error", err)
		return
	}
	if applied && m.onTimeout != nil {
		m.onTimeout(ctx, runID, taskID)
	}
}

// markTimeout transitions running -> timeout, guarded so a run that
// reached a terminal state through some other path first is left alone.
func (m *Monitor) markTimeout(ctx context.Context, runID string) (bool, error) {
	res, err := m.store.Exec(ctx, `
		UPDATE task_runs SET status = 'timeout', error = 'Task heartbeat timeout', error_code = 'TIMEOUT', completed_at = now()
		WHERE id = $1 AND status = 'running'
	`, runID)
	if err != nil {
		return false, fmt.Errorf("mark timeout for %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StartupSweep resolves Open Question §9.3: on process start, every
// in-memory timer from a prior process is gone, so any TaskRun still
// `running` with an overdue heartbeat is found directly in the database
// (the journal, if present, is used only to log which runs the prior
// process thought it was tracking) and marked timed out.
func (m *Monitor) StartupSweep(ctx context.Context) (int, error) {
	if m.journal != nil {
		if overdue, err := m.journal.Overdue(time.Now()); err == nil && len(overdue) > 0 {
			m.log.Info("heartbeat journal reports overdue runs from a prior process", "count", len(overdue))
		}
	}
	return m.sweepDatabase(ctx)
}

// HourlySweep is the same database scan, intended to be driven by a
// robfig/cron/v3 job as a backstop against any timer lost to a goroutine
// leak or an otherwise-missed fire.
func (m *Monitor) HourlySweep(ctx context.Context) (int, error) {
	return m.sweepDatabase(ctx)
}

func (m *Monitor) sweepDatabase(ctx context.Context) (int, error) {
	var runs []struct {
		ID                  string `db:"id"`
		TaskID              string `db:"task_id"`
		HeartbeatIntervalMs int64  `db:"heartbeat_interval_ms"`
	}
	err := m.store.Select(ctx, &runs, `
		SELECT tr.id, tr.task_id, t.heartbeat_interval_ms
		FROM task_runs tr
		JOIN tasks t ON t.id = tr.task_id
		WHERE tr.status = 'running'
		  AND tr.heartbeat_at IS NOT NULL
		  AND tr.heartbeat_at < now() - (2 * t.heartbeat_interval_ms || ' milliseconds')::interval
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep stale running task_runs: %w", err)
	}

	applied := 0
	for _, run := range runs {
		ok, err := m.markTimeout(ctx, run.ID)
		if err != nil {
			m.log.Error("sweep mark timeout failed", "runId", run.ID, "error", err)
			continue
		}
		if ok {
			applied++
			if m.onTimeout != nil {
				m.onTimeout(ctx, run.ID, run.TaskID)
			}
		}
	}
	return applied, nil
}
