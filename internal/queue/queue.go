// Package queue implements the QueueManager: enqueueing task runs (with an
// idempotency-cache fast path), claiming the next runnable batch under
// per-task concurrency limits, and driving the monotone TaskRun status
// progression the rest of the system depends on.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/idempotency"
	"github.com/pipeweave/pipeweave/internal/idgen"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/registry"
	"github.com/pipeweave/pipeweave/internal/store"
)

// EnqueueInput is the parameter set accepted by Enqueue.
type EnqueueInput struct {
	TaskID         string
	Input          json.RawMessage
	Priority       *int
	PipelineRunID  *string
	UpstreamRefs   map[string]domain.UpstreamRef
	Metadata       map[string]any
	IdempotencyKey *string
	ScheduledFor   *time.Time
}

// EnqueueResult is what Enqueue returns, whether freshly inserted or
// served from the idempotency cache.
type EnqueueResult struct {
	RunID     string
	TaskID    string
	Status    domain.TaskRunStatus
	InputPath string
}

// Manager is the QueueManager component.
type Manager struct {
	store       *store.Store
	reg         *registry.Registry
	idem        *idempotency.Cache
	maintenance *maintenance.Controller
}

// New builds a Manager. maintenance may be nil in tests that don't exercise
// the onTaskStatusChange hook.
func New(st *store.Store, reg *registry.Registry, idem *idempotency.Cache, maint *maintenance.Controller) *Manager {
	return &Manager{store: st, reg: reg, idem: idem, maintenance: maint}
}

// Enqueue inserts a new TaskRun, or returns the cached result of an earlier
// run sharing the same idempotency key within its TTL.
func (m *Manager) Enqueue(ctx context.Context, in EnqueueInput) (EnqueueResult, error) {
	var result EnqueueResult
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		r, err := m.enqueueTx(ctx, tx, in)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// EnqueueTx runs the same logic inside an already-open transaction, for
// callers (PipelineExecutor.TriggerPipeline) that must enqueue several
// entry tasks atomically alongside a PipelineRun insert.
func (m *Manager) EnqueueTx(ctx context.Context, tx *store.Tx, in EnqueueInput) (EnqueueResult, error) {
	return m.enqueueTx(ctx, tx, in)
}

func (m *Manager) enqueueTx(ctx context.Context, tx *store.Tx, in EnqueueInput) (EnqueueResult, error) {
	task, err := m.getTaskTx(ctx, tx, in.TaskID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: load task %s: %w", in.TaskID, err)
	}

	if in.IdempotencyKey != nil {
		var cached struct {
			TaskRunID  string `db:"task_run_id"`
			OutputPath string `db:"output_path"`
		}
		err := tx.GetContext(ctx, &cached, `
			SELECT task_run_id, output_path FROM idempotency_cache
			WHERE key = $1 AND expires_at > now()
		`, *in.IdempotencyKey)
		if err == nil {
			return EnqueueResult{RunID: cached.TaskRunID, TaskID: in.TaskID, Status: domain.TaskRunCompleted, InputPath: cached.OutputPath}, nil
		}
	}

	runID := idgen.New(idgen.PrefixTaskRun)
	inputPath := fmt.Sprintf("standalone/%s/input.json", runID)
	if in.PipelineRunID != nil {
		inputPath = fmt.Sprintf("runs/%s/tasks/%s/input.json", *in.PipelineRunID, runID)
	}

	priority := task.Priority
	if in.Priority != nil {
		priority = *in.Priority
	}

	upstreamJSON, err := json.Marshal(in.UpstreamRefs)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal upstreamRefs: %w", err)
	}
	metadataJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_runs (
			id, task_id, pipeline_run_id, status, code_version, code_hash, attempt, max_retries,
			priority, input_path, upstream_refs, previous_attempts, idempotency_key, scheduled_for, metadata
		) VALUES ($1,$2,$3,'pending',$4,$5,1,$6,$7,$8,$9,'[]',$10,$11,$12)
		ON CONFLICT (pipeline_run_id, task_id) WHERE status NOT IN ('completed','failed','timeout','cancelled')
		DO NOTHING
	`, runID, in.TaskID, in.PipelineRunID, task.CodeVersion, task.CodeHash, task.MaxRetries,
		priority, inputPath, upstreamJSON, in.IdempotencyKey, in.ScheduledFor, metadataJSON)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert task_run for %s: %w", in.TaskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert task_run for %s: %w", in.TaskID, err)
	}
	if n == 0 {
		// The partial unique index rejected the insert: an active TaskRun for
		// this (pipelineRunId, taskId) pair already exists. Already queued,
		// not an error — return the existing row's real identity instead of
		// the minted runID that was never persisted.
		existing, err := m.getActiveRunTx(ctx, tx, in.PipelineRunID, in.TaskID)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("load existing task_run for %s after conflict: %w", in.TaskID, err)
		}
		return EnqueueResult{RunID: existing.ID, TaskID: in.TaskID, Status: existing.Status, InputPath: existing.InputPath}, nil
	}

	return EnqueueResult{RunID: runID, TaskID: in.TaskID, Status: domain.TaskRunPending, InputPath: inputPath}, nil
}

// getActiveRunTx loads the non-terminal task_run already occupying the
// (pipelineRunID, taskID) slot the partial unique index guards.
func (m *Manager) getActiveRunTx(ctx context.Context, tx *store.Tx, pipelineRunID *string, taskID string) (domain.TaskRun, error) {
	var row taskRunRow
	err := tx.GetContext(ctx, &row, `
		SELECT * FROM task_runs
		WHERE task_id = $1 AND pipeline_run_id IS NOT DISTINCT FROM $2
		  AND status NOT IN ('completed','failed','timeout','cancelled')
		ORDER BY created_at DESC LIMIT 1
	`, taskID, pipelineRunID)
	if err != nil {
		return domain.TaskRun{}, err
	}
	return row.toDomain()
}

func (m *Manager) getTaskTx(ctx context.Context, tx *store.Tx, taskID string) (domain.Task, error) {
	var row struct {
		domain.Task
		AllowedNextJSON []byte `db:"allowed_next"`
	}
	if err := tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, taskID); err != nil {
		return domain.Task{}, err
	}
	if len(row.AllowedNextJSON) > 0 {
		_ = json.Unmarshal(row.AllowedNextJSON, &row.Task.AllowedNext)
	}
	return row.Task, nil
}

// EnqueueBatch enqueues each item in order. Each call is individually
// transactional; the batch as a whole is best-effort, matching the
// source's relaxed boundary at this call (unlike triggerPipeline, which
// must be one transaction).
func (m *Manager) EnqueueBatch(ctx context.Context, items []EnqueueInput) ([]EnqueueResult, error) {
	results := make([]EnqueueResult, 0, len(items))
	for _, in := range items {
		r, err := m.Enqueue(ctx, in)
		if err != nil {
			return results, fmt.Errorf("enqueue batch item %s: %w", in.TaskID, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// taskRunRow mirrors task_runs including its JSON-encoded columns.
type taskRunRow struct {
	domain.TaskRun
	AssetsJSON           []byte `db:"assets"`
	UpstreamRefsJSON     []byte `db:"upstream_refs"`
	PreviousAttemptsJSON []byte `db:"previous_attempts"`
	MetadataJSON         []byte `db:"metadata"`
}

func (row taskRunRow) toDomain() (domain.TaskRun, error) {
	r := row.TaskRun
	if len(row.AssetsJSON) > 0 {
		if err := json.Unmarshal(row.AssetsJSON, &r.Assets); err != nil {
			return domain.TaskRun{}, err
		}
	}
	if len(row.UpstreamRefsJSON) > 0 {
		if err := json.Unmarshal(row.UpstreamRefsJSON, &r.UpstreamRefs); err != nil {
			return domain.TaskRun{}, err
		}
	}
	if len(row.PreviousAttemptsJSON) > 0 {
		if err := json.Unmarshal(row.PreviousAttemptsJSON, &r.PreviousAttempts); err != nil {
			return domain.TaskRun{}, err
		}
	}
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &r.Metadata); err != nil {
			return domain.TaskRun{}, err
		}
	}
	return r, nil
}

// GetNext returns up to limit pending, eligible TaskRuns ordered by
// (priority asc, created_at asc). Eligibility includes the scheduled_for
// gate and a per-task concurrency check computed in a correlated
// subquery; this is not serializable with the caller's later MarkRunning,
// an accepted race for single-orchestrator deployments.
func (m *Manager) GetNext(ctx context.Context, limit int) ([]domain.TaskRun, error) {
	var rows []taskRunRow
	err := m.store.Select(ctx, &rows, `
		SELECT tr.* FROM task_runs tr
		JOIN tasks t ON t.id = tr.task_id
		WHERE tr.status = 'pending'
		  AND (tr.scheduled_for IS NULL OR tr.scheduled_for <= now())
		  AND (
		    t.concurrency = 0
		    OR (SELECT count(*) FROM task_runs r WHERE r.task_id = tr.task_id AND r.status = 'running') < t.concurrency
		  )
		ORDER BY tr.priority ASC, tr.created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get next runnable task runs: %w", err)
	}
	out := make([]domain.TaskRun, 0, len(rows))
	for _, row := range rows {
		tr, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// MarkRunning transitions a TaskRun pending -> running.
func (m *Manager) MarkRunning(ctx context.Context, runID string) error {
	_, err := m.store.Exec(ctx, `
		UPDATE task_runs SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'
	`, runID)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", runID, err)
	}
	return nil
}

// MarkCompleted transitions running -> completed and records the worker's
// reported output.
func (m *Manager) MarkCompleted(ctx context.Context, runID, outputPath string, outputSize *int64, assets map[string]any) (domain.TaskRun, error) {
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("marshal assets: %w", err)
	}
	_, err = m.store.Exec(ctx, `
		UPDATE task_runs SET status = 'completed', output_path = $2, output_size = $3, assets = $4, completed_at = now()
		WHERE id = $1 AND status = 'running'
	`, runID, outputPath, outputSize, assetsJSON)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("mark completed %s: %w", runID, err)
	}
	m.notifyMaintenance(ctx, runID)
	return m.Get(ctx, runID)
}

// MarkFailed transitions running -> failed (or leaves a run already
// timed-out alone) and records the failure detail.
func (m *Manager) MarkFailed(ctx context.Context, runID, errMsg string, errorCode *string) (domain.TaskRun, error) {
	_, err := m.store.Exec(ctx, `
		UPDATE task_runs SET status = 'failed', error = $2, error_code = $3, completed_at = now()
		WHERE id = $1 AND status IN ('running', 'pending')
	`, runID, errMsg, errorCode)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("mark failed %s: %w", runID, err)
	}
	m.notifyMaintenance(ctx, runID)
	return m.Get(ctx, runID)
}

// notifyMaintenance runs the onTaskStatusChange hook spec.md §4.11 assigns
// to every terminal MarkCompleted/MarkFailed transition. A failure here is
// logged, not propagated: the TaskRun's own status change already
// committed and must not be rolled back over a maintenance-state refresh.
func (m *Manager) notifyMaintenance(ctx context.Context, runID string) {
	if m.maintenance == nil {
		return
	}
	if err := m.maintenance.OnTaskStatusChange(ctx); err != nil {
		slog.Default().Error("maintenance state refresh failed", "runId", runID, "error", err)
	}
}

// Get loads a single TaskRun by ID.
func (m *Manager) Get(ctx context.Context, runID string) (domain.TaskRun, error) {
	var row taskRunRow
	if err := m.store.Get(ctx, &row, `SELECT * FROM task_runs WHERE id = $1`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskRun{}, err
		}
		return domain.TaskRun{}, err
	}
	return row.toDomain()
}

// Status aggregates queue depth by status, plus DLQ backlog and the age of
// the oldest pending run, for health checks and maintenance gating.
type Status struct {
	ByStatus       map[domain.TaskRunStatus]int64
	DLQBacklog     int64
	OldestPending  *time.Time
}

// GetStatus computes Status.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	var counts []struct {
		Status domain.TaskRunStatus `db:"status"`
		Count  int64                `db:"count"`
	}
	if err := m.store.Select(ctx, &counts, `SELECT status, count(*) AS count FROM task_runs GROUP BY status`); err != nil {
		return Status{}, fmt.Errorf("aggregate task_runs status counts: %w", err)
	}
	result := Status{ByStatus: make(map[domain.TaskRunStatus]int64, len(counts))}
	for _, c := range counts {
		result.ByStatus[c.Status] = c.Count
	}

	if err := m.store.Get(ctx, &result.DLQBacklog, `SELECT count(*) FROM dlq WHERE retried_at IS NULL`); err != nil {
		return Status{}, fmt.Errorf("count dlq backlog: %w", err)
	}

	var oldest sql.NullTime
	if err := m.store.Get(ctx, &oldest, `SELECT min(created_at) FROM task_runs WHERE status = 'pending'`); err == nil && oldest.Valid {
		result.OldestPending = &oldest.Time
	}
	return result, nil
}

// CanRunTask reports whether taskID is currently under its concurrency cap.
func (m *Manager) CanRunTask(ctx context.Context, taskID string) (bool, error) {
	var row struct {
		Concurrency int   `db:"concurrency"`
		Running     int64 `db:"running"`
	}
	err := m.store.Get(ctx, &row, `
		SELECT t.concurrency AS concurrency,
		       (SELECT count(*) FROM task_runs r WHERE r.task_id = t.id AND r.status = 'running') AS running
		FROM tasks t WHERE t.id = $1
	`, taskID)
	if err != nil {
		return false, fmt.Errorf("can run task %s: %w", taskID, err)
	}
	if row.Concurrency == 0 {
		return true, nil
	}
	return row.Running < int64(row.Concurrency), nil
}
