// Package registry implements the service/task registry: upserting worker
// services and their task definitions, hashing task config to detect
// changes, versioning on change, and orphaning tasks dropped from a
// service's latest registration.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/idgen"
	"github.com/pipeweave/pipeweave/internal/store"
)

// CodeChange describes one task whose hash changed during a registration.
type CodeChange struct {
	TaskID     string `json:"taskId"`
	OldVersion int    `json:"oldVersion"`
	NewVersion int    `json:"newVersion"`
}

// RegisterResult is the outcome of Registry.Register.
type RegisterResult struct {
	CodeChanges   []CodeChange `json:"codeChanges"`
	OrphanedTasks []string     `json:"orphanedTasks,omitempty"`
}

// TaskInput is one task definition carried by a registration call. It omits
// the server-assigned ID when a caller registers a brand-new task ID.
type TaskInput struct {
	ID                  string
	AllowedNext         []string
	TimeoutSec          int
	MaxRetries          int
	RetryBackoff        domain.RetryBackoff
	RetryDelayMs        int64
	MaxRetryDelayMs     int64
	HeartbeatIntervalMs int64
	Concurrency         int
	Priority            int
	IdempotencyTTLSec   *int64
	Description         string
}

// taskConfig is the canonical, order-stable serialization hashed into
// codeHash. Its field order is fixed by this struct's declaration order;
// changing it would invalidate every existing hash, so it must never be
// reordered casually.
type taskConfig struct {
	AllowedNext         []string            `json:"allowedNext"`
	TimeoutSec          int                 `json:"timeoutSec"`
	MaxRetries          int                 `json:"maxRetries"`
	RetryBackoff        domain.RetryBackoff `json:"retryBackoff"`
	RetryDelayMs        int64               `json:"retryDelayMs"`
	MaxRetryDelayMs     int64               `json:"maxRetryDelayMs"`
	HeartbeatIntervalMs int64               `json:"heartbeatIntervalMs"`
	Concurrency         int                 `json:"concurrency"`
	Priority            int                 `json:"priority"`
	IdempotencyTTLSec   *int64              `json:"idempotencyTTLSec,omitempty"`
	Description         string              `json:"description,omitempty"`
}

// codeHash returns the first 16 hex characters of SHA-256(canonical JSON).
func codeHash(in TaskInput) string {
	cfg := taskConfig{
		AllowedNext:         in.AllowedNext,
		TimeoutSec:          in.TimeoutSec,
		MaxRetries:          in.MaxRetries,
		RetryBackoff:        in.RetryBackoff,
		RetryDelayMs:        in.RetryDelayMs,
		MaxRetryDelayMs:     in.MaxRetryDelayMs,
		HeartbeatIntervalMs: in.HeartbeatIntervalMs,
		Concurrency:         in.Concurrency,
		Priority:            in.Priority,
		IdempotencyTTLSec:   in.IdempotencyTTLSec,
		Description:         in.Description,
	}
	raw, _ := json.Marshal(cfg)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// Metrics holds the registry's OTel instruments.
type Metrics struct {
	Registrations  metric.Int64Counter
	CodeChanges    metric.Int64Counter
	OrphanedTasks  metric.Int64Counter
}

// NewMetrics builds Metrics from a meter; any instrument creation failure
// leaves that field nil and registry.go guards every use.
func NewMetrics(meter metric.Meter) Metrics {
	reg, _ := meter.Int64Counter("pipeweave_registry_registrations_total")
	changes, _ := meter.Int64Counter("pipeweave_registry_code_changes_total")
	orphaned, _ := meter.Int64Counter("pipeweave_registry_orphaned_tasks_total")
	return Metrics{Registrations: reg, CodeChanges: changes, OrphanedTasks: orphaned}
}

// Registry is the ServiceRegistry component: upsert services and tasks,
// detect code changes, orphan removed tasks, and expose read paths for the
// validator and dispatcher.
type Registry struct {
	store   *store.Store
	log     *slog.Logger
	metrics Metrics
}

// New builds a Registry over an open Store.
func New(st *store.Store, log *slog.Logger, metrics Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: st, log: log, metrics: metrics}
}

// Register upserts a service and its task set in one transaction: the
// service row moves to active with a fresh heartbeat, tasks dropped from a
// version bump are orphaned (their pending runs cancelled, the task row
// itself retained), and every incoming task's codeHash/codeVersion is
// recomputed.
func (r *Registry) Register(ctx context.Context, serviceID, version, baseURL string, tasks []TaskInput) (RegisterResult, error) {
	var result RegisterResult

	err := r.store.Transaction(ctx, func(tx *store.Tx) error {
		var prevVersion string
		err := tx.GetContext(ctx, &prevVersion, `SELECT version FROM services WHERE id = $1`, serviceID)
		isNewService := err != nil
		now := time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO services (id, version, base_url, registered_at, last_heartbeat, status)
			VALUES ($1, $2, $3, $4, $4, 'active')
			ON CONFLICT (id) DO UPDATE SET
				version = EXCLUDED.version,
				base_url = EXCLUDED.base_url,
				last_heartbeat = EXCLUDED.last_heartbeat,
				status = 'active'
		`, serviceID, version, baseURL, now)
		if err != nil {
			return fmt.Errorf("upsert service: %w", err)
		}

		versionChanged := isNewService || prevVersion != version
		if versionChanged && !isNewService {
			orphaned, err := r.orphanRemovedTasks(ctx, tx, serviceID, version, tasks)
			if err != nil {
				return err
			}
			result.OrphanedTasks = orphaned
		}

		for _, in := range tasks {
			change, err := r.upsertTask(ctx, tx, serviceID, version, in, now)
			if err != nil {
				return err
			}
			if change != nil {
				result.CodeChanges = append(result.CodeChanges, *change)
			}
		}
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}

	if r.metrics.Registrations != nil {
		r.metrics.Registrations.Add(ctx, 1)
	}
	if r.metrics.CodeChanges != nil && len(result.CodeChanges) > 0 {
		r.metrics.CodeChanges.Add(ctx, int64(len(result.CodeChanges)))
	}
	if r.metrics.OrphanedTasks != nil && len(result.OrphanedTasks) > 0 {
		r.metrics.OrphanedTasks.Add(ctx, int64(len(result.OrphanedTasks)))
	}
	r.log.Info("service registered", "serviceId", serviceID, "version", version,
		"codeChanges", len(result.CodeChanges), "orphaned", len(result.OrphanedTasks))
	return result, nil
}

func (r *Registry) orphanRemovedTasks(ctx context.Context, tx *store.Tx, serviceID, newVersion string, incoming []TaskInput) ([]string, error) {
	keep := make(map[string]bool, len(incoming))
	for _, t := range incoming {
		keep[t.ID] = true
	}

	var existing []string
	if err := tx.SelectContext(ctx, &existing, `SELECT id FROM tasks WHERE service_id = $1`, serviceID); err != nil {
		return nil, fmt.Errorf("list existing tasks: %w", err)
	}

	var orphaned []string
	for _, id := range existing {
		if keep[id] {
			continue
		}
		reason := fmt.Sprintf("Task type removed in version %s", newVersion)
		_, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET status = 'cancelled', error = $2, completed_at = now()
			WHERE task_id = $1 AND status = 'pending'
		`, id, reason)
		if err != nil {
			return nil, fmt.Errorf("cancel orphaned task runs for %s: %w", id, err)
		}
		orphaned = append(orphaned, id)
	}
	return orphaned, nil
}

func (r *Registry) upsertTask(ctx context.Context, tx *store.Tx, serviceID, serviceVersion string, in TaskInput, now time.Time) (*CodeChange, error) {
	if in.ID == "" {
		in.ID = idgen.New(idgen.PrefixTask)
	}
	hash := codeHash(in)

	row := struct {
		CodeHash    string `db:"code_hash"`
		CodeVersion int    `db:"code_version"`
	}{}
	err := tx.GetContext(ctx, &row, `SELECT code_hash, code_version FROM tasks WHERE id = $1`, in.ID)
	isNewTask := err != nil
	prevHash, prevVersion := row.CodeHash, row.CodeVersion

	newVersion := prevVersion
	var change *CodeChange
	if isNewTask {
		newVersion = 1
	} else if prevHash != hash {
		newVersion = prevVersion + 1
		change = &CodeChange{TaskID: in.ID, OldVersion: prevVersion, NewVersion: newVersion}
	}

	allowedNextJSON, err := json.Marshal(in.AllowedNext)
	if err != nil {
		return nil, fmt.Errorf("marshal allowedNext for %s: %w", in.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, service_id, code_hash, code_version, allowed_next, timeout_sec, max_retries,
			retry_backoff, retry_delay_ms, max_retry_delay_ms, heartbeat_interval_ms,
			concurrency, priority, idempotency_ttl_sec, description
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			service_id = EXCLUDED.service_id,
			code_hash = EXCLUDED.code_hash,
			code_version = EXCLUDED.code_version,
			allowed_next = EXCLUDED.allowed_next,
			timeout_sec = EXCLUDED.timeout_sec,
			max_retries = EXCLUDED.max_retries,
			retry_backoff = EXCLUDED.retry_backoff,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			max_retry_delay_ms = EXCLUDED.max_retry_delay_ms,
			heartbeat_interval_ms = EXCLUDED.heartbeat_interval_ms,
			concurrency = EXCLUDED.concurrency,
			priority = EXCLUDED.priority,
			idempotency_ttl_sec = EXCLUDED.idempotency_ttl_sec,
			description = EXCLUDED.description
	`, in.ID, serviceID, hash, newVersion, allowedNextJSON, in.TimeoutSec, in.MaxRetries,
		in.RetryBackoff, in.RetryDelayMs, in.MaxRetryDelayMs, in.HeartbeatIntervalMs,
		in.Concurrency, in.Priority, in.IdempotencyTTLSec, in.Description)
	if err != nil {
		return nil, fmt.Errorf("upsert task %s: %w", in.ID, err)
	}

	if change != nil {
		var exists bool
		err = tx.GetContext(ctx, &exists, `
			SELECT EXISTS(SELECT 1 FROM task_code_history WHERE task_id = $1 AND code_hash = $2)
		`, in.ID, hash)
		if err != nil {
			return nil, fmt.Errorf("check task_code_history for %s: %w", in.ID, err)
		}
		if !exists {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_code_history (task_id, code_version, code_hash, service_version, recorded_at)
				VALUES ($1,$2,$3,$4,$5)
			`, in.ID, newVersion, hash, serviceVersion, now)
			if err != nil {
				return nil, fmt.Errorf("insert task_code_history for %s: %w", in.ID, err)
			}
		}
	}
	return change, nil
}

// GetService loads one registered service by ID.
func (r *Registry) GetService(ctx context.Context, id string) (domain.Service, error) {
	var svc domain.Service
	err := r.store.Get(ctx, &svc, `SELECT * FROM services WHERE id = $1`, id)
	return svc, err
}

// ListServices returns every registered service.
func (r *Registry) ListServices(ctx context.Context) ([]domain.Service, error) {
	var svcs []domain.Service
	err := r.store.Select(ctx, &svcs, `SELECT * FROM services ORDER BY registered_at`)
	return svcs, err
}

// GetTask loads one task definition, decoding its allowedNext column.
func (r *Registry) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var row taskRow
	if err := r.store.Get(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id); err != nil {
		return domain.Task{}, err
	}
	return row.toDomain()
}

// ListTasksForService returns every task owned by a service.
func (r *Registry) ListTasksForService(ctx context.Context, serviceID string) ([]domain.Task, error) {
	var rows []taskRow
	if err := r.store.Select(ctx, &rows, `SELECT * FROM tasks WHERE service_id = $1 ORDER BY id`, serviceID); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTaskCodeHistory returns the append-only hash history of a task.
func (r *Registry) GetTaskCodeHistory(ctx context.Context, taskID string) ([]domain.TaskCodeHistory, error) {
	var hist []domain.TaskCodeHistory
	err := r.store.Select(ctx, &hist, `
		SELECT * FROM task_code_history WHERE task_id = $1 ORDER BY code_version
	`, taskID)
	return hist, err
}

// taskRow mirrors the tasks table including the JSON-encoded allowed_next
// column, which domain.Task tags db:"-" because it isn't a scalar column.
type taskRow struct {
	domain.Task
	AllowedNextJSON []byte `db:"allowed_next"`
}

func (row taskRow) toDomain() (domain.Task, error) {
	t := row.Task
	if len(row.AllowedNextJSON) > 0 {
		if err := json.Unmarshal(row.AllowedNextJSON, &t.AllowedNext); err != nil {
			return domain.Task{}, fmt.Errorf("decode allowedNext for %s: %w", t.ID, err)
		}
	}
	return t, nil
}
