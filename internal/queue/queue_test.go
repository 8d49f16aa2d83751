package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/store"
)

var taskRunColumns = []string{
	"id", "task_id", "pipeline_run_id", "status", "code_version", "code_hash", "attempt",
	"max_retries", "priority", "input_path", "output_path", "output_size",
	"idempotency_key", "scheduled_for", "heartbeat_at", "started_at", "completed_at",
	"error", "error_code", "assets", "upstream_refs", "previous_attempts", "metadata",
}

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(store.NewFromDB(sqlxDB), nil, nil, nil), mock
}

func TestEnqueueIdempotentHitSkipsInsert(t *testing.T) {
	m, mock := newTestManager(t)
	defer m.store.Close()

	key := "v1-o1"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM tasks WHERE id = $1`)).
		WithArgs("pay").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "service_id", "code_hash", "code_version", "allowed_next", "timeout_sec", "max_retries",
			"retry_backoff", "retry_delay_ms", "max_retry_delay_ms", "heartbeat_interval_ms",
			"concurrency", "priority", "idempotency_ttl_sec", "description",
		}).AddRow("pay", "svc_1", "abc123", 1, []byte(`[]`), 30, 3, "fixed", 1000, 60000, 5000, 0, 0, nil, ""))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_run_id, output_path FROM idempotency_cache`)).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"task_run_id", "output_path"}).AddRow("trun_existing", "o_pay"))
	mock.ExpectCommit()

	result, err := m.Enqueue(context.Background(), EnqueueInput{TaskID: "pay", IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result.RunID != "trun_existing" || result.Status != domain.TaskRunCompleted {
		t.Fatalf("expected cached hit, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnqueueFreshInsertsPending(t *testing.T) {
	m, mock := newTestManager(t)
	defer m.store.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM tasks WHERE id = $1`)).
		WithArgs("pay").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "service_id", "code_hash", "code_version", "allowed_next", "timeout_sec", "max_retries",
			"retry_backoff", "retry_delay_ms", "max_retry_delay_ms", "heartbeat_interval_ms",
			"concurrency", "priority", "idempotency_ttl_sec", "description",
		}).AddRow("pay", "svc_1", "abc123", 1, []byte(`[]`), 30, 3, "fixed", 1000, 60000, 5000, 0, 0, nil, ""))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO task_runs`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := m.Enqueue(context.Background(), EnqueueInput{TaskID: "pay"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result.Status != domain.TaskRunPending {
		t.Fatalf("expected pending status, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestEnqueueConflictReturnsExistingActiveRun covers the partial-unique-index
// conflict branch: zero rows inserted must not fabricate a TaskRun ID that
// was never persisted — it must load and return the row already occupying
// the (pipelineRunId, taskId) slot.
func TestEnqueueConflictReturnsExistingActiveRun(t *testing.T) {
	m, mock := newTestManager(t)
	defer m.store.Close()

	pipelineRunID := "prun_1"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM tasks WHERE id = $1`)).
		WithArgs("pay").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "service_id", "code_hash", "code_version", "allowed_next", "timeout_sec", "max_retries",
			"retry_backoff", "retry_delay_ms", "max_retry_delay_ms", "heartbeat_interval_ms",
			"concurrency", "priority", "idempotency_ttl_sec", "description",
		}).AddRow("pay", "svc_1", "abc123", 1, []byte(`[]`), 30, 3, "fixed", 1000, 60000, 5000, 0, 0, nil, ""))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO task_runs`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM task_runs`)).
		WithArgs("pay", pipelineRunID).
		WillReturnRows(sqlmock.NewRows(taskRunColumns).AddRow(
			"trun_already_queued", "pay", pipelineRunID, "pending", 1, "abc123", 1,
			3, 0, "runs/prun_1/tasks/trun_already_queued/input.json", nil, nil,
			nil, nil, nil, nil, nil,
			nil, nil, []byte(`{}`), []byte(`{}`), []byte(`[]`), []byte(`{}`),
		))
	mock.ExpectCommit()

	result, err := m.Enqueue(context.Background(), EnqueueInput{TaskID: "pay", PipelineRunID: &pipelineRunID})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result.RunID != "trun_already_queued" {
		t.Fatalf("expected the existing active run's real id, got %+v", result)
	}
	if result.Status != domain.TaskRunPending {
		t.Fatalf("expected the existing row's real status, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkCompletedNotifiesMaintenanceOnDrain(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	st := store.NewFromDB(sqlx.NewDb(db, "postgres"))
	m := New(st, nil, nil, maintenance.New(st))
	defer st.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_runs SET status = 'completed'`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT mode, mode_changed_at FROM maintenance_state WHERE singleton`)).
		WillReturnRows(sqlmock.NewRows([]string{"mode", "mode_changed_at"}).AddRow("waiting_for_maintenance", time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running')`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE maintenance_state SET mode`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM task_runs WHERE id = $1`)).
		WithArgs("trun_1").
		WillReturnRows(sqlmock.NewRows(taskRunColumns).AddRow(
			"trun_1", "pay", nil, "completed", 1, "abc123", 1,
			3, 0, "standalone/trun_1/input.json", nil, nil,
			nil, nil, nil, nil, nil,
			nil, nil, []byte(`{}`), []byte(`{}`), []byte(`[]`), []byte(`{}`),
		))

	if _, err := m.MarkCompleted(context.Background(), "trun_1", "out.json", nil, nil); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
