package executor

import (
	"context"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/pipeline"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/store"
)

var taskRunColumns = []string{
	"id", "task_id", "pipeline_run_id", "status", "code_version", "code_hash", "attempt",
	"max_retries", "priority", "input_path", "output_path", "output_size",
	"idempotency_key", "scheduled_for", "heartbeat_at", "started_at", "completed_at",
	"error", "error_code", "assets", "upstream_refs", "previous_attempts", "metadata",
}

var pipelineRunColumns = []string{
	"id", "pipeline_id", "pipeline_version", "structure_snapshot", "status",
	"input_path", "failure_mode", "created_at", "completed_at", "metadata",
}

func newTestExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	st := store.NewFromDB(sqlx.NewDb(db, "postgres"))
	e := New(st, pipeline.New(st), queue.New(st, nil, nil, nil), maintenance.New(st), slog.Default())
	return e, mock
}

func joinStructureSnapshot() []byte {
	return []byte(`{
		"A": {"allowedNext": ["C"]},
		"B": {"allowedNext": ["C"]},
		"C": {"allowedNext": []}
	}`)
}

// TestQueueDownstreamTasksWaitsForJoin covers the join-readiness branch
// directly: C has two predecessors, only one of which (A) has completed, so
// the enqueue must not fire yet — the last predecessor to finish does that.
func TestQueueDownstreamTasksWaitsForJoin(t *testing.T) {
	e, mock := newTestExecutor(t)
	defer e.store.Close()
	// structureToNodes sorts by task ID, so joinReady checks A before B;
	// expectation order is still not enforced here.
	mock.MatchExpectationsInOrder(false)

	pipelineRunID := "prun_1"
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM task_runs WHERE id = $1`)).
		WithArgs("trun_a").
		WillReturnRows(sqlmock.NewRows(taskRunColumns).AddRow(
			"trun_a", "A", pipelineRunID, "completed", 1, "abc123", 1,
			3, 0, "runs/prun_1/tasks/trun_a/input.json", nil, nil,
			nil, nil, nil, nil, nil,
			nil, nil, []byte(`{}`), []byte(`{}`), []byte(`[]`), []byte(`{}`),
		))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM pipeline_runs WHERE id = $1`)).
		WithArgs(pipelineRunID).
		WillReturnRows(sqlmock.NewRows(pipelineRunColumns).AddRow(
			pipelineRunID, "pipe_1", 1, joinStructureSnapshot(), "running",
			"runs/prun_1/input.json", "fail-fast", time.Now(), nil, []byte(`{}`),
		))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'`)).
		WithArgs(pipelineRunID, "A").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'`)).
		WithArgs(pipelineRunID, "B").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	queued, err := e.QueueDownstreamTasks(context.Background(), "trun_a", nil)
	if err != nil {
		t.Fatalf("QueueDownstreamTasks: %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("expected no enqueue while a predecessor is still outstanding, got %v", queued)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestQueueDownstreamTasksEnqueuesWhenJoinReady covers the opposite branch:
// once every predecessor has completed, the join enqueues C with both
// upstream refs assembled.
func TestQueueDownstreamTasksEnqueuesWhenJoinReady(t *testing.T) {
	e, mock := newTestExecutor(t)
	defer e.store.Close()
	// structureToNodes sorts by task ID, so the joinReady/buildUpstreamRefs
	// lookups visit A before B; expectation order is still not enforced here.
	mock.MatchExpectationsInOrder(false)

	pipelineRunID := "prun_1"
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM task_runs WHERE id = $1`)).
		WithArgs("trun_b").
		WillReturnRows(sqlmock.NewRows(taskRunColumns).AddRow(
			"trun_b", "B", pipelineRunID, "completed", 1, "abc123", 1,
			3, 0, "runs/prun_1/tasks/trun_b/input.json", nil, nil,
			nil, nil, nil, nil, nil,
			nil, nil, []byte(`{}`), []byte(`{}`), []byte(`[]`), []byte(`{}`),
		))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM pipeline_runs WHERE id = $1`)).
		WithArgs(pipelineRunID).
		WillReturnRows(sqlmock.NewRows(pipelineRunColumns).AddRow(
			pipelineRunID, "pipe_1", 1, joinStructureSnapshot(), "running",
			"runs/prun_1/input.json", "fail-fast", time.Now(), nil, []byte(`{}`),
		))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'`)).
		WithArgs(pipelineRunID, "A").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'`)).
		WithArgs(pipelineRunID, "B").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT output_path, assets FROM task_runs`)).
		WithArgs(pipelineRunID, "A").
		WillReturnRows(sqlmock.NewRows([]string{"output_path", "assets"}).AddRow("runs/prun_1/tasks/trun_a/output.json", []byte(`{}`)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT output_path, assets FROM task_runs`)).
		WithArgs(pipelineRunID, "B").
		WillReturnRows(sqlmock.NewRows([]string{"output_path", "assets"}).AddRow("runs/prun_1/tasks/trun_b/output.json", []byte(`{}`)))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM tasks WHERE id = $1`)).
		WithArgs("C").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "service_id", "code_hash", "code_version", "allowed_next", "timeout_sec", "max_retries",
			"retry_backoff", "retry_delay_ms", "max_retry_delay_ms", "heartbeat_interval_ms",
			"concurrency", "priority", "idempotency_ttl_sec", "description",
		}).AddRow("C", "svc_1", "def456", 1, []byte(`[]`), 30, 3, "fixed", 1000, 60000, 5000, 0, 0, nil, ""))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO task_runs`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	queued, err := e.QueueDownstreamTasks(context.Background(), "trun_b", nil)
	if err != nil {
		t.Fatalf("QueueDownstreamTasks: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected the join to enqueue exactly one run, got %v", queued)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestHandleTaskFailureFailFastCancelsPendingAndMarksPipelineFailed covers
// the fail-fast branch: any still-pending run in the same pipeline run is
// cancelled and the pipeline run itself is marked failed, bypassing the
// usual checkPipelineCompletion tally.
func TestHandleTaskFailureFailFastCancelsPendingAndMarksPipelineFailed(t *testing.T) {
	e, mock := newTestExecutor(t)
	defer e.store.Close()

	pipelineRunID := "prun_1"
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM task_runs WHERE id = $1`)).
		WithArgs("trun_a").
		WillReturnRows(sqlmock.NewRows(taskRunColumns).AddRow(
			"trun_a", "A", pipelineRunID, "failed", 1, "abc123", 1,
			3, 0, "runs/prun_1/tasks/trun_a/input.json", nil, nil,
			nil, nil, nil, nil, nil,
			nil, nil, []byte(`{}`), []byte(`{}`), []byte(`[]`), []byte(`{}`),
		))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM pipeline_runs WHERE id = $1`)).
		WithArgs(pipelineRunID).
		WillReturnRows(sqlmock.NewRows(pipelineRunColumns).AddRow(
			pipelineRunID, "pipe_1", 1, joinStructureSnapshot(), "running",
			"runs/prun_1/input.json", "fail-fast", time.Now(), nil, []byte(`{}`),
		))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_runs SET status = 'cancelled'`)).
		WithArgs(pipelineRunID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE pipeline_runs SET status = 'failed'`)).
		WithArgs(pipelineRunID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := e.HandleTaskFailure(context.Background(), "trun_a"); err != nil {
		t.Fatalf("HandleTaskFailure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIntersectDropsInvalidSelections(t *testing.T) {
	allowed := []string{"B", "C"}
	selected := []string{"B", "ghost"}
	got := intersect(selected, allowed, slog.Default(), "A")
	if len(got) != 1 || got[0] != "B" {
		t.Fatalf("expected only B to survive intersection, got %v", got)
	}
}

func TestStructureToNodesPreservesEdges(t *testing.T) {
	structure := map[string]domain.PipelineNode{
		"A": {AllowedNext: []string{"B"}},
		"B": {},
	}
	nodes := structureToNodes(structure)
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	found := false
	for _, n := range nodes {
		if n.TaskID == "A" {
			found = true
			if len(n.AllowedNext) != 1 || n.AllowedNext[0] != "B" {
				t.Fatalf("expected A -> B, got %v", n.AllowedNext)
			}
		}
	}
	if !found {
		t.Fatal("expected node A in output")
	}
}
