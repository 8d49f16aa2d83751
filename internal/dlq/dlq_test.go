package dlq

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(store.NewFromDB(sqlxDB)), mock
}

func TestAddInsertsFullFailureContext(t *testing.T) {
	q, mock := newTestQueue(t)
	defer q.store.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dlq`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := domain.TaskRun{
		ID: "trun_1", TaskID: "task_1", CodeVersion: 2, CodeHash: "abc",
		Attempt: 4, InputPath: "runs/p1/tasks/trun_1/input.json",
	}
	id, err := q.Add(context.Background(), run, "exhausted retries")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty dlq entry id")
	}
}

func TestPurgeReturnsDeletedCount(t *testing.T) {
	q, mock := newTestQueue(t)
	defer q.store.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM dlq`)).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := q.Purge(context.Background(), 30)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 purged, got %d", n)
	}
}

func TestMarkRetriedUpdatesEntry(t *testing.T) {
	q, mock := newTestQueue(t)
	defer q.store.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dlq SET retried_at`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.MarkRetried(context.Background(), "dlq_1", "trun_2"); err != nil {
		t.Fatalf("MarkRetried: %v", err)
	}
}

func TestListSkipsAlreadyRetriedEntries(t *testing.T) {
	q, mock := newTestQueue(t)
	defer q.store.Close()

	rows := sqlmock.NewRows([]string{
		"id", "task_run_id", "task_id", "pipeline_run_id", "code_version", "code_hash",
		"error", "attempts", "input_path", "upstream_refs", "previous_attempts",
		"failed_at", "retried_at", "retry_run_id",
	}).AddRow(
		"dlq_1", "trun_1", "task_1", nil, 2, "abc",
		"boom", 4, "runs/p1/tasks/trun_1/input.json", []byte(`{}`), []byte(`[]`),
		time.Now(), nil, nil,
	)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM dlq WHERE retried_at IS NULL`)).
		WillReturnRows(rows)

	entries, err := q.List(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "dlq_1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
