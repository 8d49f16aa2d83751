package heartbeat

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, sqlmock.Sqlmock, *[]string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	var fired []string
	m := New(store.NewFromDB(sqlxDB), nil, nil, func(ctx context.Context, runID, taskID string) {
		fired = append(fired, runID)
	})
	return m, mock, &fired
}

func TestRecordHeartbeatUpdatesAndRearms(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	defer m.store.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_runs SET heartbeat_at = now()`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_id FROM task_runs WHERE id = $1`)).
		WithArgs("trun_1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow("task_1"))

	percent := 50
	if err := m.RecordHeartbeat(context.Background(), "trun_1", 5000, &percent, "halfway"); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	m.CancelTracking("trun_1")
}

func TestSweepDatabaseMarksOverdueRunsAndInvokesTimeout(t *testing.T) {
	m, mock, fired := newTestMonitor(t)
	defer m.store.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tr.id, tr.task_id, t.heartbeat_interval_ms`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "heartbeat_interval_ms"}).
			AddRow("trun_1", "task_1", int64(5000)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_runs SET status = 'timeout'`)).
		WithArgs("trun_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := m.HourlySweep(context.Background())
	if err != nil {
		t.Fatalf("HourlySweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 run marked timed out, got %d", n)
	}
	if len(*fired) != 1 || (*fired)[0] != "trun_1" {
		t.Fatalf("expected the timeout handler to fire once for trun_1, got %v", *fired)
	}
}

func TestSweepDatabaseSkipsRunsAlreadyPastRunning(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	defer m.store.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tr.id, tr.task_id, t.heartbeat_interval_ms`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "heartbeat_interval_ms"}).
			AddRow("trun_1", "task_1", int64(5000)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_runs SET status = 'timeout'`)).
		WithArgs("trun_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := m.HourlySweep(context.Background())
	if err != nil {
		t.Fatalf("HourlySweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 applied when the run already left running, got %d", n)
	}
}

func TestJournalArmDisarmOverdue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.db")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	if err := j.Arm("trun_1", "task_1", past); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := j.Arm("trun_2", "task_2", future); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	overdue, err := j.Overdue(time.Now())
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if _, ok := overdue["trun_1"]; !ok {
		t.Fatal("expected trun_1 to be overdue")
	}
	if _, ok := overdue["trun_2"]; ok {
		t.Fatal("did not expect trun_2 to be overdue")
	}

	if err := j.Disarm("trun_1"); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	overdue, err = j.Overdue(time.Now())
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if _, ok := overdue["trun_1"]; ok {
		t.Fatal("expected trun_1 to be gone after disarm")
	}
}
