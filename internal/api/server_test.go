package api

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/store"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	st := store.NewFromDB(sqlxDB)
	s := New(Config{
		Maintenance: maintenance.New(st),
		Queue:       queue.New(st, nil, nil, nil),
	})
	return s, mock
}

func TestHandleHealthReportsRunningState(t *testing.T) {
	s, mock := newTestServer(t)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT mode, mode_changed_at FROM maintenance_state WHERE singleton`)).
		WillReturnRows(sqlmock.NewRows([]string{"mode", "mode_changed_at"}).AddRow("running", now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT mode, mode_changed_at FROM maintenance_state WHERE singleton`)).
		WillReturnRows(sqlmock.NewRows([]string{"mode", "mode_changed_at"}).AddRow("running", now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, count(*) AS count FROM task_runs GROUP BY status`)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("running", 2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM dlq WHERE retried_at IS NULL`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT min(created_at) FROM task_runs WHERE status = 'pending'`)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleMaintenanceEnterRejectsWithActiveTasks(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running')`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	req := httptest.NewRequest(http.MethodPost, "/api/maintenance/enter", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestQueryIntFallsBackToDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/dlq?limit=not-a-number", nil)
	if got := queryInt(req, "limit", 50); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/dlq?limit=10", nil)
	if got := queryInt(req, "limit", 50); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}
