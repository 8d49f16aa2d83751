package maintenance

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/store"
)

func newTestController(t *testing.T) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(store.NewFromDB(sqlxDB)), mock
}

func TestRequestMaintenanceGoesDirectWhenNothingActive(t *testing.T) {
	c, mock := newTestController(t)
	defer c.store.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running')`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE maintenance_state SET mode`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mode, err := c.RequestMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RequestMaintenance: %v", err)
	}
	if mode != domain.ModeMaintenance {
		t.Fatalf("expected direct transition to maintenance, got %s", mode)
	}
}

func TestRequestMaintenanceWaitsWhenTasksActive(t *testing.T) {
	c, mock := newTestController(t)
	defer c.store.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running')`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE maintenance_state SET mode`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mode, err := c.RequestMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RequestMaintenance: %v", err)
	}
	if mode != domain.ModeWaitingForMaintenance {
		t.Fatalf("expected waiting_for_maintenance, got %s", mode)
	}
}

func TestEnterMaintenanceRejectsWithActiveTasks(t *testing.T) {
	c, mock := newTestController(t)
	defer c.store.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running')`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	if err := c.EnterMaintenance(context.Background()); err != ErrActiveTasksRemain {
		t.Fatalf("expected ErrActiveTasksRemain, got %v", err)
	}
}
