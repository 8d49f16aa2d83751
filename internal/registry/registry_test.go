package registry

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(store.NewFromDB(sqlxDB), nil, Metrics{}), mock
}

func TestCodeHashStableAcrossCalls(t *testing.T) {
	in := TaskInput{
		ID:                  "task_a",
		AllowedNext:         []string{"task_b"},
		TimeoutSec:          30,
		MaxRetries:          3,
		RetryBackoff:        domain.BackoffFixed,
		RetryDelayMs:        1000,
		MaxRetryDelayMs:     60000,
		HeartbeatIntervalMs: 5000,
		Concurrency:         1,
		Priority:            0,
	}
	h1 := codeHash(in)
	h2 := codeHash(in)
	if h1 != h2 {
		t.Fatalf("codeHash is not stable: %q != %q", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16-hex codeHash, got %q (%d chars)", h1, len(h1))
	}
}

func TestCodeHashChangesWithConfig(t *testing.T) {
	base := TaskInput{ID: "task_a", TimeoutSec: 30, MaxRetries: 3}
	changed := base
	changed.TimeoutSec = 60
	if codeHash(base) == codeHash(changed) {
		t.Fatal("expected codeHash to change when config changes")
	}
}

func TestRegisterNewServiceInsertsTasksAtVersionOne(t *testing.T) {
	r, mock := newTestRegistry(t)
	defer r.store.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM services WHERE id = $1`)).
		WithArgs("svc_1").
		WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO services`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT code_hash, code_version FROM tasks WHERE id = $1`)).
		WithArgs("task_a").
		WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO tasks`)).
		WithArgs("task_a", "svc_1", sqlmock.AnyArg(), 1,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := r.Register(context.Background(), "svc_1", "v1", "http://worker", []TaskInput{
		{ID: "task_a", TimeoutSec: 30, MaxRetries: 3, RetryBackoff: domain.BackoffFixed},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(result.CodeChanges) != 0 {
		t.Fatalf("expected a brand-new task to report no code change, got %+v", result.CodeChanges)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
