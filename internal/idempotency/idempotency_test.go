package idempotency

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pipeweave/pipeweave/internal/store"
)

func newTestCache(t *testing.T) (*Cache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(store.NewFromDB(sqlxDB)), mock
}

func TestLookupMissTreatedAsNotFoundNotError(t *testing.T) {
	c, mock := newTestCache(t)
	defer c.store.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM idempotency_cache WHERE key = $1 AND expires_at > now()`)).
		WithArgs("missing-key").
		WillReturnError(sqlmock.ErrCancelled)

	_, ok, err := c.Lookup(context.Background(), "missing-key")
	if err != nil {
		t.Fatalf("expected a miss to be nil-error, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false on a miss")
	}
}

func TestCleanupExpiredReturnsDeletedCount(t *testing.T) {
	c, mock := newTestCache(t)
	defer c.store.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM idempotency_cache WHERE expires_at <= now()`)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := c.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
}
