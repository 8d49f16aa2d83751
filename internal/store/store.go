// Package store provides the thin transactional facade every other
// component builds on: single/multi-row reads, named-parameter writes, and
// a transaction operator that rolls back atomically on error. It is the
// only package that opens the database connection — grounded on the
// repository shape in other_examples' smartramana-developer-mesh
// task_repository.go (options constructor, prepared statement cache,
// read/write split) and atoulme-chainlink's pipeline orm.go (named
// parameters, RETURNING, transaction-scoped Queryer).
//
// Concurrency control relies on database isolation (read-committed is
// sufficient here) and careful SQL in the queue package; no in-process
// locks serialize callers here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx, letting callers write
// one code path that works standalone or inside Store.Transaction.
type Queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

// Store wraps a *sqlx.DB with the transaction helper the rest of the core
// relies on. Statements are not prepared or cached; the namedStmt map is
// never filled.
type Store struct {
	db *sqlx.DB

	stmtMu    sync.RWMutex
	namedStmt map[string]*sqlx.NamedStmt

	queryTimeout time.Duration
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithQueryTimeout bounds every call that doesn't carry its own deadline.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) { s.queryTimeout = d }
}

// Open connects to Postgres via lib/pq and wraps the connection in sqlx.
func Open(databaseURL string, opts ...Option) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:           db,
		namedStmt:    make(map[string]*sqlx.NamedStmt),
		queryTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromDB wraps an already-open *sqlx.DB (used by tests with sqlmock or
// an in-memory driver).
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db, namedStmt: make(map[string]*sqlx.NamedStmt), queryTimeout: 10 * time.Second}
}

// DB exposes the underlying handle for callers that need raw SQL (migrations
// tooling, health checks) without routing through the facade.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Get loads a single row into dest.
func (s *Store) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	err := s.db.GetContext(ctx, dest, query, args...)
	if err != nil {
		return errors.Wrapf(err, "get: %s", query)
	}
	return nil
}

// Select loads multiple rows into dest (a pointer to a slice).
func (s *Store) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	err := s.db.SelectContext(ctx, dest, query, args...)
	if err != nil {
		return errors.Wrapf(err, "select: %s", query)
	}
	return nil
}

// Exec runs a positional-parameter statement outside any transaction.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "exec: %s", query)
	}
	return res, nil
}

// NamedExec runs a named-parameter statement outside any transaction.
func (s *Store) NamedExec(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	ctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	res, err := s.db.NamedExecContext(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrapf(err, "named exec: %s", query)
	}
	return res, nil
}

func (s *Store) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Tx is the transactional handle passed to Transaction's callback. It
// implements Queryer so component code can share helpers between the
// transactional and non-transactional paths.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.GetContext(ctx, dest, query, args...)
}

func (t *Tx) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.SelectContext(ctx, dest, query, args...)
}

func (t *Tx) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	return t.tx.NamedExecContext(ctx, query, arg)
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	return t.tx.QueryxContext(ctx, query, args...)
}

func (t *Tx) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	return t.tx.QueryRowxContext(ctx, query, args...)
}

// Transaction runs fn inside a single database transaction; fn's error
// rolls the transaction back atomically. Registration, enqueue and pipeline
// trigger go through this; fail-fast cancellation does not (it runs as two
// separate statements).
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}
