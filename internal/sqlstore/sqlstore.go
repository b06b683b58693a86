// Package sqlstore lets several Postgres-backed stores share one
// transaction without knowing about each other.
//
// The transaction travels in the context. A store method calls Conn(ctx, db)
// and gets the ambient *sql.Tx when one is open, or the pool otherwise.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is the subset of *sql.DB and *sql.Tx the stores use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

type txKey struct{}

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// WithTx runs fn inside a transaction. If ctx already carries one, fn joins
// it and the outermost caller decides commit or rollback.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Runner executes a unit of work atomically.
type Runner interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxRunner runs units of work in a Postgres transaction.
type TxRunner struct {
	db *sql.DB
}

// NewTxRunner creates a Runner backed by db.
func NewTxRunner(db *sql.DB) *TxRunner {
	return &TxRunner{db: db}
}

func (r *TxRunner) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, r.db, fn)
}

// Direct runs the unit of work as-is. Used with in-memory stores, which
// have no failure point between writes.
type Direct struct{}

func (Direct) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var (
	_ Runner = (*TxRunner)(nil)
	_ Runner = Direct{}
)
