package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
	}
}

type txKey struct{}

// WithTx runs fn inside a transaction. The transaction handle travels in the
// context, so every repository call made from fn joins the same transaction.
// Nested calls reuse the ambient transaction instead of opening a new one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// handle returns the ambient transaction when fn runs under WithTx,
// otherwise the pool itself.
func (s *Store) handle(ctx context.Context) DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *Store) Users() *UserRepo     { return &UserRepo{store: s} }
func (s *Store) Events() *EventRepo   { return &EventRepo{store: s} }
func (s *Store) Tickets() *TicketRepo { return &TicketRepo{store: s} }
