package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return WithTxOptions(ctx, pool, TxConfig{Options: pgx.TxOptions{IsoLevel: pgx.RepeatableRead}}, fn)
}

// TxConfig tunes a transaction. LockTimeout, when set, bounds how long a
// statement waits for row locks before the transaction fails.
type TxConfig struct {
	Options     pgx.TxOptions
	LockTimeout time.Duration
}

// WithTxOptions executes fn inside a transaction and commits when it returns
// nil. Any error rolls the whole transaction back; nothing is retried.
func WithTxOptions(ctx context.Context, pool *pgxpool.Pool, cfg TxConfig, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, cfg.Options)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if cfg.LockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", cfg.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
			return fmt.Errorf("platform/db: set lock timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
