package postgres

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

type txKey struct{}

type txState struct {
	tx interface {
		Querier
		Commit() error
		Rollback() error
	}
	depth int
}

// WithinTransaction runs fn in a transaction carried by ctx. When ctx
// already holds one, fn runs under a savepoint that is rolled back on error
// while the outer transaction continues.
func (c *Client) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return c.withinSavepoint(ctx, state, fn)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	state := &txState{tx: tx}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("failed to rollback transaction")
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *Client) withinSavepoint(ctx context.Context, parent *txState, fn func(ctx context.Context) error) error {
	child := &txState{tx: parent.tx, depth: parent.depth + 1}
	name := fmt.Sprintf("sp_%d", child.depth)

	if _, err := parent.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, child)); err != nil {
		if _, rbErr := parent.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to rollback savepoint after %v: %w", err, rbErr)
		}
		return err
	}

	if _, err := parent.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
