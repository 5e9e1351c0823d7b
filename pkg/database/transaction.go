package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

type Tx interface {
	Querier
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type beginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// Transaction wraps sqlx.Tx and tracks whether it has been closed.
type Transaction struct {
	*sqlx.Tx
	logger   ectologger.Logger
	isClosed bool
}

// joinedTx is handed to callers that reuse a transaction already bound to the context.
// Commit and Rollback are left to the owner.
type joinedTx struct {
	*Transaction
}

func (j *joinedTx) Commit(ctx context.Context) error   { return nil }
func (j *joinedTx) Rollback(ctx context.Context) error { return nil }

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{
		Tx:       tx,
		logger:   logger,
		isClosed: false,
	}
}

// GetTx returns the open transaction stored on ctx, or begins a new one and stores it.
// Only the caller that began the transaction can commit or roll it back.
func GetTx(ctx context.Context, logger ectologger.Logger, db beginner, opts *sql.TxOptions) (context.Context, Tx, error) {
	if ctxTx, ok := ctx.Value(txKey).(*Transaction); ok && ctxTx != nil && ctxTx.IsOpen() {
		return ctx, &joinedTx{Transaction: ctxTx}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction")
	}

	newTx := NewTx(tx, logger)
	ctx = context.WithValue(ctx, txKey, newTx)
	return ctx, newTx, nil
}

// TxFromContext returns the open transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) Tx {
	ctxTx, ok := ctx.Value(txKey).(*Transaction)
	if !ok || ctxTx == nil || !ctxTx.IsOpen() {
		return nil
	}
	return ctxTx
}

func (t *Transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	err := t.Tx.Rollback()
	t.isClosed = true
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction")
	}
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	err := t.Tx.Commit()
	t.isClosed = true
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction")
	}

	return nil
}
