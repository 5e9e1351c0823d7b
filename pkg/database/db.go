package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

// Querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx that repositories use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

type DB interface {
	Querier
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	SetConnMaxLifetime(d time.Duration)
	SetMaxIdleConns(n int)
	SetMaxOpenConns(n int)
	Stats() sql.DBStats
	// GetTx returns the transaction bound to ctx, or begins one and binds it.
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error)
	// Executor returns the open transaction bound to ctx if there is one, otherwise the pool.
	Executor(ctx context.Context) Querier
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

func (db *DatabaseInstance) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error) {
	return GetTx(ctx, db.logger, db, opts)
}

func (db *DatabaseInstance) Executor(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return db.DB
}
