package db

import (
	"context"
	"database/sql"
)

// Database abstracts a pooled SQL connection.
// Queries use '?' placeholders; drivers that need another style rebind them.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, committing on nil error.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// Driver returns the database/sql driver name.
	Driver() string

	Ping(ctx context.Context) error
	Close() error
	Stats() sql.DBStats
}

// Transaction is a Querier bound to one transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows is the result of a query.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of a single-row query.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
