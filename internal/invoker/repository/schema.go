package repository

import (
	"context"

	"invoker/internal/common/db"
	pkgerrors "invoker/pkg/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY,
	toolchain_id VARCHAR(128) NOT NULL,
	problem_id VARCHAR(128) NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS invocations (
	id INTEGER PRIMARY KEY,
	state VARCHAR(32) NOT NULL,
	invoke_task TEXT NOT NULL,
	outcome TEXT
)`,
}

// EnsureSchema creates the runs and invocations tables when missing.
func EnsureSchema(ctx context.Context, database db.Database) error {
	for _, stmt := range schema {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "apply schema")
		}
	}
	return nil
}
