package postgres

import (
	"context"
	_ "embed"
	"errors"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the bridge tables when they are missing.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if db == nil {
		return errors.New("schema: nil db")
	}
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}
