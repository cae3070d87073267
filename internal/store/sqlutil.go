package store

import "github.com/jmoiron/sqlx"

// sqlxIn expands a `... IN (?)` placeholder against a slice argument via
// sqlx.In. Callers still need to Rebind the result for the driver's
// placeholder style before executing it.
func sqlxIn(query string, args ...any) (string, []any, error) {
	return sqlx.In(query, args...)
}
