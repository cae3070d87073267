package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Postgres implements Store over a single sqlx connection pool. It wraps
// the *sql.DB the platform/database package opens; callers retain
// ownership of the underlying connection and must close it themselves.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an already-opened *sql.DB for use by the store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "postgres")}
}

var _ Store = (*Postgres)(nil)
