package store

import (
	"context"
	"time"

	"github.com/r3e-network/taskengine/internal/errs"
)

// HealthCheck verifies connectivity with the underlying database, per
// spec.md §4.1's repository contract. Grounded on the teacher's
// Repository.HealthCheck (infrastructure/database/supabase_repository.go),
// adapted from an HTTP ping against Supabase to a direct driver ping.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.db.PingContext(checkCtx); err != nil {
		return errs.Wrap(errs.KindUnavailable, "database", "", err)
	}
	return nil
}
