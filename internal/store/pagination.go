package store

import (
	"context"
	"fmt"

	"github.com/r3e-network/taskengine/internal/errs"
)

// paginate appends a Postgres LIMIT/OFFSET clause to queryTemplate (which
// must contain two %d verbs for the limit/offset placeholder numbers)
// and appends the corresponding values to args.
func paginate(queryTemplate string, args *[]any, p errs.Pagination) string {
	limitIdx := len(*args) + 1
	offsetIdx := len(*args) + 2
	*args = append(*args, p.Limit, p.Offset)
	return fmt.Sprintf(queryTemplate, limitIdx, offsetIdx)
}

// countWithWhere runs `SELECT COUNT(*) FROM table <where>` for a
// count(filter) implementation shared by every repository's
// FindXWithFilters/CountX pair.
func (p *Postgres) countWithWhere(ctx context.Context, table, where string, args []any) (int64, error) {
	var total int64
	query := `SELECT COUNT(*) FROM ` + table + ` ` + where
	if err := p.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, errs.Wrap(errs.KindInternal, table, "", err)
	}
	return total, nil
}
