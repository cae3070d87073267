package store

import "github.com/r3e-network/taskengine/internal/errs"

// ListMeta is the pagination envelope spec.md §4.1 requires alongside
// every find_with_filters result.
type ListMeta struct {
	Page        int
	Limit       int
	Total       int64
	TotalPages  int
	HasNext     bool
	HasPrevious bool
	Offset      int
}

// ListResponse wraps a page of T with its ListMeta.
type ListResponse[T any] struct {
	Items []T
	Meta  ListMeta
}

// newListMeta computes pagination bookkeeping from the requested page
// and the total row count a separate count(filter) query returned.
func newListMeta(p errs.Pagination, total int64) ListMeta {
	limit := p.Limit
	if limit <= 0 {
		limit = 1
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	page := p.Offset/limit + 1
	return ListMeta{
		Page:        page,
		Limit:       p.Limit,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     int64(p.Offset+p.Limit) < total,
		HasPrevious: p.Offset > 0,
		Offset:      p.Offset,
	}
}
