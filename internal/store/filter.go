package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/r3e-network/taskengine/internal/errs"
)

// Op is a filter predicate's comparison operator, per spec.md §4.1's
// filter composition contract.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpIn     Op = "in"
	OpLike   Op = "like"
	OpRange  Op = "range"
	OpIsNull Op = "is_null"
)

// Predicate is one condition in a Filter. Field names a logical column a
// repository exposes for filtering (resolved against a per-repository
// allow-list, never a raw SQL identifier the caller controls).
type Predicate struct {
	Field  string
	Op     Op
	Value  any   // eq, neq, like, is_null (bool: true = IS NULL)
	Values []any // in
	Low    any   // range (nil = unbounded)
	High   any   // range (nil = unbounded)
}

// Filter composes zero or more Predicates, ANDed together.
type Filter struct {
	Predicates []Predicate
}

// denyList matches SQL metacharacter sequences that have no legitimate
// place inside a `like` predicate's value. The query itself is always
// parameterized, so this is defense in depth per spec.md §4.1, not the
// injection boundary.
var denyList = regexp.MustCompile(`(?i)(--|/\*|\*/|;|\bxp_\w+\b|\bunion\b\s+\bselect\b)`)

// escapeLike escapes the `like` metacharacters %, _, and \ so a
// caller-supplied substring matches literally once wrapped in %.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// buildWhere renders predicates into a parameterized WHERE clause using
// Postgres $N placeholders starting after argOffset existing args,
// resolving each predicate's Field against columns (logical field name
// -> SQL column). An unknown field, unsupported Op, or a `like` value
// matching denyList fails closed with errs.KindInvalidInput.
func buildWhere(columns map[string]string, predicates []Predicate, argOffset int) (string, []any, error) {
	if len(predicates) == 0 {
		return "", nil, nil
	}

	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", argOffset+len(args))
	}

	for _, p := range predicates {
		col, ok := columns[p.Field]
		if !ok {
			return "", nil, errs.New(errs.KindInvalidInput, "filter", p.Field, "unknown filter field")
		}
		switch p.Op {
		case OpEq:
			clauses = append(clauses, fmt.Sprintf("%s = %s", col, next(p.Value)))
		case OpNeq:
			clauses = append(clauses, fmt.Sprintf("%s <> %s", col, next(p.Value)))
		case OpIn:
			if len(p.Values) == 0 {
				clauses = append(clauses, "false")
				continue
			}
			clauses = append(clauses, fmt.Sprintf("%s = ANY(%s)", col, next(pq.Array(p.Values))))
		case OpLike:
			raw, _ := p.Value.(string)
			if denyList.MatchString(raw) {
				return "", nil, errs.New(errs.KindInvalidInput, "filter", p.Field, "like value contains a disallowed sequence")
			}
			pattern := "%" + escapeLike(raw) + "%"
			clauses = append(clauses, fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, col, next(pattern)))
		case OpRange:
			if p.Low == nil && p.High == nil {
				return "", nil, errs.New(errs.KindInvalidInput, "filter", p.Field, "range predicate needs a low and/or high bound")
			}
			if p.Low != nil {
				clauses = append(clauses, fmt.Sprintf("%s >= %s", col, next(p.Low)))
			}
			if p.High != nil {
				clauses = append(clauses, fmt.Sprintf("%s <= %s", col, next(p.High)))
			}
		case OpIsNull:
			want, _ := p.Value.(bool)
			if want {
				clauses = append(clauses, fmt.Sprintf("%s IS NULL", col))
			} else {
				clauses = append(clauses, fmt.Sprintf("%s IS NOT NULL", col))
			}
		default:
			return "", nil, errs.New(errs.KindInvalidInput, "filter", p.Field, fmt.Sprintf("unsupported operator %q", p.Op))
		}
	}

	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}
