package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/errs"
)

func TestBuildWhereRejectsUnknownField(t *testing.T) {
	_, _, err := buildWhere(taskFilterColumns, []Predicate{{Field: "nope", Op: OpEq, Value: "x"}}, 0)
	require.Error(t, err)
}

func TestBuildWhereEqProducesPlaceholder(t *testing.T) {
	where, args, err := buildWhere(taskFilterColumns, []Predicate{{Field: "name", Op: OpEq, Value: "my-task"}}, 0)
	require.NoError(t, err)
	require.Equal(t, "WHERE name = $1", where)
	require.Equal(t, []any{"my-task"}, args)
}

func TestBuildWhereLikeEscapesMetacharactersAndWraps(t *testing.T) {
	where, args, err := buildWhere(taskFilterColumns, []Predicate{{Field: "name", Op: OpLike, Value: "100%_done"}}, 0)
	require.NoError(t, err)
	require.Contains(t, where, "LIKE $1")
	require.Equal(t, `%100\%\_done%`, args[0])
}

func TestBuildWhereLikeRejectsDenyListedSequence(t *testing.T) {
	_, _, err := buildWhere(taskFilterColumns, []Predicate{{Field: "name", Op: OpLike, Value: "a; DROP TABLE tasks; --"}}, 0)
	require.Error(t, err)
}

func TestBuildWhereInUsesAnyArray(t *testing.T) {
	where, args, err := buildWhere(taskFilterColumns, []Predicate{{Field: "name", Op: OpIn, Values: []any{"a", "b"}}}, 0)
	require.NoError(t, err)
	require.True(t, strings.Contains(where, "= ANY($1)"))
	require.Len(t, args, 1)
}

func TestBuildWhereRangeBothBounds(t *testing.T) {
	where, args, err := buildWhere(taskFilterColumns, []Predicate{{Field: "created_at", Op: OpRange, Low: 1, High: 2}}, 0)
	require.NoError(t, err)
	require.Equal(t, "WHERE created_at >= $1 AND created_at <= $2", where)
	require.Equal(t, []any{1, 2}, args)
}

func TestBuildWhereIsNull(t *testing.T) {
	where, _, err := buildWhere(taskFilterColumns, []Predicate{{Field: "source_ref", Op: OpIsNull, Value: true}}, 0)
	require.NoError(t, err)
	require.Equal(t, "WHERE source_ref IS NULL", where)
}

func TestNewListMetaComputesPageAndTotalPages(t *testing.T) {
	meta := newListMeta(errs.NewPagination(25, 25), 120)
	require.Equal(t, 2, meta.Page)
	require.Equal(t, 5, meta.TotalPages)
	require.True(t, meta.HasNext)
	require.True(t, meta.HasPrevious)
}
