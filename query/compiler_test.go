package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestore"
)

// Compile validates the whole plan chain before building a single
// physical stage, per spec.md §4.5/§7.
func TestCompileValidatesBeforeBuilding(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
	})

	// limit/offset without a preceding orderBy.
	_, err := FromCollection(orders).Limit(1).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindLimitOffsetWithoutOrder, qerr.Kind)
}

func TestCompileDistinctWithoutSelect(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
	})

	_, err := FromCollection(orders).Distinct().Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindDistinctWithoutSelect, qerr.Kind)
}

func TestCompileHavingWithoutGroupBy(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
	})
	fields := func(o order) map[string]any { return map[string]any{"amount": o.Amount} }

	_, err := FromCollection(orders).Having(Func{Name: "gt", Args: []Expr{PropRef{Path: "amount"}, Value{V: 0}}}, fields).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindHavingWithoutGroupBy, qerr.Kind)
}

// WhereExpr rejects an empty ref path at Compile time, before evaluating
// a single row.
func TestCompileWhereExprEmptyRefPath(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
	})
	fields := func(o order) map[string]any { return map[string]any{"amount": o.Amount} }

	_, err := WhereExpr(FromCollection(orders), fields, PropRef{Path: ""}).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindEmptyRefPath, qerr.Kind)
}

func TestCompileWhereExprUnknownFunction(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
	})
	fields := func(o order) map[string]any { return map[string]any{"amount": o.Amount} }

	_, err := WhereExpr(FromCollection(orders), fields, Func{Name: "frobnicate"}).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindUnknownFunction, qerr.Kind)
}

// WhereExpr, once validated, evaluates via the function evaluator (eval.go).
func TestWhereExprEvaluatesLikeAndComparison(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
		{ID: "o2", UserID: "u2", Amount: 100},
	})
	fields := func(o order) map[string]any { return map[string]any{"amount": o.Amount, "userID": o.UserID} }

	expr := Func{Name: "and", Args: []Expr{
		Func{Name: "like", Args: []Expr{PropRef{Path: "userID"}, Value{V: "u_"}}},
		Func{Name: "gte", Args: []Expr{PropRef{Path: "amount"}, Value{V: 50}}},
	}}
	rows := WhereExpr(FromCollection(orders), fields, expr).Materializer().Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "o2", rows[0].Key)
}

func TestValidateJoinSameTable(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{{ID: "u1", Name: "alice"}})

	left := FromNamedCollection("people", users)
	right := FromNamedCollection("people", users)
	_, err := Join(left, right,
		func(u user) string { return u.ID },
		func(u user) string { return u.ID },
		JoinInner,
		func(a, b user) string { return a.Name + b.Name },
	).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindSameTable, qerr.Kind)
}

func TestJoinOnExprValidatesEquality(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{{ID: "u1", Name: "alice"}})
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{{ID: "o1", UserID: "u1", Amount: 10}})

	userFields := func(u user) map[string]any { return map[string]any{"id": u.ID} }
	orderFields := func(o order) map[string]any { return map[string]any{"userID": o.UserID} }

	// Not qualified with an alias: wrong-tables.
	badOn := Func{Name: "eq", Args: []Expr{PropRef{Path: "id"}, PropRef{Path: "o.userID"}}}
	_, err := JoinOnExpr(
		FromCollection(users), "u", userFields,
		FromCollection(orders), "o", orderFields,
		badOn, JoinInner,
		func(u user, o order) string { return u.Name },
	).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindWrongTables, qerr.Kind)

	// Well-formed: compiles and joins.
	goodOn := Func{Name: "eq", Args: []Expr{PropRef{Path: "u.id"}, PropRef{Path: "o.userID"}}}
	joined := JoinOnExpr(
		FromCollection(users), "u", userFields,
		FromCollection(orders), "o", orderFields,
		goodOn, JoinInner,
		func(u user, o order) string { return u.Name },
	)
	rows := joined.Materializer().Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].Value)
}

// GroupBySelect enforces that every non-aggregate select references a
// group-key field, and a having clause may only reference a named select.
func TestGroupBySelectValidation(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
		{ID: "o2", UserID: "u1", Amount: 5},
		{ID: "o3", UserID: "u2", Amount: 7},
	})
	keyFields := func(g string) map[string]any { return map[string]any{"userID": g} }
	rowFields := func(o order) map[string]any { return map[string]any{"amount": o.Amount} }

	// "status" isn't in select: aggregate-not-in-select.
	grouped := GroupBySelect(FromCollection(orders), func(o order) string { return o.UserID }, keyFields, rowFields,
		map[string]Expr{"userID": PropRef{Path: "userID"}, "total": Aggregate{Name: "sum", Arg: PropRef{Path: "amount"}}})
	withHaving := grouped.Having(PropRef{Path: "status"}, func(m map[string]any) map[string]any { return m })
	_, err := withHaving.Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindAggregateNotInSelect, qerr.Kind)

	// Well-formed: having on "total" compiles and filters groups.
	ok := grouped.Having(
		Func{Name: "gte", Args: []Expr{PropRef{Path: "total"}, Value{V: 10}}},
		func(m map[string]any) map[string]any { return m },
	)
	rows := ok.Materializer().Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].Key)
}

func TestGroupBySelectRejectsNonKeyField(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
	})
	keyFields := func(g string) map[string]any { return map[string]any{"userID": g} }
	rowFields := func(o order) map[string]any { return map[string]any{"amount": o.Amount} }

	_, err := GroupBySelect(FromCollection(orders), func(o order) string { return o.UserID }, keyFields, rowFields,
		map[string]Expr{"amount": PropRef{Path: "amount"}}).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindNonAggregateNotInGroupBy, qerr.Kind)
}

func TestFromCollectionNilIsInvalidSource(t *testing.T) {
	var nilColl *livestore.Collection[string, user]
	_, err := FromCollection(nilColl).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindInvalidSource, qerr.Kind)
}

func TestFromQueryNilIsSubQueryNeedsFrom(t *testing.T) {
	var nilSub *Builder[string, user]
	_, err := FromQuery[string, user]("sub", nilSub).Compile()
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindSubQueryNeedsFrom, qerr.Kind)
}
