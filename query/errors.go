package query

import "fmt"

// Kind identifies the category of a query-package error, matching the
// query builder/compilation/join/group-by kinds named in spec.md §6
// exactly, kept separate from the core livestore.Kind taxonomy, as that
// package's DESIGN.md entry notes.
type Kind string

const (
	// Query builder, spec.md §6.
	KindOnlyOneSource    Kind = "only-one-source"
	KindSubQueryNeedsFrom Kind = "sub-query-needs-from"
	KindInvalidSource    Kind = "invalid-source"
	KindJoinMustBeEquality Kind = "join-must-be-equality"
	KindMustHaveFrom     Kind = "must-have-from"

	// Query compilation, spec.md §6.
	KindDistinctWithoutSelect    Kind = "distinct-without-select"
	KindHavingWithoutGroupBy     Kind = "having-without-group-by"
	KindLimitOffsetWithoutOrder  Kind = "limit/offset-without-order-by"
	KindInputNotFound            Kind = "input-not-found"
	KindUnknownFromType          Kind = "unknown-from-type"
	KindUnknownExpressionType    Kind = "unknown-expression-type"
	KindEmptyRefPath             Kind = "empty-ref-path"
	KindUnknownFunction          Kind = "unknown-function"

	// Join, spec.md §6.
	KindUnsupportedType   Kind = "unsupported-type"
	KindSameTable         Kind = "same-table"
	KindTableMismatch     Kind = "table-mismatch"
	KindWrongTables       Kind = "wrong-tables"
	KindUnsupportedSource Kind = "unsupported-source"

	// Group-by, spec.md §6.
	KindNonAggregateNotInGroupBy Kind = "non-aggregate-not-in-group-by"
	KindUnsupportedAggregate    Kind = "unsupported-aggregate"
	KindAggregateNotInSelect    Kind = "aggregate-not-in-select"
	KindUnknownHavingExpression Kind = "unknown-having-expression"
)

// Error is the query package's typed error, following the same
// Kind+Message+Unwrap shape as the core package's DBError.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
