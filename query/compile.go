package query

import (
	"fmt"
	"strings"
)

// knownFuncs is the function evaluator's vocabulary, spec.md §4.5:
// comparison, logical, membership, string, arithmetic.
var knownFuncs = map[string]bool{
	"and": true, "or": true, "not": true,
	"eq": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"in":     true,
	"length": true, "concat": true, "upper": true, "lower": true, "like": true, "ilike": true,
	"add": true, "sub": true, "mul": true, "div": true, "mod": true,
}

func isSupportedAggregate(name string) bool {
	switch name {
	case "count", "sum", "avg", "min", "max":
		return true
	}
	return false
}

// validateExpr walks expr structurally, catching empty-ref-path,
// unknown-function, unsupported-aggregate and unknown-expression-type
// before any row is ever evaluated against it, per spec.md §4.5's
// "validates the IR... before the pipeline runs".
func validateExpr(expr Expr) error {
	switch e := expr.(type) {
	case PropRef:
		if e.Path == "" {
			return newErr(KindEmptyRefPath, "ref path must not be empty")
		}
	case Value, CollectionRef, QueryRef:
		// literals and source refs carry nothing further to check
	case Func:
		if !knownFuncs[e.Name] {
			return newErr(KindUnknownFunction, fmt.Sprintf("unknown function %q", e.Name))
		}
		for _, a := range e.Args {
			if err := validateExpr(a); err != nil {
				return err
			}
		}
	case Aggregate:
		if !isSupportedAggregate(e.Name) {
			return newErr(KindUnsupportedAggregate, fmt.Sprintf("unsupported aggregate %q", e.Name))
		}
		return validateExpr(e.Arg)
	default:
		return newErr(KindUnknownExpressionType, fmt.Sprintf("unknown expression type %T", expr))
	}
	return nil
}

// validateGroupBySelects checks a GroupBySelect's named expressions: a
// bare field reference must name a group-key field
// (non-aggregate-not-in-group-by) and an aggregate must be one of the
// supported names (unsupported-aggregate), per spec.md §6.
func validateGroupBySelects(keyFields map[string]bool, selects map[string]Expr) error {
	for _, expr := range selects {
		switch e := expr.(type) {
		case PropRef:
			if !keyFields[e.Path] {
				return newErr(KindNonAggregateNotInGroupBy, fmt.Sprintf("field %q is not part of the group key", e.Path))
			}
		case Aggregate:
			if !isSupportedAggregate(e.Name) {
				return newErr(KindUnsupportedAggregate, fmt.Sprintf("unsupported aggregate %q", e.Name))
			}
			if err := validateExpr(e.Arg); err != nil {
				return err
			}
		default:
			return newErr(KindUnknownExpressionType, fmt.Sprintf("group-by select must be a field reference or aggregate, got %T", expr))
		}
	}
	return nil
}

// validateHavingAgainstSelect requires every field a having clause
// references to already be a named GroupBySelect output
// (aggregate-not-in-select), and rejects a having clause that tries to
// compute a fresh aggregate rather than filter on one already selected
// (unknown-having-expression), per spec.md §6.
func validateHavingAgainstSelect(expr Expr, selects map[string]Expr) error {
	switch e := expr.(type) {
	case PropRef:
		if _, ok := selects[e.Path]; !ok {
			return newErr(KindAggregateNotInSelect, fmt.Sprintf("having references %q, which is not in select", e.Path))
		}
	case Value:
	case Func:
		for _, a := range e.Args {
			if err := validateHavingAgainstSelect(a, selects); err != nil {
				return err
			}
		}
	case Aggregate:
		return newErr(KindUnknownHavingExpression, "having must reference a named select, not recompute a new aggregate")
	default:
		return newErr(KindUnknownExpressionType, fmt.Sprintf("unexpected expression in having: %T", expr))
	}
	return nil
}

// splitAlias splits a join field reference "alias.field" into its parts;
// ok is false for an unqualified path.
func splitAlias(path string) (alias, field string, ok bool) {
	i := strings.IndexByte(path, '.')
	if i < 0 {
		return "", path, false
	}
	return path[:i], path[i+1:], true
}

// validateJoin checks a stageJoin node: its kind is one of the five
// supported values (unsupported-type), its two sources are distinctly
// named (same-table), and — for a dynamic JoinOnExpr join only, since a
// typed Join's equality is already enforced by leftKey/rightKey sharing a
// Go type J — that its on-expression is eq(leftRef, rightRef) over two
// properly-qualified field references naming this join's own inputs
// (join-must-be-equality, wrong-tables, table-mismatch, input-not-found),
// per spec.md §4.4/§6.
func validateJoin(n *planNode) error {
	if n.joinKind < JoinInner || n.joinKind > JoinCross {
		return newErr(KindUnsupportedType, "unsupported join kind")
	}

	leftName := n.parent.root().sourceName
	rightName := n.other.root().sourceName
	if leftName != "" && leftName == rightName {
		return newErr(KindSameTable, "join sources must be named distinctly; use FromNamedCollection or Builder.As for a self-join")
	}

	if n.joinKind == JoinCross || !n.joinDynamic {
		return nil
	}

	fn, ok := n.expr.(Func)
	if !ok || fn.Name != "eq" || len(fn.Args) != 2 {
		return newErr(KindJoinMustBeEquality, "join condition must be eq(leftRef, rightRef) at the root")
	}
	lp, lok := fn.Args[0].(PropRef)
	rp, rok := fn.Args[1].(PropRef)
	if !lok || !rok {
		return newErr(KindJoinMustBeEquality, "join condition operands must be field references")
	}
	lAlias, _, lHasAlias := splitAlias(lp.Path)
	rAlias, _, rHasAlias := splitAlias(rp.Path)
	if !lHasAlias || !rHasAlias {
		return newErr(KindWrongTables, `join field references must be qualified as "alias.field"`)
	}
	switch {
	case lAlias == rAlias:
		return newErr(KindTableMismatch, "join condition references only one side's table")
	case lAlias != leftName && lAlias != rightName:
		return newErr(KindInputNotFound, fmt.Sprintf("join references unknown input %q", lAlias))
	case rAlias != leftName && rAlias != rightName:
		return newErr(KindInputNotFound, fmt.Sprintf("join references unknown input %q", rAlias))
	}
	return nil
}

// validatePlan walks n's entire ancestry (both join branches) checking
// every structural rule spec.md §6 names, before Compile builds a single
// physical stage.
func validatePlan(n *planNode) error {
	if n == nil {
		return newErr(KindMustHaveFrom, "pipeline has no source stage")
	}
	if n.parent == nil && n.kind != stageSource {
		return newErr(KindUnknownFromType, "pipeline root is not a source stage")
	}

	switch n.kind {
	case stageSource:
		return nil

	case stageDistinct:
		if !n.parent.hasAncestorKind(stageSelect) {
			return newErr(KindDistinctWithoutSelect, "distinct requires a preceding select/map stage")
		}

	case stageHaving:
		if !n.parent.hasAncestorKind(stageGroupBy) {
			return newErr(KindHavingWithoutGroupBy, "having requires a preceding group-by stage")
		}
		if err := validateExpr(n.expr); err != nil {
			return err
		}
		if gb := findAncestor(n.parent, stageGroupBy); gb != nil && gb.selects != nil {
			if err := validateHavingAgainstSelect(n.expr, gb.selects); err != nil {
				return err
			}
		}

	case stageLimit, stageOffset:
		if !n.hasAncestorKind(stageOrderBy) {
			return newErr(KindLimitOffsetWithoutOrder, "limit/offset requires a preceding orderBy stage")
		}

	case stageWhere:
		if n.expr != nil {
			if err := validateExpr(n.expr); err != nil {
				return err
			}
		}

	case stageGroupBy:
		if n.selects != nil {
			if err := validateGroupBySelects(n.groupKeyFields, n.selects); err != nil {
				return err
			}
		}

	case stageJoin:
		if err := validateJoin(n); err != nil {
			return err
		}
		if err := validatePlan(n.other); err != nil {
			return err
		}
	}

	return validatePlan(n.parent)
}
