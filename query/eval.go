package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Fields projects a row value into named scalars the function evaluator
// can resolve PropRef nodes against, spec.md §4.4's ref-proxy property
// access expressed without Go reflection: the caller supplies the
// projection once per pipeline instead of the compiler inferring it from
// struct tags.
type Fields[T any] func(T) map[string]any

// Eval evaluates expr against row, resolving PropRef through fields.
// Required function names, per spec.md §4.5: comparison (eq, gt, gte, lt,
// lte), logical (and, or, not), membership (in), string (length, concat,
// upper, lower, like, ilike), arithmetic (add, sub, mul, div, mod).
func Eval[T any](expr Expr, fields Fields[T], row T) (any, error) {
	return evalExpr(expr, fields(row))
}

func evalExpr(expr Expr, scope map[string]any) (any, error) {
	switch e := expr.(type) {
	case Value:
		return e.V, nil
	case PropRef:
		if e.Path == "" {
			return nil, newErr(KindEmptyRefPath, "ref path must not be empty")
		}
		v, ok := scope[e.Path]
		if !ok {
			return nil, nil
		}
		return v, nil
	case Func:
		return evalFunc(e, scope)
	case Aggregate:
		return nil, newErr(KindUnknownExpressionType, "aggregate expressions cannot be evaluated row-wise; use GroupByAgg")
	default:
		return nil, newErr(KindUnknownExpressionType, fmt.Sprintf("unknown expression type %T", expr))
	}
}

func evalFunc(f Func, scope map[string]any) (any, error) {
	args := make([]any, len(f.Args))
	// Logical short-circuiting operators must not eagerly evaluate every
	// argument (e.g. "and" over a nil left operand), so they're handled
	// before the generic eager-eval path below.
	switch f.Name {
	case "and":
		for _, a := range f.Args {
			v, err := evalExpr(a, scope)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, a := range f.Args {
			v, err := evalExpr(a, scope)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	}

	for i, a := range f.Args {
		v, err := evalExpr(a, scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch f.Name {
	case "not":
		return !truthy(arg(args, 0)), nil
	case "eq":
		return compareEq(arg(args, 0), arg(args, 1)), nil
	case "gt":
		return compareOrd(arg(args, 0), arg(args, 1)) > 0, nil
	case "gte":
		return compareOrd(arg(args, 0), arg(args, 1)) >= 0, nil
	case "lt":
		return compareOrd(arg(args, 0), arg(args, 1)) < 0, nil
	case "lte":
		return compareOrd(arg(args, 0), arg(args, 1)) <= 0, nil
	case "in":
		needle := arg(args, 0)
		for _, v := range args[1:] {
			if compareEq(needle, v) {
				return true, nil
			}
		}
		return false, nil
	case "length":
		return int64(len(asString(arg(args, 0)))), nil
	case "concat":
		var sb strings.Builder
		for _, a := range args {
			sb.WriteString(asString(a))
		}
		return sb.String(), nil
	case "upper":
		return strings.ToUpper(asString(arg(args, 0))), nil
	case "lower":
		return strings.ToLower(asString(arg(args, 0))), nil
	case "like":
		return likeMatch(asString(arg(args, 0)), asString(arg(args, 1)), false)
	case "ilike":
		return likeMatch(asString(arg(args, 0)), asString(arg(args, 1)), true)
	case "add":
		return asFloat(arg(args, 0)) + asFloat(arg(args, 1)), nil
	case "sub":
		return asFloat(arg(args, 0)) - asFloat(arg(args, 1)), nil
	case "mul":
		return asFloat(arg(args, 0)) * asFloat(arg(args, 1)), nil
	case "div":
		return asFloat(arg(args, 0)) / asFloat(arg(args, 1)), nil
	case "mod":
		a, b := int64(asFloat(arg(args, 0))), int64(asFloat(arg(args, 1)))
		if b == 0 {
			return nil, fmt.Errorf("query: mod by zero")
		}
		return a % b, nil
	default:
		return nil, newErr(KindUnknownFunction, fmt.Sprintf("unknown function %q", f.Name))
	}
}

func arg(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// compareEq type-checks like comparisons, and coerces a mixed
// string/number pair via string representation, per spec.md §4.5.
func compareEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af == bf
		}
	}
	return asString(a) == asString(b)
}

func compareOrd(a, b any) int {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(asString(a), asString(b))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asFloat(v any) float64 {
	f, _ := asNumber(v)
	return f
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case fmt.Stringer:
		return s.String()
	default:
		if f, ok := asNumber(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return fmt.Sprintf("%v", v)
	}
}

// likeMatch translates a SQL LIKE pattern (% = any run of characters, _ =
// any single character, backslash-escaped) into a regex and matches s
// against it, per spec.md §4.5.
func likeMatch(s, pattern string, caseInsensitive bool) (bool, error) {
	re, err := likeToRegexp(pattern, caseInsensitive)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func likeToRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && i+1 < len(runes):
			i++
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
		case r == '%':
			sb.WriteString(".*")
		case r == '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	expr := sb.String()
	if caseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("query: compile like pattern %q: %w", pattern, err)
	}
	return re, nil
}
