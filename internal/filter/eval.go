package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Evaluate interprets the expression against a vector's metadata. Unknown
// fields evaluate to "field not present": EXISTS is false, IS NULL is true,
// and every comparison is false. A nil expression matches everything.
func Evaluate(expr Expr, metadata map[string]any) (bool, error) {
	if expr == nil {
		return true, nil
	}
	switch e := expr.(type) {
	case And:
		for _, sub := range e.Exprs {
			ok, err := Evaluate(sub, metadata)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case Or:
		for _, sub := range e.Exprs {
			ok, err := Evaluate(sub, metadata)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Not:
		ok, err := Evaluate(e.Expr, metadata)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case Exists:
		_, present := lookup(metadata, e.Field)
		return present, nil
	case IsNull:
		v, present := lookup(metadata, e.Field)
		return !present || v == nil, nil
	case Cmp:
		return evalCmp(e, metadata)
	}
	return false, fmt.Errorf("unknown expression type %T", expr)
}

// lookup resolves a possibly dotted field path in nested metadata.
func lookup(metadata map[string]any, field string) (any, bool) {
	if metadata == nil {
		return nil, false
	}
	parts := strings.Split(field, ".")
	var current any = metadata
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func evalCmp(e Cmp, metadata map[string]any) (bool, error) {
	fieldVal, present := lookup(metadata, e.Field)
	if !present || fieldVal == nil {
		return false, nil
	}

	switch e.Op {
	case OpIn, OpNin:
		list, ok := e.Value.([]any)
		if !ok {
			return false, fmt.Errorf("operator %s requires a list", e.Op)
		}
		found := false
		for _, candidate := range list {
			if eq, err := compareEq(fieldVal, candidate); err == nil && eq {
				found = true
				break
			}
		}
		if e.Op == OpIn {
			return found, nil
		}
		return !found, nil

	case OpLike:
		pattern, ok := e.Value.(string)
		if !ok {
			return false, fmt.Errorf("LIKE requires a string pattern")
		}
		subject, ok := asString(fieldVal)
		if !ok {
			return false, nil
		}
		re, err := likePattern(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(subject), nil

	case OpEq:
		return compareEq(fieldVal, e.Value)
	case OpNe:
		eq, err := compareEq(fieldVal, e.Value)
		return !eq, err
	}

	// ordered comparisons
	cmp, err := compareOrder(fieldVal, e.Value)
	if err != nil {
		return false, err
	}
	switch e.Op {
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", e.Op)
}

// compareEq coerces the literal to the field's type before comparing.
func compareEq(fieldVal, literal any) (bool, error) {
	if fn, ok := asNumber(fieldVal); ok {
		if ln, ok := coerceNumber(literal); ok {
			return fn == ln, nil
		}
		return false, nil
	}
	if fb, ok := fieldVal.(bool); ok {
		if lb, ok := literal.(bool); ok {
			return fb == lb, nil
		}
		return false, nil
	}
	fs, fok := asString(fieldVal)
	ls, lok := asString(literal)
	if fok && lok {
		return fs == ls, nil
	}
	return false, nil
}

// compareOrder returns -1/0/1 for field vs literal, coercing the literal to
// the field's type.
func compareOrder(fieldVal, literal any) (int, error) {
	if fn, ok := asNumber(fieldVal); ok {
		ln, ok := coerceNumber(literal)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", literal)
		}
		switch {
		case fn < ln:
			return -1, nil
		case fn > ln:
			return 1, nil
		}
		return 0, nil
	}
	fs, fok := asString(fieldVal)
	ls, lok := asString(literal)
	if fok && lok {
		return strings.Compare(fs, ls), nil
	}
	return 0, fmt.Errorf("cannot order %T against %T", fieldVal, literal)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		// json.Number and compatible types
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// coerceNumber converts a literal to float64, including numeric strings,
// so `priority > "1"` behaves like `priority > 1`.
func coerceNumber(v any) (float64, bool) {
	if n, ok := asNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// likeCache memoizes compiled LIKE patterns.
var likeCache sync.Map // pattern string -> *regexp.Regexp

// likePattern compiles a SQL LIKE pattern (% = any run, _ = any one rune)
// into a case-insensitive anchored regexp.
func likePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := likeCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	var sb strings.Builder
	sb.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	likeCache.Store(pattern, re)
	return re, nil
}
