package filter

import (
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Parse builds an expression tree from any of the three surface syntaxes:
// a plain map (conjunction of equalities), a structured map with $-operators,
// or a SQL-ish string. A nil input means "no filter" and returns nil.
func Parse(input any) (Expr, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return parseSQL(v)
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
		return parseMap(v)
	default:
		return nil, verrors.New(verrors.CodeInvalidFilter, "unsupported filter type %T", input)
	}
}

// structured-map operator keys
var cmpOps = map[string]Op{
	"$eq":   OpEq,
	"$ne":   OpNe,
	"$lt":   OpLt,
	"$le":   OpLe,
	"$lte":  OpLe,
	"$gt":   OpGt,
	"$ge":   OpGe,
	"$gte":  OpGe,
	"$in":   OpIn,
	"$nin":  OpNin,
	"$like": OpLike,
}

// parseMap handles both the plain and structured map syntaxes. Keys are
// processed in sorted order so the resulting tree is deterministic.
func parseMap(m map[string]any) (Expr, error) {
	exprs := make([]Expr, 0, len(m))
	for _, key := range sortedKeys(m) {
		value := m[key]
		switch key {
		case "$and", "$or":
			subs, err := parseList(value)
			if err != nil {
				return nil, err
			}
			if key == "$and" {
				exprs = append(exprs, And{Exprs: subs})
			} else {
				exprs = append(exprs, Or{Exprs: subs})
			}
		case "$not":
			sub, err := parseOperand(value)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, Not{Expr: sub})
		default:
			e, err := parseFieldCondition(key, value)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, e)
		}
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return And{Exprs: exprs}, nil
}

// parseFieldCondition interprets one field entry: either a literal value
// (equality) or a map of $-operators applied to the field.
func parseFieldCondition(field string, value any) (Expr, error) {
	opMap, ok := value.(map[string]any)
	if !ok {
		return Cmp{Field: field, Op: OpEq, Value: value}, nil
	}

	exprs := make([]Expr, 0, len(opMap))
	for _, opKey := range sortedKeys(opMap) {
		operand := opMap[opKey]
		switch opKey {
		case "$exists":
			want, _ := operand.(bool)
			if want {
				exprs = append(exprs, Exists{Field: field})
			} else {
				exprs = append(exprs, Not{Expr: Exists{Field: field}})
			}
		case "$null":
			want, _ := operand.(bool)
			if want {
				exprs = append(exprs, IsNull{Field: field})
			} else {
				exprs = append(exprs, Not{Expr: IsNull{Field: field}})
			}
		default:
			op, known := cmpOps[opKey]
			if !known {
				return nil, verrors.New(verrors.CodeInvalidFilter, "unknown operator %q for field %q", opKey, field)
			}
			if op == OpIn || op == OpNin {
				if _, isList := operand.([]any); !isList {
					return nil, verrors.New(verrors.CodeInvalidFilter, "%s requires a list operand for field %q", opKey, field)
				}
			}
			exprs = append(exprs, Cmp{Field: field, Op: op, Value: operand})
		}
	}
	if len(exprs) == 0 {
		return nil, verrors.New(verrors.CodeInvalidFilter, "empty operator map for field %q", field)
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return And{Exprs: exprs}, nil
}

func parseList(value any) ([]Expr, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, verrors.New(verrors.CodeInvalidFilter, "$and/$or require a list, got %T", value)
	}
	if len(list) == 0 {
		return nil, verrors.New(verrors.CodeInvalidFilter, "$and/$or require at least one operand")
	}
	exprs := make([]Expr, 0, len(list))
	for _, item := range list {
		e, err := parseOperand(item)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func parseOperand(value any) (Expr, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, verrors.New(verrors.CodeInvalidFilter, "boolean operands must be maps, got %T", value)
	}
	return parseMap(m)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort; filter maps are tiny
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
