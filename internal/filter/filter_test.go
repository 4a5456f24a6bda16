package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEval(t *testing.T, input any, metadata map[string]any) bool {
	t.Helper()
	expr, err := Parse(input)
	require.NoError(t, err)
	ok, err := Evaluate(expr, metadata)
	require.NoError(t, err)
	return ok
}

func TestPlainMapFilter(t *testing.T) {
	meta := map[string]any{"category": "tech", "priority": 3.0}

	assert.True(t, mustEval(t, map[string]any{"category": "tech"}, meta))
	assert.False(t, mustEval(t, map[string]any{"category": "art"}, meta))
	// plain map is a conjunction of equalities
	assert.True(t, mustEval(t, map[string]any{"category": "tech", "priority": 3.0}, meta))
	assert.False(t, mustEval(t, map[string]any{"category": "tech", "priority": 4.0}, meta))
}

func TestStructuredMapFilter(t *testing.T) {
	meta := map[string]any{"category": "tech", "priority": 3.0, "tags": "go"}

	tests := []struct {
		name   string
		filter map[string]any
		want   bool
	}{
		{
			name:   "gt match",
			filter: map[string]any{"priority": map[string]any{"$gt": 1.0}},
			want:   true,
		},
		{
			name:   "gt no match",
			filter: map[string]any{"priority": map[string]any{"$gt": 5.0}},
			want:   false,
		},
		{
			name:   "in",
			filter: map[string]any{"category": map[string]any{"$in": []any{"tech", "art"}}},
			want:   true,
		},
		{
			name:   "nin",
			filter: map[string]any{"category": map[string]any{"$nin": []any{"tech"}}},
			want:   false,
		},
		{
			name:   "like",
			filter: map[string]any{"category": map[string]any{"$like": "te%"}},
			want:   true,
		},
		{
			name:   "exists true",
			filter: map[string]any{"tags": map[string]any{"$exists": true}},
			want:   true,
		},
		{
			name:   "exists on missing field",
			filter: map[string]any{"missing": map[string]any{"$exists": true}},
			want:   false,
		},
		{
			name: "and of conditions",
			filter: map[string]any{"$and": []any{
				map[string]any{"category": "tech"},
				map[string]any{"priority": map[string]any{"$ge": 3.0}},
			}},
			want: true,
		},
		{
			name: "or with one branch matching",
			filter: map[string]any{"$or": []any{
				map[string]any{"category": "art"},
				map[string]any{"priority": map[string]any{"$lt": 10.0}},
			}},
			want: true,
		},
		{
			name:   "not",
			filter: map[string]any{"$not": map[string]any{"category": "art"}},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.filter, meta))
		})
	}
}

func TestSQLFilter(t *testing.T) {
	meta := map[string]any{
		"category": "tech",
		"priority": 3.0,
		"owner":    nil,
		"nested":   map[string]any{"level": 2.0},
	}

	tests := []struct {
		name string
		sql  string
		want bool
	}{
		{"equality", `category = 'tech'`, true},
		{"inequality", `category != 'art'`, true},
		{"and", `category = 'tech' AND priority > 1`, true},
		{"and fails", `category = 'tech' AND priority > 5`, false},
		{"or", `category = 'art' OR priority >= 3`, true},
		{"parens", `(category = 'art' OR category = 'tech') AND priority <= 3`, true},
		{"not", `NOT category = 'art'`, true},
		{"in", `category IN ('tech', 'art')`, true},
		{"not in", `category NOT IN ('tech')`, false},
		{"like percent", `category LIKE 't%'`, true},
		{"like underscore", `category LIKE 'tec_'`, true},
		{"like case insensitive", `category LIKE 'TECH'`, true},
		{"is null", `owner IS NULL`, true},
		{"is not null", `category IS NOT NULL`, true},
		{"exists", `priority EXISTS`, true},
		{"missing field comparison is false", `missing > 1`, false},
		{"missing field is null", `missing IS NULL`, true},
		{"dotted path", `nested.level = 2`, true},
		{"numeric string coercion", `priority > '1'`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.sql, meta))
		})
	}
}

func TestParseErrors(t *testing.T) {
	inputs := []any{
		`category = `,
		`category == 'x'`,
		`(category = 'x'`,
		`category IN 'x'`,
		`category LIKE`,
		`'unterminated`,
		map[string]any{"$and": "not-a-list"},
		map[string]any{"field": map[string]any{"$bogus": 1}},
		42,
	}
	for _, input := range inputs {
		_, err := Parse(input)
		assert.Error(t, err, "input: %v", input)
	}
}

func TestNilFilterMatchesEverything(t *testing.T) {
	expr, err := Parse(nil)
	require.NoError(t, err)
	require.Nil(t, expr)

	ok, err := Evaluate(nil, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEmptyFilterInputs(t *testing.T) {
	for _, input := range []any{"", map[string]any{}} {
		expr, err := Parse(input)
		require.NoError(t, err)
		assert.Nil(t, expr)
	}
}
