package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thebtf/vexdb/pkg/models"
)

var (
	vecList = []Entry{
		{ID: "a", Score: 0.9, Rank: 1},
		{ID: "b", Score: 0.5, Rank: 2},
	}
	textList = []Entry{
		{ID: "b", Score: 2.0, Rank: 1},
		{ID: "c", Score: 1.0, Rank: 2},
	}
)

func scoreOf(t *testing.T, results []Fused, id string) float64 {
	t.Helper()
	for _, r := range results {
		if r.ID == id {
			return r.Score
		}
	}
	t.Fatalf("id %q not in results", id)
	return 0
}

func TestRRF(t *testing.T) {
	results := Fuse(models.FusionRRF, vecList, textList, 0.5, 0.5)
	require.Len(t, results, 3)

	// Each id contributes w/(60+rank) per list it appears in.
	assert.InDelta(t, 0.5/61, scoreOf(t, results, "a"), 1e-12)
	assert.InDelta(t, 0.5/62+0.5/61, scoreOf(t, results, "b"), 1e-12)
	assert.InDelta(t, 0.5/62, scoreOf(t, results, "c"), 1e-12)

	// b appears in both lists and must rank first.
	assert.Equal(t, "b", results[0].ID)
	assert.True(t, results[0].InBothLists)
}

func TestWeightedSum(t *testing.T) {
	results := Fuse(models.FusionWeightedSum, vecList, textList, 0.5, 0.5)
	require.Len(t, results, 3)

	// Min-max within each list: a=1.0, b=0.0 (vector); b=1.0, c=0.0 (text).
	assert.InDelta(t, 0.5, scoreOf(t, results, "a"), 1e-9)
	assert.InDelta(t, 0.5, scoreOf(t, results, "b"), 1e-9)
	assert.InDelta(t, 0.0, scoreOf(t, results, "c"), 1e-9)

	// Tie between a and b broken by in-both-lists.
	assert.Equal(t, "b", results[0].ID)
}

func TestCombSUM(t *testing.T) {
	results := Fuse(models.FusionCombSUM, vecList, textList, 0.5, 0.5)

	assert.InDelta(t, 0.45, scoreOf(t, results, "a"), 1e-9)
	assert.InDelta(t, 0.5*0.5+0.5*2.0, scoreOf(t, results, "b"), 1e-9)
	assert.InDelta(t, 0.5, scoreOf(t, results, "c"), 1e-9)
	assert.Equal(t, "b", results[0].ID)
}

func TestCombMNZ(t *testing.T) {
	results := Fuse(models.FusionCombMNZ, vecList, textList, 0.5, 0.5)

	// b is in two lists with nonzero scores, so its CombSUM doubles.
	assert.InDelta(t, 2*(0.5*0.5+0.5*2.0), scoreOf(t, results, "b"), 1e-9)
	assert.InDelta(t, 0.45, scoreOf(t, results, "a"), 1e-9)
}

func TestBorda(t *testing.T) {
	results := Fuse(models.FusionBorda, vecList, textList, 0.5, 0.5)

	// Two-element lists: rank 1 earns 2 points, rank 2 earns 1.
	assert.InDelta(t, 0.5*2, scoreOf(t, results, "a"), 1e-9)
	assert.InDelta(t, 0.5*1+0.5*2, scoreOf(t, results, "b"), 1e-9)
	assert.InDelta(t, 0.5*1, scoreOf(t, results, "c"), 1e-9)
}

func TestEmptyLists(t *testing.T) {
	assert.Empty(t, Fuse(models.FusionRRF, nil, nil, 0.5, 0.5))

	results := Fuse(models.FusionRRF, vecList, nil, 1.0, 0.0)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
}

func TestDeterministicTieBreak(t *testing.T) {
	vec := []Entry{{ID: "x", Score: 1, Rank: 1}}
	text := []Entry{{ID: "y", Score: 1, Rank: 1}}
	results := Fuse(models.FusionRRF, vec, text, 0.5, 0.5)
	require.Len(t, results, 2)
	// Equal scores, neither in both lists: id ascending.
	assert.Equal(t, "x", results[0].ID)
	assert.Equal(t, "y", results[1].ID)
}
