// Package fusion combines ranked vector and lexical result lists into a
// single ordering. All methods take two ranked lists with weights summing
// to 1 and return fused scores keyed by id.
package fusion

import (
	"sort"

	"github.com/thebtf/vexdb/pkg/models"
)

// RRFConstant is the standard reciprocal-rank-fusion smoothing parameter.
// k=60 is empirically validated across domains.
const RRFConstant = 60

// Entry is one ranked input item. Rank is 1-indexed.
type Entry struct {
	ID    string
	Score float64
	Rank  int
}

// Fused is a combined result.
type Fused struct {
	ID          string
	Score       float64
	VectorScore float64
	VectorRank  int
	TextScore   float64
	TextRank    int
	InBothLists bool
}

// Fuse dispatches to the requested method. Weights must be normalized by the
// caller (models.HybridOptions.Validate does this).
func Fuse(method models.FusionMethod, vec, text []Entry, wv, wt float64) []Fused {
	switch method {
	case models.FusionWeightedSum:
		return weightedSum(vec, text, wv, wt)
	case models.FusionCombSUM:
		return combSUM(vec, text, wv, wt)
	case models.FusionCombMNZ:
		return combMNZ(vec, text, wv, wt)
	case models.FusionBorda:
		return borda(vec, text, wv, wt)
	default:
		return rrf(vec, text, wv, wt)
	}
}

// rrf adds w/(60+rank) for each list an id appears in.
func rrf(vec, text []Entry, wv, wt float64) []Fused {
	merged := merge(vec, text)
	for _, f := range merged {
		if f.VectorRank > 0 {
			f.Score += wv / float64(RRFConstant+f.VectorRank)
		}
		if f.TextRank > 0 {
			f.Score += wt / float64(RRFConstant+f.TextRank)
		}
	}
	return sorted(merged)
}

// weightedSum min-max normalizes each list to [0,1] then combines wv*sv + wt*st.
func weightedSum(vec, text []Entry, wv, wt float64) []Fused {
	vecNorm := minMaxNormalize(vec)
	textNorm := minMaxNormalize(text)
	merged := merge(vec, text)
	for id, f := range merged {
		f.Score = wv*vecNorm[id] + wt*textNorm[id]
	}
	return sorted(merged)
}

// combSUM combines raw scores without normalization.
func combSUM(vec, text []Entry, wv, wt float64) []Fused {
	merged := merge(vec, text)
	for _, f := range merged {
		f.Score = wv*f.VectorScore + wt*f.TextScore
	}
	return sorted(merged)
}

// combMNZ is CombSUM multiplied by the number of lists where the id scores > 0.
func combMNZ(vec, text []Entry, wv, wt float64) []Fused {
	merged := merge(vec, text)
	for _, f := range merged {
		nonzero := 0
		if f.VectorRank > 0 && f.VectorScore > 0 {
			nonzero++
		}
		if f.TextRank > 0 && f.TextScore > 0 {
			nonzero++
		}
		f.Score = (wv*f.VectorScore + wt*f.TextScore) * float64(nonzero)
	}
	return sorted(merged)
}

// borda assigns |list|-rank+1 points per list, summed with weights.
func borda(vec, text []Entry, wv, wt float64) []Fused {
	merged := merge(vec, text)
	for _, f := range merged {
		if f.VectorRank > 0 {
			f.Score += wv * float64(len(vec)-f.VectorRank+1)
		}
		if f.TextRank > 0 {
			f.Score += wt * float64(len(text)-f.TextRank+1)
		}
	}
	return sorted(merged)
}

// merge builds the union of both lists keyed by id.
func merge(vec, text []Entry) map[string]*Fused {
	merged := make(map[string]*Fused, len(vec)+len(text))
	for _, e := range vec {
		merged[e.ID] = &Fused{ID: e.ID, VectorScore: e.Score, VectorRank: e.Rank}
	}
	for _, e := range text {
		if f, ok := merged[e.ID]; ok {
			f.TextScore = e.Score
			f.TextRank = e.Rank
			f.InBothLists = true
		} else {
			merged[e.ID] = &Fused{ID: e.ID, TextScore: e.Score, TextRank: e.Rank}
		}
	}
	return merged
}

// minMaxNormalize maps each list's scores onto [0,1]. A single-element or
// constant list normalizes to 1.
func minMaxNormalize(entries []Entry) map[string]float64 {
	norm := make(map[string]float64, len(entries))
	if len(entries) == 0 {
		return norm
	}
	lo, hi := entries[0].Score, entries[0].Score
	for _, e := range entries[1:] {
		if e.Score < lo {
			lo = e.Score
		}
		if e.Score > hi {
			hi = e.Score
		}
	}
	for _, e := range entries {
		if hi == lo {
			norm[e.ID] = 1
		} else {
			norm[e.ID] = (e.Score - lo) / (hi - lo)
		}
	}
	return norm
}

// sorted flattens the fused map into a deterministic ordering:
// score desc, then in-both-lists first, then id asc.
func sorted(merged map[string]*Fused) []Fused {
	results := make([]Fused, 0, len(merged))
	for _, f := range merged {
		results = append(results, *f)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.InBothLists != b.InBothLists {
			return a.InBothLists
		}
		return a.ID < b.ID
	})
	return results
}
