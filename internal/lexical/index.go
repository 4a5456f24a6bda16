// Package lexical implements the per-dataset inverted text index used by
// hybrid search. Tokens are normalized words of length >= 2; scoring is
// TF-IDF with tf = count/tokens-in-doc and idf = ln(1+N/df).
package lexical

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// tokenPattern matches word runs; tokens shorter than minTokenLen are dropped.
var tokenPattern = regexp.MustCompile(`\b\w+\b`)

const (
	minTokenLen = 2

	// SnippetWindow bounds the extracted snippet around the first match.
	SnippetWindow = 200
)

// Tokenize lowercases and splits text into index tokens.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := raw[:0]
	for _, tok := range raw {
		if len(tok) >= minTokenLen {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// posting records one document's term frequency for a token.
type posting struct {
	id string
	tf float64 // count / tokens-in-doc
}

// Result is a scored lexical hit.
type Result struct {
	ID      string
	Score   float64
	Snippet string
}

// Index is an in-memory inverted index over vector content. Safe for
// concurrent use; rebuilds swap state atomically under the write lock.
type Index struct {
	mu       sync.RWMutex
	postings map[string][]posting
	content  map[string]string // id -> original content, for snippets
	docCount int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[string][]posting),
		content:  make(map[string]string),
	}
}

// Document pairs a vector id with its content field.
type Document struct {
	ID      string
	Content string
}

// Build replaces the index contents from a full scan of live documents.
func (idx *Index) Build(docs []Document) {
	postings := make(map[string][]posting)
	content := make(map[string]string, len(docs))
	indexed := 0

	for _, doc := range docs {
		tokens := Tokenize(doc.Content)
		if len(tokens) == 0 {
			continue
		}
		indexed++
		content[doc.ID] = doc.Content

		counts := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			counts[tok]++
		}
		total := float64(len(tokens))
		for tok, count := range counts {
			postings[tok] = append(postings[tok], posting{id: doc.ID, tf: float64(count) / total})
		}
	}

	idx.mu.Lock()
	idx.postings = postings
	idx.content = content
	idx.docCount = indexed
	idx.mu.Unlock()
}

// DocCount returns the number of indexed documents.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.docCount
}

// Search scores documents against the query by summed TF-IDF and returns the
// top limit hits, each with a snippet around its first matched token.
func (idx *Index) Search(query string, limit int) []Result {
	tokens := Tokenize(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.docCount == 0 {
		return nil
	}

	scores := make(map[string]float64)
	firstMatch := make(map[string]string) // id -> first query token present
	for _, tok := range tokens {
		plist, ok := idx.postings[tok]
		if !ok {
			continue
		}
		// Smoothed so a term present in every document (always true in a
		// single-document corpus) still scores above zero.
		idf := math.Log(1 + float64(idx.docCount)/float64(len(plist)))
		for _, p := range plist {
			scores[p.id] += p.tf * idf
			if _, seen := firstMatch[p.id]; !seen {
				firstMatch[p.id] = tok
			}
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			ID:      id,
			Score:   score,
			Snippet: snippet(idx.content[id], firstMatch[id]),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// snippet extracts a window of at most SnippetWindow characters centered on
// the first occurrence of the matched token.
func snippet(content, token string) string {
	if content == "" || token == "" {
		return ""
	}
	pos := strings.Index(strings.ToLower(content), token)
	if pos < 0 {
		pos = 0
	}
	start := pos - SnippetWindow/2
	if start < 0 {
		start = 0
	}
	end := start + SnippetWindow
	if end > len(content) {
		end = len(content)
	}
	// Byte offsets may land inside a multi-byte rune; clamp outward to
	// valid boundaries.
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	return content[start:end]
}
