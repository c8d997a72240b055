// Package search re-ranks vector retrieval candidates by lexical overlap with
// the user's question. Dense embeddings are good at topical similarity but
// tend to miss exact identifiers, numbers and rare names; blending in a
// token-set score pulls chunks that literally mention the asked-about term
// ahead of chunks that are merely on topic.
//
//   - No logging in the library (callers decide how/what to log)
//   - Functional options for the blend weight and stop-word set
//   - Unicode-aware tokenization
//   - Deterministic ordering (stable tie-breaks)
//
// Lexical relevance is Jaccard similarity between the query token set and a
// candidate's token set: |Q ∩ D| / |Q ∪ D|.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultWeight is the share of the blended score taken by lexical overlap.
const DefaultWeight = 0.25

// Candidate is one retrieved chunk before re-ranking.
type Candidate struct {
	ID         string
	Text       string
	Similarity float64 // score reported by the vector index
}

// Result is a re-ranked candidate.
type Result struct {
	Candidate
	Lexical float64 // Jaccard overlap with the query
	Score   float64 // (1-w)*Similarity + w*Lexical
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	weight    float64
	stopwords map[string]struct{}
}

func defaultConfig() config {
	return config{
		weight:    DefaultWeight,
		stopwords: toSet(defaultStopwords),
	}
}

// WithWeight sets the lexical share of the blended score. Values outside
// [0,1] are ignored.
func WithWeight(w float64) Option {
	return func(c *config) {
		if w >= 0 && w <= 1 {
			c.weight = w
		}
	}
}

// WithStopwords replaces the stop-word set. An empty list keeps the default.
func WithStopwords(words []string) Option {
	return func(c *config) {
		if m := toSet(words); len(m) > 0 {
			c.stopwords = m
		}
	}
}

// ----------------------------------------------------------------------------
// Reranker

// Reranker blends vector similarity with lexical overlap. It is immutable
// after construction and safe for concurrent use.
type Reranker struct {
	cfg config
}

// NewReranker builds a Reranker from opts.
func NewReranker(opts ...Option) *Reranker {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Reranker{cfg: cfg}
}

// Weight returns the configured lexical weight.
func (r *Reranker) Weight() float64 { return r.cfg.weight }

// Rerank scores every candidate against query and returns the best k,
// highest blended score first. k <= 0 keeps all candidates. Ties are broken
// by lexical score, then shorter text, then ID.
func (r *Reranker) Rerank(query string, cands []Candidate, k int) []Result {
	if len(cands) == 0 {
		return nil
	}
	q := tokenize(query, r.cfg.stopwords)

	type scored struct {
		Result
		lenRunes int
	}
	buf := make([]scored, 0, len(cands))
	for _, c := range cands {
		lex := jaccard(q, tokenize(c.Text, r.cfg.stopwords))
		buf = append(buf, scored{
			Result: Result{
				Candidate: c,
				Lexical:   lex,
				Score:     (1-r.cfg.weight)*c.Similarity + r.cfg.weight*lex,
			},
			lenRunes: utf8.RuneCountInString(c.Text),
		})
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].Score != buf[b].Score {
			return buf[a].Score > buf[b].Score
		}
		if buf[a].Lexical != buf[b].Lexical {
			return buf[a].Lexical > buf[b].Lexical
		}
		if buf[a].lenRunes != buf[b].lenRunes {
			return buf[a].lenRunes < buf[b].lenRunes
		}
		return buf[a].ID < buf[b].ID
	})

	if k <= 0 || k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = buf[i].Result
	}
	return out
}

// Snippet flattens whitespace in s and clips it to at most n runes,
// marking a cut with an ellipsis.
func Snippet(s string, n int) string {
	s = strings.TrimSpace(normalizeWhitespace(s))
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	s = strings.ToLower(s)
	words := wordRE.FindAllString(s, -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out[w] = struct{}{}
	}
	return out
}

func jaccard(q, d map[string]struct{}) float64 {
	over := overlap(q, d)
	if over == 0 {
		return 0
	}
	union := len(q) + len(d) - over
	if union <= 0 {
		return 0
	}
	return float64(over) / float64(union)
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// normalizeWhitespace folds every run of whitespace, newlines included,
// into a single space.
func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func toSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			m[w] = struct{}{}
		}
	}
	return m
}

// defaultStopwords are dropped from both sides before scoring so question
// words do not count as matches.
var defaultStopwords = []string{
	"the", "a", "an", "and", "or", "of", "to", "in", "is", "are", "for", "on",
	"with", "by", "from", "at", "as", "that", "this", "it", "be", "was", "were",
	"how", "what", "which", "who", "when", "where", "why", "do", "does", "did",
	"can", "could", "should", "would", "about", "me", "my", "i", "you", "your",
	"tell", "please", "document", "pdf",
}
