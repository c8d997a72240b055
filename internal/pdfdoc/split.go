package pdfdoc

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var separators = []string{"\n\n", "\n", " ", ""}

// Piece is one chunk of page text. Index is its position across the whole
// document and is stable for identical input.
type Piece struct {
	Page  int
	Index int
	Text  string
}

// Splitter cuts text on the coarsest separator that keeps pieces under Size
// runes and carries up to Overlap runes of context into the next piece.
type Splitter struct {
	Size    int
	Overlap int
}

func (s Splitter) normalized() Splitter {
	if s.Size <= 0 {
		s.Size = DefaultChunkSize
	}
	if s.Overlap < 0 || s.Overlap >= s.Size {
		s.Overlap = 0
	}
	return s
}

// Split splits each page independently so a piece never spans two pages.
func (s Splitter) Split(pages []Page) []Piece {
	s = s.normalized()
	var out []Piece
	for _, p := range pages {
		for _, text := range s.SplitText(p.Text) {
			out = append(out, Piece{Page: p.Number, Index: len(out), Text: text})
		}
	}
	return out
}

// SplitText splits a single string.
func (s Splitter) SplitText(text string) []string {
	s = s.normalized()
	return s.split(text, separators)
}

func (s Splitter) split(text string, seps []string) []string {
	sep := seps[len(seps)-1]
	var rest []string
	for i, c := range seps {
		if c == "" {
			sep = c
			break
		}
		if strings.Contains(text, c) {
			sep = c
			rest = seps[i+1:]
			break
		}
	}

	var (
		out  []string
		good []string
	)
	for _, part := range strings.Split(text, sep) {
		if part == "" {
			continue
		}
		if runeLen(part) <= s.Size {
			good = append(good, part)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, part)
		} else {
			out = append(out, s.split(part, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(good, sep)...)
	}
	return out
}

// merge greedily packs parts into pieces of at most Size runes. When a piece
// closes, parts are dropped from its front until what remains fits the
// overlap window and leaves room for the next part.
func (s Splitter) merge(parts []string, sep string) []string {
	sepLen := runeLen(sep)
	var (
		out   []string
		cur   []string
		total int
	)
	joinCost := func() int {
		if len(cur) > 0 {
			return sepLen
		}
		return 0
	}

	for _, p := range parts {
		n := runeLen(p)
		if total+n+joinCost() > s.Size && len(cur) > 0 {
			if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
				out = append(out, doc)
			}
			for total > s.Overlap || (total > 0 && total+n+joinCost() > s.Size) {
				drop := runeLen(cur[0])
				if len(cur) > 1 {
					drop += sepLen
				}
				total -= drop
				cur = cur[1:]
			}
		}
		total += n + joinCost()
		cur = append(cur, p)
	}
	if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
		out = append(out, doc)
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
