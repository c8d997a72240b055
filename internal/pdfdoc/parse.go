// Package pdfdoc extracts per-page text from PDF files and splits it into
// overlapping chunks sized for embedding.
package pdfdoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"code.sajari.com/docconv"
	pdf "github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotPDF is returned when the input lacks the %PDF- header.
	ErrNotPDF = errors.New("not a pdf")
	// ErrNoText is returned when no page yields any text.
	ErrNoText = errors.New("pdf has no extractable text")
)

// Page is the text of one 1-based PDF page.
type Page struct {
	Number int
	Text   string
}

// IsPDF reports whether b starts with the PDF magic bytes.
func IsPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

// Parse extracts the text of every page that has any. Pages are returned in
// document order.
func Parse(r io.ReaderAt, size int64) ([]Page, error) {
	head := make([]byte, 5)
	if n, _ := r.ReadAt(head, 0); n < 5 || !IsPDF(head) {
		return nil, ErrNotPDF
	}

	pages, err := parsePages(r, size)
	if err != nil {
		log.Debug().Err(err).Msg("pdf: primary parser failed, trying docconv")
	}
	if len(pages) > 0 {
		return pages, nil
	}

	// Fallback: docconv shells out to pdftotext and loses page breaks.
	body, _, cerr := docconv.ConvertPDF(io.NewSectionReader(r, 0, size))
	if cerr != nil {
		log.Debug().Err(cerr).Msg("pdf: docconv fallback failed")
		if err != nil {
			return nil, fmt.Errorf("parse pdf: %w", err)
		}
		return nil, ErrNoText
	}
	if text := normalize(body); text != "" {
		return []Page{{Number: 1, Text: text}}, nil
	}
	return nil, ErrNoText
}

func parsePages(r io.ReaderAt, size int64) (pages []Page, err error) {
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if rec := recover(); rec != nil {
			pages, err = nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	n := doc.NumPage()
	for i := 1; i <= n; i++ {
		p := doc.Page(i)
		if p.V.IsNull() {
			continue
		}
		raw, perr := p.GetPlainText(nil)
		if perr != nil {
			log.Debug().Err(perr).Int("page", i).Msg("pdf: page text failed")
			continue
		}
		if text := normalize(raw); text != "" {
			pages = append(pages, Page{Number: i, Text: text})
		}
	}
	return pages, nil
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\f\v]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// normalize folds runs of horizontal whitespace, trims every line and keeps
// at most one blank line between paragraphs.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	s = spaceRun.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = newlineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(b []byte) ([]Page, error) {
	return Parse(bytes.NewReader(b), int64(len(b)))
}
