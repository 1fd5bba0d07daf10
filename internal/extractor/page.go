package extractor

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// page is a fetched document shared read-only by every strategy of one attempt.
// The DOM is parsed once on first use.
type page struct {
	raw string

	once sync.Once
	doc  *goquery.Document
	err  error
	text string
}

func newPage(content []byte) *page {
	return &page{raw: string(content)}
}

func (p *page) parse() {
	p.once.Do(func() {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.raw))
		if err != nil {
			p.err = fmt.Errorf("parse html: %w", err)
			return
		}
		p.doc = doc
		body := doc.Find("body")
		if body.Length() == 0 {
			body = doc.Selection
		}
		var b strings.Builder
		writeText(&b, body)
		p.text = collapseSpace(b.String())
	})
}

var (
	skipTags   = map[string]bool{"script": true, "style": true, "noscript": true, "template": true}
	inlineTags = map[string]bool{
		"a": true, "abbr": true, "b": true, "del": true, "em": true, "i": true, "ins": true,
		"label": true, "mark": true, "s": true, "small": true, "span": true, "strong": true,
		"sub": true, "sup": true, "u": true,
	}
)

// writeText renders visible text, separating block-level elements so that
// adjacent paragraphs do not run together.
func writeText(b *strings.Builder, s *goquery.Selection) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(c.Text())
		case name == "#comment" || skipTags[name]:
		case inlineTags[name]:
			writeText(b, c)
		default:
			b.WriteByte(' ')
			writeText(b, c)
			b.WriteByte(' ')
		}
	})
}

// document returns the parsed DOM.
func (p *page) document() (*goquery.Document, error) {
	p.parse()
	return p.doc, p.err
}

// visibleText returns whitespace-collapsed body text.
func (p *page) visibleText() string {
	p.parse()
	return p.text
}

// collapseSpace folds whitespace runs into one space. No-break spaces are
// kept because they group thousands inside a single amount.
func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) && !isNoBreakSpace(r)
	}), " ")
}

func isNoBreakSpace(r rune) bool {
	return r == '\u00a0' || r == '\u202f'
}

// plainSpace turns no-break spaces into ordinary ones for keyword matching.
func plainSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if isNoBreakSpace(r) {
			return ' '
		}
		return r
	}, s)
}
