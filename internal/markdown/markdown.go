// Package markdown rebuilds a reading-order text stream from positioned
// fragments, inferring headings from font size and emphasis from font names.
package markdown

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/render"
)

// Config tunes structure inference.
type Config struct {
	// HeadingRatios are the font-size ratios against the page body size
	// for heading levels 1..3, in descending order.
	HeadingRatios      []float64
	ParagraphGapFactor float64
	LineTolerance      float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		HeadingRatios:      []float64{2.0, 1.6, 1.3},
		ParagraphGapFactor: 1.5,
		LineTolerance:      render.DefaultLineTolerance,
	}
}

// FromConfig applies the configured paragraph gap over the defaults.
func FromConfig(c config.ExtractionConfig) Config {
	cfg := DefaultConfig()
	if c.ParagraphGapFactor > 0 {
		cfg.ParagraphGapFactor = c.ParagraphGapFactor
	}
	return cfg
}

// PageMarker returns the comment that precedes page n.
func PageMarker(n int) string {
	return fmt.Sprintf("<!-- page %d -->", n)
}

// Render converts pages to markdown.
func Render(pages []render.Page, cfg Config) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n")
		}
		n := p.Number
		if n == 0 {
			n = i + 1
		}
		b.WriteString(PageMarker(n))
		b.WriteString("\n\n")
		renderPage(&b, p, cfg)
	}
	return b.String()
}

func renderPage(b *strings.Builder, p render.Page, cfg Config) {
	lines := render.GroupLines(p.Fragments, cfg.LineTolerance)
	if len(lines) == 0 {
		return
	}
	body := bodySize(p.Fragments)
	spacing := lineSpacing(lines)

	var para []string
	flush := func() {
		if len(para) == 0 {
			return
		}
		b.WriteString(joinLines(para))
		b.WriteString("\n\n")
		para = nil
	}

	for i, l := range lines {
		if level := headingLevel(l, body, cfg.HeadingRatios); level > 0 {
			flush()
			b.WriteString(strings.Repeat("#", level))
			b.WriteString(" ")
			b.WriteString(normalize(l.Text()))
			b.WriteString("\n\n")
			continue
		}
		if i > 0 && spacing > 0 && l.Y-lines[i-1].Y > cfg.ParagraphGapFactor*spacing {
			flush()
		}
		para = append(para, emphasize(l))
	}
	flush()
}

// bodySize is the median font size of the page's fragments.
func bodySize(frags []render.Fragment) float64 {
	var sizes []float64
	for _, f := range frags {
		if f.FontSize > 0 {
			sizes = append(sizes, f.FontSize)
		}
	}
	return median(sizes)
}

// lineSpacing is the median positive gap between consecutive lines.
func lineSpacing(lines []render.Line) float64 {
	var gaps []float64
	for i := 1; i < len(lines); i++ {
		if g := lines[i].Y - lines[i-1].Y; g > 0 {
			gaps = append(gaps, g)
		}
	}
	return median(gaps)
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func headingLevel(l render.Line, body float64, ratios []float64) int {
	if body <= 0 {
		return 0
	}
	var size float64
	for _, f := range l.Fragments {
		size = max(size, f.FontSize)
	}
	ratio := size / body
	for i, r := range ratios {
		if ratio >= r {
			return i + 1
		}
	}
	return 0
}

type style int

const (
	plain style = iota
	italic
	bold
	boldItalic
)

func fontStyle(font string) style {
	f := strings.ToLower(font)
	isBold := strings.Contains(f, "bold") || strings.Contains(f, "black") ||
		strings.Contains(f, "heavy") || strings.Contains(f, "semibold")
	isItalic := strings.Contains(f, "italic") || strings.Contains(f, "oblique")
	switch {
	case isBold && isItalic:
		return boldItalic
	case isBold:
		return bold
	case isItalic:
		return italic
	default:
		return plain
	}
}

var markers = map[style]string{plain: "", italic: "*", bold: "**", boldItalic: "***"}

// emphasize wraps runs of same-styled fragments in markdown emphasis.
func emphasize(l render.Line) string {
	var (
		parts []string
		run   []string
		cur   style
	)
	flush := func() {
		if len(run) == 0 {
			return
		}
		m := markers[cur]
		parts = append(parts, m+normalize(strings.Join(run, " "))+m)
		run = nil
	}
	for _, f := range l.Fragments {
		s := fontStyle(f.Font)
		if s != cur {
			flush()
			cur = s
		}
		run = append(run, f.Text)
	}
	flush()
	return strings.Join(parts, " ")
}

// joinLines joins paragraph lines, removing line-end hyphenation.
func joinLines(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			prev := b.String()
			if hyphenated(prev, l) {
				out := strings.TrimSuffix(prev, "-")
				b.Reset()
				b.WriteString(out)
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString(l)
	}
	return b.String()
}

func hyphenated(prev, next string) bool {
	if !strings.HasSuffix(prev, "-") || len(prev) < 2 {
		return false
	}
	before := []rune(prev)
	if !unicode.IsLetter(before[len(before)-2]) {
		return false
	}
	first := []rune(next)[0]
	return unicode.IsLower(first)
}

func normalize(s string) string {
	return norm.NFKC.String(s)
}

var blankLineRe = regexp.MustCompile(`\n\s*\n`)

// FromPlainText formats flattened text without structure inference. Form
// feeds start a new page; blank lines separate paragraphs.
func FromPlainText(text string) string {
	var b strings.Builder
	for i, page := range strings.Split(text, "\f") {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(PageMarker(i + 1))
		b.WriteString("\n\n")
		page = strings.ReplaceAll(normalize(page), "\r\n", "\n")
		for _, para := range blankLineRe.Split(page, -1) {
			joined := joinLines(strings.Split(para, "\n"))
			if joined == "" {
				continue
			}
			b.WriteString(joined)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}
