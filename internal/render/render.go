// Package render turns document bytes into positioned text fragments and,
// when that fails, into flattened plain text.
package render

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/config"
)

// ErrUnavailable is returned when a document cannot be rendered. Callers
// degrade to a fallback rather than failing the ingestion.
var ErrUnavailable = eris.New("render: unavailable")

// Fragment is a run of text at a position on a page. Y grows downward from
// the top of the page.
type Fragment struct {
	Text     string
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Font     string
	FontSize float64
}

// Page is one rendered page, numbered from 1.
type Page struct {
	Number    int
	Width     float64
	Height    float64
	Fragments []Fragment
}

// Info is the embedded document information dictionary.
type Info struct {
	Title        string
	Author       string
	Subject      string
	Keywords     string
	Creator      string
	Producer     string
	CreationDate string
}

// Document gives page-level access to a rendered file.
type Document interface {
	PageCount() int
	Page(n int) (Page, error)
	Info() Info
}

// Renderer opens raw bytes as a Document.
type Renderer interface {
	Open(data []byte) (Document, error)
}

// TextExtractor flattens a document to plain text. Pages are separated by
// form feeds when the extractor knows page boundaries.
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte) (string, error)
}

// NewTextExtractor builds the plain-text fallback chain from config. Raw
// UTF-8 input is always accepted last.
func NewTextExtractor(cfg config.RendererConfig) TextExtractor {
	switch cfg.PlainText {
	case "pdftotext":
		return Chain{NewPdfToText(cfg.PdfToTextPath), NativeText{}, RawText{}}
	default:
		return Chain{NativeText{}, RawText{}}
	}
}

// Line is a set of fragments sharing a baseline, ordered left to right.
type Line struct {
	Y         float64
	Fragments []Fragment
}

// Text joins the line's fragments with single spaces.
func (l Line) Text() string {
	parts := make([]string, 0, len(l.Fragments))
	for _, f := range l.Fragments {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, " ")
}

// GroupLines sorts fragments by (y, x) and merges consecutive fragments
// whose y differs from the line anchor by less than tolerance.
func GroupLines(frags []Fragment, tolerance float64) []Line {
	if len(frags) == 0 {
		return nil
	}
	sorted := make([]Fragment, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var lines []Line
	for _, f := range sorted {
		n := len(lines)
		if n > 0 && math.Abs(f.Y-lines[n-1].Y) < tolerance {
			lines[n-1].Fragments = append(lines[n-1].Fragments, f)
			continue
		}
		lines = append(lines, Line{Y: f.Y, Fragments: []Fragment{f}})
	}
	for i := range lines {
		fs := lines[i].Fragments
		sort.SliceStable(fs, func(a, b int) bool { return fs[a].X < fs[b].X })
	}
	return lines
}

// Text flattens the page to newline-separated lines.
func (p Page) Text() string {
	lines := GroupLines(p.Fragments, DefaultLineTolerance)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text())
	}
	return strings.Join(out, "\n")
}

// DefaultLineTolerance is the y distance under which fragments share a line.
const DefaultLineTolerance = 3.0
