package render

import (
	"bytes"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0

	// wordGapRatio is the horizontal gap, as a share of font size, above
	// which adjacent glyphs belong to different fragments.
	wordGapRatio = 0.2
)

// PDFRenderer renders PDF bytes with github.com/ledongthuc/pdf.
type PDFRenderer struct{}

// NewPDFRenderer creates a PDFRenderer.
func NewPDFRenderer() *PDFRenderer { return &PDFRenderer{} }

// Open parses the PDF cross-reference table. Non-PDF or malformed input
// yields ErrUnavailable.
func (p *PDFRenderer) Open(data []byte) (Document, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF")) {
		return nil, eris.Wrap(ErrUnavailable, "render: not a pdf")
	}

	var r *pdf.Reader
	err := safely(func() error {
		var openErr error
		r, openErr = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
		return openErr
	})
	if err != nil {
		return nil, eris.Wrapf(ErrUnavailable, "render: open pdf: %v", err)
	}
	return &pdfDocument{r: r}, nil
}

type pdfDocument struct {
	r *pdf.Reader
}

func (d *pdfDocument) PageCount() int {
	n := 0
	_ = safely(func() error {
		n = d.r.NumPage()
		return nil
	})
	return n
}

func (d *pdfDocument) Page(n int) (Page, error) {
	out := Page{Number: n, Width: defaultPageWidth, Height: defaultPageHeight}
	err := safely(func() error {
		page := d.r.Page(n)
		if page.V.IsNull() {
			return eris.Errorf("render: page %d not found", n)
		}
		out.Width, out.Height = mediaBox(page.V)
		out.Fragments = mergeGlyphs(page.Content().Text, out.Height)
		return nil
	})
	if err != nil {
		return Page{}, eris.Wrapf(ErrUnavailable, "render: page %d: %v", n, err)
	}
	return out, nil
}

func (d *pdfDocument) Info() Info {
	var info Info
	_ = safely(func() error {
		dict := d.r.Trailer().Key("Info")
		if dict.IsNull() {
			return nil
		}
		info = Info{
			Title:        strings.TrimSpace(dict.Key("Title").Text()),
			Author:       strings.TrimSpace(dict.Key("Author").Text()),
			Subject:      strings.TrimSpace(dict.Key("Subject").Text()),
			Keywords:     strings.TrimSpace(dict.Key("Keywords").Text()),
			Creator:      strings.TrimSpace(dict.Key("Creator").Text()),
			Producer:     strings.TrimSpace(dict.Key("Producer").Text()),
			CreationDate: strings.TrimSpace(dict.Key("CreationDate").Text()),
		}
		return nil
	})
	return info
}

// mediaBox reads the page size, walking up to the parent pages node when
// the box is inherited.
func mediaBox(v pdf.Value) (float64, float64) {
	for i := 0; i < 8 && !v.IsNull(); i++ {
		box := v.Key("MediaBox")
		if box.Len() == 4 {
			w := box.Index(2).Float64() - box.Index(0).Float64()
			h := box.Index(3).Float64() - box.Index(1).Float64()
			if w > 0 && h > 0 {
				return w, h
			}
		}
		v = v.Key("Parent")
	}
	return defaultPageWidth, defaultPageHeight
}

// mergeGlyphs joins the per-glyph output of the content stream into word
// fragments and flips Y so it grows downward.
func mergeGlyphs(glyphs []pdf.Text, pageHeight float64) []Fragment {
	var (
		out    []Fragment
		cur    *Fragment
		curEnd float64
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.TrimSpace(cur.Text)
		if cur.Text != "" {
			cur.Width = curEnd - cur.X
			out = append(out, *cur)
		}
		cur = nil
	}

	for _, g := range glyphs {
		if g.S == "" {
			continue
		}
		if strings.TrimSpace(g.S) == "" {
			flush()
			continue
		}
		y := pageHeight - g.Y
		if cur != nil {
			gap := g.X - curEnd
			tol := math.Max(g.FontSize, cur.FontSize)
			sameLine := math.Abs(y-cur.Y) <= tol*0.3
			if sameLine && g.Font == cur.Font && gap >= -tol && gap <= wordGapRatio*tol {
				cur.Text += g.S
				curEnd = math.Max(curEnd, g.X+g.W)
				continue
			}
		}
		flush()
		cur = &Fragment{
			Text:     g.S,
			X:        g.X,
			Y:        y,
			Height:   g.FontSize,
			Font:     g.Font,
			FontSize: g.FontSize,
		}
		curEnd = g.X + g.W
	}
	flush()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// safely converts a panic inside the PDF library into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("render: recovered: %v", r)
		}
	}()
	return fn()
}
