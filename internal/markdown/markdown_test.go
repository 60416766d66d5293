package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/render"
)

func f(text string, x, y, size float64, font string) render.Fragment {
	return render.Fragment{Text: text, X: x, Y: y, FontSize: size, Font: font}
}

func TestRender_HeadingsAndParagraphs(t *testing.T) {
	t.Parallel()

	page := render.Page{Number: 1, Fragments: []render.Fragment{
		f("Introduction", 72, 60, 20, "Times-Bold"),
		f("Deep", 72, 100, 10, "Times-Roman"), f("models", 100, 100, 10, "Times-Roman"),
		f("learn", 72, 112, 10, "Times-Roman"),
		f("Method", 72, 136, 16, "Times-Roman"),
		f("Second", 72, 170, 10, "Times-Roman"), f("paragraph.", 110, 170, 10, "Times-Roman"),
		f("Details", 72, 220, 13, "Times-Roman"),
		f("Tail", 72, 250, 12, "Times-Roman"),
	}}

	md := Render([]render.Page{page}, DefaultConfig())
	assert.True(t, strings.HasPrefix(md, "<!-- page 1 -->\n\n"))
	assert.Contains(t, md, "# Introduction\n")
	assert.Contains(t, md, "## Method\n")
	assert.Contains(t, md, "### Details\n")
	assert.Contains(t, md, "Deep models learn\n\n")
	assert.Contains(t, md, "Second paragraph.\n\n")
	assert.NotContains(t, md, "# Tail")
}

func TestRender_ParagraphGap(t *testing.T) {
	t.Parallel()

	page := render.Page{Number: 2, Fragments: []render.Fragment{
		f("one", 72, 100, 10, ""),
		f("two", 72, 112, 10, ""),
		f("three", 72, 124, 10, ""),
		f("four", 72, 160, 10, ""),
	}}
	md := Render([]render.Page{page}, DefaultConfig())
	assert.Equal(t, "<!-- page 2 -->\n\none two three\n\nfour\n\n", md)
}

func TestRender_Emphasis(t *testing.T) {
	t.Parallel()

	page := render.Page{Number: 1, Fragments: []render.Fragment{
		f("We", 72, 100, 10, "Helvetica"),
		f("strongly", 90, 100, 10, "Helvetica-Bold"),
		f("note", 130, 100, 10, "Helvetica-Oblique"),
		f("this.", 160, 100, 10, "Helvetica"),
	}}
	md := Render([]render.Page{page}, DefaultConfig())
	assert.Contains(t, md, "We **strongly** *note* this.")
}

func TestRender_DehyphenateAndNormalize(t *testing.T) {
	t.Parallel()

	page := render.Page{Number: 1, Fragments: []render.Fragment{
		f("pattern", 72, 100, 10, ""), f("recog-", 120, 100, 10, ""),
		f("nition", 72, 112, 10, ""), f("is", 110, 112, 10, ""), f("ﬁne", 125, 112, 10, ""),
		f("score", 72, 124, 10, ""), f("１２", 110, 124, 10, ""),
	}}
	md := Render([]render.Page{page}, DefaultConfig())
	assert.Contains(t, md, "pattern recognition is fine score 12")
}

func TestRender_MultiplePages(t *testing.T) {
	t.Parallel()

	pages := []render.Page{
		{Number: 1, Fragments: []render.Fragment{f("alpha", 72, 100, 10, "")}},
		{Number: 2},
		{Number: 3, Fragments: []render.Fragment{f("gamma", 72, 100, 10, "")}},
	}
	md := Render(pages, DefaultConfig())
	assert.Contains(t, md, PageMarker(1))
	assert.Contains(t, md, PageMarker(2))
	assert.Contains(t, md, PageMarker(3))
	assert.Less(t, strings.Index(md, "alpha"), strings.Index(md, PageMarker(2)))
}

func TestFromPlainText(t *testing.T) {
	t.Parallel()

	md := FromPlainText("Latency fell from 3 h\nto 15 min with re-\nindexing.\n\nNew para\f\fLast page ﬁnal")
	assert.Equal(t,
		"<!-- page 1 -->\n\nLatency fell from 3 h to 15 min with reindexing.\n\nNew para\n\n"+
			"\n<!-- page 2 -->\n\n"+
			"\n<!-- page 3 -->\n\nLast page final\n\n",
		md)
}

func TestHyphenated(t *testing.T) {
	t.Parallel()

	assert.True(t, hyphenated("recog-", "nition"))
	assert.False(t, hyphenated("state-", "Of"))
	assert.False(t, hyphenated("84-", "92"))
	assert.False(t, hyphenated("-", "x"))
}

func TestFromConfig(t *testing.T) {
	assert.Equal(t, DefaultConfig(), FromConfig(config.ExtractionConfig{}))
	assert.InDelta(t, 2.5, FromConfig(config.ExtractionConfig{ParagraphGapFactor: 2.5}).ParagraphGapFactor, 1e-9)
}
