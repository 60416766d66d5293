// Package metadata recovers bibliographic fields from a document in two
// passes: the embedded info dictionary first, then the text of the first
// pages. Fields found in the first pass are never overwritten.
package metadata

import (
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/render"
)

const (
	// MaxAbstractChars caps the abstract span.
	MaxAbstractChars = 3000
	// ScanPages is how many leading pages the text pass reads.
	ScanPages = 2

	minTitleWords = 3
	maxTitleWords = 25
	minTitleChars = 15
	maxTitleChars = 250
)

// Extract runs both passes against a rendered document.
func Extract(doc render.Document) *model.DocumentMetadata {
	primary := FromInfo(doc.Info())

	var pages []string
	for n := 1; n <= doc.PageCount() && n <= ScanPages; n++ {
		page, err := doc.Page(n)
		if err != nil {
			zap.L().Debug("metadata: skip page", zap.Int("page", n), zap.Error(err))
			continue
		}
		pages = append(pages, page.Text())
	}

	secondary := FromText(strings.Join(pages, "\n"), primary.Title == "")
	return merge(primary, secondary)
}

// ExtractPlain is the fallback used when only flattened text is available.
// It never derives a title from the text.
func ExtractPlain(info render.Info, text string) *model.DocumentMetadata {
	primary := FromInfo(info)
	pages := strings.Split(text, "\f")
	if len(pages) > ScanPages {
		pages = pages[:ScanPages]
	}
	secondary := FromText(strings.Join(pages, "\n"), false)
	return merge(primary, secondary)
}

// FromInfo reads the embedded info dictionary. Blank and placeholder values
// stay unset.
func FromInfo(info render.Info) *model.DocumentMetadata {
	return &model.DocumentMetadata{
		Title:         cleanTitle(info.Title),
		Authors:       SplitAuthors(info.Author),
		Keywords:      splitKeywords(info.Keywords),
		Subject:       strings.TrimSpace(info.Subject),
		PublishedDate: pdfDate(info.CreationDate),
	}
}

// FromText mines DOI, abstract, date, journal, keywords and optionally a
// title candidate from leading-page text.
func FromText(text string, withTitle bool) *model.DocumentMetadata {
	m := &model.DocumentMetadata{
		DOI:           findDOI(text),
		Abstract:      findAbstract(text),
		PublishedDate: findDate(text),
		Journal:       findJournal(text),
		Keywords:      findKeywords(text),
	}
	if withTitle {
		m.Title = findTitle(text)
	}
	return m
}

// merge fills gaps in primary from secondary, so primary wins for every
// field except PublishedDate. There a date printed in the text overrides
// the info-dictionary CreationDate, which records when the file was
// written rather than when the work was published.
func merge(primary, secondary *model.DocumentMetadata) *model.DocumentMetadata {
	out := *primary
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&out.Title, secondary.Title)
	fill(&out.DOI, secondary.DOI)
	fill(&out.Abstract, secondary.Abstract)
	fill(&out.Journal, secondary.Journal)
	fill(&out.Subject, secondary.Subject)
	if secondary.PublishedDate != "" {
		out.PublishedDate = secondary.PublishedDate
	}
	if len(out.Authors) == 0 {
		out.Authors = secondary.Authors
	}
	if len(out.Keywords) == 0 {
		out.Keywords = secondary.Keywords
	}
	return &out
}

var (
	fileNameRe    = regexp.MustCompile(`(?i)^[\w\-. ]+\.(pdf|docx?|tex|dvi|rtf|odt|txt)$`)
	wordPrefixRe  = regexp.MustCompile(`(?i)^microsoft\s+(word|powerpoint)\s*-\s*`)
	placeholderRe = regexp.MustCompile(`(?i)^(untitled|title|no title|document\d*|slide \d+)$`)
)

func cleanTitle(raw string) string {
	t := strings.TrimSpace(wordPrefixRe.ReplaceAllString(strings.TrimSpace(raw), ""))
	if len([]rune(t)) < 3 || placeholderRe.MatchString(t) || fileNameRe.MatchString(t) {
		return ""
	}
	return t
}

var (
	authorSepRe   = regexp.MustCompile(`\s*(?:,|;|&|\band\b)\s*`)
	authorTrailRe = regexp.MustCompile(`[\d*†‡§¶]+$`)
)

// SplitAuthors tokenizes an author string on common separators and drops
// numeric-only, degenerate and e-mail tokens.
func SplitAuthors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, tok := range authorSepRe.Split(raw, -1) {
		tok = strings.TrimSpace(authorTrailRe.ReplaceAllString(strings.TrimSpace(tok), ""))
		if tok == "" || strings.Contains(tok, "@") {
			continue
		}
		letters := 0
		for _, r := range tok {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		if letters < 2 {
			continue
		}
		out = append(out, tok)
	}
	return out
}

var keywordSepRe = regexp.MustCompile(`\s*[,;·•]\s*`)

func splitKeywords(raw string) []string {
	var out []string
	for _, k := range keywordSepRe.Split(strings.TrimSpace(raw), -1) {
		k = strings.TrimSpace(strings.TrimRight(k, "."))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

var pdfDateRe = regexp.MustCompile(`^(?:D:)?(\d{4})(\d{2})?(\d{2})?`)

// pdfDate converts a PDF date string (D:YYYYMMDDHHmmSS) to ISO form.
func pdfDate(raw string) string {
	m := pdfDateRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return ""
	}
	out := m[1]
	if m[2] != "" {
		out += "-" + m[2]
		if m[3] != "" {
			out += "-" + m[3]
		}
	}
	return out
}

var doiRe = regexp.MustCompile(`(?i)\b(10\.\d{4,9}/[^\s"<>]+)`)

func findDOI(text string) string {
	m := doiRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], ".,;:)]}'")
}

var (
	abstractStartRe = regexp.MustCompile(`(?im)^\s*(?:abstract|summary)\b[\s:.\-–—]*`)
	abstractEndRe   = regexp.MustCompile(`(?im)^\s*(?:key\s*words|keywords|index terms|introduction|background|(?:1|i)\.?\s+introduction|1\.\s)`)
	spaceRe         = regexp.MustCompile(`\s+`)
)

func findAbstract(text string) string {
	loc := abstractStartRe.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[1]:]
	if end := abstractEndRe.FindStringIndex(rest); end != nil {
		rest = rest[:end[0]]
	}
	abstract := strings.TrimSpace(spaceRe.ReplaceAllString(rest, " "))
	if r := []rune(abstract); len(r) > MaxAbstractChars {
		abstract = strings.TrimSpace(string(r[:MaxAbstractChars]))
	}
	if len(abstract) < 20 {
		return ""
	}
	return abstract
}

const monthNames = `(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`

var (
	publishedRe = regexp.MustCompile(`(?i)published(?:\s+online)?\s*(?:on)?\s*:?\s*([^\n;]{4,40})`)
	isoDateRe   = regexp.MustCompile(`\b(?:19|20)\d{2}-[01]\d-[0-3]\d\b`)
	dayMonthRe  = regexp.MustCompile(`(?i)\b\d{1,2}\s+` + monthNames + `\.?\s+(?:19|20)\d{2}\b`)
	monthYearRe = regexp.MustCompile(`(?i)\b` + monthNames + `\.?\s+(?:\d{1,2},\s+)?(?:19|20)\d{2}\b`)
)

func findDate(text string) string {
	if m := publishedRe.FindStringSubmatch(text); m != nil {
		if d := firstDate(m[1]); d != "" {
			return d
		}
	}
	return firstDate(text)
}

func firstDate(s string) string {
	for _, re := range []*regexp.Regexp{isoDateRe, dayMonthRe, monthYearRe} {
		if d := re.FindString(s); d != "" {
			return strings.TrimSpace(d)
		}
	}
	return ""
}

var (
	journalLabelRe = regexp.MustCompile(`(?im)^\s*journal\s*:\s*(.+)$`)
	journalLineRe  = regexp.MustCompile(`\bJournal\b`)
	journalOfRe    = regexp.MustCompile(`\bJournal of [A-Z][^\n,.;()\d]{2,80}`)
	proceedingsRe  = regexp.MustCompile(`\bProceedings of [^\n,;()\d]{3,100}`)
	journalCutRe   = regexp.MustCompile(`[,(\d]`)
)

func findJournal(text string) string {
	if m := journalLabelRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(strings.TrimRight(m[1], "."))
	}
	for _, line := range strings.Split(text, "\n") {
		if !journalLineRe.MatchString(line) {
			continue
		}
		name := line
		if loc := journalCutRe.FindStringIndex(name); loc != nil {
			name = name[:loc[0]]
		}
		name = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(name), ".:-"))
		if n := len(strings.Fields(name)); n >= 2 && n <= 12 {
			return name
		}
	}
	for _, re := range []*regexp.Regexp{journalOfRe, proceedingsRe} {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

var keywordsRe = regexp.MustCompile(`(?im)^\s*(?:keywords|key\s+words|index\s+terms)\s*[:—\-–]?\s*(.+)$`)

func findKeywords(text string) []string {
	m := keywordsRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return splitKeywords(m[1])
}

var (
	urlRe       = regexp.MustCompile(`(?i)(https?://|www\.)`)
	copyrightRe = regexp.MustCompile(`(?i)(©|copyright|all rights reserved|licen[cs]e)`)
	markerRe    = regexp.MustCompile(`(?i)^\s*(abstract|summary|keywords|index terms|introduction|received|accepted|available online|vol\.?|volume|issn|journal|proceedings)\b`)
	citationRe  = regexp.MustCompile(`\d+\s*\(\d+\)|\bpp?\.\s*\d`)
)

func findTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		words := len(strings.Fields(line))
		if words < minTitleWords || words > maxTitleWords {
			continue
		}
		if n := len([]rune(line)); n < minTitleChars || n > maxTitleChars {
			continue
		}
		if doiRe.MatchString(line) || urlRe.MatchString(line) || copyrightRe.MatchString(line) ||
			markerRe.MatchString(line) || citationRe.MatchString(line) || firstDate(line) != "" ||
			journalLineRe.MatchString(line) {
			continue
		}
		return line
	}
	return ""
}
