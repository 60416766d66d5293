// Package prose mines numeric candidates from free text when tables do not
// provide enough evidence, and splits them into strong and weak lanes.
package prose

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/evidence-cli/internal/model"
)

// WarningInsufficient is reported when neither lane has enough members, or
// when a run ends with fewer than MinDataPoints points.
const WarningInsufficient = "fewer than 2 numeric data points"

// MinDataPoints is the smallest point count a run needs for analysis.
const MinDataPoints = 2

// FallbackThreshold is the minimum number of trusted table numeric rows
// below which prose mining runs.
const FallbackThreshold = 2

// Config holds the extractor's thresholds and weights.
type Config struct {
	SnippetRadius        int
	MinSnippetLength     int
	MinLaneSize          int
	MaxBareMagnitude     float64
	MinYear              float64
	MaxYear              float64
	MaxOrdinal           float64
	MetricKeywordScore   int
	UnitScore            int
	BibliographicPenalty int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SnippetRadius:        80,
		MinSnippetLength:     12,
		MinLaneSize:          2,
		MaxBareMagnitude:     1_000_000,
		MinYear:              1900,
		MaxYear:              2100,
		MaxOrdinal:           12,
		MetricKeywordScore:   4,
		UnitScore:            1,
		BibliographicPenalty: -5,
	}
}

// Candidate is one numeric value mined from text.
type Candidate struct {
	Value         float64
	Family        Family
	Snippet       string
	Unit          string
	Keyword       string
	Score         int
	Bibliographic bool
	Start         int
	End           int
}

// Percent reports whether the candidate carries a percent marker.
func (c Candidate) Percent() bool { return isPercentUnit(c.Unit) }

// Result is the outcome of lane selection.
type Result struct {
	Lane       model.Lane
	Candidates []Candidate
	Strong     int
	Weak       int
	Warning    string
}

// Extractor mines prose numbers.
type Extractor struct {
	cfg Config
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract mines candidates and selects a lane: strong when it has at least
// MinLaneSize members, else weak under the same rule, else none.
func (e *Extractor) Extract(text string) Result {
	var strong, weak []Candidate
	for _, c := range e.Candidates(text) {
		switch {
		case c.Score > 0:
			strong = append(strong, c)
		case !c.Bibliographic:
			weak = append(weak, c)
		}
	}

	res := Result{Strong: len(strong), Weak: len(weak)}
	switch {
	case len(strong) >= e.cfg.MinLaneSize:
		res.Lane, res.Candidates = model.LaneStrong, strong
	case len(weak) >= e.cfg.MinLaneSize:
		res.Lane, res.Candidates = model.LaneWeak, weak
	default:
		res.Lane, res.Warning = model.LaneNone, WarningInsufficient
	}
	return res
}

var (
	pageMarkerRe = regexp.MustCompile(`<!--\s*page\s+\d+\s*-->`)
	emphasisRe   = regexp.MustCompile(`(?m)\*+|^#+\s`)
)

// clean strips rendering artefacts that carry numbers of their own.
func clean(text string) string {
	text = norm.NFKC.String(text)
	text = pageMarkerRe.ReplaceAllString(text, "\n")
	return emphasisRe.ReplaceAllString(text, "")
}

type span struct{ start, end int }

func overlaps(spans []span, s, e int) bool {
	for _, sp := range spans {
		if s < sp.end && e > sp.start {
			return true
		}
	}
	return false
}

// Candidates returns every candidate that survives noise suppression,
// scored and ranked by score descending then position. Duplicate
// (value, snippet) pairs collapse.
func (e *Extractor) Candidates(text string) []Candidate {
	text = clean(text)

	var (
		raw      []Candidate
		consumed []span
	)
	for _, gen := range []func(string) []Candidate{
		e.temporal, e.scale, e.ranges, e.slashes, e.bare,
	} {
		var taken []span
		for _, c := range gen(text) {
			if overlaps(consumed, c.Start, c.End) {
				continue
			}
			raw = append(raw, c)
			taken = append(taken, span{c.Start, c.End})
		}
		consumed = append(consumed, taken...)
	}

	seen := make(map[string]bool)
	var out []Candidate
	for _, c := range raw {
		c.Snippet = e.snippet(text, c.Start, c.End)
		c.Keyword = nearestKeyword(text, c.Start, c.End, e.cfg.SnippetRadius)
		c.Bibliographic = HasCitationCue(c.Snippet)
		if e.noise(text, c) {
			continue
		}
		key := formatValue(c.Value) + "\x00" + c.Snippet
		if seen[key] {
			continue
		}
		seen[key] = true
		c.Score = e.score(c)
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Start < out[j].Start
	})
	return out
}

func (e *Extractor) temporal(text string) []Candidate {
	var out []Candidate
	for _, m := range TemporalDeltas(text) {
		for i, v := range m.Values {
			out = append(out, Candidate{Value: v, Family: FamilyTemporal, Unit: m.Units[i], Start: m.Start, End: m.End})
		}
	}
	return out
}

func (e *Extractor) scale(text string) []Candidate {
	var out []Candidate
	for _, m := range ScaleQuantities(text) {
		out = append(out, Candidate{Value: m.Values[0], Family: FamilyScale, Unit: m.Units[0], Start: m.Start, End: m.End})
	}
	return out
}

func (e *Extractor) ranges(text string) []Candidate {
	var out []Candidate
	for _, m := range rangeRe.FindAllStringSubmatchIndex(text, -1) {
		a, okA := parseAnyNumber(text[m[4]:m[5]])
		b, okB := parseAnyNumber(text[m[8]:m[9]])
		if !okA || !okB || e.isYear(a) || e.isYear(b) {
			continue
		}
		a = signed(a, negated(text, m[2], m[3]))
		b = signed(b, m[6] >= 0)
		unit := ""
		if m[10] >= 0 {
			unit = strings.TrimSpace(text[m[10]:m[11]])
		}
		for _, v := range []float64{a, b, (a + b) / 2} {
			out = append(out, Candidate{Value: v, Family: FamilyRange, Unit: unit, Start: m[0], End: m[1]})
		}
	}
	return out
}

func (e *Extractor) slashes(text string) []Candidate {
	var out []Candidate
	for _, m := range slashRe.FindAllStringSubmatchIndex(text, -1) {
		if m[10] >= 0 {
			continue
		}
		left, right := text[m[4]:m[5]], text[m[8]:m[9]]
		if !strings.ContainsAny(left+right, ".%") {
			continue
		}
		sides := []struct {
			s   string
			neg bool
		}{
			{left, negated(text, m[2], m[3])},
			{right, m[7] > m[6]},
		}
		for _, side := range sides {
			unit := ""
			if strings.HasSuffix(side.s, "%") {
				unit = "%"
			}
			v, ok := parseAnyNumber(strings.TrimSuffix(side.s, "%"))
			if !ok {
				continue
			}
			out = append(out, Candidate{Value: signed(v, side.neg), Family: FamilySlash, Unit: unit, Start: m[0], End: m[1]})
		}
	}
	return out
}

func (e *Extractor) bare(text string) []Candidate {
	var out []Candidate
	for _, loc := range bareRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		neg := false
		if start > 0 {
			prev, size := utf8.DecodeLastRuneInString(text[:start])
			switch {
			case unicode.IsLetter(prev) || unicode.IsDigit(prev) || prev == '.' || prev == '/' || prev == '_':
				continue
			case prev == '-' || prev == '−':
				if negated(text, start-size, start) {
					neg, start = true, start-size
					break
				}
				// Model and metric names such as GPT-4 or top-1.
				if before, _ := utf8.DecodeLastRuneInString(text[:start-size]); unicode.IsLetter(before) {
					continue
				}
			}
		}
		unit := ""
		if um := unitRe.FindStringSubmatch(text[end:]); um != nil {
			unit = um[1]
			end += len(um[0])
		} else if end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if unicode.IsLetter(next) {
				continue
			}
		}
		v, ok := parseAnyNumber(text[loc[0]:loc[1]])
		if !ok {
			continue
		}
		out = append(out, Candidate{Value: signed(v, neg), Family: FamilyBare, Unit: unit, Start: start, End: end})
	}
	return out
}

// noise applies the suppression rules that run before scoring.
func (e *Extractor) noise(text string, c Candidate) bool {
	metricCue := c.Keyword != "" || c.Unit != ""

	switch c.Family {
	case FamilyBare, FamilySlash:
		if e.isYear(c.Value) {
			return true
		}
	}
	if c.Family == FamilyBare && math.Abs(c.Value) > e.cfg.MaxBareMagnitude {
		return true
	}
	if len([]rune(c.Snippet)) < e.cfg.MinSnippetLength || !hasLetters(c.Snippet) {
		return true
	}
	if c.Family != FamilyTemporal && c.Family != FamilyScale && isOrdinal(math.Abs(c.Value), e.cfg.MaxOrdinal) && !metricCue {
		return true
	}
	if insideBracketRef(text, c.Start, c.End) {
		return true
	}
	if c.Bibliographic && !metricCue {
		return true
	}
	return false
}

func (e *Extractor) score(c Candidate) int {
	s := 0
	if c.Keyword != "" {
		s += e.cfg.MetricKeywordScore
	}
	if c.Family == FamilyTemporal || isPercentUnit(c.Unit) || (c.Unit != "" && isTimeUnit(c.Unit)) {
		s += e.cfg.UnitScore
	}
	if c.Bibliographic {
		s += e.cfg.BibliographicPenalty
	}
	return s
}

func (e *Extractor) isYear(v float64) bool {
	return v == math.Trunc(v) && v >= e.cfg.MinYear && v <= e.cfg.MaxYear
}

func isOrdinal(v, maxOrdinal float64) bool {
	return v == math.Trunc(v) && v >= 1 && v <= maxOrdinal
}

func hasLetters(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// insideBracketRef reports whether [start,end) sits inside a reference
// marker such as [12] or [3, 7].
func insideBracketRef(text string, start, end int) bool {
	for _, loc := range bracketRefRe.FindAllStringIndex(text, -1) {
		if start >= loc[0] && end <= loc[1] {
			return true
		}
	}
	return false
}

// snippet returns the whitespace-collapsed window of radius bytes around
// [start,end), aligned to rune boundaries.
func (e *Extractor) snippet(text string, start, end int) string {
	lo := max(0, start-e.cfg.SnippetRadius)
	hi := min(len(text), end+e.cfg.SnippetRadius)
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return strings.Join(strings.Fields(text[lo:hi]), " ")
}

// nearestKeyword finds the metric keyword closest to the match within the
// snippet radius, preferring one that precedes it.
func nearestKeyword(text string, start, end, radius int) string {
	lo := max(0, start-radius)
	hi := min(len(text), end+radius)
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	before := metricKeywordRe.FindAllString(text[lo:start], -1)
	if len(before) > 0 {
		return strings.ToLower(before[len(before)-1])
	}
	return MetricKeyword(text[start:hi])
}
