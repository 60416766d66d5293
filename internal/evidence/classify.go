// Package evidence classifies numbers found in documents so that reference
// markers, section numbers and bibliographic values are never reported as
// findings.
package evidence

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/prose"
)

// Result is the classifier verdict for one value.
type Result struct {
	Category   model.EvidenceCategory
	Confidence model.EvidenceConfidence
}

const (
	minYear = 1900
	maxYear = 2100
)

var (
	bracketRefRe  = regexp.MustCompile(`\[\s*(\d+(?:\s*[,–-]\s*\d+)*)\s*\]`)
	citationCueRe = regexp.MustCompile(`(?i)(et\s+al\b|\(\s*(?:19|20)\d{2}[a-z]?\s*\)|\bjournal\b|\bcopyright\b|©|\bproceedings\b|\bpublished\b)`)
	structuralRe  = regexp.MustCompile(`(?i)\b(?:section|sec\.|§|figure|fig\.|table|tab\.|chapter|ch\.|equation|eq\.|appendix|step|part|page|p\.)\s*\(?(\d+(?:\.\d+)*)`)
	bibliographRe = regexp.MustCompile(`(?i)(\bdoi\b|\b10\.\d{4,9}/|\bissn\b|\bisbn\b|\bvol(?:ume)?\.?\s*\d|\bissue\b|\bno\.\s*\d|\bpp?\.\s*\d|\bpages?\b|licen[cs]e|creative\s+commons|©|\bcopyright\b|\b\d+\s*\(\d+\))`)
	enumerationRe = regexp.MustCompile(`(?i)\b(?:\d+|two|three|four|five|six|seven|eight|nine|ten)\s+(?:main|key|critical|major|primary|common|important|distinct|different|core|basic)\s+(?:\w+\s+){0,2}(?:areas?|effects?|steps?|factors?|categories|types?|themes?|components?|stages?|phases?|dimensions?|aspects?|challenges?|domains?|groups?|classes|principles?|pillars?|questions?)\b`)
	numberLiteral = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Classify assigns a category to value given its surrounding text. Rules
// are evaluated in order and the first match wins:
//
//  1. bracketed reference marker containing the value: reference_index
//  2. year-like value with a citation cue: citation_year
//  3. temporal delta or scale quantifier containing the value: potential_metric
//  4. section, figure, table or similar reference naming the value: structural
//  5. bibliographic cue: bibliographic
//  6. enumeration language without a metric signal: structural
//  7. metric keyword or unit: potential_metric, otherwise structural
func Classify(value float64, snippet string) Result {
	switch {
	case inBracketRef(value, snippet):
		return low(model.CategoryReferenceIndex)
	case isYear(value) && citationCueRe.MatchString(snippet):
		return low(model.CategoryCitationYear)
	}

	if temporal, ok := inQuantityPattern(value, snippet); ok {
		if temporal || prose.HasPercent(snippet) {
			return Result{Category: model.CategoryPotentialMetric, Confidence: model.ConfidenceHigh}
		}
		return Result{Category: model.CategoryPotentialMetric, Confidence: model.ConfidenceMedium}
	}

	metricSignal := prose.HasMetricKeyword(snippet) || prose.HasUnit(snippet)
	switch {
	case namesStructure(value, snippet):
		return low(model.CategoryStructural)
	case bibliographRe.MatchString(snippet):
		return low(model.CategoryBibliographic)
	case enumerationRe.MatchString(snippet) && !metricSignal:
		return low(model.CategoryStructural)
	case metricSignal:
		if prose.HasPercent(snippet) {
			return Result{Category: model.CategoryPotentialMetric, Confidence: model.ConfidenceHigh}
		}
		return Result{Category: model.CategoryPotentialMetric, Confidence: model.ConfidenceMedium}
	default:
		return low(model.CategoryStructural)
	}
}

func low(c model.EvidenceCategory) Result {
	return Result{Category: c, Confidence: model.ConfidenceLow}
}

// ClassifyAll returns a copy of items with Category and Confidence set.
func ClassifyAll(items []model.NumericEvidence) []model.NumericEvidence {
	out := make([]model.NumericEvidence, len(items))
	for i, it := range items {
		r := Classify(it.Value, it.Snippet)
		it.Category, it.Confidence = r.Category, r.Confidence
		out[i] = it
	}
	return out
}

// Findings keeps the items classified as potential metrics.
func Findings(items []model.NumericEvidence) []model.NumericEvidence {
	out := make([]model.NumericEvidence, 0, len(items))
	for _, it := range items {
		if it.Category == model.CategoryPotentialMetric {
			out = append(out, it)
		}
	}
	return out
}

func equal(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func isYear(v float64) bool {
	return v == math.Trunc(v) && v >= minYear && v <= maxYear
}

func inBracketRef(value float64, snippet string) bool {
	if value != math.Trunc(value) {
		return false
	}
	for _, m := range bracketRefRe.FindAllStringSubmatch(snippet, -1) {
		for _, part := range strings.Split(m[1], ",") {
			bounds := strings.FieldsFunc(part, func(r rune) bool { return r == '-' || r == '–' })
			switch len(bounds) {
			case 1:
				if n, err := strconv.Atoi(strings.TrimSpace(bounds[0])); err == nil && float64(n) == value {
					return true
				}
			case 2:
				lo, errLo := strconv.Atoi(strings.TrimSpace(bounds[0]))
				hi, errHi := strconv.Atoi(strings.TrimSpace(bounds[1]))
				if errLo == nil && errHi == nil && value >= float64(lo) && value <= float64(hi) {
					return true
				}
			}
		}
	}
	return false
}

// inQuantityPattern reports whether value belongs to a temporal delta or
// scale quantifier in snippet, and whether the match was temporal.
func inQuantityPattern(value float64, snippet string) (temporal bool, ok bool) {
	contains := func(m prose.Match) bool {
		for _, v := range m.Values {
			if equal(v, value) {
				return true
			}
		}
		for _, lit := range numberLiteral.FindAllString(snippet[m.Start:m.End], -1) {
			if v, err := strconv.ParseFloat(lit, 64); err == nil && equal(v, value) {
				return true
			}
		}
		return false
	}
	for _, m := range prose.TemporalDeltas(snippet) {
		if contains(m) {
			return true, true
		}
	}
	for _, m := range prose.ScaleQuantities(snippet) {
		if contains(m) {
			return false, true
		}
	}
	return false, false
}

func namesStructure(value float64, snippet string) bool {
	for _, m := range structuralRe.FindAllStringSubmatch(snippet, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && equal(v, value) {
			return true
		}
		head, _, _ := strings.Cut(m[1], ".")
		if v, err := strconv.ParseFloat(head, 64); err == nil && equal(v, value) {
			return true
		}
	}
	return false
}
