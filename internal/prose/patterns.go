package prose

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Family names the pattern that produced a candidate.
type Family string

const (
	FamilyRange    Family = "range"
	FamilySlash    Family = "slash_pair"
	FamilyBare     Family = "bare_number"
	FamilyTemporal Family = "temporal_delta"
	FamilyScale    Family = "scale_quantifier"
)

var numberWords = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"thirteen": 13, "fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17,
	"eighteen": 18, "nineteen": 19, "twenty": 20, "thirty": 30, "forty": 40,
	"fifty": 50, "sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

// scaleMultipliers maps quantifier words to their magnitude.
var scaleMultipliers = map[string]float64{
	"thousand": 1e3, "million": 1e6, "billion": 1e9, "trillion": 1e12,
	"kilobyte": 1e3, "megabyte": 1e6, "gigabyte": 1e9, "terabyte": 1e12, "petabyte": 1e15,
	"kb": 1e3, "mb": 1e6, "gb": 1e9, "tb": 1e12, "pb": 1e15,
}

const (
	wordNum  = `(?:zero|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty|thirty|forty|fifty|sixty|seventy|eighty|ninety|hundred|thousand)`
	wordNums = wordNum + `(?:[\s-]+(?:and\s+)?` + wordNum + `)*`
	digitNum = `\d+(?:\.\d+)?`
	anyNum   = `(?:` + digitNum + `|` + wordNums + `)`
	timeUnit = `(?:milliseconds?|minutes?|seconds?|hours?|days?|weeks?|months?|years?|mins?|secs?|hrs?|ms|min|h|s)`
)

var (
	temporalRe = regexp.MustCompile(`(?i)(?:\bfrom\s+)?\b(` + anyNum + `)\s*(` + timeUnit + `)\s+(?:down\s+|up\s+)?to\s+(` + anyNum + `)\s*(` + timeUnit + `)\b`)
	scaleRe    = regexp.MustCompile(`(?i)\b(?:(` + anyNum + `)\s+)?(thousands?|millions?|billions?|trillions?|kilobytes?|megabytes?|gigabytes?|terabytes?|petabytes?)\b(\s+of\b)?`)
	scaleAbbr  = regexp.MustCompile(`\b(` + digitNum + `)\s*(KB|MB|GB|TB|PB)\b`)
	rangeRe    = regexp.MustCompile(`(?i)([-−]?)\b(` + digitNum + `)\s*(?:–|—|-|to)(?:\s+([-−]))?\s*(` + digitNum + `)(\s*(?:%|percent\b))?`)
	slashRe    = regexp.MustCompile(`([-−]?)\b(` + digitNum + `%?)\s*/\s*([-−]?)(` + digitNum + `%?)(/\d)?`)
	bareRe     = regexp.MustCompile(`(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?`)
	unitRe     = regexp.MustCompile(`(?i)^\s?(%|percent\b|pct\b|` + timeUnit + `\b|x\b|×|fps\b|qps\b|rps\b|dB\b|[kmgtp]b\b)`)
)

// ParseNumberWords converts "twenty-five" or "two hundred and five" to a
// value. ok is false when s contains a non-number word.
func ParseNumberWords(s string) (float64, bool) {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return 0, false
	}
	var total, current float64
	for _, w := range fields {
		switch w {
		case "and":
			continue
		case "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
		case "thousand":
			if current == 0 {
				current = 1
			}
			total += current * 1000
			current = 0
		default:
			v, ok := numberWords[w]
			if !ok {
				return 0, false
			}
			current += v
		}
	}
	return total + current, true
}

// parseAnyNumber reads digits or number words.
func parseAnyNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
		return v, true
	}
	return ParseNumberWords(s)
}

// signContext lists the runes after which a leading minus is a sign
// rather than a hyphen.
const signContext = "([{=:;,<>≈~"

// negated reports whether text[s:e] holds a minus sign that applies to
// the number following it. A sign glued to a word or another dash, as in
// GPT-4 or 10--20, does not.
func negated(text string, s, e int) bool {
	if s < 0 || e <= s {
		return false
	}
	if s == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:s])
	return unicode.IsSpace(prev) || strings.ContainsRune(signContext, prev)
}

func signed(v float64, neg bool) float64 {
	if neg {
		return -v
	}
	return v
}

// Match is one recognised numeric expression.
type Match struct {
	Start  int
	End    int
	Values []float64
	Units  []string
}

// TemporalDeltas finds before/after duration pairs such as
// "three hours to fifteen minutes" or "from 3 h to 15 min".
func TemporalDeltas(text string) []Match {
	var out []Match
	for _, m := range temporalRe.FindAllStringSubmatchIndex(text, -1) {
		a, okA := parseAnyNumber(text[m[2]:m[3]])
		b, okB := parseAnyNumber(text[m[6]:m[7]])
		if !okA || !okB {
			continue
		}
		out = append(out, Match{
			Start:  m[0],
			End:    m[1],
			Values: []float64{a, b},
			Units:  []string{strings.ToLower(text[m[4]:m[5]]), strings.ToLower(text[m[8]:m[9]])},
		})
	}
	return out
}

// ScaleQuantities finds magnitude expressions such as "billions of events",
// "2.5 million users" or "3 PB". A quantifier with no number counts once
// only when used as "<plural> of".
func ScaleQuantities(text string) []Match {
	var out []Match
	for _, m := range scaleRe.FindAllStringSubmatchIndex(text, -1) {
		word := strings.ToLower(text[m[4]:m[5]])
		mult := scaleMultipliers[strings.TrimSuffix(word, "s")]
		value := mult
		if m[2] >= 0 {
			n, ok := parseAnyNumber(text[m[2]:m[3]])
			if !ok {
				continue
			}
			value = n * mult
		} else if m[6] < 0 || !strings.HasSuffix(word, "s") {
			continue
		}
		out = append(out, Match{Start: m[0], End: m[1], Values: []float64{value}, Units: []string{strings.TrimSuffix(word, "s")}})
	}
	for _, m := range scaleAbbr.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.ParseFloat(text[m[2]:m[3]], 64)
		if err != nil {
			continue
		}
		unit := strings.ToLower(text[m[4]:m[5]])
		out = append(out, Match{Start: m[0], End: m[1], Values: []float64{n * scaleMultipliers[unit]}, Units: []string{unit}})
	}
	return out
}

var (
	metricKeywordRe = regexp.MustCompile(`(?i)\b(precision|recall|f1(?:[\s-]?score)?|f-score|accuracy|auc|roc|latency|loss|throughput|error(?:\s+rate)?|rmse|mae|mse|mape|bleu|rouge|perplexity|speed-?up|improvement|improved|reduction|reduced|increase|increased|decrease|decreased|faster|slower|sensitivity|specificity|p-value|correlation|r2|r²|iou|top-[15]|success\s+rate|response\s+time|runtime|efficiency|uptime|availability|detection\s+rate|false\s+positives?|yield|gain)\b`)
	percentRe       = regexp.MustCompile(`(?i)(%|\bpercent\b|\bpct\b)`)
	citationCueRe   = regexp.MustCompile(`(?i)(et\s+al\.?|\bvol\.?\s*\d|\bvolume\s+\d|\bpp\.?\s*\d|\bdoi\b|\b10\.\d{4,9}/|\bjournal\b|\bproceedings\b|\bconference\b|\bin:\s|retrieved\s+from|available\s+at|https?://|\(\d{4}[a-z]?\)|\b\d+\s*\(\d+\)|\bisbn\b|\bissn\b|©|copyright|\barxiv\b|\bpreprint\b|\breviews?\b,)`)
	bracketRefRe    = regexp.MustCompile(`\[\s*\d+(?:\s*[,–-]\s*\d+)*\s*\]`)
)

// MetricKeyword returns the first metric keyword in s, lower-cased.
func MetricKeyword(s string) string {
	return strings.ToLower(metricKeywordRe.FindString(s))
}

// HasMetricKeyword reports whether s names a metric.
func HasMetricKeyword(s string) bool { return metricKeywordRe.MatchString(s) }

// HasPercent reports whether s carries an explicit percent marker.
func HasPercent(s string) bool { return percentRe.MatchString(s) }

// HasCitationCue reports whether s looks like part of a reference entry.
func HasCitationCue(s string) bool { return citationCueRe.MatchString(s) }

var timeUnitRe = regexp.MustCompile(`(?i)^` + timeUnit + `$`)

func isTimeUnit(u string) bool {
	return timeUnitRe.MatchString(strings.TrimSpace(u))
}

func isPercentUnit(u string) bool {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case "%", "percent", "pct":
		return true
	default:
		return false
	}
}

var unitInTextRe = regexp.MustCompile(`(?i)\d\s*(%|percent\b|` + timeUnit + `\b|x\b|×|fps\b|qps\b|rps\b|dB\b|[kmgtp]b\b)`)

// HasUnit reports whether s contains a number followed by a metric unit.
func HasUnit(s string) bool { return unitInTextRe.MatchString(s) }
