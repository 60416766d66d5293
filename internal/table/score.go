package table

import (
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/evidence-cli/internal/model"
)

// structuralFlags mark a table whose shape is incomplete.
var structuralFlags = map[string]bool{
	model.FlagTooFewColumns:   true,
	model.FlagTooFewRows:      true,
	model.FlagInconsistentRow: true,
	model.FlagEmptyHeader:     true,
}

// Score rates a header and its data rows in [0,1] and returns the QA flags
// that lowered it. Missing trailing cells count as empty. The consistency
// bonus offsets at most half of the accumulated penalties, so a table never
// outscores an otherwise identical one with fewer empty cells.
func Score(headers []string, rows [][]string, cfg Config) (float64, []string) {
	var (
		penalty float64
		flags   []string
	)
	add := func(p float64, flag string) {
		penalty += p
		if flag != "" {
			flags = append(flags, flag)
		}
	}

	width := len(headers)
	if width < cfg.MinColumns {
		add(cfg.TooFewColumnsPenalty, model.FlagTooFewColumns)
	}
	if len(rows) < cfg.MinDataRows {
		add(cfg.TooFewRowsPenalty, model.FlagTooFewRows)
	}

	var empty, total, inconsistent int
	for _, row := range rows {
		if len(row) != width {
			inconsistent++
		}
		n := max(len(row), width)
		total += n
		empty += n - nonEmpty(row)
	}
	if total > 0 {
		ratio := float64(empty) / float64(total)
		switch {
		case ratio > cfg.HighEmptyRatio:
			add(cfg.HighEmptyPenalty, model.FlagHighEmptyRatio)
		case ratio > cfg.ModerateEmptyRatio:
			add(cfg.ModerateEmptyPenalty, model.FlagModerateEmpty)
		}
		add(cfg.EmptyCellPenalty*ratio, "")
	}

	if inconsistent > 0 {
		add(cfg.InconsistentRowPenalty*float64(inconsistent)/float64(len(rows)), model.FlagInconsistentRow)
	}
	if width > 0 && nonEmpty(headers) == 0 {
		add(cfg.EmptyHeaderPenalty, model.FlagEmptyHeader)
	}

	conf := 1.0 - penalty
	if inconsistent == 0 && len(rows) > 0 {
		conf += math.Min(cfg.ConsistencyBonus, penalty/2)
	}
	conf = math.Max(0, math.Min(1, conf))

	if conf < cfg.MinConfidence {
		flags = append(flags, model.FlagLowConfidence)
	}
	return conf, flags
}

// Status derives the parse status from a score and its flags.
func Status(conf float64, flags []string) model.ParseStatus {
	if conf <= 0 {
		return model.ParseStatusFailed
	}
	for _, f := range flags {
		if structuralFlags[f] {
			return model.ParseStatusPartial
		}
	}
	return model.ParseStatusParsed
}

// Trusted reports whether conf meets the threshold. Equality is trusted.
func Trusted(conf, threshold float64) bool {
	return conf >= threshold
}

// Partition splits tables into trusted and flagged sets.
func Partition(tables []model.ExtractedTable, threshold float64) (trusted, flagged []model.ExtractedTable) {
	for _, t := range tables {
		if Trusted(t.Confidence, threshold) {
			trusted = append(trusted, t)
		} else {
			flagged = append(flagged, t)
		}
	}
	return trusted, flagged
}

// NumericRows counts the rows of trusted tables that produce at least one
// data point. A numeric label column alone does not count.
func NumericRows(tables []model.ExtractedTable, threshold float64) int {
	n := 0
	for _, t := range tables {
		if !Trusted(t.Confidence, threshold) || len(t.Headers) < 2 {
			continue
		}
		xNumeric := numericX(t)
		for _, row := range t.Rows {
			if yieldsPoint(t, row, xNumeric) {
				n++
			}
		}
	}
	return n
}

// columnName returns a header without its unit suffix, or a positional
// name when the header is blank.
func columnName(header string, idx int) string {
	name := strings.TrimSpace(unitRe.ReplaceAllString(header, ""))
	if name == "" {
		return "column_" + strconv.Itoa(idx+1)
	}
	return name
}
