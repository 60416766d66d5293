package table

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sells-group/evidence-cli/internal/model"
)

var (
	numberRe = regexp.MustCompile(`^\s*[<>~≈]?\s*([-−+]?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?(?:[eE][-+]?\d+)?|[-−+]?\.\d+)\s*(%|[A-Za-zµμ/]{1,6})?\s*(?:[±(].*)?$`)
	unitRe   = regexp.MustCompile(`\s*[(\[]([^)\]]{1,20})[)\]]\s*`)
)

// ParseNumber reads a numeric cell such as "92.1%", "1,024", "−0.5" or
// "0.82 ± 0.01".
func ParseNumber(s string) (float64, bool) {
	m := numberRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	raw := strings.ReplaceAll(strings.ReplaceAll(m[1], ",", ""), "−", "-")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Units returns the unit named in a header's parentheses or brackets.
func Units(header string) string {
	if m := unitRe.FindStringSubmatch(header); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// DataPoints converts a table's numeric cells into points. The first
// column supplies x when every populated cell in it is numeric; otherwise
// x is the 1-based row ordinal and the first cell is kept as the row label.
func DataPoints(t model.ExtractedTable) []model.DataPoint {
	if len(t.Headers) < 2 || len(t.Rows) == 0 {
		return nil
	}

	xNumeric := numericX(t)
	xVar := "row"
	if xNumeric {
		xVar = columnName(t.Headers[0], 0)
	}

	var out []model.DataPoint
	for r, row := range t.Rows {
		x := float64(r + 1)
		label := ""
		if len(row) > 0 {
			if xNumeric {
				v, ok := ParseNumber(row[0])
				if !ok {
					continue
				}
				x = v
			} else {
				label = strings.TrimSpace(row[0])
			}
		}
		for c := 1; c < len(row) && c < len(t.Headers); c++ {
			y, ok := ParseNumber(row[c])
			if !ok {
				continue
			}
			units := Units(t.Headers[c])
			if units == "" && strings.Contains(row[c], "%") {
				units = "%"
			}
			meta := map[string]any{model.MetaPage: t.PageNumber}
			if label != "" {
				meta[model.MetaRowLabel] = label
			}
			dp := model.DataPoint{
				ID:          uuid.NewString(),
				IngestionID: t.IngestionID,
				Version:     t.Version,
				XVariable:   xVar,
				YVariable:   columnName(t.Headers[c], c),
				XValue:      x,
				YValue:      y,
				Units:       units,
				Metadata:    meta,
				Provenance:  model.TableProvenance(t.ID),
			}
			dp.StampProvenance()
			out = append(out, dp)
		}
	}
	return out
}

// numericX reports whether every populated first-column cell is numeric.
func numericX(t model.ExtractedTable) bool {
	for _, row := range t.Rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		if _, ok := ParseNumber(row[0]); !ok {
			return false
		}
	}
	return true
}

// yieldsPoint reports whether DataPoints would emit at least one point
// for row.
func yieldsPoint(t model.ExtractedTable, row []string, xNumeric bool) bool {
	if len(row) == 0 {
		return false
	}
	if xNumeric {
		if _, ok := ParseNumber(row[0]); !ok {
			return false
		}
	}
	for c := 1; c < len(row) && c < len(t.Headers); c++ {
		if _, ok := ParseNumber(row[c]); ok {
			return true
		}
	}
	return false
}
