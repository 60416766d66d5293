package prose

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Prose metadata keys.
const (
	MetaFamily = "family"
	MetaScore  = "score"
)

// DataPoint converts a candidate into a prose-provenance point. x is the
// candidate's 1-based rank within its lane.
func (c Candidate) DataPoint(lane model.Lane, ordinal int) model.DataPoint {
	yVar := c.Keyword
	if yVar == "" {
		yVar = string(c.Family)
	}
	dp := model.DataPoint{
		ID:         uuid.NewString(),
		XVariable:  "ordinal",
		YVariable:  yVar,
		XValue:     float64(ordinal),
		YValue:     c.Value,
		Units:      c.Unit,
		Metadata:   map[string]any{MetaFamily: string(c.Family), MetaScore: c.Score},
		Provenance: model.ProseProvenance(lane, c.Snippet),
	}
	dp.StampProvenance()
	return dp
}

// DataPoints converts every selected candidate.
func (r Result) DataPoints() []model.DataPoint {
	out := make([]model.DataPoint, 0, len(r.Candidates))
	for i, c := range r.Candidates {
		out = append(out, c.DataPoint(r.Lane, i+1))
	}
	return out
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
