package ingest

import (
	"strconv"
	"strings"

	"github.com/sells-group/evidence-cli/internal/evidence"
	"github.com/sells-group/evidence-cli/internal/model"
)

// EvidenceFor classifies every data point as numeric evidence. Table values
// are judged against their column header, prose values against the
// snippet they were mined from.
func EvidenceFor(points []model.DataPoint) []model.NumericEvidence {
	items := make([]model.NumericEvidence, 0, len(points))
	for i := range points {
		p := &points[i]
		item := model.NumericEvidence{Value: p.YValue, Source: model.EvidenceSourceUnknown}
		switch p.Provenance.Kind {
		case model.ProvenanceTable:
			item.Source = model.EvidenceSourceTable
			item.Snippet = tableSnippet(p)
		case model.ProvenanceProse:
			item.Source = model.EvidenceSourceProse
			item.Snippet = p.Provenance.Snippet
		}
		items = append(items, item)
	}
	return evidence.ClassifyAll(items)
}

func tableSnippet(p *model.DataPoint) string {
	parts := []string{p.YVariable, strconv.FormatFloat(p.YValue, 'g', -1, 64) + p.Units}
	if label, ok := p.Metadata[model.MetaRowLabel].(string); ok && label != "" {
		parts = append([]string{label}, parts...)
	}
	return strings.Join(parts, " ")
}
