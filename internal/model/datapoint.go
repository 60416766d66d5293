package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Lane is the confidence tier a prose-derived value was selected from.
type Lane string

const (
	LaneNone   Lane = ""
	LaneStrong Lane = "strong"
	LaneWeak   Lane = "weak"
)

// ProvenanceKind discriminates where a data point came from.
type ProvenanceKind string

const (
	ProvenanceTable ProvenanceKind = "table"
	ProvenanceProse ProvenanceKind = "prose"
)

// Provenance is a tagged variant: table provenance carries TableID, prose
// provenance carries Lane and Snippet.
type Provenance struct {
	Kind    ProvenanceKind `json:"kind"`
	TableID string         `json:"table_id,omitempty"`
	Lane    Lane           `json:"lane,omitempty"`
	Snippet string         `json:"snippet,omitempty"`
}

// TableProvenance builds provenance for a value read from an extracted table.
func TableProvenance(tableID string) Provenance {
	return Provenance{Kind: ProvenanceTable, TableID: tableID}
}

// ProseProvenance builds provenance for a value mined from free text.
func ProseProvenance(lane Lane, snippet string) Provenance {
	return Provenance{Kind: ProvenanceProse, Lane: lane, Snippet: snippet}
}

// Validate checks that the variant carries the fields its kind requires.
func (p Provenance) Validate() error {
	switch p.Kind {
	case ProvenanceTable:
		if p.TableID == "" {
			return eris.New("model: table provenance requires a table id")
		}
	case ProvenanceProse:
		if p.Lane == LaneNone || p.Snippet == "" {
			return eris.New("model: prose provenance requires lane and snippet")
		}
	default:
		return eris.Errorf("model: unknown provenance kind %q", p.Kind)
	}
	return nil
}

// DataPoint is one numeric observation extracted from a document.
type DataPoint struct {
	ID          string         `json:"id"`
	IngestionID string         `json:"ingestion_id,omitempty"`
	Version     int            `json:"version"`
	XVariable   string         `json:"x_variable"`
	YVariable   string         `json:"y_variable"`
	XValue      float64        `json:"x_value"`
	YValue      float64        `json:"y_value"`
	Units       string         `json:"units,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Provenance  Provenance     `json:"provenance"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SourceTableID returns the table id for table-derived points, "" otherwise.
func (d *DataPoint) SourceTableID() string {
	if d.Provenance.Kind == ProvenanceTable {
		return d.Provenance.TableID
	}
	return ""
}

// StampProvenance copies the provenance variant into the metadata map so
// consumers reading only metadata can still recompute trust.
func (d *DataPoint) StampProvenance() {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	switch d.Provenance.Kind {
	case ProvenanceProse:
		d.Metadata[MetaSource] = SourceProseExtraction
		d.Metadata[MetaExtractionLane] = string(d.Provenance.Lane)
		d.Metadata[MetaContextSnippet] = d.Provenance.Snippet
	case ProvenanceTable:
		d.Metadata[MetaSource] = SourceTableExtraction
	}
}

// MarshalMetadata encodes a metadata map, treating nil as an empty object.
func MarshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal metadata")
	}
	return b, nil
}

// UnmarshalMetadata decodes a metadata column; empty input yields nil.
func UnmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrap(err, "model: unmarshal metadata")
	}
	return m, nil
}
