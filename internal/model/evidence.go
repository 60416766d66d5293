package model

// EvidenceSource tags where a numeric evidence item originated.
type EvidenceSource string

const (
	EvidenceSourceTable   EvidenceSource = "table"
	EvidenceSourceProse   EvidenceSource = "prose"
	EvidenceSourceUnknown EvidenceSource = "unknown"
)

// EvidenceCategory is the classifier's verdict on a number.
type EvidenceCategory string

const (
	CategoryPotentialMetric EvidenceCategory = "potential_metric"
	CategoryBibliographic   EvidenceCategory = "bibliographic"
	CategoryStructural      EvidenceCategory = "structural"
	CategoryCitationYear    EvidenceCategory = "citation_year"
	CategoryReferenceIndex  EvidenceCategory = "reference_index"
)

// Noise reports whether the category must never be presented as a finding
// nor persisted from prose.
func (c EvidenceCategory) Noise() bool {
	switch c {
	case CategoryBibliographic, CategoryCitationYear, CategoryReferenceIndex:
		return true
	default:
		return false
	}
}

// EvidenceConfidence grades a classified number.
type EvidenceConfidence string

const (
	ConfidenceHigh   EvidenceConfidence = "high"
	ConfidenceMedium EvidenceConfidence = "medium"
	ConfidenceLow    EvidenceConfidence = "low"
)

// NumericEvidence is a transient value used in responses and classification.
type NumericEvidence struct {
	Value      float64            `json:"value"`
	Source     EvidenceSource     `json:"source"`
	Snippet    string             `json:"snippet,omitempty"`
	Category   EvidenceCategory   `json:"category,omitempty"`
	Confidence EvidenceConfidence `json:"confidence,omitempty"`
}
