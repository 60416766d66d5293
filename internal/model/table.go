package model

import "time"

// ParseStatus describes how cleanly a table was reconstructed.
type ParseStatus string

const (
	ParseStatusParsed  ParseStatus = "parsed"
	ParseStatusPartial ParseStatus = "partial"
	ParseStatusFailed  ParseStatus = "failed"
)

// QA flags attached to extracted tables.
const (
	FlagTooFewColumns   = "too_few_columns"
	FlagTooFewRows      = "too_few_rows"
	FlagHighEmptyRatio  = "high_empty_ratio"
	FlagModerateEmpty   = "moderate_empty_ratio"
	FlagInconsistentRow = "inconsistent_row_lengths"
	FlagEmptyHeader     = "empty_header"
	FlagLowConfidence   = "low_confidence"
)

// ExtractedTable is one table recovered from a page.
type ExtractedTable struct {
	ID          string      `json:"id"`
	IngestionID string      `json:"ingestion_id"`
	Version     int         `json:"version"`
	PageNumber  int         `json:"page_number"`
	TableIndex  int         `json:"table_index"`
	Headers     []string    `json:"headers"`
	Rows        [][]string  `json:"rows"`
	Confidence  float64     `json:"confidence"`
	ParseStatus ParseStatus `json:"parse_status"`
	Flags       []string    `json:"flags,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Trusted reports whether the table meets the confidence threshold.
func (t *ExtractedTable) Trusted(threshold float64) bool {
	return t.Confidence >= threshold
}

// HasFlag reports whether the table carries the given QA flag.
func (t *ExtractedTable) HasFlag(flag string) bool {
	for _, f := range t.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
