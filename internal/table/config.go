package table

import "github.com/sells-group/evidence-cli/internal/config"

// Config holds every threshold used by the extractor and scorer.
type Config struct {
	RowTolerance          float64 // max y delta for fragments on one row
	ColumnClusterDistance float64 // max x delta inside one column band
	ColumnMargin          float64 // band starts this far left of its min x
	CharWidth             float64 // per-rune width allowance when a fragment has none
	CellGap               float64 // min horizontal gap separating two cells
	MinColumns            int
	MinDataRows           int
	HeaderFillRatio       float64 // share of non-empty cells a header row needs

	TooFewColumnsPenalty   float64
	TooFewRowsPenalty      float64
	HighEmptyRatio         float64
	HighEmptyPenalty       float64
	ModerateEmptyRatio     float64
	ModerateEmptyPenalty   float64
	EmptyCellPenalty       float64 // scaled by the empty-cell ratio
	InconsistentRowPenalty float64 // scaled by the share of inconsistent rows
	EmptyHeaderPenalty     float64
	ConsistencyBonus       float64

	MinConfidence float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		RowTolerance:          3,
		ColumnClusterDistance: 15,
		ColumnMargin:          2,
		CharWidth:             5,
		CellGap:               8,
		MinColumns:            2,
		MinDataRows:           2,
		HeaderFillRatio:       0.5,

		TooFewColumnsPenalty:   0.4,
		TooFewRowsPenalty:      0.3,
		HighEmptyRatio:         0.5,
		HighEmptyPenalty:       0.3,
		ModerateEmptyRatio:     0.25,
		ModerateEmptyPenalty:   0.15,
		EmptyCellPenalty:       0.2,
		InconsistentRowPenalty: 0.2,
		EmptyHeaderPenalty:     0.3,
		ConsistencyBonus:       0.05,

		MinConfidence: 0.6,
	}
}

// FromConfig overlays the configurable extraction settings on the defaults.
func FromConfig(c config.ExtractionConfig) Config {
	cfg := DefaultConfig()
	if c.RowTolerance > 0 {
		cfg.RowTolerance = c.RowTolerance
	}
	if c.ColumnClusterDistance > 0 {
		cfg.ColumnClusterDistance = c.ColumnClusterDistance
	}
	if c.MinTableConfidence > 0 {
		cfg.MinConfidence = c.MinTableConfidence
	}
	return cfg
}
