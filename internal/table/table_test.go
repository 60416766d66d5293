package table

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/render"
)

func frag(text string, x, y float64) render.Fragment {
	return render.Fragment{Text: text, X: x, Y: y, Width: float64(utf8.RuneCountInString(text)) * 5, FontSize: 10}
}

func tableRows(y float64, rows ...[]string) []render.Fragment {
	xs := []float64{72, 150, 230}
	var out []render.Fragment
	for i, row := range rows {
		for j, c := range row {
			if c == "" {
				continue
			}
			out = append(out, frag(c, xs[j], y+float64(i)*14))
		}
	}
	return out
}

func trainingPage() render.Page {
	frags := []render.Fragment{frag("Table 1: Training curve", 72, 60)}
	frags = append(frags, tableRows(100,
		[]string{"Epoch", "Loss", "Accuracy (%)"},
		[]string{"1", "0.92", "71.5"},
		[]string{"2", "0.61", "80.2"},
		[]string{"3", "0.40", "86.9"},
	)...)
	frags = append(frags, frag("The model converges quickly.", 72, 180))
	return render.Page{Number: 4, Fragments: frags}
}

func TestExtractPage_SimpleTable(t *testing.T) {
	t.Parallel()

	tables := NewExtractor(DefaultConfig()).ExtractPage(trainingPage())
	require.Len(t, tables, 1)

	tbl := tables[0]
	assert.NotEmpty(t, tbl.ID)
	assert.Equal(t, 4, tbl.PageNumber)
	assert.Equal(t, 0, tbl.TableIndex)
	assert.Equal(t, []string{"Epoch", "Loss", "Accuracy (%)"}, tbl.Headers)
	require.Len(t, tbl.Rows, 3)
	assert.Equal(t, []string{"2", "0.61", "80.2"}, tbl.Rows[1])
	assert.InDelta(t, 1.0, tbl.Confidence, 0.0001)
	assert.Equal(t, model.ParseStatusParsed, tbl.ParseStatus)
	assert.Empty(t, tbl.Flags)
}

func TestExtractPage_TwoRegions(t *testing.T) {
	t.Parallel()

	frags := tableRows(100,
		[]string{"Model", "F1", "AUC"},
		[]string{"A", "0.81", "0.90"},
		[]string{"B", "0.84", "0.93"},
	)
	frags = append(frags, frag("Results on the held-out split follow.", 72, 150))
	frags = append(frags, tableRows(170,
		[]string{"Batch", "Latency", "Throughput"},
		[]string{"8", "12", "640"},
		[]string{"16", "19", "830"},
	)...)

	tables := NewExtractor(DefaultConfig()).ExtractPage(render.Page{Number: 1, Fragments: frags})
	require.Len(t, tables, 2)
	assert.Equal(t, 0, tables[0].TableIndex)
	assert.Equal(t, 1, tables[1].TableIndex)
	assert.Equal(t, "Batch", tables[1].Headers[0])
}

func TestExtractPage_RejectsTooFewDataRows(t *testing.T) {
	t.Parallel()

	frags := tableRows(100,
		[]string{"Epoch", "Loss", "Accuracy"},
		[]string{"1", "0.92", "71.5"},
	)
	assert.Empty(t, NewExtractor(DefaultConfig()).ExtractPage(render.Page{Number: 1, Fragments: frags}))
}

func TestExtractPage_ProseOnly(t *testing.T) {
	t.Parallel()

	page := render.Page{Number: 1, Fragments: []render.Fragment{
		frag("Introduction", 72, 60),
		frag("Deep", 72, 80), frag("networks", 97, 80), frag("learn.", 142, 80),
	}}
	assert.Empty(t, NewExtractor(DefaultConfig()).ExtractPage(page))
}

func TestExtractPage_RaggedRowFlagged(t *testing.T) {
	t.Parallel()

	frags := tableRows(100,
		[]string{"Epoch", "Loss", "Accuracy"},
		[]string{"1", "0.92", "71.5"},
		[]string{"2", "0.61", ""},
		[]string{"3", "0.40", "86.9"},
	)
	tables := NewExtractor(DefaultConfig()).ExtractPage(render.Page{Number: 1, Fragments: frags})
	require.Len(t, tables, 1)

	tbl := tables[0]
	assert.Equal(t, []string{"2", "0.61"}, tbl.Rows[1])
	assert.True(t, tbl.HasFlag(model.FlagInconsistentRow))
	assert.Equal(t, model.ParseStatusPartial, tbl.ParseStatus)
	assert.Less(t, tbl.Confidence, 1.0)
	assert.True(t, tbl.Trusted(0.6))
}

func TestExtract_NoPages(t *testing.T) {
	t.Parallel()
	assert.Empty(t, NewExtractor(DefaultConfig()).Extract(nil))
}

func TestExtract_AllPagesInOrder(t *testing.T) {
	t.Parallel()

	first := trainingPage()
	first.Number = 1
	prose := render.Page{Number: 2, Fragments: []render.Fragment{frag("Discussion only.", 72, 60)}}
	last := trainingPage()
	last.Number = 3

	tables := NewExtractor(DefaultConfig()).Extract([]render.Page{first, prose, last})
	require.Len(t, tables, 2)
	assert.Equal(t, 1, tables[0].PageNumber)
	assert.Equal(t, 3, tables[1].PageNumber)
	assert.NotEqual(t, tables[0].ID, tables[1].ID)
}

func TestScore_MonotonicInEmptyCells(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	headers := []string{"Epoch", "Loss", "Acc"}
	full := [][]string{
		{"1", "0.9", "70"},
		{"2", "0.6", "80"},
		{"3", "0.4", "85"},
		{"4", "0.3", "88"},
	}
	oneEmpty := [][]string{
		{"1", "0.9", "70"},
		{"2", "", "80"},
		{"3", "0.4", "85"},
		{"4", "0.3", "88"},
	}
	twoEmpty := [][]string{
		{"1", "0.9", "70"},
		{"2", "", "80"},
		{"3", "", "85"},
		{"4", "0.3", "88"},
	}

	a, _ := Score(headers, full, cfg)
	b, _ := Score(headers, oneEmpty, cfg)
	c, _ := Score(headers, twoEmpty, cfg)
	assert.Greater(t, a, b)
	assert.Greater(t, b, c)

	manyEmpty := [][]string{
		{"1", "", ""},
		{"2", "", "80"},
		{"3", "", ""},
		{"4", "", ""},
	}
	d, flags := Score(headers, manyEmpty, cfg)
	assert.Greater(t, c, d)
	assert.Contains(t, flags, model.FlagHighEmptyRatio)
}

func TestScore_Flags(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	conf, flags := Score([]string{"a"}, [][]string{{"1"}}, cfg)
	assert.InDelta(t, 0.35, conf, 0.0001)
	assert.Contains(t, flags, model.FlagTooFewColumns)
	assert.Contains(t, flags, model.FlagTooFewRows)
	assert.Contains(t, flags, model.FlagLowConfidence)
	assert.Equal(t, model.ParseStatusPartial, Status(conf, flags))

	conf, flags = Score([]string{"", ""}, [][]string{{"1", "2"}, {"3", "4"}}, cfg)
	assert.InDelta(t, 0.75, conf, 0.0001)
	assert.Equal(t, []string{model.FlagEmptyHeader}, flags)

	conf, flags = Score([]string{"a", "b"}, [][]string{{"1", "2", "3"}, {"4", "5"}}, cfg)
	assert.Contains(t, flags, model.FlagInconsistentRow)
	assert.Less(t, conf, 1.0)

	conf, flags = Score([]string{"a", "b", "c"}, [][]string{{"", "", "1"}, {"", "2", ""}, {"3", "", "4"}}, cfg)
	assert.Contains(t, flags, model.FlagHighEmptyRatio)
	assert.Greater(t, conf, 0.0)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.ParseStatusFailed, Status(0, nil))
	assert.Equal(t, model.ParseStatusParsed, Status(0.9, nil))
	assert.Equal(t, model.ParseStatusParsed, Status(0.8, []string{model.FlagModerateEmpty}))
	assert.Equal(t, model.ParseStatusPartial, Status(0.8, []string{model.FlagEmptyHeader}))
}

func TestTrustGateBoundary(t *testing.T) {
	t.Parallel()

	assert.True(t, Trusted(0.6, 0.6))
	assert.False(t, Trusted(0.5999, 0.6))

	trusted, flagged := Partition([]model.ExtractedTable{
		{ID: "at", Confidence: 0.6},
		{ID: "below", Confidence: 0.5999},
		{ID: "high", Confidence: 0.95},
	}, 0.6)
	require.Len(t, trusted, 2)
	require.Len(t, flagged, 1)
	assert.Equal(t, "below", flagged[0].ID)
}

func TestNumericRows(t *testing.T) {
	t.Parallel()

	tables := []model.ExtractedTable{
		{Confidence: 0.9, Headers: []string{"Model", "F1"}, Rows: [][]string{{"A", "0.81"}, {"B", "n/a"}, {"C", "12%"}}},
		{Confidence: 0.3, Headers: []string{"Epoch", "Loss"}, Rows: [][]string{{"1", "2"}, {"3", "4"}}},
	}
	assert.Equal(t, 2, NumericRows(tables, 0.6))
	assert.Equal(t, 4, NumericRows(tables, 0.2))
}

func TestNumericRows_LabelColumnOnly(t *testing.T) {
	t.Parallel()

	years := model.ExtractedTable{
		Confidence: 0.9,
		Headers:    []string{"Year", "Model"},
		Rows:       [][]string{{"2019", "BERT"}, {"2020", "GPT-3"}, {"2021", "PaLM"}},
	}
	assert.Empty(t, DataPoints(years))
	assert.Equal(t, 0, NumericRows([]model.ExtractedTable{years}, 0.6))

	noHeaders := model.ExtractedTable{Confidence: 0.9, Rows: [][]string{{"1", "2"}, {"3", "4"}}}
	assert.Equal(t, 0, NumericRows([]model.ExtractedTable{noHeaders}, 0.6))
}

func TestNumericRows_MatchesDataPointRows(t *testing.T) {
	t.Parallel()

	tbl := model.ExtractedTable{
		Confidence: 0.9,
		Headers:    []string{"Epoch", "Loss", "Acc (%)"},
		Rows:       [][]string{{"1", "0.9", "61"}, {"2", "-", "n/a"}, {"n/a", "0.4", "80"}, {"4", "0.2", "88"}},
	}
	// "n/a" in the x column makes the row ordinal the x variable.
	rows := map[float64]bool{}
	for _, p := range DataPoints(tbl) {
		rows[p.XValue] = true
	}
	assert.Equal(t, len(rows), NumericRows([]model.ExtractedTable{tbl}, 0.6))
}

func TestParseNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"92.1%", 92.1, true},
		{"1,024", 1024, true},
		{"−0.5", -0.5, true},
		{"0.82 ± 0.01", 0.82, true},
		{"12 ms", 12, true},
		{".5", 0.5, true},
		{"3 (12%)", 3, true},
		{"abc", 0, false},
		{"", 0, false},
		{"BERT-large", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseNumber(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestUnits(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "%", Units("Accuracy (%)"))
	assert.Equal(t, "ms", Units("Latency [ms]"))
	assert.Empty(t, Units("Loss"))
}

func TestDataPoints_NumericX(t *testing.T) {
	t.Parallel()

	tables := NewExtractor(DefaultConfig()).ExtractPage(trainingPage())
	require.Len(t, tables, 1)
	tbl := tables[0]
	tbl.IngestionID = "ing-1"
	tbl.Version = 2

	pts := DataPoints(tbl)
	require.Len(t, pts, 6)

	first := pts[0]
	assert.Equal(t, "Epoch", first.XVariable)
	assert.Equal(t, "Loss", first.YVariable)
	assert.InDelta(t, 1, first.XValue, 1e-9)
	assert.InDelta(t, 0.92, first.YValue, 1e-9)
	assert.Equal(t, "ing-1", first.IngestionID)
	assert.Equal(t, 2, first.Version)
	assert.Equal(t, tbl.ID, first.SourceTableID())
	assert.Equal(t, model.SourceTableExtraction, first.Metadata[model.MetaSource])

	acc := pts[1]
	assert.Equal(t, "Accuracy", acc.YVariable)
	assert.Equal(t, "%", acc.Units)
}

func TestDataPoints_LabelledRows(t *testing.T) {
	t.Parallel()

	pts := DataPoints(model.ExtractedTable{
		ID:      "t1",
		Headers: []string{"Model", "F1"},
		Rows:    [][]string{{"BERT", "0.91"}, {"GPT", "0.88"}, {"Baseline", "-"}},
	})
	require.Len(t, pts, 2)
	assert.Equal(t, "row", pts[0].XVariable)
	assert.InDelta(t, 2, pts[1].XValue, 1e-9)
	assert.Equal(t, "GPT", pts[1].Metadata[model.MetaRowLabel])
	assert.Equal(t, "F1", pts[1].YVariable)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg := FromConfig(configWith(0.75, 4, 20))
	assert.InDelta(t, 0.75, cfg.MinConfidence, 1e-9)
	assert.InDelta(t, 4, cfg.RowTolerance, 1e-9)
	assert.InDelta(t, 20, cfg.ColumnClusterDistance, 1e-9)
	assert.InDelta(t, 8, cfg.CellGap, 1e-9)
}

func configWith(minConf, rowTol, clusterDist float64) config.ExtractionConfig {
	return config.ExtractionConfig{
		MinTableConfidence:    minConf,
		RowTolerance:          rowTol,
		ColumnClusterDistance: clusterDist,
	}
}
