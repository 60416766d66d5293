// Package export writes an ingestion's tables and data points to an XLSX
// workbook.
package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
	"github.com/sells-group/evidence-cli/internal/table"
)

// Sheet names that are always present.
const (
	SheetSummary = "Summary"
	SheetPoints  = "Points"
)

// Trust labels written next to each table.
const (
	LabelTrusted = "trusted"
	LabelFlagged = "flagged"
)

var pointHeaders = []string{
	"id", "x_variable", "x_value", "y_variable", "y_value", "units",
	"source", "table_id", "lane", "snippet", "evidence_category", "confidence",
}

// Workbook is everything an export needs about one ingestion.
type Workbook struct {
	Ingestion *model.Ingestion
	Tables    []model.ExtractedTable
	Points    []model.DataPoint
	Threshold float64
}

// Load reads the current version of an ingestion's artefacts from st.
func Load(ctx context.Context, st store.Store, ingestionID string, threshold float64) (*Workbook, error) {
	ing, err := st.GetIngestion(ctx, ingestionID)
	if err != nil {
		return nil, eris.Wrap(err, "export: load ingestion")
	}
	tables, err := st.GetExtractedTables(ctx, ingestionID)
	if err != nil {
		return nil, eris.Wrap(err, "export: load tables")
	}
	points, err := st.GetDataPoints(ctx, ingestionID)
	if err != nil {
		return nil, eris.Wrap(err, "export: load points")
	}
	return &Workbook{Ingestion: ing, Tables: tables, Points: points, Threshold: threshold}, nil
}

// Build lays the workbook out as a summary sheet, one sheet per table and a
// points sheet.
func (w *Workbook) Build() (*xlsx.File, error) {
	if w.Ingestion == nil {
		return nil, eris.New("export: workbook has no ingestion")
	}
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	w.writeSummary(summary)

	for i, t := range w.Tables {
		sheet, err := f.AddSheet(TableSheetName(i, t))
		if err != nil {
			return nil, eris.Wrapf(err, "export: add sheet for table %s", t.ID)
		}
		w.writeTable(sheet, t)
	}

	points, err := f.AddSheet(SheetPoints)
	if err != nil {
		return nil, eris.Wrap(err, "export: add points sheet")
	}
	writePoints(points, w.Points)
	return f, nil
}

// Write encodes the workbook to out.
func (w *Workbook) Write(out io.Writer) error {
	f, err := w.Build()
	if err != nil {
		return err
	}
	if err := f.Write(out); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

// Save writes the workbook to path.
func (w *Workbook) Save(path string) error {
	f, err := w.Build()
	if err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	zap.L().Info("export: workbook saved",
		zap.String("ingestion_id", w.Ingestion.ID),
		zap.String("path", path),
		zap.Int("tables", len(w.Tables)),
		zap.Int("points", len(w.Points)),
	)
	return nil
}

// TableSheetName names the sheet for the i-th table. Names stay well under
// the 31 character limit Excel imposes.
func TableSheetName(i int, t model.ExtractedTable) string {
	return fmt.Sprintf("Table %d (p%d)", i+1, t.PageNumber)
}

func (w *Workbook) trust(t model.ExtractedTable) string {
	if table.Trusted(t.Confidence, w.Threshold) {
		return LabelTrusted
	}
	return LabelFlagged
}

func (w *Workbook) writeSummary(sheet *xlsx.Sheet) {
	ing := w.Ingestion
	pairs := [][2]any{
		{"ingestion_id", ing.ID},
		{"file_name", ing.FileName},
		{"owner_id", ing.OwnerID},
		{"status", string(ing.Status)},
		{"version", ing.Version},
		{"page_count", ing.PageCount},
		{"content_hash", ing.ContentHash},
		{"confidence_threshold", w.Threshold},
	}
	for _, p := range pairs {
		addRow(sheet, p[0], p[1])
	}

	addRow(sheet)
	addRow(sheet, "sheet", "table_id", "page", "index", "confidence", "trust", "parse_status", "flags")
	for i, t := range w.Tables {
		addRow(sheet, TableSheetName(i, t), t.ID, t.PageNumber, t.TableIndex, t.Confidence,
			w.trust(t), string(t.ParseStatus), strings.Join(t.Flags, ","))
	}
}

func (w *Workbook) writeTable(sheet *xlsx.Sheet, t model.ExtractedTable) {
	addRow(sheet, "table_id", t.ID)
	addRow(sheet, "trust", w.trust(t))
	addRow(sheet, "confidence", t.Confidence)
	if len(t.Flags) > 0 {
		addRow(sheet, "flags", strings.Join(t.Flags, ","))
	}
	addRow(sheet)

	header := sheet.AddRow()
	for _, h := range t.Headers {
		header.AddCell().SetString(h)
	}
	for _, r := range t.Rows {
		row := sheet.AddRow()
		for _, v := range r {
			cell := row.AddCell()
			if n, ok := table.ParseNumber(v); ok {
				cell.SetFloat(n)
			} else {
				cell.SetString(v)
			}
		}
	}
}

func writePoints(sheet *xlsx.Sheet, points []model.DataPoint) {
	header := sheet.AddRow()
	for _, h := range pointHeaders {
		header.AddCell().SetString(h)
	}
	for _, p := range points {
		addRow(sheet,
			p.ID, p.XVariable, p.XValue, p.YVariable, p.YValue, p.Units,
			string(p.Provenance.Kind), p.Provenance.TableID, string(p.Provenance.Lane), p.Provenance.Snippet,
			metaString(p.Metadata, model.MetaEvidenceCategory), metaString(p.Metadata, model.MetaConfidence),
		)
	}
}

func addRow(sheet *xlsx.Sheet, values ...any) {
	row := sheet.AddRow()
	for _, v := range values {
		cell := row.AddCell()
		switch x := v.(type) {
		case float64:
			cell.SetFloat(x)
		case int:
			cell.SetInt(x)
		case string:
			cell.SetString(x)
		default:
			cell.SetString(fmt.Sprint(x))
		}
	}
}

func metaString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
