// Package table recovers tables from positioned text fragments by row
// grouping and x-position clustering, then scores each table's confidence.
package table

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/render"
)

// Extractor detects tables page by page.
type Extractor struct {
	cfg Config
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// Config returns the extractor's thresholds.
func (e *Extractor) Config() Config { return e.cfg }

// Extract runs ExtractPage over every rendered page in order.
func (e *Extractor) Extract(pages []render.Page) []model.ExtractedTable {
	var out []model.ExtractedTable
	for _, p := range pages {
		out = append(out, e.ExtractPage(p)...)
	}
	zap.L().Debug("table: extracted", zap.Int("pages", len(pages)), zap.Int("tables", len(out)))
	return out
}

// cell is a horizontal run of fragments separated from its neighbours by
// at least CellGap.
type cell struct {
	text string
	x    float64
	end  float64
}

// band is one detected column.
type band struct {
	Start float64
	End   float64
}

// ExtractPage returns the tables found on one page, indexed in reading order.
func (e *Extractor) ExtractPage(page render.Page) []model.ExtractedTable {
	lines := render.GroupLines(page.Fragments, e.cfg.RowTolerance)

	var (
		out    []model.ExtractedTable
		region [][]cell
	)
	emit := func() {
		if tbl, ok := e.buildTable(region); ok {
			tbl.PageNumber = page.Number
			tbl.TableIndex = len(out)
			out = append(out, tbl)
		}
		region = nil
	}
	for _, l := range lines {
		cells := e.cells(l)
		if len(cells) >= e.cfg.MinColumns {
			region = append(region, cells)
			continue
		}
		emit()
	}
	emit()
	return out
}

func (e *Extractor) cells(l render.Line) []cell {
	var out []cell
	for _, f := range l.Fragments {
		end := f.X + e.width(f)
		if n := len(out); n > 0 && f.X-out[n-1].end < e.cfg.CellGap {
			out[n-1].text += " " + f.Text
			out[n-1].end = math.Max(out[n-1].end, end)
			continue
		}
		out = append(out, cell{text: f.Text, x: f.X, end: end})
	}
	return out
}

func (e *Extractor) width(f render.Fragment) float64 {
	if f.Width > 0 {
		return f.Width
	}
	return float64(utf8.RuneCountInString(f.Text)) * e.cfg.CharWidth
}

// columns clusters the x positions of every cell in the region.
func (e *Extractor) columns(region [][]cell) []band {
	var cs []cell
	for _, row := range region {
		cs = append(cs, row...)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].x < cs[j].x })

	var (
		bands    []band
		minX     float64
		prevX    float64
		maxWidth float64
	)
	for i, c := range cs {
		if i == 0 || c.x-prevX > e.cfg.ColumnClusterDistance {
			if i > 0 {
				bands = append(bands, band{Start: minX - e.cfg.ColumnMargin, End: prevX + maxWidth})
			}
			minX, maxWidth = c.x, 0
		}
		maxWidth = math.Max(maxWidth, c.end-c.x)
		prevX = c.x
	}
	if len(cs) > 0 {
		bands = append(bands, band{Start: minX - e.cfg.ColumnMargin, End: prevX + maxWidth})
	}
	return bands
}

// assign places x in the last band whose start is at or left of it.
func assign(bands []band, x float64) int {
	idx := 0
	for i, b := range bands {
		if b.Start <= x {
			idx = i
		}
	}
	return idx
}

func (e *Extractor) buildTable(region [][]cell) (model.ExtractedTable, bool) {
	if len(region) == 0 {
		return model.ExtractedTable{}, false
	}
	bands := e.columns(region)
	if len(bands) < e.cfg.MinColumns {
		return model.ExtractedTable{}, false
	}

	grid := make([][]string, 0, len(region))
	for _, row := range region {
		cells := make([]string, len(bands))
		for _, c := range row {
			i := assign(bands, c.x)
			if cells[i] == "" {
				cells[i] = c.text
			} else {
				cells[i] += " " + c.text
			}
		}
		grid = append(grid, cells)
	}

	header := -1
	for i, row := range grid {
		if float64(nonEmpty(row)) >= e.cfg.HeaderFillRatio*float64(len(bands)) {
			header = i
			break
		}
	}
	if header < 0 || len(grid)-header-1 < e.cfg.MinDataRows {
		return model.ExtractedTable{}, false
	}

	rows := make([][]string, 0, len(grid)-header-1)
	for _, row := range grid[header+1:] {
		rows = append(rows, trimTrailing(row))
	}

	conf, flags := Score(grid[header], rows, e.cfg)
	return model.ExtractedTable{
		ID:          uuid.NewString(),
		Headers:     grid[header],
		Rows:        rows,
		Confidence:  conf,
		ParseStatus: Status(conf, flags),
		Flags:       flags,
	}, true
}

func nonEmpty(row []string) int {
	n := 0
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			n++
		}
	}
	return n
}

// trimTrailing drops empty cells after the last populated one so a short
// row keeps its short length.
func trimTrailing(row []string) []string {
	end := len(row)
	for end > 0 && strings.TrimSpace(row[end-1]) == "" {
		end--
	}
	return row[:end]
}
