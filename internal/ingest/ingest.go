// Package ingest runs one document through the extraction stages and
// publishes the results against a versioned ingestion record.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-cli/internal/evidence"
	"github.com/sells-group/evidence-cli/internal/hashing"
	"github.com/sells-group/evidence-cli/internal/markdown"
	"github.com/sells-group/evidence-cli/internal/metadata"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/prose"
	"github.com/sells-group/evidence-cli/internal/render"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/store"
	"github.com/sells-group/evidence-cli/internal/table"
)

// ExtractorVersion is recorded on every completed ingestion. Bump it when a
// stage changes what it extracts so stored results are recomputed.
const ExtractorVersion = 4

// ErrInvalidTransition is returned when a status change is not an edge of
// the ingestion state machine.
var ErrInvalidTransition = eris.New("ingest: invalid status transition")

// Ingestion metadata keys owned by this package.
const (
	MetaWarnings  = "warnings"
	MetaProseLane = "proseLane"
	MetaRenderer  = "renderer"
)

// Renderer modes recorded under MetaRenderer.
const (
	RendererStructured = "structured"
	RendererPlainText  = "plain_text"
)

// Options tunes a single run.
type Options struct {
	OwnerID  string
	FileName string
	// MinTableConfidence gates which tables feed data points. Zero uses the
	// table extractor's MinConfidence.
	MinTableConfidence float64
	SkipMarkdown       bool
	// Force reprocesses a completed ingestion with the same content.
	Force bool
}

// Result is everything a run produced or, when Reused, loaded.
type Result struct {
	Ingestion  *model.Ingestion
	Metadata   *model.DocumentMetadata
	Tables     []model.ExtractedTable
	DataPoints []model.DataPoint
	Evidence   []model.NumericEvidence
	Markdown   string
	ProseLane  model.Lane
	Threshold  float64
	Warnings   []string
	Reused     bool
}

// Trusted splits the result's tables at its confidence threshold.
func (r *Result) Trusted() (trusted, flagged []model.ExtractedTable) {
	return table.Partition(r.Tables, r.Threshold)
}

// Deps are the collaborators an Orchestrator is built from. Nil extractors
// fall back to their defaults.
type Deps struct {
	Store    store.Store
	Renderer render.Renderer
	Text     render.TextExtractor
	Info     render.InfoExtractor
	Tables   *table.Extractor
	Prose    *prose.Extractor
	Markdown *markdown.Config
	Retry    resilience.RetryConfig
	// SkipMarkdown disables markdown reconstruction for every run.
	SkipMarkdown bool
}

// Orchestrator drives ingestions through pending, processing and a
// terminal status.
type Orchestrator struct {
	store    store.Store
	renderer render.Renderer
	text     render.TextExtractor
	info     render.InfoExtractor
	tables   *table.Extractor
	prose    *prose.Extractor
	markdown markdown.Config
	retry    resilience.RetryConfig
	noMD     bool
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		store:    d.Store,
		renderer: d.Renderer,
		text:     d.Text,
		info:     d.Info,
		tables:   d.Tables,
		prose:    d.Prose,
		markdown: markdown.DefaultConfig(),
		retry:    d.Retry,
		noMD:     d.SkipMarkdown,
	}
	if o.renderer == nil {
		o.renderer = render.NewPDFRenderer()
	}
	if o.text == nil {
		o.text = render.Chain{render.NativeText{}, render.RawText{}}
	}
	if o.info == nil {
		o.info = render.RawInfo{}
	}
	if o.tables == nil {
		o.tables = table.NewExtractor(table.DefaultConfig())
	}
	if o.prose == nil {
		o.prose = prose.NewExtractor(prose.DefaultConfig())
	}
	if d.Markdown != nil {
		o.markdown = *d.Markdown
	}
	return o
}

// Run ingests data for opts.OwnerID. Identical content already completed by
// the current extractor is returned from the store unless opts.Force is set.
func (o *Orchestrator) Run(ctx context.Context, data []byte, opts Options) (*Result, error) {
	hash := hashing.Content(data)
	log := zap.L().With(
		zap.String("owner_id", opts.OwnerID),
		zap.String("file_name", opts.FileName),
		zap.String("content_hash", hash),
	)

	ing, err := resilience.DoVal(ctx, o.retryFor("create ingestion"), func(ctx context.Context) (*model.Ingestion, error) {
		return o.store.CreateIngestion(ctx, &model.Ingestion{
			OwnerID:     opts.OwnerID,
			FileName:    opts.FileName,
			ContentHash: hash,
			ByteSize:    int64(len(data)),
			Status:      model.IngestionStatusPending,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create ingestion")
	}
	log = log.With(zap.String("ingestion_id", ing.ID))

	threshold := opts.MinTableConfidence
	if threshold <= 0 {
		threshold = o.tables.Config().MinConfidence
	}

	if Reusable(ing, opts.Force) {
		log.Info("ingest: reusing completed ingestion", zap.Int("version", ing.Version))
		return o.load(ctx, ing, threshold)
	}

	res, err := o.process(ctx, log, ing, data, opts, threshold)
	if err != nil {
		o.fail(ctx, log, ing, err)
		return nil, err
	}
	return res, nil
}

// Reusable reports whether a stored ingestion can be returned as is.
func Reusable(ing *model.Ingestion, force bool) bool {
	return !force &&
		ing.Status == model.IngestionStatusCompleted &&
		ing.ExtractorVersion() >= ExtractorVersion
}

func (o *Orchestrator) process(ctx context.Context, log *zap.Logger, ing *model.Ingestion, data []byte, opts Options, threshold float64) (*Result, error) {
	if ing.Status == model.IngestionStatusProcessing {
		// Left behind by a run that never finished.
		log.Warn("ingest: restarting abandoned ingestion")
		if err := o.transition(ctx, ing, model.IngestionStatusFailed, "abandoned; superseded by a new run"); err != nil {
			return nil, err
		}
	}
	if err := o.transition(ctx, ing, model.IngestionStatusProcessing, ""); err != nil {
		return nil, err
	}

	version := ing.Version + 1
	log = log.With(zap.Int("version", version))
	log.Info("ingest: processing")
	start := time.Now()

	if err := o.write(ctx, "purge version", func(ctx context.Context) error {
		return o.store.PurgeVersion(ctx, ing.ID, version)
	}); err != nil {
		return nil, err
	}

	res := &Result{Ingestion: ing, Threshold: threshold, Warnings: []string{}}
	ex, err := o.extract(ctx, log, data, opts, res)
	if err != nil {
		return nil, err
	}

	for i := range res.Tables {
		res.Tables[i].IngestionID, res.Tables[i].Version = ing.ID, version
	}
	trusted, _ := res.Trusted()
	for _, t := range trusted {
		res.DataPoints = append(res.DataPoints, table.DataPoints(t)...)
	}
	if n := table.NumericRows(res.Tables, threshold); n < prose.FallbackThreshold {
		log.Debug("ingest: prose fallback", zap.Int("numeric_rows", n))
		res.DataPoints = append(res.DataPoints, o.minePoints(ex.proseText, res)...)
	}
	if len(res.DataPoints) < prose.MinDataPoints && !slices.Contains(res.Warnings, prose.WarningInsufficient) {
		res.Warnings = append(res.Warnings, prose.WarningInsufficient)
	}
	for i := range res.DataPoints {
		res.DataPoints[i].IngestionID, res.DataPoints[i].Version = ing.ID, version
	}

	if err := o.write(ctx, "save tables", func(ctx context.Context) error {
		return o.store.SaveExtractedTables(ctx, res.Tables)
	}); err != nil {
		return nil, err
	}
	if err := o.write(ctx, "save data points", func(ctx context.Context) error {
		return o.store.SaveDataPoints(ctx, res.DataPoints)
	}); err != nil {
		return nil, err
	}

	meta := map[string]any{
		model.MetaExtractorVersion: ExtractorVersion,
		model.MetaDocument:         res.Metadata.Fields(),
		MetaWarnings:               res.Warnings,
		MetaProseLane:              string(res.ProseLane),
		MetaRenderer:               ex.renderer,
	}
	if err := o.write(ctx, "publish version", func(ctx context.Context) error {
		return o.store.UpdateIngestionMetadata(ctx, ing.ID, version, ex.pageCount, meta)
	}); err != nil {
		return nil, err
	}
	ing.Version, ing.PageCount, ing.Metadata = version, ex.pageCount, meta

	if err := o.transition(ctx, ing, model.IngestionStatusCompleted, ""); err != nil {
		return nil, err
	}

	res.Evidence = EvidenceFor(res.DataPoints)
	log.Info("ingest: completed",
		zap.Int("tables", len(res.Tables)),
		zap.Int("data_points", len(res.DataPoints)),
		zap.String("prose_lane", string(res.ProseLane)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

// extraction carries stage outputs that are not part of the Result.
type extraction struct {
	proseText string
	pageCount int
	renderer  string
}

// extract runs the read-only stages. Rendering problems degrade to the
// plain-text path with a warning; only cancellation is an error.
func (o *Orchestrator) extract(ctx context.Context, log *zap.Logger, data []byte, opts Options, res *Result) (*extraction, error) {
	ex := &extraction{renderer: RendererStructured}

	stage := func(name string, fn func()) error {
		if err := ctx.Err(); err != nil {
			return eris.Wrapf(err, "ingest: %s", name)
		}
		start := time.Now()
		fn()
		log.Debug("ingest: stage complete", zap.String("stage", name), zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		return nil
	}

	var (
		doc   render.Document
		pages []render.Page
		text  string
	)
	if err := stage("render", func() {
		var err error
		doc, err = o.renderer.Open(data)
		if err != nil {
			doc = nil
			ex.renderer = RendererPlainText
			res.Warnings = append(res.Warnings, "Structured rendering unavailable; using plain-text fallback")
			log.Warn("ingest: structured rendering unavailable", zap.Error(err))
			return
		}
		ex.pageCount = doc.PageCount()
		for n := 1; n <= ex.pageCount; n++ {
			page, perr := doc.Page(n)
			if perr != nil {
				log.Debug("ingest: skip page", zap.Int("page", n), zap.Error(perr))
				continue
			}
			pages = append(pages, page)
		}
	}); err != nil {
		return nil, err
	}

	if doc == nil {
		var err error
		text, err = o.text.ExtractText(ctx, data)
		if cerr := ctx.Err(); cerr != nil {
			return nil, eris.Wrap(cerr, "ingest: plain text")
		}
		if err != nil {
			res.Warnings = append(res.Warnings, "Plain-text extraction failed; no text recovered")
			log.Warn("ingest: plain text unavailable", zap.Error(err))
		}
		if text != "" {
			ex.pageCount = strings.Count(text, "\f") + 1
		}
	}

	if err := stage("metadata", func() {
		if doc != nil {
			res.Metadata = metadata.Extract(doc)
			return
		}
		info, err := o.info.ExtractInfo(ctx, data)
		if err != nil {
			log.Debug("ingest: info dictionary unavailable", zap.Error(err))
		}
		res.Metadata = metadata.ExtractPlain(info, text)
	}); err != nil {
		return nil, err
	}

	if err := stage("tables", func() {
		res.Tables = o.tables.Extract(pages)
	}); err != nil {
		return nil, err
	}

	if err := stage("markdown", func() {
		switch {
		case opts.SkipMarkdown, o.noMD:
		case doc != nil:
			res.Markdown = markdown.Render(pages, o.markdown)
		default:
			res.Markdown = markdown.FromPlainText(text)
		}
	}); err != nil {
		return nil, err
	}

	switch {
	case res.Markdown != "":
		ex.proseText = res.Markdown
	case doc != nil:
		texts := make([]string, 0, len(pages))
		for _, p := range pages {
			texts = append(texts, p.Text())
		}
		ex.proseText = strings.Join(texts, "\f")
	default:
		ex.proseText = text
	}
	return ex, nil
}

// minePoints selects a prose lane and converts its candidates. Noise is
// dropped; structural values are kept at low confidence.
func (o *Orchestrator) minePoints(text string, res *Result) []model.DataPoint {
	mined := o.prose.Extract(text)
	res.ProseLane = mined.Lane
	if mined.Warning != "" {
		res.Warnings = append(res.Warnings, mined.Warning)
	}

	var out []model.DataPoint
	for _, c := range mined.Candidates {
		verdict := evidence.Classify(c.Value, c.Snippet)
		if verdict.Category.Noise() {
			continue
		}
		dp := c.DataPoint(mined.Lane, len(out)+1)
		dp.Metadata[model.MetaEvidenceCategory] = string(verdict.Category)
		dp.Metadata[model.MetaConfidence] = string(verdict.Confidence)
		out = append(out, dp)
	}
	return out
}

// load returns the published artefacts of a completed ingestion.
func (o *Orchestrator) load(ctx context.Context, ing *model.Ingestion, threshold float64) (*Result, error) {
	res := &Result{
		Ingestion: ing,
		Threshold: threshold,
		Reused:    true,
		Metadata:  documentFrom(ing.Metadata),
		Warnings:  stringsFrom(ing.Metadata[MetaWarnings]),
	}
	if lane, ok := ing.Metadata[MetaProseLane].(string); ok {
		res.ProseLane = model.Lane(lane)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tables, err := o.store.GetExtractedTables(gCtx, ing.ID)
		res.Tables = tables
		return eris.Wrap(err, "ingest: load tables")
	})
	g.Go(func() error {
		points, err := o.store.GetDataPoints(gCtx, ing.ID)
		res.DataPoints = points
		return eris.Wrap(err, "ingest: load data points")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Evidence = EvidenceFor(res.DataPoints)
	return res, nil
}

func (o *Orchestrator) transition(ctx context.Context, ing *model.Ingestion, next model.IngestionStatus, message string) error {
	if !ing.Status.CanTransition(next) {
		return eris.Wrapf(ErrInvalidTransition, "ingest: %s -> %s", ing.Status, next)
	}
	if err := o.write(ctx, "set status "+string(next), func(ctx context.Context) error {
		return o.store.UpdateIngestionStatus(ctx, ing.ID, next, message)
	}); err != nil {
		return err
	}
	ing.Status, ing.Error = next, message
	return nil
}

// fail records cause on the ingestion. It runs detached from ctx so a
// cancelled request still leaves a failed record behind.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, ing *model.Ingestion, cause error) {
	log.Error("ingest: failed", zap.Error(cause))
	if ing.Status == model.IngestionStatusFailed {
		return
	}
	if err := o.transition(context.WithoutCancel(ctx), ing, model.IngestionStatusFailed, cause.Error()); err != nil {
		log.Error("ingest: record failure", zap.Error(err))
	}
}

func (o *Orchestrator) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return eris.Wrapf(resilience.Do(ctx, o.retryFor(op), fn), "ingest: %s", op)
}

func (o *Orchestrator) retryFor(op string) resilience.RetryConfig {
	cfg := o.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("ingest", op)
	}
	return cfg
}

// documentFrom decodes the document fields stored on an ingestion.
func documentFrom(meta map[string]any) *model.DocumentMetadata {
	doc := &model.DocumentMetadata{}
	raw, ok := meta[model.MetaDocument]
	if !ok {
		return doc
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(b, doc); err != nil {
		zap.L().Debug("ingest: decode document metadata", zap.Error(err))
	}
	return doc
}

func stringsFrom(v any) []string {
	out := []string{}
	switch vv := v.(type) {
	case []string:
		out = append(out, vv...)
	case []any:
		for _, s := range vv {
			out = append(out, fmt.Sprint(s))
		}
	}
	return out
}
