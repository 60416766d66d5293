// Package analysis is the service facade over ingestion and compute. It
// turns one uploaded document into a response envelope that never carries a
// raw error, only a status and warnings.
package analysis

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/compute"
	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/evidence"
	"github.com/sells-group/evidence-cli/internal/ingest"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/prose"
)

// DefaultTimeout bounds a request when neither the request nor the config
// sets one.
const DefaultTimeout = 120 * time.Second

// Status is the outcome of one request.
type Status string

const (
	// StatusCompleted means at least one compute run was produced.
	StatusCompleted Status = "completed"
	// StatusPartial means extraction succeeded without a compute run.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Ingester runs the extraction pipeline. *ingest.Orchestrator satisfies it.
type Ingester interface {
	Run(ctx context.Context, data []byte, opts ingest.Options) (*ingest.Result, error)
}

// Options are per-request overrides. Zero values defer to the service config.
type Options struct {
	MinTableConfidence float64       `json:"min_table_confidence,omitempty"`
	RunAnalysis        *bool         `json:"run_analysis,omitempty"`
	SkipMarkdown       bool          `json:"skip_markdown,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
	Force              bool          `json:"force,omitempty"`
}

// Request is one document submitted for analysis.
type Request struct {
	OwnerID    string
	Data       []byte
	FileName   string
	FeatureTag string
	Options    Options
}

// Summary counts what the pipeline found.
type Summary struct {
	Tables        int    `json:"tables"`
	TrustedTables int    `json:"trusted_tables"`
	FlaggedTables int    `json:"flagged_tables"`
	DataPoints    int    `json:"data_points"`
	TablePoints   int    `json:"table_points"`
	ProsePoints   int    `json:"prose_points"`
	Findings      int    `json:"findings"`
	ProseLane     string `json:"prose_lane,omitempty"`
	Reused        bool   `json:"reused"`
}

// Provenance links the response to stored records.
type Provenance struct {
	IngestionID    string   `json:"ingestion_id"`
	SourceTableIDs []string `json:"source_table_ids"`
	DataPointIDs   []string `json:"data_point_ids"`
	ComputeRunID   string   `json:"compute_run_id,omitempty"`
	MethodVersion  string   `json:"method_version,omitempty"`
}

// Observability describes the request for dashboards and logs.
type Observability struct {
	FileName     string `json:"file_name"`
	FeatureTag   string `json:"feature_tag,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Status       Status `json:"status"`
	WarningCount int    `json:"warning_count"`
}

// ComputeResult is one method's stored run.
type ComputeResult struct {
	Method     string         `json:"method"`
	RunID      string         `json:"run_id"`
	Cached     bool           `json:"cached"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     map[string]any `json:"result"`
}

// Response is the envelope returned for every request. Warnings is never
// nil and a failed response has an empty IngestionID.
type Response struct {
	Status        Status                  `json:"status"`
	IngestionID   string                  `json:"ingestion_id"`
	Summary       Summary                 `json:"summary"`
	Provenance    Provenance              `json:"provenance"`
	Observability Observability           `json:"observability"`
	Warnings      []string                `json:"warnings"`
	Metadata      map[string]any          `json:"metadata"`
	Evidence      []model.NumericEvidence `json:"evidence"`
	Compute       []ComputeResult         `json:"compute"`
}

// Service runs requests against an Ingester and a compute Engine.
type Service struct {
	ingester Ingester
	engine   *compute.Engine
	cfg      config.AnalysisConfig
}

// NewService creates a Service. A nil engine disables compute runs.
func NewService(ing Ingester, engine *compute.Engine, cfg config.AnalysisConfig) *Service {
	return &Service{ingester: ing, engine: engine, cfg: cfg}
}

// Run processes one request. The pipeline runs in its own goroutine,
// detached from ctx cancellation; when the timeout or ctx fires first the
// response is failed and the goroutine is left to finish on its own.
func (s *Service) Run(ctx context.Context, req Request) *Response {
	start := time.Now()
	timeout := s.timeout(req.Options)
	log := zap.L().With(
		zap.String("owner_id", req.OwnerID),
		zap.String("file_name", req.FileName),
		zap.String("feature", req.FeatureTag),
	)

	done := make(chan *Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("analysis: pipeline panic", zap.Any("panic", r))
				done <- failure(fmt.Sprintf("Internal error processing %s: %v", req.FileName, r))
			}
		}()
		done <- s.run(context.WithoutCancel(ctx), req)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp *Response
	select {
	case resp = <-done:
	case <-timer.C:
		resp = failure(fmt.Sprintf("Timeout after %s processing %s", timeout, req.FileName))
		log.Warn("analysis: timed out; pipeline left running", zap.Duration("timeout", timeout))
		go awaitOrphan(log, done)
	case <-ctx.Done():
		resp = failure(fmt.Sprintf("Cancelled processing %s: %v", req.FileName, ctx.Err()))
		go awaitOrphan(log, done)
	}

	resp.Observability = Observability{
		FileName:     req.FileName,
		FeatureTag:   req.FeatureTag,
		DurationMs:   time.Since(start).Milliseconds(),
		Status:       resp.Status,
		WarningCount: len(resp.Warnings),
	}
	log.Info("analysis: request finished",
		zap.String("status", string(resp.Status)),
		zap.String("ingestion_id", resp.IngestionID),
		zap.Int("warnings", len(resp.Warnings)),
		zap.Int64("duration_ms", resp.Observability.DurationMs),
	)
	return resp
}

func awaitOrphan(log *zap.Logger, done <-chan *Response) {
	orphan := <-done
	log.Info("analysis: orphaned pipeline finished",
		zap.String("status", string(orphan.Status)),
		zap.String("ingestion_id", orphan.IngestionID),
	)
}

func (s *Service) run(ctx context.Context, req Request) *Response {
	res, err := s.ingester.Run(ctx, req.Data, ingest.Options{
		OwnerID:            req.OwnerID,
		FileName:           req.FileName,
		MinTableConfidence: req.Options.MinTableConfidence,
		SkipMarkdown:       req.Options.SkipMarkdown,
		Force:              req.Options.Force,
	})
	if err != nil {
		return failure(fmt.Sprintf("Processing %s failed: %v", req.FileName, err))
	}

	resp := envelope(res)
	if !s.runAnalysis(req.Options) {
		return resp
	}
	if len(res.DataPoints) < compute.MinPoints {
		if !slices.Contains(resp.Warnings, prose.WarningInsufficient) {
			resp.Warnings = append(resp.Warnings, prose.WarningInsufficient)
		}
		return resp
	}
	if s.engine == nil {
		return resp
	}

	params := seriesParams(res.DataPoints)
	for _, method := range s.methods() {
		out, err := s.engine.Run(ctx, compute.RunInput{
			IngestionID: res.Ingestion.ID,
			Method:      method,
			Params:      params,
			Points:      res.DataPoints,
		})
		if err != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("Analysis %s skipped: %v", method, err))
			continue
		}
		resp.Compute = append(resp.Compute, ComputeResult{
			Method:     method,
			RunID:      out.Run.ID,
			Cached:     out.Cached,
			Parameters: out.Run.Parameters,
			Result:     out.Run.Result,
		})
	}
	if len(resp.Compute) > 0 {
		resp.Status = StatusCompleted
		resp.Provenance.ComputeRunID = resp.Compute[0].RunID
		resp.Provenance.MethodVersion = compute.MethodVersion
	}
	return resp
}

// envelope builds a partial response from an ingestion result.
func envelope(res *ingest.Result) *Response {
	trusted, flagged := res.Trusted()
	resp := &Response{
		Status:      StatusPartial,
		IngestionID: res.Ingestion.ID,
		Warnings:    append([]string{}, res.Warnings...),
		Metadata:    res.Metadata.Fields(),
		Evidence:    evidence.Findings(res.Evidence),
		Compute:     []ComputeResult{},
		Provenance: Provenance{
			IngestionID:    res.Ingestion.ID,
			SourceTableIDs: []string{},
			DataPointIDs:   make([]string, 0, len(res.DataPoints)),
		},
		Summary: Summary{
			Tables:        len(res.Tables),
			TrustedTables: len(trusted),
			FlaggedTables: len(flagged),
			DataPoints:    len(res.DataPoints),
			ProseLane:     string(res.ProseLane),
			Reused:        res.Reused,
		},
	}
	resp.Summary.Findings = len(resp.Evidence)

	seen := map[string]bool{}
	for i := range res.DataPoints {
		p := &res.DataPoints[i]
		resp.Provenance.DataPointIDs = append(resp.Provenance.DataPointIDs, p.ID)
		switch p.Provenance.Kind {
		case model.ProvenanceTable:
			resp.Summary.TablePoints++
			if id := p.SourceTableID(); id != "" && !seen[id] {
				seen[id] = true
				resp.Provenance.SourceTableIDs = append(resp.Provenance.SourceTableIDs, id)
			}
		case model.ProvenanceProse:
			resp.Summary.ProsePoints++
		}
	}
	return resp
}

func failure(warning string) *Response {
	return &Response{
		Status:     StatusFailed,
		Warnings:   []string{warning},
		Metadata:   map[string]any{},
		Evidence:   []model.NumericEvidence{},
		Compute:    []ComputeResult{},
		Provenance: Provenance{SourceTableIDs: []string{}, DataPointIDs: []string{}},
	}
}

// seriesParams picks the y variable with the most points so methods run
// over one coherent series. When no variable repeats, all points are used.
func seriesParams(points []model.DataPoint) map[string]any {
	counts := map[string]int{}
	for _, p := range points {
		counts[p.YVariable]++
	}
	vars := make([]string, 0, len(counts))
	for v := range counts {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool {
		if counts[vars[i]] != counts[vars[j]] {
			return counts[vars[i]] > counts[vars[j]]
		}
		return vars[i] < vars[j]
	})
	if len(vars) == 0 || counts[vars[0]] < compute.MinPoints {
		return nil
	}
	return map[string]any{compute.ParamYVariable: vars[0]}
}

func (s *Service) timeout(opts Options) time.Duration {
	switch {
	case opts.Timeout > 0:
		return opts.Timeout
	case s.cfg.TimeoutSecs > 0:
		return s.cfg.Timeout()
	default:
		return DefaultTimeout
	}
}

func (s *Service) runAnalysis(opts Options) bool {
	if opts.RunAnalysis != nil {
		return *opts.RunAnalysis
	}
	return s.cfg.RunAnalysis
}

func (s *Service) methods() []string {
	if len(s.cfg.Methods) > 0 {
		return s.cfg.Methods
	}
	return compute.Methods()
}
