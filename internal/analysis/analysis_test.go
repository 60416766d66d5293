package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/compute"
	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/ingest"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/prose"
	"github.com/sells-group/evidence-cli/internal/render"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/store"
)

// fakeIngester answers by file name.
type fakeIngester struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
}

func (f *fakeIngester) Run(_ context.Context, _ []byte, opts ingest.Options) (*ingest.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts.FileName)
	f.mu.Unlock()

	switch {
	case strings.HasPrefix(opts.FileName, "boom"):
		return nil, errors.New("renderer exploded")
	case strings.HasPrefix(opts.FileName, "panic"):
		panic("nil page")
	case strings.HasPrefix(opts.FileName, "slow"):
		time.Sleep(f.delay)
	case strings.HasPrefix(opts.FileName, "empty"):
		return &ingest.Result{
			Ingestion: &model.Ingestion{ID: "ing-" + opts.FileName},
			Metadata:  &model.DocumentMetadata{},
			Warnings:  []string{prose.WarningInsufficient},
		}, nil
	}
	return tableResult("ing-" + opts.FileName), nil
}

func tableResult(id string) *ingest.Result {
	tbl := model.ExtractedTable{ID: "tbl-" + id, Confidence: 0.95}
	flagged := model.ExtractedTable{ID: "tbl-flagged-" + id, Confidence: 0.3, Flags: []string{model.FlagHighEmptyRatio}}
	var points []model.DataPoint
	for i, y := range []float64{0.92, 0.61, 0.40} {
		points = append(points, model.DataPoint{
			ID:          id + "-loss-" + string(rune('a'+i)),
			IngestionID: id,
			XVariable:   "Epoch",
			YVariable:   "Loss",
			XValue:      float64(i + 1),
			YValue:      y,
			Provenance:  model.TableProvenance(tbl.ID),
		})
	}
	points = append(points, model.DataPoint{
		ID:          id + "-prose",
		IngestionID: id,
		XVariable:   "ordinal",
		YVariable:   "accuracy",
		XValue:      1,
		YValue:      91.2,
		Provenance:  model.ProseProvenance(model.LaneStrong, "accuracy reached 91.2%"),
	})
	return &ingest.Result{
		Ingestion:  &model.Ingestion{ID: id, Status: model.IngestionStatusCompleted},
		Metadata:   &model.DocumentMetadata{Title: "Training Dynamics"},
		Tables:     []model.ExtractedTable{tbl, flagged},
		DataPoints: points,
		Evidence:   ingest.EvidenceFor(points),
		ProseLane:  model.LaneStrong,
		Threshold:  0.6,
		Warnings:   []string{},
	}
}

// memRepo is an in-memory compute run cache.
type memRepo struct {
	mu   sync.Mutex
	runs map[string]*model.ComputeRun
}

func (m *memRepo) FindComputeRunByHash(_ context.Context, hash string) (*model.ComputeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[hash]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (m *memRepo) SaveComputeRun(_ context.Context, run *model.ComputeRun) (*model.ComputeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[run.DeterministicHash]; ok {
		return r, nil
	}
	m.runs[run.DeterministicHash] = run
	return run, nil
}

func analysisConfig() config.AnalysisConfig {
	return config.AnalysisConfig{
		TimeoutSecs:      5,
		BatchConcurrency: 2,
		RunAnalysis:      true,
		Methods:          []string{compute.MethodDescriptiveStats, compute.MethodLinearRegression},
	}
}

func newService(ing Ingester) *Service {
	engine := compute.NewEngine(&memRepo{runs: map[string]*model.ComputeRun{}}, resilience.RetryConfig{}, "test")
	return NewService(ing, engine, analysisConfig())
}

func TestRun_CompletedEnvelope(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{})

	resp := svc.Run(context.Background(), Request{OwnerID: "u1", FileName: "paper.pdf", FeatureTag: "benchmarks"})
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "ing-paper.pdf", resp.IngestionID)
	assert.NotNil(t, resp.Warnings)
	assert.Empty(t, resp.Warnings)

	assert.Equal(t, 2, resp.Summary.Tables)
	assert.Equal(t, 1, resp.Summary.TrustedTables)
	assert.Equal(t, 1, resp.Summary.FlaggedTables)
	assert.Equal(t, 4, resp.Summary.DataPoints)
	assert.Equal(t, 3, resp.Summary.TablePoints)
	assert.Equal(t, 1, resp.Summary.ProsePoints)
	assert.Equal(t, "strong", resp.Summary.ProseLane)

	assert.Equal(t, []string{"tbl-ing-paper.pdf"}, resp.Provenance.SourceTableIDs)
	assert.Len(t, resp.Provenance.DataPointIDs, 4)
	assert.Equal(t, compute.MethodVersion, resp.Provenance.MethodVersion)

	require.Len(t, resp.Compute, 2)
	assert.Equal(t, resp.Compute[0].RunID, resp.Provenance.ComputeRunID)
	assert.Equal(t, "Loss", resp.Compute[0].Parameters[compute.ParamYVariable])
	assert.Equal(t, 3, resp.Compute[0].Result["count"])

	assert.Equal(t, "Training Dynamics", resp.Metadata["title"])
	for _, e := range resp.Evidence {
		assert.Equal(t, model.CategoryPotentialMetric, e.Category)
	}
	assert.Equal(t, len(resp.Evidence), resp.Summary.Findings)

	assert.Equal(t, "paper.pdf", resp.Observability.FileName)
	assert.Equal(t, "benchmarks", resp.Observability.FeatureTag)
	assert.Equal(t, StatusCompleted, resp.Observability.Status)
}

func TestRun_ComputeCachedOnRepeat(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{})

	first := svc.Run(context.Background(), Request{FileName: "paper.pdf"})
	second := svc.Run(context.Background(), Request{FileName: "paper.pdf"})
	require.Len(t, first.Compute, 2)
	require.Len(t, second.Compute, 2)
	assert.False(t, first.Compute[0].Cached)
	assert.True(t, second.Compute[0].Cached)
	assert.Equal(t, first.Compute[0].RunID, second.Compute[0].RunID)
}

func TestRun_PartialWithoutPoints(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{})

	resp := svc.Run(context.Background(), Request{FileName: "empty.pdf"})
	assert.Equal(t, StatusPartial, resp.Status)
	assert.Equal(t, "ing-empty.pdf", resp.IngestionID)
	assert.Equal(t, []string{prose.WarningInsufficient}, resp.Warnings)
	assert.Empty(t, resp.Compute)
	assert.Equal(t, 1, resp.Observability.WarningCount)
}

func TestRun_PartialWhenAnalysisDisabled(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{})
	off := false

	resp := svc.Run(context.Background(), Request{FileName: "paper.pdf", Options: Options{RunAnalysis: &off}})
	assert.Equal(t, StatusPartial, resp.Status)
	assert.Empty(t, resp.Compute)
	assert.Empty(t, resp.Provenance.ComputeRunID)
}

func TestRun_FailedEnvelope(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{})

	resp := svc.Run(context.Background(), Request{FileName: "boom.pdf"})
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Empty(t, resp.IngestionID)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "renderer exploded")
	assert.NotNil(t, resp.Provenance.DataPointIDs)
}

func TestRun_PanicIsolated(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{})

	resp := svc.Run(context.Background(), Request{FileName: "panic.pdf"})
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Warnings[0], "nil page")
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{delay: 300 * time.Millisecond})

	start := time.Now()
	resp := svc.Run(context.Background(), Request{FileName: "slow.pdf", Options: Options{Timeout: 20 * time.Millisecond}})
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Empty(t, resp.IngestionID)
	require.Len(t, resp.Warnings, 1)
	assert.True(t, strings.HasPrefix(resp.Warnings[0], "Timeout after 20ms processing slow.pdf"), resp.Warnings[0])
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	t.Parallel()
	ing := &fakeIngester{}
	svc := newService(ing)

	reqs := []Request{{FileName: "a.pdf"}, {FileName: "boom.pdf"}, {FileName: "c.pdf"}}
	batch := svc.RunBatch(context.Background(), reqs, 2)

	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 2, batch.Completed)
	assert.Equal(t, 0, batch.Partial)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, "ing-a.pdf", batch.Results[0].IngestionID)
	assert.Equal(t, StatusFailed, batch.Results[1].Status)
	assert.Equal(t, "ing-c.pdf", batch.Results[2].IngestionID)
	assert.Len(t, ing.calls, 3)
}

func TestRunBatch_PanicAndDefaultLimit(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeIngester{})

	batch := svc.RunBatch(context.Background(), []Request{{FileName: "panic.pdf"}, {FileName: "empty.pdf"}, {FileName: "b.pdf"}}, 0)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 1, batch.Partial)
	assert.Equal(t, 1, batch.Completed)
}

func TestRunBatch_Empty(t *testing.T) {
	t.Parallel()
	batch := newService(&fakeIngester{}).RunBatch(context.Background(), nil, 2)
	assert.Equal(t, 0, batch.Total)
	assert.NotNil(t, batch.Results)
}

func TestSeriesParams(t *testing.T) {
	t.Parallel()

	pts := []model.DataPoint{{YVariable: "F1"}, {YVariable: "AUC"}, {YVariable: "AUC"}, {YVariable: "F1"}}
	assert.Equal(t, map[string]any{compute.ParamYVariable: "AUC"}, seriesParams(pts))
	assert.Nil(t, seriesParams([]model.DataPoint{{YVariable: "precision"}, {YVariable: "recall"}}))
	assert.Nil(t, seriesParams(nil))
}

func TestService_EndToEndWithStore(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "analysis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	orch := ingest.New(ingest.Deps{Store: st, Text: render.RawText{}})
	svc := NewService(orch, compute.NewEngine(st, resilience.RetryConfig{}, "test"), analysisConfig())

	text := "Our model achieves precision of 0.82 and recall of 0.76 on the benchmark, with accuracy 91.2%."
	first := svc.Run(context.Background(), Request{OwnerID: "u1", FileName: "notes.txt", Data: []byte(text)})
	require.Equal(t, StatusCompleted, first.Status, first.Warnings)
	assert.Equal(t, 3, first.Summary.ProsePoints)
	assert.Contains(t, first.Warnings, "Structured rendering unavailable; using plain-text fallback")

	second := svc.Run(context.Background(), Request{OwnerID: "u1", FileName: "notes.txt", Data: []byte(text)})
	assert.Equal(t, StatusCompleted, second.Status)
	assert.True(t, second.Summary.Reused)
	assert.Equal(t, first.IngestionID, second.IngestionID)
	require.NotEmpty(t, second.Compute)
	assert.True(t, second.Compute[0].Cached)

	runs, err := st.GetComputeRuns(context.Background(), first.IngestionID)
	require.NoError(t, err)
	assert.Len(t, runs, len(first.Compute))

	wjarr := "World Journal of Advanced Research and Reviews, 2025, 26(02), 874-879. DOI 10.30574/wjarr.2025.26.2.1521."
	cite := svc.Run(context.Background(), Request{OwnerID: "u1", FileName: "cite.txt", Data: []byte(wjarr)})
	assert.Equal(t, StatusPartial, cite.Status)
	assert.Equal(t, 0, cite.Summary.DataPoints)
	assert.Empty(t, cite.Evidence)
}
