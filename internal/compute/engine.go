// Package compute runs deterministic analyses over data points and caches
// each result under a hash of its inputs.
package compute

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/hashing"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/store"
)

// ErrInsufficientPoints is returned when fewer than MinPoints points remain.
var ErrInsufficientPoints = eris.New("compute: insufficient points")

// ErrUnknownMethod is returned for a method name with no implementation.
var ErrUnknownMethod = eris.New("compute: unknown method")

// ParamYVariable restricts a run to points with that y variable.
const ParamYVariable = "y_variable"

// Repository is the slice of store.Store the engine needs.
type Repository interface {
	FindComputeRunByHash(ctx context.Context, hash string) (*model.ComputeRun, error)
	SaveComputeRun(ctx context.Context, run *model.ComputeRun) (*model.ComputeRun, error)
}

// Engine computes and caches runs.
type Engine struct {
	repo      Repository
	retry     resilience.RetryConfig
	createdBy string
}

// NewEngine creates an Engine that records createdBy on new runs.
func NewEngine(repo Repository, retry resilience.RetryConfig, createdBy string) *Engine {
	return &Engine{repo: repo, retry: retry, createdBy: createdBy}
}

// RunInput describes one requested computation.
type RunInput struct {
	IngestionID string
	Method      string
	Params      map[string]any
	Points      []model.DataPoint
}

// RunOutput is the stored run and whether it was served from cache.
type RunOutput struct {
	Run    *model.ComputeRun
	Cached bool
}

// Run returns the cached run for the input's deterministic hash, or
// computes and stores it. Concurrent identical runs collapse to one record;
// the losers report Cached.
func (e *Engine) Run(ctx context.Context, in RunInput) (*RunOutput, error) {
	method, ok := methods[in.Method]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownMethod, "%q", in.Method)
	}

	points := selectPoints(in.Points, in.Params)
	if len(points) < MinPoints {
		return nil, eris.Wrapf(ErrInsufficientPoints, "%s needs %d, have %d", in.Method, MinPoints, len(points))
	}

	hash, err := hashing.ComputeRunKey(in.Method, MethodVersion, in.Params, points)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("method", in.Method),
		zap.String("hash", hash),
		zap.String("ingestion_id", in.IngestionID),
	)

	cached, err := e.repo.FindComputeRunByHash(ctx, hash)
	switch {
	case err == nil:
		log.Debug("compute: cache hit", zap.String("run_id", cached.ID))
		return &RunOutput{Run: cached, Cached: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, eris.Wrap(err, "compute: lookup cached run")
	}

	start := time.Now()
	result, err := method(points)
	if err != nil {
		return nil, err
	}

	run := &model.ComputeRun{
		ID:                uuid.New().String(),
		IngestionID:       in.IngestionID,
		Method:            in.Method,
		MethodVersion:     MethodVersion,
		Parameters:        in.Params,
		Result:            result,
		DeterministicHash: hash,
		CreatedBy:         e.createdBy,
	}
	retry := e.retry
	retry.OnRetry = resilience.RetryLogger("compute", "save_compute_run")
	stored, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ComputeRun, error) {
		return e.repo.SaveComputeRun(ctx, run)
	})
	if err != nil {
		return nil, eris.Wrap(err, "compute: save run")
	}

	log.Info("compute: run stored",
		zap.String("run_id", stored.ID),
		zap.Int("points", len(points)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return &RunOutput{Run: stored, Cached: stored.ID != run.ID}, nil
}

func selectPoints(points []model.DataPoint, params map[string]any) []model.DataPoint {
	yVar, _ := params[ParamYVariable].(string)
	if yVar == "" {
		return points
	}
	out := make([]model.DataPoint, 0, len(points))
	for _, p := range points {
		if p.YVariable == yVar {
			out = append(out, p)
		}
	}
	return out
}
