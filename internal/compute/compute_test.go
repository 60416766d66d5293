package compute

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/store"
)

func pts(ys ...float64) []model.DataPoint {
	out := make([]model.DataPoint, len(ys))
	for i, y := range ys {
		out[i] = model.DataPoint{ID: "p" + string(rune('a'+i)), XVariable: "x", YVariable: "y", XValue: float64(i + 1), YValue: y}
	}
	return out
}

func TestDescriptiveStats(t *testing.T) {
	t.Parallel()

	res, err := DescriptiveStats(pts(4, 1, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, 4, res["count"])
	assert.InDelta(t, 2.5, res["mean"], 1e-9)
	assert.InDelta(t, 2.5, res["median"], 1e-9)
	assert.InDelta(t, 1.0, res["min"], 1e-9)
	assert.InDelta(t, 4.0, res["max"], 1e-9)
	assert.InDelta(t, 1.2909944, res["stddev"], 1e-6)

	res, err = DescriptiveStats(pts(5, 1, 9))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, res["median"], 1e-9)
}

func TestLinearRegression(t *testing.T) {
	t.Parallel()

	res, err := LinearRegression(pts(3, 5, 7, 9))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res["slope"], 1e-9)
	assert.InDelta(t, 1.0, res["intercept"], 1e-9)
	assert.InDelta(t, 1.0, res["r"], 1e-9)
	assert.InDelta(t, 1.0, res["r_squared"], 1e-9)
	assert.Equal(t, 4, res["n"])

	res, err = LinearRegression(pts(4, 4, 4))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res["slope"], 1e-9)
	assert.InDelta(t, 0.0, res["r"], 1e-9)

	flat := pts(1, 2)
	flat[1].XValue = flat[0].XValue
	_, err = LinearRegression(flat)
	assert.Error(t, err)
}

type memRepo struct {
	mu     sync.Mutex
	runs   map[string]*model.ComputeRun
	saves  int
	lookup error
}

func newMemRepo() *memRepo { return &memRepo{runs: map[string]*model.ComputeRun{}} }

func (m *memRepo) FindComputeRunByHash(_ context.Context, hash string) (*model.ComputeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup != nil {
		return nil, m.lookup
	}
	if r, ok := m.runs[hash]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (m *memRepo) SaveComputeRun(_ context.Context, run *model.ComputeRun) (*model.ComputeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if r, ok := m.runs[run.DeterministicHash]; ok {
		return r, nil
	}
	m.runs[run.DeterministicHash] = run
	return run, nil
}

func TestEngine_CachesByHash(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	e := NewEngine(repo, resilience.DefaultRetryConfig(), "test")

	first, err := e.Run(context.Background(), RunInput{IngestionID: "i1", Method: MethodLinearRegression, Points: pts(1, 2, 3)})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, MethodVersion, first.Run.MethodVersion)
	assert.Equal(t, "test", first.Run.CreatedBy)

	// Same points in another order and with other ids hit the cache.
	again := pts(1, 2, 3)
	again[0], again[2] = again[2], again[0]
	again[1].ID = "other"
	second, err := e.Run(context.Background(), RunInput{IngestionID: "i2", Method: MethodLinearRegression, Points: again})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Equal(t, 1, repo.saves)

	other, err := e.Run(context.Background(), RunInput{Method: MethodDescriptiveStats, Points: pts(1, 2, 3)})
	require.NoError(t, err)
	assert.False(t, other.Cached)
	assert.NotEqual(t, first.Run.DeterministicHash, other.Run.DeterministicHash)
}

func TestEngine_InsufficientPoints(t *testing.T) {
	t.Parallel()
	e := NewEngine(newMemRepo(), resilience.DefaultRetryConfig(), "")

	_, err := e.Run(context.Background(), RunInput{Method: MethodDescriptiveStats, Points: pts(1)})
	assert.True(t, errors.Is(err, ErrInsufficientPoints))

	mixed := pts(1, 2, 3)
	mixed[0].YVariable = "latency"
	_, err = e.Run(context.Background(), RunInput{
		Method: MethodDescriptiveStats, Points: mixed, Params: map[string]any{ParamYVariable: "latency"},
	})
	assert.True(t, errors.Is(err, ErrInsufficientPoints))
}

func TestEngine_UnknownMethodAndLookupError(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	e := NewEngine(repo, resilience.DefaultRetryConfig(), "")

	_, err := e.Run(context.Background(), RunInput{Method: "anova", Points: pts(1, 2)})
	assert.True(t, errors.Is(err, ErrUnknownMethod))

	repo.lookup = errors.New("disk I/O error")
	_, err = e.Run(context.Background(), RunInput{Method: MethodDescriptiveStats, Points: pts(1, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup cached run")
}

func TestEngine_SQLiteConcurrentDuplicatesCollapse(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "compute.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	retry := resilience.RetryConfig{MaxAttempts: 5, InitialBackoff: 5 * time.Millisecond}
	e := NewEngine(st, retry, "test")

	var wg sync.WaitGroup
	ids := make([]string, 6)
	errs := make([]error, 6)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := e.Run(context.Background(), RunInput{Method: MethodDescriptiveStats, Points: pts(2, 4, 6)})
			errs[i] = err
			if err == nil {
				ids[i] = out.Run.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestMethods(t *testing.T) {
	assert.Equal(t, []string{MethodDescriptiveStats, MethodLinearRegression}, Methods())
}
