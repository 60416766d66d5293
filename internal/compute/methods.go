package compute

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Method names.
const (
	MethodDescriptiveStats = "descriptive_stats"
	MethodLinearRegression = "linear_regression"
)

// MethodVersion is folded into every cache key; bump it whenever a method's
// output changes for the same input.
const MethodVersion = "1.0.0"

// MinPoints is the fewest points any method accepts.
const MinPoints = 2

// Method computes a result from points. Inputs are pre-validated to hold at
// least MinPoints points.
type Method func(points []model.DataPoint) (map[string]any, error)

var methods = map[string]Method{
	MethodDescriptiveStats: DescriptiveStats,
	MethodLinearRegression: LinearRegression,
}

// Methods returns the registered method names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DescriptiveStats summarizes the y values: count, mean, median, min, max
// and sample standard deviation.
func DescriptiveStats(points []model.DataPoint) (map[string]any, error) {
	ys := make([]float64, len(points))
	for i, p := range points {
		ys[i] = p.YValue
	}
	sort.Float64s(ys)

	n := float64(len(ys))
	var sum float64
	for _, y := range ys {
		sum += y
	}
	mean := sum / n

	var ss float64
	for _, y := range ys {
		ss += (y - mean) * (y - mean)
	}

	mid := len(ys) / 2
	median := ys[mid]
	if len(ys)%2 == 0 {
		median = (ys[mid-1] + ys[mid]) / 2
	}

	return map[string]any{
		"count":  len(ys),
		"mean":   mean,
		"median": median,
		"min":    ys[0],
		"max":    ys[len(ys)-1],
		"stddev": math.Sqrt(ss / (n - 1)),
	}, nil
}

// LinearRegression fits y = slope*x + intercept by ordinary least squares
// and reports Pearson's r. A constant y gives r = 0.
func LinearRegression(points []model.DataPoint) (map[string]any, error) {
	n := float64(len(points))
	var sx, sy float64
	for _, p := range points {
		sx += p.XValue
		sy += p.YValue
	}
	mx, my := sx/n, sy/n

	var sxx, syy, sxy float64
	for _, p := range points {
		dx, dy := p.XValue-mx, p.YValue-my
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	if sxx == 0 {
		return nil, eris.New("compute: linear regression: x values have zero variance")
	}

	slope := sxy / sxx
	var r float64
	if syy > 0 {
		r = sxy / math.Sqrt(sxx*syy)
	}
	return map[string]any{
		"slope":     slope,
		"intercept": my - slope*mx,
		"r":         r,
		"r_squared": r * r,
		"n":         len(points),
	}, nil
}
