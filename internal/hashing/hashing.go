// Package hashing computes the digests used for ingestion dedup and
// compute-run cache keys.
package hashing

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Content returns the lowercase hex SHA-256 of raw document bytes.
func Content(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// canonicalPoint is the subset of a data point that defines analysis input.
// IDs, timestamps and provenance do not change what is computed.
type canonicalPoint struct {
	XVar  string `json:"x_var"`
	YVar  string `json:"y_var"`
	X     string `json:"x"`
	Y     string `json:"y"`
	Units string `json:"units,omitempty"`
}

type computeRunKey struct {
	Method  string           `json:"method"`
	Version string           `json:"version"`
	Params  map[string]any   `json:"params"`
	Points  []canonicalPoint `json:"points"`
}

// ComputeRunKey returns the deterministic hash of a compute run's inputs.
// Point order is irrelevant; params are encoded with sorted keys.
func ComputeRunKey(method, version string, params map[string]any, points []model.DataPoint) (string, error) {
	cps := CanonicalPoints(points)
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(computeRunKey{
		Method:  method,
		Version: version,
		Params:  params,
		Points:  cps,
	})
	if err != nil {
		return "", eris.Wrap(err, "hashing: marshal compute run key")
	}
	return Content(data), nil
}

// CanonicalPoints reduces points to sorted, formatting-stable tuples.
func CanonicalPoints(points []model.DataPoint) []canonicalPoint {
	cps := make([]canonicalPoint, 0, len(points))
	for _, p := range points {
		cps = append(cps, canonicalPoint{
			XVar:  p.XVariable,
			YVar:  p.YVariable,
			X:     formatFloat(p.XValue),
			Y:     formatFloat(p.YValue),
			Units: p.Units,
		})
	}
	sort.Slice(cps, func(i, j int) bool {
		a, b := cps[i], cps[j]
		if a.XVar != b.XVar {
			return a.XVar < b.XVar
		}
		if a.YVar != b.YVar {
			return a.YVar < b.YVar
		}
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Units < b.Units
	})
	return cps
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
