// Package aggregate combines per-supertract appreciation with a weight set
// into a single city-year rate.
package aggregate

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/hpi.report/internal/weighting"
)

// ErrMissingDelta is returned when a unit carries positive weight but has no
// appreciation delta.
var ErrMissingDelta = errors.New("aggregate: weighted unit has no delta")

// CityYearRate is the log appreciation of a CBSA in a year under one scheme.
type CityYearRate struct {
	CBSA         string
	Year         int
	Scheme       string
	Rate         float64
	Units        int // units with positive weight
	SkippedUnits int // units weighted zero
}

// Aggregate returns Σ weight × delta over the weight set's units. Units
// weighted zero need no delta.
func Aggregate(ws weighting.WeightSet, deltas map[string]float64) (CityYearRate, error) {
	ids := make([]string, 0, len(ws.Weights))
	for id := range ws.Weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := CityYearRate{CBSA: ws.CBSA, Year: ws.Year, Scheme: ws.Scheme}
	w := make([]float64, 0, len(ids))
	d := make([]float64, 0, len(ids))
	for _, id := range ids {
		weight := ws.Weights[id]
		if weight == 0 {
			out.SkippedUnits++
			continue
		}
		delta, ok := deltas[id]
		if !ok {
			return CityYearRate{}, fmt.Errorf("%w: cbsa=%s year=%d scheme=%s unit=%s", ErrMissingDelta, ws.CBSA, ws.Year, ws.Scheme, id)
		}
		w = append(w, weight)
		d = append(d, delta)
	}
	out.Units = len(w)
	out.Rate = floats.Dot(w, d)
	return out, nil
}
