package aggregate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/hpi.report/internal/weighting"
)

func TestAggregate(t *testing.T) {
	ws := weighting.WeightSet{
		CBSA:    "10420",
		Year:    2020,
		Scheme:  "sample",
		Weights: map[string]float64{"u1": 0.25, "u2": 0.75, "u3": 0},
	}
	deltas := map[string]float64{"u1": 0.08, "u2": 0.04}

	got, err := Aggregate(ws, deltas)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	want := CityYearRate{CBSA: "10420", Year: 2020, Scheme: "sample", Rate: 0.05, Units: 2, SkippedUnits: 1}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregateMissingDelta(t *testing.T) {
	ws := weighting.WeightSet{Weights: map[string]float64{"u1": 1}}
	_, err := Aggregate(ws, map[string]float64{})
	if !errors.Is(err, ErrMissingDelta) {
		t.Fatalf("err = %v, want ErrMissingDelta", err)
	}
}

func TestAggregateSingleUnit(t *testing.T) {
	ws := weighting.WeightSet{Weights: map[string]float64{"u1": 1}}
	got, err := Aggregate(ws, map[string]float64{"u1": -0.02})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if got.Rate != -0.02 {
		t.Errorf("Rate = %g, want -0.02", got.Rate)
	}
}
