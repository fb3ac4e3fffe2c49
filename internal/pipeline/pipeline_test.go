package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hpi.report/internal/config"
	"github.com/banshee-data/hpi.report/internal/monitoring"
	"github.com/banshee-data/hpi.report/internal/sales"
	"github.com/banshee-data/hpi.report/internal/weighting"
)

func init() {
	monitoring.SetLogger(nil)
}

func intp(v int) *int         { return &v }
func f64p(v float64) *float64 { return &v }
func strp(v string) *string   { return &v }

// market generates tracts along a line whose log price index rises by
// growth per year. sizes[i] is the number of consecutive-year pairs per year
// for tract i. Pairs are noise-free, so every regression recovers growth.
func market(cbsa string, growth float64, sizes []int, from, to int) ([]sales.TractCentroid, []sales.RepeatSalePair, []sales.BasisRecord) {
	var cs []sales.TractCentroid
	var pairs []sales.RepeatSalePair
	var basis []sales.BasisRecord
	for i, n := range sizes {
		tract := fmt.Sprintf("%s-T%02d", cbsa, i)
		cs = append(cs, sales.TractCentroid{Tract: tract, CBSA: cbsa, Lat: 40 + 0.01*float64(i), Lon: -81})
		for y := from; y < to; y++ {
			for k := 0; k < n; k++ {
				pairs = append(pairs, sales.RepeatSalePair{
					PropertyID:    fmt.Sprintf("%s-%d-%d", tract, y, k),
					CBSA:          cbsa,
					Tract:         tract,
					FirstYear:     y,
					SecondYear:    y + 1,
					LogPriceRatio: growth,
				})
			}
		}
		for y := from; y <= to; y++ {
			v := float64(100 + i)
			basis = append(basis, sales.BasisRecord{
				Tract: tract, Year: y,
				HousingUnits: f64p(v), HousingValue: f64p(v * 1000), UPB: f64p(v * 10),
				CollegePopulation: f64p(v / 2), NonWhitePopulation: f64p(v / 3),
			})
		}
	}
	return cs, pairs, basis
}

func testInputs() Inputs {
	var in Inputs
	add := func(cs []sales.TractCentroid, ps []sales.RepeatSalePair, bs []sales.BasisRecord) {
		in.Centroids = append(in.Centroids, cs...)
		in.Pairs = append(in.Pairs, ps...)
		in.Basis = append(in.Basis, bs...)
	}
	add(market("10420", 0.03, []int{30, 5, 12, 8, 40, 2}, 2000, 2010))
	add(market("19100", 0.01, []int{2, 1}, 2000, 2010))
	in.Pairs = append(in.Pairs,
		sales.RepeatSalePair{PropertyID: "orphan", CBSA: "10420", Tract: "nowhere", FirstYear: 2003, SecondYear: 2005},
		sales.RepeatSalePair{PropertyID: "flip", CBSA: "10420", Tract: "10420-T00", FirstYear: 2004, SecondYear: 2004},
	)
	return in
}

func testConfig() *config.RunConfig {
	return &config.RunConfig{
		MinHalfPairs:      intp(40),
		StartYear:         intp(2001),
		EndYear:           intp(2009),
		BaseYear:          intp(2003),
		Workers:           intp(4),
		RegressionWorkers: intp(2),
	}
}

func TestRunEndToEnd(t *testing.T) {
	res, err := NewRunner(testConfig(), nil).Run(context.Background(), testInputs())
	require.NoError(t, err)

	// 2 CBSAs x 9 years.
	require.Len(t, res.Partitions, 18)
	for _, p := range res.Partitions {
		assert.True(t, p.MeetsThreshold(40), "cbsa=%s year=%d", p.CBSA, p.Year)
		var active []string
		for _, c := range testInputs().Centroids {
			if c.CBSA == p.CBSA {
				active = append(active, c.Tract)
			}
		}
		assert.NoError(t, p.Verify(active))
		if p.CBSA == "19100" {
			assert.True(t, p.Degenerate)
		}
	}

	for _, ws := range res.Weights {
		assert.InDelta(t, 1, ws.Sum(), weighting.Tolerance, "%s %d %s", ws.CBSA, ws.Year, ws.Scheme)
	}

	// 6 schemes x 9 years x 2 CBSAs.
	require.Len(t, res.Records, 108)
	for _, r := range res.Records {
		growth := 0.03
		if r.CBSA == "19100" {
			growth = 0.01
		}
		want := 100 * math.Exp(growth*float64(r.Year-2003))
		assert.InDelta(t, want, r.Value, 1e-6, "%s %d %s", r.CBSA, r.Year, r.Scheme)
		assert.False(t, r.Gap)
	}
	for i := 1; i < len(res.Records); i++ {
		a, b := res.Records[i-1], res.Records[i]
		ordered := a.CBSA < b.CBSA || (a.CBSA == b.CBSA && (a.Year < b.Year || (a.Year == b.Year && a.Scheme < b.Scheme)))
		assert.True(t, ordered, "records out of order at %d", i)
	}

	counts := map[monitoring.ConditionKind]int{}
	for _, c := range res.Conditions {
		counts[c.Kind]++
	}
	assert.Equal(t, 9, counts[monitoring.PartitionDegenerate])
	assert.Equal(t, 1, counts[monitoring.SamePeriodPair])
	assert.Equal(t, 1, counts[monitoring.UnmappedTract])
	assert.Zero(t, counts[monitoring.ChainGap])
	assert.Zero(t, counts[monitoring.CBSASkipped])
}

func TestRunReportsSkippedCBSAs(t *testing.T) {
	in := testInputs()
	// Centroids but no pairs.
	in.Centroids = append(in.Centroids, sales.TractCentroid{Tract: "99999-T00", CBSA: "99999", Lat: 35, Lon: -90})
	// Pairs, all of them unmapped or same-period.
	in.Centroids = append(in.Centroids, sales.TractCentroid{Tract: "88888-T00", CBSA: "88888", Lat: 36, Lon: -91})
	in.Pairs = append(in.Pairs,
		sales.RepeatSalePair{PropertyID: "a", CBSA: "88888", Tract: "88888-T01", FirstYear: 2002, SecondYear: 2004},
		sales.RepeatSalePair{PropertyID: "b", CBSA: "88888", Tract: "88888-T00", FirstYear: 2003, SecondYear: 2003},
	)

	res, err := NewRunner(testConfig(), nil).Run(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Records, 108, "skipped CBSAs add no records")

	var skipped []string
	for _, c := range res.Conditions {
		if c.Kind == monitoring.CBSASkipped {
			skipped = append(skipped, c.CBSA)
		}
	}
	assert.Equal(t, []string{"88888", "99999"}, skipped)
}

func TestRunIdempotent(t *testing.T) {
	cfg := testConfig()
	a, err := NewRunner(cfg, nil).Run(context.Background(), testInputs())
	require.NoError(t, err)

	cfg.Workers = intp(1)
	b, err := NewRunner(cfg, nil).Run(context.Background(), testInputs())
	require.NoError(t, err)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("runs differ (-first +second):\n%s", diff)
	}
}

func TestRunSingularUnitGetsZeroWeight(t *testing.T) {
	in := Inputs{
		Centroids: []sales.TractCentroid{
			{Tract: "P", CBSA: "X", Lat: 0, Lon: 0},
			{Tract: "Q", CBSA: "X", Lat: 0, Lon: 1},
		},
		Basis: []sales.BasisRecord{
			{Tract: "P", Year: 2006, HousingUnits: f64p(10)},
			{Tract: "Q", Year: 2006, HousingUnits: f64p(30)},
		},
	}
	for y := 2000; y < 2008; y++ {
		in.Pairs = append(in.Pairs, sales.RepeatSalePair{PropertyID: fmt.Sprint(y), CBSA: "X", Tract: "P", FirstYear: y, SecondYear: y + 1, LogPriceRatio: 0.02})
	}
	// Q only ever trades between 2003 and 2004.
	for k := 0; k < 3; k++ {
		in.Pairs = append(in.Pairs, sales.RepeatSalePair{PropertyID: fmt.Sprint("q", k), CBSA: "X", Tract: "Q", FirstYear: 2003, SecondYear: 2004, LogPriceRatio: 0.1})
	}

	cfg := &config.RunConfig{
		MinHalfPairs:     intp(0),
		StartYear:        intp(2006),
		EndYear:          intp(2006),
		WeightingSchemes: []string{"unit"},
	}
	res, err := NewRunner(cfg, nil).Run(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, res.Weights, 1)
	ws := res.Weights[0]
	require.Len(t, ws.Weights, 2)
	assert.Equal(t, 1.0, ws.Weights["X_2006_ST0001"])
	assert.Equal(t, 0.0, ws.Weights["X_2006_ST0002"])
	assert.Equal(t, []string{"X_2006_ST0002"}, ws.Excluded)

	require.Len(t, res.Rates, 1)
	assert.InDelta(t, 0.02, res.Rates[0].Rate, 1e-12)

	var singular []monitoring.Condition
	for _, c := range res.Conditions {
		if c.Kind == monitoring.RegressionSingularity {
			singular = append(singular, c)
		}
	}
	require.Len(t, singular, 1)
	assert.Equal(t, []string{"X_2006_ST0002"}, singular[0].Units)
}

func TestRunNormalizationFailureOmitsRate(t *testing.T) {
	in := testInputs()
	in.Basis = nil
	cfg := testConfig()
	cfg.WeightingSchemes = []string{"sample", "value"}
	cfg.GapPolicy = strp("fail")

	res, err := NewRunner(cfg, nil).Run(context.Background(), in)
	require.NoError(t, err)
	for _, r := range res.Rates {
		assert.Equal(t, "sample", r.Scheme)
	}

	counts := map[monitoring.ConditionKind]int{}
	for _, c := range res.Conditions {
		counts[c.Kind]++
	}
	assert.Equal(t, 18, counts[monitoring.WeightNormalizationFailure])
	// Each value series keeps only the base year: gaps in 2002..2009.
	assert.Equal(t, 16, counts[monitoring.ChainGap])
	for _, s := range res.Series {
		if s.Scheme == "value" {
			require.Len(t, s.Points, 1)
			assert.Equal(t, 100.0, s.Points[0].Value)
			assert.True(t, s.Points[0].Gap)
		}
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	bad := testConfig()
	bad.StartYear = intp(2010)
	_, err := NewRunner(bad, nil).Run(context.Background(), testInputs())
	var cerr *config.ConfigurationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "start_year", cerr.Field)

	unknown := testConfig()
	unknown.WeightingSchemes = []string{"sample", "bogus"}
	_, err = NewRunner(unknown, nil).Run(context.Background(), testInputs())
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "weighting_schemes", cerr.Field)
}

func TestRunCustomScheme(t *testing.T) {
	reg := weighting.DefaultRegistry(2010)
	reg.Register(&weighting.SchemeDefinition{
		Name:  "equal",
		Basis: func(weighting.UnitStats, int, *weighting.BasisTable) (float64, bool) { return 1, true },
	})
	cfg := testConfig()
	cfg.WeightingSchemes = []string{"equal"}
	res, err := NewRunner(cfg, reg).Run(context.Background(), testInputs())
	require.NoError(t, err)
	require.NotEmpty(t, res.Records)
	for _, r := range res.Records {
		assert.Equal(t, "equal", r.Scheme)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(testConfig(), nil).Run(ctx, testInputs())
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestRunDuplicateCentroid(t *testing.T) {
	in := testInputs()
	in.Centroids = append(in.Centroids, in.Centroids[0])
	_, err := NewRunner(testConfig(), nil).Run(context.Background(), in)
	assert.Error(t, err)
}

func TestInvariantErrorMessage(t *testing.T) {
	inner := errors.New("tract A not covered")
	err := &InvariantError{CBSA: "X", Year: 2020, Units: []string{"u1", "u2"}, Reason: "partition not disjoint and exhaustive", Err: inner}
	assert.Equal(t, "invariant violated: cbsa=X year=2020 units=u1,u2: partition not disjoint and exhaustive: tract A not covered", err.Error())
	assert.True(t, errors.Is(err, inner))
}
