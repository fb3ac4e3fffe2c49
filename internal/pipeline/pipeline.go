// Package pipeline runs the index computation end to end over in-memory
// inputs: supertract construction, regression, weighting and aggregation per
// (CBSA, year) on a worker pool, followed by a sequential chaining fold per
// (CBSA, scheme).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/hpi.report/internal/aggregate"
	"github.com/banshee-data/hpi.report/internal/bmn"
	"github.com/banshee-data/hpi.report/internal/chain"
	"github.com/banshee-data/hpi.report/internal/config"
	"github.com/banshee-data/hpi.report/internal/monitoring"
	"github.com/banshee-data/hpi.report/internal/sales"
	"github.com/banshee-data/hpi.report/internal/supertract"
	"github.com/banshee-data/hpi.report/internal/weighting"
)

var logf = monitoring.Componentf("pipeline")

// Inputs are the filtered, validated tables the pipeline consumes.
type Inputs struct {
	Pairs     []sales.RepeatSalePair
	Centroids []sales.TractCentroid
	Basis     []sales.BasisRecord
}

// IndexRecord is one output row.
type IndexRecord struct {
	CBSA   string  `json:"cbsa_id"`
	Year   int     `json:"year"`
	Scheme string  `json:"weighting_scheme"`
	Value  float64 `json:"index_value"`
	Rate   float64 `json:"appreciation_rate"`
	Gap    bool    `json:"gap"`
}

// Result holds every artifact of a run. All slices are sorted by CBSA, then
// year, then scheme or unit id.
type Result struct {
	Partitions  []*supertract.Partition
	Regressions []bmn.Result
	Weights     []weighting.WeightSet
	Rates       []aggregate.CityYearRate
	Series      []chain.IndexSeries
	Records     []IndexRecord
	Conditions  []monitoring.Condition
}

// Runner executes runs against a fixed configuration and scheme registry.
type Runner struct {
	cfg       *config.RunConfig
	registry  *weighting.Registry
	regressor *bmn.Regressor
}

// NewRunner returns a Runner. A nil registry selects the built-in schemes
// for the configured demographic year.
func NewRunner(cfg *config.RunConfig, registry *weighting.Registry) *Runner {
	if cfg == nil {
		cfg = config.EmptyRunConfig()
	}
	if registry == nil {
		registry = weighting.DefaultRegistry(cfg.GetDemographicYear())
	}
	return &Runner{cfg: cfg, registry: registry, regressor: bmn.NewRegressor()}
}

// cbsaData is the read-only per-CBSA view shared by that CBSA's workers.
type cbsaData struct {
	id      string
	tracts  []sales.TractCentroid
	active  []string
	byTract map[string][]sales.RepeatSalePair
	tally   *sales.Tally
}

type item struct {
	cbsa *cbsaData
	year int
}

type itemResult struct {
	partition   *supertract.Partition
	regressions []bmn.Result
	weights     []weighting.WeightSet
	rates       []aggregate.CityYearRate
}

type run struct {
	*Runner
	schemes []string
	builder *supertract.Builder
	engine  *weighting.Engine
	report  *monitoring.Report
}

// Run computes partitions, rates and index series for every CBSA in the
// inputs. Configuration problems return a *config.ConfigurationError and
// structural failures an *InvariantError; both abort before any output.
// Recoverable conditions are returned in Result.Conditions.
func (r *Runner) Run(ctx context.Context, in Inputs) (*Result, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	schemes := r.cfg.GetWeightingSchemes()
	for _, s := range schemes {
		if _, ok := r.registry.Get(s); !ok {
			return nil, &config.ConfigurationError{Field: "weighting_schemes", Reason: fmt.Sprintf("unknown scheme %q", s)}
		}
	}
	policy, err := chain.ParseGapPolicy(r.cfg.GetGapPolicy())
	if err != nil {
		return nil, &config.ConfigurationError{Field: "gap_policy", Reason: err.Error()}
	}

	rn := &run{
		Runner:  r,
		schemes: schemes,
		builder: supertract.NewBuilder(r.cfg.GetMinHalfPairs()),
		engine:  weighting.NewEngine(r.registry, weighting.NewBasisTable(in.Basis)),
		report:  &monitoring.Report{},
	}

	cbsas, err := rn.prepare(in)
	if err != nil {
		return nil, err
	}

	var items []item
	for _, c := range cbsas {
		for y := r.cfg.GetStartYear(); y <= r.cfg.GetEndYear(); y++ {
			items = append(items, item{cbsa: c, year: y})
		}
	}
	logf("cbsas=%d items=%d schemes=%v workers=%d", len(cbsas), len(items), schemes, r.cfg.GetWorkers())

	results := make([]itemResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.GetWorkers())
	for i := range items {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := rn.process(gctx, items[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Result{}
	for _, res := range results {
		out.Partitions = append(out.Partitions, res.partition)
		out.Regressions = append(out.Regressions, res.regressions...)
		out.Weights = append(out.Weights, res.weights...)
		out.Rates = append(out.Rates, res.rates...)
	}
	sortRates(out.Rates)

	chainer := chain.Chainer{
		StartYear: r.cfg.GetStartYear(),
		EndYear:   r.cfg.GetEndYear(),
		BaseYear:  r.cfg.GetBaseYear(),
		BaseValue: r.cfg.GetBaseIndexValue(),
		Policy:    policy,
	}
	byKey := make(map[[2]string]map[int]float64)
	for _, rate := range out.Rates {
		k := [2]string{rate.CBSA, rate.Scheme}
		if byKey[k] == nil {
			byKey[k] = make(map[int]float64)
		}
		byKey[k][rate.Year] = rate.Rate
	}
	sortedSchemes := append([]string(nil), schemes...)
	sort.Strings(sortedSchemes)
	for _, c := range cbsas {
		for _, s := range sortedSchemes {
			series, gaps, err := chainer.Chain(c.id, s, byKey[[2]string{c.id, s}])
			if err != nil && !errors.Is(err, chain.ErrGap) {
				return nil, err
			}
			for _, gp := range gaps {
				detail := "rate carried flat"
				if policy == chain.Fail {
					detail = "series truncated"
				}
				rn.report.Add(monitoring.Condition{Kind: monitoring.ChainGap, CBSA: gp.CBSA, Year: gp.Year, Scheme: gp.Scheme, Detail: detail})
			}
			out.Series = append(out.Series, series)
			for _, p := range series.Points {
				out.Records = append(out.Records, IndexRecord{CBSA: c.id, Year: p.Year, Scheme: s, Value: p.Value, Rate: p.Rate, Gap: p.Gap})
			}
		}
	}
	SortRecords(out.Records)
	out.Conditions = rn.report.Conditions()
	logf("done: partitions=%d regressions=%d rates=%d records=%d conditions=%d",
		len(out.Partitions), len(out.Regressions), len(out.Rates), len(out.Records), len(out.Conditions))
	return out, nil
}

// prepare groups inputs by CBSA and drops pairs the core cannot use.
func (rn *run) prepare(in Inputs) ([]*cbsaData, error) {
	centroids := make(map[string]map[string]sales.TractCentroid)
	for _, c := range in.Centroids {
		m := centroids[c.CBSA]
		if m == nil {
			m = make(map[string]sales.TractCentroid)
			centroids[c.CBSA] = m
		}
		if _, dup := m[c.Tract]; dup {
			return nil, fmt.Errorf("pipeline: duplicate centroid for tract %s in cbsa %s", c.Tract, c.CBSA)
		}
		m[c.Tract] = c
	}

	unmapped := make(map[[2]string]int)
	var out []*cbsaData
	groups := sales.GroupByCBSA(in.Pairs)
	for id := range centroids {
		if _, ok := groups[id]; !ok {
			rn.report.Add(monitoring.Condition{
				Kind:   monitoring.CBSASkipped,
				CBSA:   id,
				Detail: fmt.Sprintf("no repeat-sale pairs for %d tract(s)", len(centroids[id])),
			})
		}
	}
	for id, pairs := range groups {
		m := centroids[id]
		var kept []sales.RepeatSalePair
		for _, p := range pairs {
			if _, ok := m[p.Tract]; !ok {
				unmapped[[2]string{id, p.Tract}]++
				continue
			}
			if p.SamePeriod() {
				rn.report.Add(monitoring.Condition{
					Kind:   monitoring.SamePeriodPair,
					CBSA:   id,
					Year:   p.FirstYear,
					Units:  []string{p.Tract},
					Detail: fmt.Sprintf("property %s sold twice in %d", p.PropertyID, p.FirstYear),
				})
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			rn.report.Add(monitoring.Condition{
				Kind:   monitoring.CBSASkipped,
				CBSA:   id,
				Detail: fmt.Sprintf("all %d pair(s) dropped", len(pairs)),
			})
			continue
		}

		d := &cbsaData{id: id, byTract: sales.GroupByTract(kept), tally: sales.NewTally(kept)}
		for _, c := range m {
			d.tracts = append(d.tracts, c)
			d.active = append(d.active, c.Tract)
		}
		sort.Slice(d.tracts, func(i, j int) bool { return d.tracts[i].Tract < d.tracts[j].Tract })
		sort.Strings(d.active)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	for k, n := range unmapped {
		rn.report.Add(monitoring.Condition{
			Kind:   monitoring.UnmappedTract,
			CBSA:   k[0],
			Units:  []string{k[1]},
			Detail: fmt.Sprintf("%d pair(s) dropped", n),
		})
	}
	return out, nil
}

// process handles one (CBSA, year): build and verify the partition, regress
// each unit, then weight and aggregate under every scheme.
func (rn *run) process(ctx context.Context, it item) (itemResult, error) {
	c, year := it.cbsa, it.year

	part, err := rn.builder.Build(c.id, year, c.tracts, c.tally)
	if err != nil {
		return itemResult{}, &InvariantError{CBSA: c.id, Year: year, Reason: "supertract build failed", Err: err}
	}
	if err := part.Verify(c.active); err != nil {
		ids := make([]string, len(part.Units))
		for i, u := range part.Units {
			ids[i] = u.ID
		}
		return itemResult{}, &InvariantError{CBSA: c.id, Year: year, Units: ids, Reason: "partition not disjoint and exhaustive", Err: err}
	}
	if part.Degenerate {
		u := part.Units[0]
		rn.report.Add(monitoring.Condition{
			Kind:   monitoring.PartitionDegenerate,
			CBSA:   c.id,
			Year:   year,
			Units:  []string{u.ID},
			Detail: fmt.Sprintf("aggregate half-pairs %d/%d below %d", u.HalfPairs, u.HalfPairsPrev, rn.builder.MinHalfPairs),
		})
	}

	regs := make([]*bmn.Result, len(part.Units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rn.cfg.GetRegressionWorkers())
	for i := range part.Units {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			u := part.Units[i]
			var pairs []sales.RepeatSalePair
			for _, t := range u.Tracts {
				pairs = append(pairs, c.byTract[t]...)
			}
			res, err := rn.regressor.Regress(u.ID, year, pairs)
			if errors.Is(err, bmn.ErrSingular) {
				rn.report.Add(monitoring.Condition{
					Kind:   monitoring.RegressionSingularity,
					CBSA:   c.id,
					Year:   year,
					Units:  []string{u.ID},
					Detail: err.Error(),
				})
				return nil
			}
			if err != nil {
				return err
			}
			regs[i] = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return itemResult{}, err
	}

	out := itemResult{partition: part}
	deltas := make(map[string]float64)
	excluded := make(map[string]bool)
	stats := make([]weighting.UnitStats, len(part.Units))
	for i, u := range part.Units {
		stats[i] = weighting.UnitStats{ID: u.ID, Tracts: u.Tracts, HalfPairs: u.HalfPairs, HalfPairsPrev: u.HalfPairsPrev}
		if regs[i] == nil {
			excluded[u.ID] = true
			continue
		}
		out.regressions = append(out.regressions, *regs[i])
		deltas[u.ID] = regs[i].Delta
	}

	for _, scheme := range rn.schemes {
		ws, err := rn.engine.Weights(c.id, scheme, year, stats, excluded)
		if errors.Is(err, weighting.ErrNormalization) {
			rn.report.Add(monitoring.Condition{
				Kind:   monitoring.WeightNormalizationFailure,
				CBSA:   c.id,
				Year:   year,
				Scheme: scheme,
				Detail: err.Error(),
			})
			continue
		}
		if err != nil {
			return itemResult{}, err
		}
		rate, err := aggregate.Aggregate(ws, deltas)
		if err != nil {
			return itemResult{}, &InvariantError{CBSA: c.id, Year: year, Reason: "aggregation failed", Err: err}
		}
		out.weights = append(out.weights, ws)
		out.rates = append(out.rates, rate)
	}
	sort.Slice(out.weights, func(i, j int) bool { return out.weights[i].Scheme < out.weights[j].Scheme })
	return out, nil
}

func sortRates(rates []aggregate.CityYearRate) {
	sort.SliceStable(rates, func(i, j int) bool {
		a, b := rates[i], rates[j]
		if a.CBSA != b.CBSA {
			return a.CBSA < b.CBSA
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		return a.Scheme < b.Scheme
	})
}

// SortRecords orders records by CBSA, year and scheme.
func SortRecords(records []IndexRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.CBSA != b.CBSA {
			return a.CBSA < b.CBSA
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		return a.Scheme < b.Scheme
	})
}
