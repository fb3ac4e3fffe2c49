package ingest

import (
	"math"
	"sort"

	"github.com/banshee-data/hpi.report/internal/sales"
)

// Filters are the outlier rules applied to candidate repeat-sale pairs.
type Filters struct {
	MinPeriodMonths float64 // pairs closer than this are same-period sales
	MaxAnnualGrowth float64 // |CAGR| above this is rejected
	MaxRatio        float64 // second/first price above this is rejected
	MinRatio        float64 // second/first price below this is rejected
}

// DefaultFilters returns 12 months, 30% CAGR and a [0.25, 10] price ratio.
func DefaultFilters() Filters {
	return Filters{MinPeriodMonths: 12, MaxAnnualGrowth: 0.30, MaxRatio: 10, MinRatio: 0.25}
}

// FilterStats counts candidates removed by each rule, applied in order.
type FilterStats struct {
	Candidates int
	SamePeriod int
	Growth     int
	Ratio      int
	Kept       int
}

const (
	daysPerMonth = 30.44
	daysPerYear  = 365.25
)

// BuildPairs pairs each property's consecutive sales and applies f. Tract
// and CBSA come from the first sale. The result is sorted by property id and
// first sale year.
func BuildPairs(txs []Transaction, f Filters) ([]sales.RepeatSalePair, FilterStats) {
	sorted := make([]Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PropertyID != sorted[j].PropertyID {
			return sorted[i].PropertyID < sorted[j].PropertyID
		}
		return sorted[i].Date.Before(sorted[j].Date)
	})

	var st FilterStats
	var out []sales.RepeatSalePair
	for i := 1; i < len(sorted); i++ {
		a, b := sorted[i-1], sorted[i]
		if a.PropertyID != b.PropertyID {
			continue
		}
		st.Candidates++

		days := b.Date.Sub(a.Date).Hours() / 24
		if days/daysPerMonth < f.MinPeriodMonths {
			st.SamePeriod++
			continue
		}
		ratio := b.Price / a.Price
		cagr := math.Pow(ratio, daysPerYear/days) - 1
		if math.Abs(cagr) > f.MaxAnnualGrowth {
			st.Growth++
			continue
		}
		if ratio > f.MaxRatio || ratio < f.MinRatio {
			st.Ratio++
			continue
		}
		out = append(out, sales.RepeatSalePair{
			PropertyID:    a.PropertyID,
			CBSA:          a.CBSA,
			Tract:         a.Tract,
			FirstYear:     a.Date.Year(),
			SecondYear:    b.Date.Year(),
			LogPriceRatio: math.Log(ratio),
		})
	}
	st.Kept = len(out)
	logf("pairs: candidates=%d same_period=%d growth=%d ratio=%d kept=%d",
		st.Candidates, st.SamePeriod, st.Growth, st.Ratio, st.Kept)
	return out, st
}
